package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/BTreeMap/RiskPipe/internal/store"
	"github.com/BTreeMap/RiskPipe/internal/whatsapp"
)

func newTestHandler(opts ...HandlerOption) (*ResponseHandler, *whatsapp.MockClient, *WhatsAppService) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	return NewResponseHandler(svc, opts...), mockClient, svc
}

func TestResponseHandler_RegisterHook(t *testing.T) {
	rh, _, _ := newTestHandler()
	if err := rh.RegisterHook("+1 555 123 4567", func(context.Context, string, string, int64) (bool, error) { return true, nil }); err != nil {
		t.Fatalf("RegisterHook: %v", err)
	}
	if !rh.IsHookRegistered("15551234567") {
		t.Error("hook should be found by canonical number")
	}
	if rh.GetHookCount() != 1 {
		t.Errorf("hook count = %d", rh.GetHookCount())
	}
	if err := rh.RegisterHook("abc", nil); err == nil {
		t.Error("expected error for invalid recipient")
	}
	if err := rh.UnregisterHook("15551234567"); err != nil {
		t.Fatalf("UnregisterHook: %v", err)
	}
	if rh.IsHookRegistered("15551234567") {
		t.Error("hook should be gone")
	}
}

func TestResponseHandler_ProcessResponse_Hook(t *testing.T) {
	rh, mockClient, _ := newTestHandler()
	var gotFrom, gotText string
	rh.RegisterHook("15551234567", func(ctx context.Context, from, text string, ts int64) (bool, error) {
		gotFrom, gotText = from, text
		return true, nil
	})

	err := rh.ProcessResponse(context.Background(), models.Response{From: "+15551234567", Body: "yes", Time: 1})
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if gotFrom != "15551234567" || gotText != "yes" {
		t.Errorf("hook got from=%q text=%q", gotFrom, gotText)
	}
	if len(mockClient.Sent()) != 0 {
		t.Errorf("handled response should not trigger default message, sent %+v", mockClient.Sent())
	}
}

func TestResponseHandler_ProcessResponse_Default(t *testing.T) {
	rh, mockClient, _ := newTestHandler()
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "hello"}); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	sent := mockClient.Sent()
	if len(sent) != 1 || sent[0].Body != DefaultFallbackMessage {
		t.Errorf("sent = %+v", sent)
	}

	rh.RegisterHook("15551234567", func(context.Context, string, string, int64) (bool, error) { return false, nil })
	rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "hello"})
	sent = mockClient.Sent()
	if len(sent) != 2 || sent[1].Body != DefaultFallbackMessage {
		t.Errorf("declined hook should fall through to default, sent %+v", sent)
	}
}

func TestResponseHandler_ProcessResponse_HookError(t *testing.T) {
	rh, mockClient, _ := newTestHandler()
	boom := errors.New("boom")
	rh.RegisterHook("15551234567", func(context.Context, string, string, int64) (bool, error) { return false, boom })

	err := rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "x"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	sent := mockClient.Sent()
	if len(sent) != 1 || sent[0].Body != DefaultErrorMessage {
		t.Errorf("sent = %+v", sent)
	}
}

func TestResponseHandler_AutoEnroll(t *testing.T) {
	enrolled := []string{}
	factory := func(participant string) ResponseAction {
		enrolled = append(enrolled, participant)
		return func(context.Context, string, string, int64) (bool, error) { return true, nil }
	}
	rh, _, _ := newTestHandler(WithAutoEnroll(factory))

	for i := 0; i < 3; i++ {
		if err := rh.ProcessResponse(context.Background(), models.Response{From: "+15551234567", Body: "hi"}); err != nil {
			t.Fatalf("ProcessResponse: %v", err)
		}
	}
	if len(enrolled) != 1 || enrolled[0] != "15551234567" {
		t.Errorf("enrolled = %v, want one enrollment of 15551234567", enrolled)
	}
	if !rh.IsHookRegistered("15551234567") {
		t.Error("auto-enrolled participant should have a hook")
	}
}

func TestResponseHandler_HookTimeout(t *testing.T) {
	rh, mockClient, _ := newTestHandler(WithHookTimeout(20 * time.Millisecond))
	rh.RegisterHook("15551234567", func(ctx context.Context, _, _ string, _ int64) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "x"}); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	sent := mockClient.Sent()
	if len(sent) != 1 || sent[0].Body != DefaultTimeoutMessage {
		t.Errorf("sent = %+v", sent)
	}
}

func TestResponseHandler_StartProcessesChannel(t *testing.T) {
	svc := NewTwilioService(nil)
	rh := NewResponseHandler(svc)
	got := make(chan string, 1)
	rh.RegisterHook("15551234567", func(_ context.Context, _, text string, _ int64) (bool, error) {
		got <- text
		return true, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)
	svc.safeEmitResponse(models.Response{From: "15551234567", Body: "yes"})

	select {
	case text := <-got:
		if text != "yes" {
			t.Errorf("text = %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("response was not processed")
	}
}

func TestRecordReceipts(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	st := store.NewInMemoryStore()
	done := make(chan struct{})
	go func() {
		RecordReceipts(context.Background(), svc, st)
		close(done)
	}()

	svc.SendMessage(context.Background(), "15551234567", "hello")
	svc.Stop()
	<-done

	receipts, _ := st.GetReceipts()
	if len(receipts) != 1 || receipts[0].Status != models.MessageStatusSent {
		t.Errorf("receipts = %+v", receipts)
	}
}
