package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/BTreeMap/RiskPipe/internal/whatsapp"
)

// Ensure WhatsAppService implements Service interface
func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*TwilioService)(nil)
}

func TestWhatsAppService_ValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Test SendMessage emits a sent receipt
func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "+1 555 123 4567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mockClient.Sent()
	if len(sent) != 1 || sent[0].To != "15551234567" {
		t.Fatalf("sent = %+v", sent)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "15551234567" {
			t.Errorf("expected receipt.To 15551234567, got %s", receipt.To)
		}
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("expected receipt.Status %s, got %s", models.MessageStatusSent, receipt.Status)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_SendMessage_FailedReceipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	mockClient.Err = errors.New("offline")
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "15551234567", "hello"); err == nil {
		t.Fatal("expected error")
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.Status != models.MessageStatusFailed {
			t.Errorf("status = %s, want failed", receipt.Status)
		}
	default:
		t.Fatal("expected failed receipt")
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if receipt, ok := <-svc.Receipts(); ok {
		t.Errorf("expected receipts channel closed, got value %v", receipt)
	}
	if response, ok := <-svc.Responses(); ok {
		t.Errorf("expected responses channel closed, got value %v", response)
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendMessage after Stop err = %v, want ErrServiceStopped", err)
	}
}
