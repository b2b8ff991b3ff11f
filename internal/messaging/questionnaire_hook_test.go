package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/flow"
	"github.com/BTreeMap/RiskPipe/internal/inference"
	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/BTreeMap/RiskPipe/internal/store"
	"github.com/BTreeMap/RiskPipe/internal/whatsapp"
)

const participant = "15551234567"

// highBPOnly is high risk exactly when the first answer is yes.
func highBPOnly() flow.InferFunc {
	coef := models.FeatureVector{}
	coef[0] = 2
	return inference.NewInvoker(inference.NewLogistic(-1, coef, 0)).Infer
}

type fakeNarrator struct {
	note  string
	err   error
	calls int
}

func (f *fakeNarrator) NarrateResult(context.Context, models.FeatureVector, models.InferenceResult) (string, error) {
	f.calls++
	return f.note, f.err
}

type questionnaireFixture struct {
	client  *whatsapp.MockClient
	handler *ResponseHandler
	store   *store.InMemoryStore
}

func newQuestionnaireFixture(infer flow.InferFunc, sessionOpts []flow.ConversationOption, opts ...QuestionnaireOption) *questionnaireFixture {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)
	st := store.NewInMemoryStore()
	q := NewQuestionnaire(svc, flow.NewSessionManager(sessionOpts...), infer, st, opts...)
	return &questionnaireFixture{
		client:  client,
		handler: NewResponseHandler(svc, WithAutoEnroll(q.Hook)),
		store:   st,
	}
}

func (f *questionnaireFixture) say(t *testing.T, text string) string {
	t.Helper()
	before := len(f.client.Sent())
	if err := f.handler.ProcessResponse(context.Background(), models.Response{From: "+" + participant, Body: text}); err != nil {
		t.Fatalf("ProcessResponse(%q): %v", text, err)
	}
	sent := f.client.Sent()
	if len(sent) != before+1 {
		t.Fatalf("expected exactly one reply to %q, got %d", text, len(sent)-before)
	}
	return sent[len(sent)-1].Body
}

var highRiskAnswers = []string{"yes", "yes", "31.5", "no", "no", "no", "4", "10", "12", "yes", "11", "2"}

func TestQuestionnaire_FullConversation(t *testing.T) {
	f := newQuestionnaireFixture(highBPOnly(), nil)

	reply := f.say(t, "hi")
	if !strings.HasPrefix(reply, WelcomeMessage) || !strings.Contains(reply, "Question 1/12") {
		t.Fatalf("greeting reply = %q", reply)
	}

	for i, answer := range highRiskAnswers[:11] {
		reply = f.say(t, answer)
		q, _ := models.Question(i + 1)
		if reply != FormatPrompt(models.SessionView{Stage: i + 1, Total: 12, Question: &q}) {
			t.Fatalf("after answer %d reply = %q", i, reply)
		}
	}

	reply = f.say(t, highRiskAnswers[11])
	if !strings.HasPrefix(reply, "⚠️ High risk of diabetes detected.\nProbability: 73.11%") {
		t.Errorf("result reply = %q", reply)
	}
	if !strings.HasSuffix(reply, RestartHint) {
		t.Errorf("result should end with restart hint: %q", reply)
	}

	assessments, _ := f.store.ListAssessments()
	if len(assessments) != 1 {
		t.Fatalf("assessments = %d, want 1", len(assessments))
	}
	a := assessments[0]
	if a.ParticipantID != participant || a.Source != models.AssessmentSourceChat || a.Label != 1 {
		t.Errorf("assessment = %+v", a)
	}
	want, _ := flow.Assemble(highRiskAnswers)
	if a.Features != want {
		t.Errorf("features = %v, want %v", a.Features, want)
	}

	// Further messages repeat the result without running inference or storing again.
	again := f.say(t, "thanks")
	if again != reply {
		t.Errorf("post-completion reply = %q, want %q", again, reply)
	}
	if assessments, _ := f.store.ListAssessments(); len(assessments) != 1 {
		t.Errorf("assessments after extra message = %d, want 1", len(assessments))
	}
}

func TestQuestionnaire_Restart(t *testing.T) {
	f := newQuestionnaireFixture(highBPOnly(), nil)
	f.say(t, "start")
	f.say(t, "yes")
	f.say(t, "no")

	reply := f.say(t, "  Restart ")
	if !strings.Contains(reply, "Question 1/12") {
		t.Fatalf("restart reply = %q", reply)
	}

	for _, answer := range []string{"no", "no", "22", "no", "no", "yes", "1", "0", "0", "no", "2", "8"} {
		reply = f.say(t, answer)
	}
	if !strings.HasPrefix(reply, "✅ Low risk of diabetes.\nProbability: 26.89%") {
		t.Errorf("result reply = %q", reply)
	}
}

func TestQuestionnaire_StrictModeRepeatsQuestion(t *testing.T) {
	f := newQuestionnaireFixture(highBPOnly(), []flow.ConversationOption{flow.WithStrictAnswers(true)})
	f.say(t, "start")

	reply := f.say(t, "maybe")
	if !strings.HasPrefix(reply, InvalidAnswerMessage) || !strings.Contains(reply, "Question 1/12") {
		t.Errorf("strict reply = %q", reply)
	}
	reply = f.say(t, "yes")
	if !strings.Contains(reply, "Question 2/12") {
		t.Errorf("after valid answer reply = %q", reply)
	}
}

func TestQuestionnaire_Narration(t *testing.T) {
	narrator := &fakeNarrator{note: "Blood pressure raised the estimate."}
	f := newQuestionnaireFixture(highBPOnly(), nil, WithNarrator(narrator))
	f.say(t, "start")
	var reply string
	for _, answer := range highRiskAnswers {
		reply = f.say(t, answer)
	}
	if !strings.Contains(reply, "\n\nBlood pressure raised the estimate.\n\n") {
		t.Errorf("reply missing narration: %q", reply)
	}

	f.say(t, "ok")
	if narrator.calls != 1 {
		t.Errorf("narrator calls = %d, want 1", narrator.calls)
	}
}

func TestQuestionnaire_NarrationFailureSendsPlainResult(t *testing.T) {
	f := newQuestionnaireFixture(highBPOnly(), nil, WithNarrator(&fakeNarrator{err: errors.New("quota")}))
	f.say(t, "start")
	var reply string
	for _, answer := range highRiskAnswers {
		reply = f.say(t, answer)
	}
	want := "⚠️ High risk of diabetes detected.\nProbability: 73.11%\n\n" + RestartHint
	if reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}
}

func TestQuestionnaire_InferenceFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	failing := func(context.Context, models.FeatureVector) (models.InferenceResult, error) {
		return models.InferenceResult{}, boom
	}
	f := newQuestionnaireFixture(failing, nil)
	f.say(t, "start")
	for _, answer := range highRiskAnswers[:11] {
		f.say(t, answer)
	}

	err := f.handler.ProcessResponse(context.Background(), models.Response{From: participant, Body: highRiskAnswers[11]})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	sent := f.client.Sent()
	if sent[len(sent)-1].Body != DefaultErrorMessage {
		t.Errorf("last message = %q", sent[len(sent)-1].Body)
	}
	if assessments, _ := f.store.ListAssessments(); len(assessments) != 0 {
		t.Errorf("no assessment should be stored on failure, got %d", len(assessments))
	}
}

// gatedNarrator blocks until release is closed, ignoring its context.
type gatedNarrator struct {
	release chan struct{}
}

func (g gatedNarrator) NarrateResult(context.Context, models.FeatureVector, models.InferenceResult) (string, error) {
	<-g.release
	return "late note", nil
}

func TestQuestionnaire_ResultFollowsTimeoutNotice(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)
	st := store.NewInMemoryStore()
	narrator := gatedNarrator{release: make(chan struct{})}
	q := NewQuestionnaire(svc, flow.NewSessionManager(), highBPOnly(), st, WithNarrator(narrator))
	rh := NewResponseHandler(svc, WithAutoEnroll(q.Hook), WithHookTimeout(100*time.Millisecond))

	for _, text := range append([]string{"start"}, highRiskAnswers...) {
		if err := rh.ProcessResponse(context.Background(), models.Response{From: participant, Body: text}); err != nil {
			t.Fatalf("ProcessResponse(%q): %v", text, err)
		}
	}
	sent := client.Sent()
	if last := sent[len(sent)-1].Body; last != DefaultTimeoutMessage {
		t.Fatalf("last message before release = %q, want timeout notice", last)
	}

	close(narrator.release)
	deadline := time.After(time.Second)
	for len(client.Sent()) == len(sent) {
		select {
		case <-deadline:
			t.Fatal("result never arrived after the timeout notice")
		case <-time.After(5 * time.Millisecond):
		}
	}
	late := client.Sent()[len(sent)].Body
	if !strings.HasPrefix(late, "⚠️ High risk of diabetes detected.") || !strings.Contains(late, "late note") {
		t.Errorf("late reply = %q", late)
	}
	if assessments, _ := st.ListAssessments(); len(assessments) != 1 {
		t.Errorf("assessments = %d, want 1", len(assessments))
	}
}

func TestUnregisterOnPrune(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)
	sessions := flow.NewSessionManager()
	q := NewQuestionnaire(svc, sessions, highBPOnly(), store.NewInMemoryStore())
	rh := NewResponseHandler(svc, WithAutoEnroll(q.Hook))

	rh.ProcessResponse(context.Background(), models.Response{From: participant, Body: "hi"})
	if !rh.IsHookRegistered(participant) || sessions.Count() != 1 {
		t.Fatalf("participant not enrolled: hooks=%d sessions=%d", rh.GetHookCount(), sessions.Count())
	}

	release := UnregisterOnPrune(rh)
	release("0b6a2f1e-2d1c-4f7e-9b8a-3c2d1e0f9a8b")
	if rh.GetHookCount() != 1 {
		t.Errorf("non-participant session released a hook")
	}

	time.Sleep(2 * time.Millisecond)
	pruner := flow.NewSessionPruner(sessions, time.Millisecond, time.Minute, flow.WithOnPrune(release))
	if n := pruner.Prune(); n != 1 {
		t.Fatalf("pruned %d sessions, want 1", n)
	}
	if rh.IsHookRegistered(participant) || rh.GetHookCount() != 0 {
		t.Errorf("hook should be released with the session, count = %d", rh.GetHookCount())
	}

	// A returning participant starts over with a greeting.
	rh.ProcessResponse(context.Background(), models.Response{From: participant, Body: "yes"})
	sent := client.Sent()
	if body := sent[len(sent)-1].Body; !strings.HasPrefix(body, WelcomeMessage) {
		t.Errorf("reply after prune = %q", body)
	}
}

func TestParticipantFromSessionID(t *testing.T) {
	if p, ok := ParticipantFromSessionID(SessionID(participant)); !ok || p != participant {
		t.Errorf("round trip = %q, %v", p, ok)
	}
	if _, ok := ParticipantFromSessionID("not-a-participant"); ok {
		t.Error("plain ID should not map to a participant")
	}
}
