package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/flow"
	"github.com/BTreeMap/RiskPipe/internal/inference"
	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/BTreeMap/RiskPipe/internal/store"
	"github.com/google/uuid"
)

const (
	// WelcomeMessage opens every questionnaire run.
	WelcomeMessage = "👋 Hi! I'll ask you 12 short questions to estimate your risk of diabetes. This is a screening aid, not a diagnosis."
	// RestartHint follows every result.
	RestartHint = "Send \"restart\" to take the questionnaire again."
	// InvalidAnswerMessage precedes a repeated question in strict mode.
	InvalidAnswerMessage = "Sorry, I couldn't understand that answer."

	participantSessionPrefix = "participant:"
)

// Narrator writes an optional note to accompany a result.
type Narrator interface {
	NarrateResult(ctx context.Context, v models.FeatureVector, r models.InferenceResult) (string, error)
}

// Questionnaire runs the risk questionnaire over a messaging service, one
// in-memory session per participant.
type Questionnaire struct {
	msg      Service
	sessions *flow.SessionManager
	infer    flow.InferFunc
	store    store.Store
	narrator Narrator
}

// QuestionnaireOption configures a Questionnaire.
type QuestionnaireOption func(*Questionnaire)

// WithNarrator appends a generated note to each fresh result.
func WithNarrator(n Narrator) QuestionnaireOption {
	return func(q *Questionnaire) { q.narrator = n }
}

// NewQuestionnaire wires the questionnaire to its collaborators.
func NewQuestionnaire(msg Service, sessions *flow.SessionManager, infer flow.InferFunc, st store.Store, opts ...QuestionnaireOption) *Questionnaire {
	q := &Questionnaire{msg: msg, sessions: sessions, infer: infer, store: st}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SessionID maps a canonical phone number to its session key.
func SessionID(participant string) string {
	return participantSessionPrefix + participant
}

// ParticipantFromSessionID reverses SessionID.
func ParticipantFromSessionID(id string) (string, bool) {
	return strings.CutPrefix(id, participantSessionPrefix)
}

// UnregisterOnPrune returns a prune callback that drops the hook of every
// participant whose session was pruned. A participant who writes again is
// auto-enrolled afresh.
func UnregisterOnPrune(rh *ResponseHandler) func(sessionID string) {
	return func(sessionID string) {
		participant, ok := ParticipantFromSessionID(sessionID)
		if !ok {
			return
		}
		if err := rh.UnregisterHook(participant); err != nil {
			slog.Warn("Questionnaire failed to release idle participant", "error", err, "participant", participant)
			return
		}
		slog.Debug("Questionnaire released idle participant", "participant", participant, "hooks", rh.GetHookCount())
	}
}

// FormatPrompt renders the question a session is waiting on.
func FormatPrompt(view models.SessionView) string {
	if view.Question == nil {
		return ""
	}
	return fmt.Sprintf("Question %d/%d: %s", view.Stage+1, view.Total, view.Question.Prompt)
}

// Begin resets the participant's session and sends the welcome and first question.
func (q *Questionnaire) Begin(ctx context.Context, participant string) error {
	sess, _ := q.sessions.GetOrCreate(SessionID(participant))
	view := sess.Reset()
	slog.Info("Questionnaire started", "participant", participant)
	return q.send(ctx, participant, WelcomeMessage+"\n\n"+FormatPrompt(view))
}

// Hook returns the ResponseAction for one participant. It satisfies HookFactory.
func (q *Questionnaire) Hook(participant string) ResponseAction {
	return func(ctx context.Context, from, responseText string, timestamp int64) (bool, error) {
		return q.handle(ctx, participant, responseText)
	}
}

func (q *Questionnaire) handle(ctx context.Context, participant, text string) (bool, error) {
	command := strings.ToLower(strings.TrimSpace(text))
	if command == "start" || command == "restart" {
		return true, q.Begin(ctx, participant)
	}

	sess, created := q.sessions.GetOrCreate(SessionID(participant))
	if created {
		// A first message is a greeting, not an answer.
		slog.Debug("Questionnaire new participant", "participant", participant)
		return true, q.send(ctx, participant, WelcomeMessage+"\n\n"+FormatPrompt(sess.View()))
	}

	view, err := sess.Record(text)
	switch {
	case errors.Is(err, flow.ErrInvalidAnswer):
		slog.Debug("Questionnaire rejected answer", "participant", participant, "stage", view.Stage)
		return true, q.send(ctx, participant, InvalidAnswerMessage+"\n"+FormatPrompt(view))
	case errors.Is(err, flow.ErrConversationComplete):
		return true, q.finish(ctx, participant, sess)
	case err != nil:
		return false, err
	}

	if !view.Terminal {
		return true, q.send(ctx, participant, FormatPrompt(view))
	}
	return true, q.finish(ctx, participant, sess)
}

// finish runs inference once per completed conversation and sends the result.
// Messages after completion get the same result again until a restart.
func (q *Questionnaire) finish(ctx context.Context, participant string, sess *flow.Session) error {
	vector, result, fresh, err := sess.Complete(ctx, q.infer)
	if err != nil {
		return err
	}

	text := inference.RenderResult(result)
	if fresh {
		q.record(participant, vector, result)
		if q.narrator != nil {
			note, err := q.narrator.NarrateResult(ctx, vector, result)
			if err != nil {
				slog.Warn("Questionnaire narration failed, sending plain result", "error", err, "participant", participant)
			} else if note != "" {
				text += "\n\n" + note
			}
		}
	}
	return q.send(ctx, participant, text+"\n\n"+RestartHint)
}

// send delivers a reply even after the hook's deadline has passed: by then the
// answer is recorded, so the participant still needs what comes next.
func (q *Questionnaire) send(ctx context.Context, participant, text string) error {
	return q.msg.SendMessage(context.WithoutCancel(ctx), participant, text)
}

func (q *Questionnaire) record(participant string, vector models.FeatureVector, result models.InferenceResult) {
	if q.store == nil {
		return
	}
	a := models.Assessment{
		ID:            uuid.NewString(),
		ParticipantID: participant,
		Source:        models.AssessmentSourceChat,
		Features:      vector,
		Label:         result.Label,
		Probability:   result.Probability,
		CreatedAt:     time.Now().UTC(),
	}
	if err := q.store.AddAssessment(a); err != nil {
		slog.Error("Questionnaire failed to store assessment", "error", err, "participant", participant)
		return
	}
	slog.Info("Questionnaire assessment stored", "participant", participant, "assessmentID", a.ID, "label", a.Label)
}
