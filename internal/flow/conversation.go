package flow

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

var (
	// ErrConversationComplete is returned when an answer arrives after the last question.
	ErrConversationComplete = errors.New("conversation already complete")
	// ErrIncompleteHistory is returned when a vector is requested before every question is answered.
	ErrIncompleteHistory = errors.New("answer history incomplete")
)

// TerminalStage is the stage reached once every question has been answered.
const TerminalStage = models.QuestionCount

// ConversationState tracks one participant's progress through the questionnaire.
//
// Stage s in [0,11] means question s is awaiting an answer; TerminalStage means
// the history is complete. The history is append-only and its length always
// equals the stage. A submitted answer sits in the pending buffer until Commit
// moves it into the history, so a repeated Commit without a new Submit is a no-op.
type ConversationState struct {
	stage   int
	history []string
	pending *string
	strict  bool
}

// ConversationOption configures a ConversationState.
type ConversationOption func(*ConversationState)

// WithStrictAnswers makes Commit reject malformed answers instead of defaulting them.
// A rejected answer leaves the stage unchanged so the question can be asked again.
func WithStrictAnswers(strict bool) ConversationOption {
	return func(c *ConversationState) {
		c.strict = strict
	}
}

// NewConversationState returns a state at stage 0 with an empty history.
func NewConversationState(opts ...ConversationOption) *ConversationState {
	c := &ConversationState{history: make([]string, 0, models.QuestionCount)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stage returns the number of committed answers.
func (c *ConversationState) Stage() int {
	return c.stage
}

// IsTerminal reports whether every question has been answered.
func (c *ConversationState) IsTerminal() bool {
	return c.stage == TerminalStage
}

// Strict reports whether malformed answers are rejected.
func (c *ConversationState) Strict() bool {
	return c.strict
}

// History returns a copy of the committed answer tokens.
func (c *ConversationState) History() []string {
	out := make([]string, len(c.history))
	copy(out, c.history)
	return out
}

// Pending returns the buffered answer, if any.
func (c *ConversationState) Pending() (string, bool) {
	if c.pending == nil {
		return "", false
	}
	return *c.pending, true
}

// CurrentQuestion returns the question awaiting an answer.
// It returns false once the conversation is terminal.
func (c *ConversationState) CurrentQuestion() (models.QuestionSpec, bool) {
	if c.IsTerminal() {
		return models.QuestionSpec{}, false
	}
	q, err := models.Question(c.stage)
	if err != nil {
		return models.QuestionSpec{}, false
	}
	return q, true
}

// Submit buffers a raw answer for the current question, replacing any earlier
// uncommitted one.
func (c *ConversationState) Submit(raw string) error {
	if c.IsTerminal() {
		return fmt.Errorf("submit at stage %d: %w", c.stage, ErrConversationComplete)
	}
	token := NormalizeAnswer(raw)
	c.pending = &token
	return nil
}

// Commit moves the pending answer into the history and advances the stage by one.
// It returns false without changing anything when no answer is pending.
func (c *ConversationState) Commit() (bool, error) {
	if c.IsTerminal() {
		c.pending = nil
		return false, fmt.Errorf("commit at stage %d: %w", c.stage, ErrConversationComplete)
	}
	token, ok := c.Pending()
	if !ok {
		slog.Debug("ConversationState Commit ignored, nothing pending", "stage", c.stage)
		return false, nil
	}
	c.pending = nil

	if c.strict {
		if _, err := ParseStrict(c.stage, token); err != nil {
			slog.Debug("ConversationState Commit rejected answer", "stage", c.stage, "error", err)
			return false, fmt.Errorf("question %d: %w", c.stage, err)
		}
	}

	c.history = append(c.history, token)
	c.stage++
	slog.Debug("ConversationState Commit advanced", "stage", c.stage, "terminal", c.IsTerminal())
	return true, nil
}

// Record submits and commits one answer.
func (c *ConversationState) Record(raw string) error {
	if err := c.Submit(raw); err != nil {
		return err
	}
	_, err := c.Commit()
	return err
}

// Reset returns the state to stage 0 with an empty history and no pending answer.
func (c *ConversationState) Reset() {
	c.stage = 0
	c.history = make([]string, 0, models.QuestionCount)
	c.pending = nil
	slog.Debug("ConversationState Reset")
}

// Assemble builds the feature vector from the completed history.
func (c *ConversationState) Assemble() (models.FeatureVector, error) {
	if !c.IsTerminal() {
		return models.FeatureVector{}, fmt.Errorf("assemble at stage %d of %d: %w", c.stage, TerminalStage, ErrIncompleteHistory)
	}
	return Assemble(c.history)
}
