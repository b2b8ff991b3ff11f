package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

const (
	// DefaultFallbackMessage is sent when nobody handles a participant's message.
	DefaultFallbackMessage = "📝 Your message has been received. Send \"start\" to begin the diabetes risk questionnaire."
	// DefaultErrorMessage is sent when a hook fails.
	DefaultErrorMessage = "⚠️ We encountered an issue processing your response. Please try again."
	// DefaultTimeoutMessage is sent when a hook exceeds its time budget. The hook
	// keeps running, so its own reply may still follow.
	DefaultTimeoutMessage = "⏰ This is taking longer than usual. Your reply was received and we'll answer shortly."

	// DefaultHookTimeout bounds a single hook invocation in production.
	DefaultHookTimeout = 30 * time.Second
)

// ResponseAction processes one participant message. It receives the
// participant's canonical phone number, the message text and its timestamp,
// and reports whether the message was handled.
type ResponseAction func(ctx context.Context, from, responseText string, timestamp int64) (handled bool, err error)

// HookFactory builds the hook for a participant seen for the first time.
type HookFactory func(participant string) ResponseAction

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithAutoEnroll registers factory(participant) for any sender without a hook.
func WithAutoEnroll(factory HookFactory) HandlerOption {
	return func(rh *ResponseHandler) { rh.autoEnroll = factory }
}

// WithHookTimeout bounds how long a single hook invocation may run.
func WithHookTimeout(d time.Duration) HandlerOption {
	return func(rh *ResponseHandler) { rh.hookTimeout = d }
}

// ResponseHandler routes inbound messages to per-participant hooks keyed by
// canonical phone number.
type ResponseHandler struct {
	hooks       map[string]ResponseAction
	mu          sync.RWMutex
	msgService  Service
	autoEnroll  HookFactory
	hookTimeout time.Duration
}

// NewResponseHandler creates a new ResponseHandler with the given messaging service.
func NewResponseHandler(msgService Service, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		hooks:      make(map[string]ResponseAction),
		msgService: msgService,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// RegisterHook registers a response action for a specific participant.
func (rh *ResponseHandler) RegisterHook(recipient string, action ResponseAction) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("ResponseHandler RegisterHook validation failed", "error", err, "recipient", recipient)
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.hooks[canonical] = action
	slog.Debug("ResponseHandler hook registered", "recipient", canonical)
	return nil
}

// UnregisterHook removes a response action for a specific participant.
func (rh *ResponseHandler) UnregisterHook(recipient string) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	delete(rh.hooks, canonical)
	slog.Debug("ResponseHandler hook unregistered", "recipient", canonical)
	return nil
}

// IsHookRegistered checks if a hook is registered for the given recipient.
func (rh *ResponseHandler) IsHookRegistered(recipient string) bool {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return false
	}
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	_, exists := rh.hooks[canonical]
	return exists
}

// GetHookCount returns the number of currently registered hooks.
func (rh *ResponseHandler) GetHookCount() int {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	return len(rh.hooks)
}

// hookFor returns the participant's hook, enrolling them first when auto-enroll is on.
func (rh *ResponseHandler) hookFor(participant string) (ResponseAction, bool) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	if action, ok := rh.hooks[participant]; ok {
		return action, true
	}
	if rh.autoEnroll == nil {
		return nil, false
	}
	action := rh.autoEnroll(participant)
	rh.hooks[participant] = action
	slog.Info("ResponseHandler auto-enrolled participant", "participant", participant)
	return action, true
}

// ProcessResponse runs the sender's hook, or sends the default message when
// there is none or it declines the message.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	slog.Debug("ResponseHandler processing response", "from", canonicalFrom, "body_length", len(response.Body))

	if action, ok := rh.hookFor(canonicalFrom); ok {
		handled, err := rh.runHook(ctx, action, canonicalFrom, response)
		if err != nil {
			slog.Error("ResponseHandler hook execution failed", "error", err, "from", canonicalFrom)
			if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, DefaultErrorMessage); sendErr != nil {
				slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
			}
			return fmt.Errorf("hook execution failed: %w", err)
		}
		if handled {
			return nil
		}
		slog.Debug("ResponseHandler hook did not handle response", "from", canonicalFrom)
	}

	if err := rh.msgService.SendMessage(ctx, canonicalFrom, DefaultFallbackMessage); err != nil {
		slog.Error("ResponseHandler failed to send default response", "error", err, "from", canonicalFrom)
		return fmt.Errorf("failed to send default response: %w", err)
	}
	return nil
}

func (rh *ResponseHandler) runHook(ctx context.Context, action ResponseAction, from string, response models.Response) (bool, error) {
	if rh.hookTimeout <= 0 {
		return action(ctx, from, response.Body, response.Time)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, rh.hookTimeout)
	defer cancel()

	type outcome struct {
		handled bool
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		handled, err := action(timeoutCtx, from, response.Body, response.Time)
		done <- outcome{handled, err}
	}()

	select {
	case o := <-done:
		return o.handled, o.err
	case <-timeoutCtx.Done():
		slog.Warn("Response handler timed out", "from", from, "timeout", rh.hookTimeout)
		if sendErr := rh.msgService.SendMessage(ctx, from, DefaultTimeoutMessage); sendErr != nil {
			slog.Error("Failed to send timeout message", "error", sendErr, "from", from)
		}
		// Already notified; report handled so no default message follows.
		return true, nil
	}
}

// Start processes responses from the messaging service until the channel
// closes or ctx is cancelled. Messages are handled one at a time, so a
// participant's answers are recorded in arrival order.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
