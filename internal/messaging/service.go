// Package messaging delivers questionnaire prompts and results over chat
// transports and routes participant replies back to the questionnaire.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/BTreeMap/RiskPipe/internal/store"
)

// Constants for service channel configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted canonical phone number.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the event channels.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming participant responses.
	Responses() <-chan models.Response
}

// canonicalizePhone strips every non-digit and requires at least MinPhoneDigits digits.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	return canonical, nil
}

// RecordReceipts drains the service's receipt channel into st until the
// channel closes or ctx is cancelled.
func RecordReceipts(ctx context.Context, svc Service, st store.Store) {
	slog.Debug("RecordReceipts starting")
	for {
		select {
		case r, ok := <-svc.Receipts():
			if !ok {
				slog.Debug("RecordReceipts receipts channel closed")
				return
			}
			if err := st.AddReceipt(r); err != nil {
				slog.Error("RecordReceipts failed to store receipt", "error", err, "to", r.To, "status", r.Status)
			}
		case <-ctx.Done():
			slog.Debug("RecordReceipts stopping due to context cancellation")
			return
		}
	}
}
