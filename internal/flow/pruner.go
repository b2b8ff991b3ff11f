package flow

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultIdleTimeout is how long a session may go without a transition before it is dropped.
	DefaultIdleTimeout = 2 * time.Hour
	// DefaultPruneInterval is how often the pruner scans for idle sessions.
	DefaultPruneInterval = 10 * time.Minute
)

// SessionPruner periodically drops idle sessions from a SessionManager.
type SessionPruner struct {
	sessions     *SessionManager
	idleTimeout  time.Duration
	pollInterval time.Duration
	onPrune      func(id string)
	now          func() time.Time
}

// PrunerOption configures a SessionPruner.
type PrunerOption func(*SessionPruner)

// WithOnPrune calls fn with the ID of every session the pruner drops.
func WithOnPrune(fn func(id string)) PrunerOption {
	return func(p *SessionPruner) {
		p.onPrune = fn
	}
}

// NewSessionPruner creates a pruner. Non-positive durations fall back to the defaults.
func NewSessionPruner(sessions *SessionManager, idleTimeout, pollInterval time.Duration, opts ...PrunerOption) *SessionPruner {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPruneInterval
	}
	p := &SessionPruner{
		sessions:     sessions,
		idleTimeout:  idleTimeout,
		pollInterval: pollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the pruning loop. It blocks until the context is cancelled.
func (p *SessionPruner) Run(ctx context.Context) {
	slog.Info("SessionPruner.Run: starting", "idleTimeout", p.idleTimeout, "pollInterval", p.pollInterval)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SessionPruner.Run: stopping")
			return
		case <-ticker.C:
			p.Prune()
		}
	}
}

// Prune drops every session idle for longer than the timeout and returns how many went.
func (p *SessionPruner) Prune() int {
	removed := p.sessions.PruneIdle(p.now().Add(-p.idleTimeout))
	if p.onPrune != nil {
		for _, id := range removed {
			p.onPrune(id)
		}
	}
	slog.Debug("SessionPruner.Prune: scan complete", "removed", len(removed), "remaining", p.sessions.Count())
	return len(removed)
}
