package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when no session exists for an ID.
var ErrSessionNotFound = errors.New("session not found")

// InferFunc turns a completed feature vector into a classifier outcome.
type InferFunc func(ctx context.Context, v models.FeatureVector) (models.InferenceResult, error)

// Session couples one ConversationState with the outcome computed for it.
// All methods are safe for concurrent use; each transition holds the session lock.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	state     *ConversationState
	result    *models.InferenceResult
	updatedAt time.Time
}

func newSession(id string, opts ...ConversationOption) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		CreatedAt: now,
		state:     NewConversationState(opts...),
		updatedAt: now,
	}
}

// Record submits and commits one answer and returns the resulting view.
func (s *Session) Record(raw string) (models.SessionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state.Record(raw); err != nil {
		return s.viewLocked(), err
	}
	s.updatedAt = time.Now()
	return s.viewLocked(), nil
}

// Reset starts the questionnaire over and drops any computed outcome.
func (s *Session) Reset() models.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Reset()
	s.result = nil
	s.updatedAt = time.Now()
	return s.viewLocked()
}

// View returns the session's progress.
func (s *Session) View() models.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// History returns the committed answers.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.History()
}

// UpdatedAt returns the time of the last transition.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Session) viewLocked() models.SessionView {
	view := models.SessionView{
		ID:       s.ID,
		Stage:    s.state.Stage(),
		Total:    models.QuestionCount,
		Terminal: s.state.IsTerminal(),
	}
	if q, ok := s.state.CurrentQuestion(); ok {
		view.Question = &q
	}
	return view
}

// Complete assembles the vector and runs infer the first time it is called on a
// completed conversation. Later calls return the cached outcome with fresh=false,
// so callers can attach one-off side effects (storage, notifications) to fresh.
func (s *Session) Complete(ctx context.Context, infer InferFunc) (vector models.FeatureVector, result models.InferenceResult, fresh bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vector, err = s.state.Assemble()
	if err != nil {
		return vector, result, false, err
	}
	if s.result != nil {
		return vector, *s.result, false, nil
	}

	result, err = infer(ctx, vector)
	if err != nil {
		return vector, result, false, fmt.Errorf("inference for session %s: %w", s.ID, err)
	}
	s.result = &result
	slog.Debug("Session Complete computed result", "sessionID", s.ID, "label", result.Label)
	return vector, result, true, nil
}

// SessionManager keeps one Session per participant in memory.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     []ConversationOption
}

// NewSessionManager creates a manager whose sessions use the given options.
func NewSessionManager(opts ...ConversationOption) *SessionManager {
	slog.Debug("Creating SessionManager")
	return &SessionManager{
		sessions: make(map[string]*Session),
		opts:     opts,
	}
}

// Create starts a session under a fresh random ID.
func (sm *SessionManager) Create() *Session {
	id := uuid.NewString()
	s := newSession(id, sm.opts...)

	sm.mu.Lock()
	sm.sessions[id] = s
	sm.mu.Unlock()

	slog.Info("SessionManager Create succeeded", "sessionID", id)
	return s
}

// GetOrCreate returns the session for id, creating it at stage 0 if absent.
func (sm *SessionManager) GetOrCreate(id string) (*Session, bool) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		return s, false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		return s, false
	}
	s = newSession(id, sm.opts...)
	sm.sessions[id] = s
	slog.Info("SessionManager GetOrCreate created session", "sessionID", id)
	return s, true
}

// Get returns the session for id.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		slog.Debug("SessionManager Get not found", "sessionID", id)
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Reset restarts the questionnaire for id.
func (sm *SessionManager) Reset(id string) (models.SessionView, error) {
	s, err := sm.Get(id)
	if err != nil {
		return models.SessionView{}, err
	}
	view := s.Reset()
	slog.Info("SessionManager Reset succeeded", "sessionID", id)
	return view, nil
}

// Delete forgets the session for id.
func (sm *SessionManager) Delete(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
	slog.Debug("SessionManager Delete", "sessionID", id)
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// PruneIdle drops sessions untouched since before cutoff and returns their IDs.
func (sm *SessionManager) PruneIdle(cutoff time.Time) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var removed []string
	for id, s := range sm.sessions {
		if s.UpdatedAt().Before(cutoff) {
			delete(sm.sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		slog.Info("SessionManager PruneIdle removed sessions", "count", len(removed))
	}
	return removed
}
