package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RiskPipe/internal/flow"
	"github.com/BTreeMap/RiskPipe/internal/messaging"
	"github.com/BTreeMap/RiskPipe/internal/store"
)

// Server holds the collaborators shared by the HTTP handlers.
type Server struct {
	st            store.Store
	sessions      *flow.SessionManager
	infer         flow.InferFunc
	narrator      messaging.Narrator
	msgService    messaging.Service
	respHandler   *messaging.ResponseHandler
	questionnaire *messaging.Questionnaire
}

// ServerOption configures optional Server collaborators.
type ServerOption func(*Server)

// WithNarrator attaches generated notes to fresh HTTP results.
func WithNarrator(n messaging.Narrator) ServerOption {
	return func(s *Server) {
		s.narrator = n
	}
}

// WithMessaging enables the inbound message and invite endpoints.
func WithMessaging(msgService messaging.Service, respHandler *messaging.ResponseHandler, questionnaire *messaging.Questionnaire) ServerOption {
	return func(s *Server) {
		s.msgService = msgService
		s.respHandler = respHandler
		s.questionnaire = questionnaire
	}
}

// NewServer creates a new API server with its dependencies.
func NewServer(st store.Store, sessions *flow.SessionManager, infer flow.InferFunc, opts ...ServerOption) *Server {
	s := &Server{
		st:       st,
		sessions: sessions,
		infer:    infer,
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("API server created", "messaging", s.msgService != nil, "narration", s.narrator != nil)
	return s
}

// Handler returns the routed HTTP handler for every API endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/questions", s.questionsHandler)
	mux.HandleFunc("/form/assess", s.formAssessHandler)

	mux.HandleFunc("/chat/sessions", s.createSessionHandler)
	mux.HandleFunc("/chat/sessions/{id}", s.sessionHandler)
	mux.HandleFunc("/chat/sessions/{id}/answers", s.answerHandler)
	mux.HandleFunc("/chat/sessions/{id}/reset", s.resetSessionHandler)
	mux.HandleFunc("/chat/sessions/{id}/result", s.sessionResultHandler)

	mux.HandleFunc("/assessments", s.assessmentsHandler)
	mux.HandleFunc("/assessments/{id}", s.assessmentHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)

	mux.HandleFunc("/response", s.responseHandler)
	mux.HandleFunc("/invite", s.inviteHandler)
	if twilioService, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioService.TwilioWebhookHandler)
		slog.Debug("Twilio webhook route registered")
	}
	return mux
}

// allowMethod writes 405 with an Allow header when r does not use method.
func allowMethod(w http.ResponseWriter, r *http.Request, method, handler string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	slog.Warn("Server."+handler+": method not allowed", "method", r.Method, "path", r.URL.Path)
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}
