package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RiskPipe/internal/flow"
	"github.com/BTreeMap/RiskPipe/internal/models"
)

// createSessionHandler starts a chat session at the first question (POST /chat/sessions).
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.createSessionHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost, "createSessionHandler") {
		return
	}
	sess := s.sessions.Create()
	writeJSONResponse(w, http.StatusCreated, models.Success(sess.View()))
}

// sessionHandler returns a session's progress (GET /chat/sessions/{id}).
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, "sessionHandler") {
		return
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
}

// answerHandler records one answer (POST /chat/sessions/{id}/answers).
func (s *Server) answerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.answerHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost, "answerHandler") {
		return
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req models.AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.answerHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	view, err := sess.Record(req.Answer)
	switch {
	case errors.Is(err, flow.ErrConversationComplete):
		writeJSONResponse(w, http.StatusConflict, models.Error("Conversation already complete"))
		return
	case errors.Is(err, flow.ErrInvalidAnswer):
		slog.Debug("Server.answerHandler: answer rejected", "sessionID", sess.ID, "stage", view.Stage)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("Server.answerHandler: failed to record answer", "error", err, "sessionID", sess.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record answer"))
		return
	}
	slog.Debug("Server.answerHandler: answer recorded", "sessionID", sess.ID, "stage", view.Stage)
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// resetSessionHandler starts a session over (POST /chat/sessions/{id}/reset).
func (s *Server) resetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost, "resetSessionHandler") {
		return
	}
	view, err := s.sessions.Reset(r.PathValue("id"))
	if errors.Is(err, flow.ErrSessionNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if err != nil {
		slog.Error("Server.resetSessionHandler: reset failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// sessionResultHandler returns the outcome of a completed session
// (GET /chat/sessions/{id}/result). Inference runs on the first call only;
// that call also stores the assessment and carries its ID.
func (s *Server) sessionResultHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, "sessionResultHandler") {
		return
	}
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	vector, result, fresh, err := sess.Complete(r.Context(), s.infer)
	if errors.Is(err, flow.ErrIncompleteHistory) {
		writeJSONResponse(w, http.StatusConflict, models.Error("Conversation not complete"))
		return
	}
	if err != nil {
		slog.Error("Server.sessionResultHandler: inference failed", "error", err, "sessionID", sess.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute risk"))
		return
	}
	view := s.recordResult(r.Context(), models.AssessmentSourceChat, sess.ID, vector, result, fresh)
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*flow.Session, bool) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return nil, false
	}
	return sess, true
}
