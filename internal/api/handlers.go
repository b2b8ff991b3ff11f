// Package api provides HTTP handlers for RiskPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/flow"
	"github.com/BTreeMap/RiskPipe/internal/inference"
	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/BTreeMap/RiskPipe/internal/store"
	"github.com/google/uuid"
)

// questionsHandler returns the question catalog (GET /questions).
func (s *Server) questionsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.questionsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodGet, "questionsHandler") {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.Questions()))
}

// formAssessHandler runs inference on direct-form input (POST /form/assess).
func (s *Server) formAssessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.formAssessHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost, "formAssessHandler") {
		return
	}
	var input models.FormInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		slog.Warn("Server.formAssessHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	vector, err := flow.AssembleForm(input)
	if err != nil {
		slog.Warn("Server.formAssessHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	result, err := s.infer(r.Context(), vector)
	if err != nil {
		slog.Error("Server.formAssessHandler: inference failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute risk"))
		return
	}

	view := s.recordResult(r.Context(), models.AssessmentSourceForm, "", vector, result, true)
	slog.Info("Server.formAssessHandler: assessment completed", "label", result.Label, "assessmentID", view.AssessmentID)
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

// recordResult builds the response view for a result. When fresh, the result
// is stored and narrated; storage and narration failures only drop those parts.
func (s *Server) recordResult(ctx context.Context, source models.AssessmentSource, participant string, vector models.FeatureVector, result models.InferenceResult, fresh bool) models.AssessmentView {
	view := models.AssessmentView{
		Label:       result.Label,
		Probability: result.Probability,
		Percent:     result.Percent(),
		Message:     inference.RenderResult(result),
		Features:    vector.Map(),
	}
	if !fresh {
		return view
	}

	a := models.Assessment{
		ID:            uuid.NewString(),
		ParticipantID: participant,
		Source:        source,
		Features:      vector,
		Label:         result.Label,
		Probability:   result.Probability,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.st.AddAssessment(a); err != nil {
		slog.Error("Server.recordResult: failed to store assessment", "error", err, "source", source)
	} else {
		view.AssessmentID = a.ID
	}

	if s.narrator != nil {
		note, err := s.narrator.NarrateResult(ctx, vector, result)
		if err != nil {
			slog.Warn("Server.recordResult: narration failed", "error", err)
		} else {
			view.Narration = note
		}
	}
	return view
}

// assessmentsHandler returns all stored assessments (GET /assessments).
func (s *Server) assessmentsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.assessmentsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodGet, "assessmentsHandler") {
		return
	}
	assessments, err := s.st.ListAssessments()
	if err != nil {
		slog.Error("Server.assessmentsHandler: failed to list assessments", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch assessments"))
		return
	}
	slog.Debug("Server.assessmentsHandler: assessments fetched", "count", len(assessments))
	writeJSONResponse(w, http.StatusOK, models.Success(assessments))
}

// assessmentHandler returns one stored assessment (GET /assessments/{id}).
func (s *Server) assessmentHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, "assessmentHandler") {
		return
	}
	id := r.PathValue("id")
	a, err := s.st.GetAssessment(id)
	if errors.Is(err, store.ErrAssessmentNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Assessment not found"))
		return
	}
	if err != nil {
		slog.Error("Server.assessmentHandler: failed to fetch assessment", "error", err, "assessmentID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch assessment"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(a))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.receiptsHandler: processing receipts request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodGet, "receiptsHandler") {
		return
	}
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Error fetching receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	slog.Debug("receipts fetched", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// responseHandler injects an inbound participant message (POST /response).
// The reply goes out through the configured transport.
func (s *Server) responseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("responseHandler invoked", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost, "responseHandler") {
		return
	}
	if s.respHandler == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Messaging transport not configured"))
		return
	}
	var resp models.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		slog.Warn("Invalid JSON in responseHandler", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	from, err := s.msgService.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("responseHandler sender validation failed", "error", err, "from", resp.From)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	resp.From = from
	if resp.Time == 0 {
		resp.Time = time.Now().Unix()
	}
	if err := s.respHandler.ProcessResponse(r.Context(), resp); err != nil {
		slog.Error("responseHandler failed to process response", "error", err, "from", resp.From)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process response"))
		return
	}
	slog.Info("Response processed", "from", resp.From)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Response processed successfully", nil))
}

// inviteHandler starts the questionnaire for a participant (POST /invite).
func (s *Server) inviteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inviteHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if !allowMethod(w, r, http.MethodPost, "inviteHandler") {
		return
	}
	if s.questionnaire == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Messaging transport not configured"))
		return
	}
	var req models.InviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.inviteHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	participant, err := s.msgService.ValidateAndCanonicalizeRecipient(req.To)
	if err != nil {
		slog.Warn("Server.inviteHandler: recipient validation failed", "error", err, "original_to", req.To)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.respHandler.RegisterHook(participant, s.questionnaire.Hook(participant)); err != nil {
		slog.Error("Server.inviteHandler: failed to register hook", "error", err, "participant", participant)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to register participant"))
		return
	}
	if err := s.questionnaire.Begin(r.Context(), participant); err != nil {
		slog.Error("Server.inviteHandler: failed to send first question", "error", err, "participant", participant)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send questionnaire"))
		return
	}
	slog.Info("Server.inviteHandler: questionnaire started", "participant", participant)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Questionnaire started", map[string]string{"participant": participant}))
}
