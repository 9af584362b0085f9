package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/services/dotations"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "gsl",
	})
}

type caseWebhookRequest struct {
	DossierNumber int64 `json:"dossier_number"`
}

// handleCaseWebhook ingests a case after a change notification.
// POST /api/webhooks/case
func (s *Server) handleCaseWebhook(w http.ResponseWriter, r *http.Request) {
	var req caseWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DossierNumber <= 0 {
		s.writeMessage(w, http.StatusBadRequest, "dossier_number is required")
		return
	}

	view, err := s.engine.IngestCase(r.Context(), req.DossierNumber)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleProjectStatus returns a project's aggregate status.
// GET /api/projects/{id}/status
func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	status, err := s.engine.ProjectAggregateStatus(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id": projectID,
		"status":     status,
	})
}

// handleRecomputeProject re-applies the engine rules to one project.
// POST /api/projects/{id}/recompute
func (s *Server) handleRecomputeProject(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.RecomputeProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleRevertProject sends a decided project back to review.
// POST /api/projects/{id}/revert
func (s *Server) handleRevertProject(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.RevertProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleRootEnvelope resolves the envelope a track would be charged to.
// GET /api/tracks/{id}/root-envelope?allow_next_year=true
func (s *Server) handleRootEnvelope(w http.ResponseWriter, r *http.Request) {
	allowNextYear := false
	if raw := r.URL.Query().Get("allow_next_year"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeMessage(w, http.StatusBadRequest, "allow_next_year must be a boolean")
			return
		}
		allowNextYear = parsed
	}

	env, err := s.engine.ResolveRootEnvelope(r.Context(), chi.URLParam(r, "id"), allowNextYear)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

// handlePropagateTrack brings a track's draft allocations in line.
// POST /api/tracks/{id}/propagate
func (s *Server) handlePropagateTrack(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.PropagateTrack(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleDraftDecision applies a case worker's decision to a draft.
// PUT /api/drafts/{id}/decision
func (s *Server) handleDraftDecision(w http.ResponseWriter, r *http.Request) {
	var decision dotations.DraftDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.DecideDraft(r.Context(), chi.URLParam(r, "id"), decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleEnvelopeSummary reports an envelope's committed budget.
// GET /api/envelopes/{id}/summary
func (s *Server) handleEnvelopeSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.envelopes.Summarize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleDeleteEnvelope deletes an envelope nothing references.
// DELETE /api/envelopes/{id}
func (s *Server) handleDeleteEnvelope(w http.ResponseWriter, r *http.Request) {
	if err := s.envelopes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps engine errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		resp.Field = validation.Field
	}

	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	s.writeJSON(w, status, resp)
}

func statusFor(err error) int {
	var (
		validation   *domain.ValidationError
		invalidCase  *domain.InvalidCaseStateError
		noEnvelope   *domain.EnvelopeNotFoundError
		externalSync *domain.ExternalSyncError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &externalSync):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrDuplicateEnvelope),
		errors.Is(err, domain.ErrEnvelopeInUse),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &validation), errors.As(err, &invalidCase), errors.As(err, &noEnvelope):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
