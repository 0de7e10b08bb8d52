package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/middleware"
)

type enqueueJobRequest struct {
	Kind        string `json:"kind"`
	ProviderRef string `json:"provider_ref"`
}

type jobResponse struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:       job.ID,
		Kind:     string(job.Kind),
		Status:   string(job.Status),
		Progress: job.Progress,
		Result:   job.Result,
		Error:    job.ErrorMessage,
	}
}

// JobEnqueue creates a job after reserving its credit cost.
//
// POST /v1/jobs
func (a *App) JobEnqueue(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ProviderRef) == "" {
		a.writeError(w, http.StatusBadRequest, "provider_ref is required")
		return
	}
	job, err := a.Engine.Enqueue(r.Context(), userID, domain.JobKind(req.Kind), req.ProviderRef)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// JobPoll reads the job and advances it when still in flight. This is the
// only way a job moves; there is no background scheduler.
//
// GET /v1/jobs/{job_id}
func (a *App) JobPoll(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	// Ids are UUIDs; a malformed one can only ever be a miss, so reject it
	// here instead of letting the database choke on the cast.
	if _, err := uuid.Parse(jobID); err != nil {
		a.writeDomainError(w, domain.ErrNotFound)
		return
	}
	job, err := a.Engine.Advance(r.Context(), jobID, userID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toJobResponse(job))
}
