package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/middleware"
)

type generationResponse struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	Kind          string     `json:"kind"`
	ResultURLs    []string   `json:"result_urls"`
	FileSizeBytes int64      `json:"file_size_bytes"`
	FilesDeleted  bool       `json:"files_deleted"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toGenerationResponse(gen *domain.Generation) generationResponse {
	resp := generationResponse{
		ID:            gen.ID,
		JobID:         gen.JobID,
		Kind:          string(gen.Kind),
		ResultURLs:    gen.ResultURLs,
		FileSizeBytes: gen.FileSizeBytes,
		FilesDeleted:  gen.FilesDeleted,
		ExpiresAt:     gen.ExpiresAt,
		CreatedAt:     gen.CreatedAt,
	}
	// Soft-deleted artifacts are gone from the caller's point of view.
	if gen.FilesDeleted {
		resp.ResultURLs = nil
	}
	return resp
}

// GenerationList returns the caller's generations, newest first.
//
// GET /v1/generations
func (a *App) GenerationList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	gens, err := a.Generations.ListByUser(r.Context(), userID, a.Cfg.GenerationsLimit)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	out := make([]generationResponse, 0, len(gens))
	for i := range gens {
		out = append(out, toGenerationResponse(&gens[i]))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"generations": out})
}

// GenerationDelete soft-deletes a generation and credits its storage
// footprint back to the owner.
//
// DELETE /v1/generations/{generation_id}
func (a *App) GenerationDelete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	generationID := chi.URLParam(r, "generation_id")
	if _, err := uuid.Parse(generationID); err != nil {
		a.writeDomainError(w, domain.ErrNotFound)
		return
	}
	freed, err := a.Reconciler.DeleteGeneration(r.Context(), generationID, userID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"freed_bytes": freed,
	})
}
