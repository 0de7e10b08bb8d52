// Package handlers holds the HTTP surface. Handlers stay thin: decode,
// delegate to the engine/reconciler/ledger, encode. All domain decisions live
// below this layer.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/engine"
	"server/internal/infra"
	"server/internal/ledger"
	"server/internal/reconciler"
)

// App bundles the collaborators handlers need.
type App struct {
	Engine        *engine.Engine
	Reconciler    *reconciler.Reconciler
	Ledger        *ledger.Service
	Generations   domain.GenerationRepository
	Notifications domain.NotificationRepository
	Cfg           *infra.Config
	Log           zerolog.Logger
}

// NewApp constructs the handler container.
func NewApp(eng *engine.Engine, rec *reconciler.Reconciler, ldg *ledger.Service, generations domain.GenerationRepository, notifications domain.NotificationRepository, cfg *infra.Config, log zerolog.Logger) *App {
	return &App{
		Engine:        eng,
		Reconciler:    rec,
		Ledger:        ldg,
		Generations:   generations,
		Notifications: notifications,
		Cfg:           cfg,
		Log:           log,
	}
}

func (a *App) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.Log.Error().Err(err).Msg("encode response")
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps sentinel domain errors onto HTTP statuses. Unknown
// errors become 500 with a generic message; the cause is logged, not leaked.
func (a *App) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyDeleted):
		a.writeError(w, http.StatusBadRequest, "already deleted")
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.writeError(w, http.StatusForbidden, "insufficient credits")
	case errors.Is(err, domain.ErrUnsupportedKind):
		a.writeError(w, http.StatusBadRequest, "unsupported job kind")
	case errors.Is(err, domain.ErrUnauthorized):
		a.writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		a.Log.Error().Err(err).Msg("request failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
