package handlers

import (
	"net/http"
	"time"

	"server/internal/domain"
	"server/internal/middleware"
)

// MeCredits returns the caller's credit balance. Unauthenticated callers get
// a zero balance rather than a 401, so account widgets can render before
// login completes.
//
// GET /v1/me/credits
func (a *App) MeCredits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.writeJSON(w, http.StatusOK, map[string]int64{"credits": 0})
		return
	}
	credits, err := a.Ledger.Credits(r.Context(), userID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"credits": credits})
}

// MeStorage returns the caller's storage usage against their quota.
//
// GET /v1/me/storage
func (a *App) MeStorage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.writeJSON(w, http.StatusOK, map[string]int64{
			"used_bytes":  0,
			"limit_bytes": domain.DefaultStorageLimitBytes,
		})
		return
	}
	used, limit, err := a.Ledger.Storage(r.Context(), userID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{
		"used_bytes":  used,
		"limit_bytes": limit,
	})
}

type notificationResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// MeNotifications lists the caller's lifecycle notifications, newest first.
//
// GET /v1/me/notifications
func (a *App) MeNotifications(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.writeJSON(w, http.StatusOK, map[string]any{"notifications": []notificationResponse{}})
		return
	}
	items, err := a.Notifications.ListByUser(r.Context(), userID, a.Cfg.NotificationsLimit)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	out := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, notificationResponse{
			ID:        n.ID,
			Type:      string(n.Type),
			Title:     n.Title,
			Body:      n.Body,
			Metadata:  n.Metadata,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}
