package handlers

import "net/http"

// Healthz is the liveness probe.
//
// GET /v1/healthz
func (a *App) Healthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
