// Package httpapi wires the chi router and middleware chain.
package httpapi

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/middleware"
)

// NewRouter builds the HTTP routing tree.
func NewRouter(app *handlers.App, country middleware.CountryLookup) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS)
	r.Use(middleware.RequestLocale("en", country))
	r.Use(middleware.RequestLogger(app.Log))
	r.Use(chimw.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Healthz)

		// Job and generation operations require authentication.
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(app.Cfg.JWTSecret))
			r.Use(middleware.RateLimit(app.Cfg.RateLimitPerMin))

			r.Post("/jobs", app.JobEnqueue)
			r.Get("/jobs/{job_id}", app.JobPoll)

			r.Get("/generations", app.GenerationList)
			r.Delete("/generations/{generation_id}", app.GenerationDelete)
		})

		// Account reads answer zero values when unauthenticated.
		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalAuthJWT(app.Cfg.JWTSecret))
			r.Use(middleware.RateLimit(app.Cfg.RateLimitPerMin))

			r.Get("/me/credits", app.MeCredits)
			r.Get("/me/storage", app.MeStorage)
			r.Get("/me/notifications", app.MeNotifications)
		})
	})

	return r
}
