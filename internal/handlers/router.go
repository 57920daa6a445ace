package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/claworc/shellrelay/internal/auth"
	"github.com/gluk-w/claworc/shellrelay/internal/metrics"
	"github.com/gluk-w/claworc/shellrelay/internal/middleware"
)

// Router builds the HTTP routes. Health and metrics need no token.
func (h *Handlers) Router(a *auth.Authenticator, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Observe(h.Logger, m))

	r.Get("/health", h.HealthCheck)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(a))

		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.DeleteSession)
		r.Post("/sessions/{id}/commands", h.ExecuteCommand)
		r.Get("/sessions/{id}/commands", h.ListCommands)
		r.Get("/sessions/{id}/recording", h.GetRecording)
		r.Get("/sessions/{id}/ws", h.AttachWS)
	})
	return r
}
