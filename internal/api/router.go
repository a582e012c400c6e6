package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/we-make-money/midjourney-proxy/internal/ratelimit"
)

// NewRouter assembles the /mj API. The rate limiter guards only the
// submission endpoints; queries and health stay unthrottled.
func NewRouter(h *Handlers, secret string, limiter ratelimit.Limiter, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(logger))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/mj", func(r chi.Router) {
		r.Use(APISecret(secret))

		r.Route("/submit", func(r chi.Router) {
			r.Use(RateLimit(limiter, logger))
			r.Post("/imagine", h.Imagine)
			r.Post("/change", h.Change)
			r.Post("/action", h.Action)
			r.Post("/describe", h.Describe)
			r.Post("/blend", h.Blend)
		})

		r.Route("/task", func(r chi.Router) {
			r.Get("/list", h.ListTasks)
			r.Get("/{id}/fetch", h.FetchTask)
			r.Post("/{id}/cancel", h.CancelTask)
		})

		r.Get("/account/list", h.ListAccounts)
	})

	return r
}
