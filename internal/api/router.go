package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Post("/events", h.SubmitEvent)
		r.Post("/events/import", h.ImportEvents)

		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/retry", h.RetryJob)
		r.Post("/jobs/{id}/cancel", h.CancelJob)

		r.Post("/sweep", h.Sweep)
		r.Get("/pool", h.PoolStats)
		r.Get("/limiter", h.LimiterStats)

		r.Get("/scheduler/status", h.SchedulerStatus)
		r.Post("/scheduler/start", h.SchedulerStart)
		r.Post("/scheduler/stop", h.SchedulerStop)
	})

	return r
}
