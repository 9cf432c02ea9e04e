// Package app wires the operational HTTP surface shared by the worker
// and scheduler processes: health, readiness, metrics, and read-only
// queue introspection.
package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

// BuildRouter constructs the introspection handler. The queue endpoints
// are rate limited; health and metrics are not.
func BuildRouter(queue domain.Queue, checks ...ReadinessCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", ReadyzHandler(checks...))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(qr chi.Router) {
		qr.Use(httprate.LimitByIP(60, time.Minute))
		qr.Get("/queue/stats", queueStatsHandler(queue))
		qr.Get("/queue/dead", deadLettersHandler(queue))
		qr.Get("/queue/projects/{projectID}", projectJobsHandler(queue))
	})
	return r
}

func queueStatsHandler(queue domain.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := queue.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func deadLettersHandler(queue domain.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dead, err := queue.ListDead(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if dead == nil {
			dead = []domain.DeadLetter{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"dead": dead})
	}
}

func projectJobsHandler(queue domain.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		jobs, err := queue.ListByProject(r.Context(), projectID)
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"projectId": projectID, "jobs": jobs})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, domain.ErrBackendUnavailable) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
