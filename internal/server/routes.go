package server

import (
	"context"
	"net/http"
	"time"

	"sw/ocpp/gateway/internal/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

const healthTimeout = 5 * time.Second

// HealthCheck reports whether one backing service answers.
type HealthCheck func(ctx context.Context) error

// HealthHandler answers OK while every check passes, KO with 503 otherwise.
func HealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				logging.Logger.Warnf("health check failed: %s", err)
				render.Status(r, http.StatusServiceUnavailable)
				render.PlainText(w, r, "KO")
				return
			}
		}
		render.PlainText(w, r, "OK")
	}
}

// Router serves /health and hands every other GET to the WebSocket endpoint.
func (s *Server) Router(checks ...HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", HealthHandler(checks...))
	r.Get("/*", s.ServeHTTP)
	return r
}
