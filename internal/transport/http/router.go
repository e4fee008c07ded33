// Package httptransport is the thin HTTP layer: routing, decoding, and SSE
// rendering. Business logic stays in the service packages.
package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/pkg/platform/httputil"
	"pulse/pkg/platform/middleware/metadata"
)

// HealthCheck pings one dependency for the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter mounts all endpoints. Handlers register themselves so wiring
// stays in main.
func NewRouter(users *UserHandler, streams *StreamHandler, uploadDir string, checks ...HealthCheck) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metadata.ClientMetadata)

	users.Register(r)
	streams.Register(r)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", handleHealth(checks))

	if uploadDir != "" {
		fs := http.StripPrefix("/uploads/", http.FileServer(http.Dir(uploadDir)))
		r.Get("/uploads/*", fs.ServeHTTP)
	}

	return r
}

// handleHealth pings every registered dependency. A single failing check
// turns the endpoint 503 and names the component, so orchestrators stop
// routing traffic before requests start failing.
func handleHealth(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for _, hc := range checks {
			if err := hc.Check(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"failed": hc.Name,
				})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
