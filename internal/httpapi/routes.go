// Package httpapi is the thin HTTP boundary over the core pipeline,
// grounded on tokenhub's internal/httpapi.MountRoutes (chi.Router,
// Dependencies struct, bodySizeLimit middleware) but pared down to the
// surface §1's non-goals leave in scope for the core: a single
// OpenAI-compatible routing endpoint, health/metrics, and read-only
// admin introspection. Streaming, API-key management, and workflow
// visibility are tokenhub concerns this control plane does not carry.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/nexus/internal/auditlog"
	"github.com/jordanhubbard/nexus/internal/budget"
	"github.com/jordanhubbard/nexus/internal/events"
	"github.com/jordanhubbard/nexus/internal/idempotency"
	"github.com/jordanhubbard/nexus/internal/metrics"
	"github.com/jordanhubbard/nexus/internal/pipeline"
	"github.com/jordanhubbard/nexus/internal/ratelimit"
	"github.com/jordanhubbard/nexus/internal/registry"
	"github.com/jordanhubbard/nexus/internal/stats"
	"github.com/jordanhubbard/nexus/internal/tsdb"
)

// Dependencies are the components MountRoutes wires into handlers.
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Registry *registry.Registry
	Tracker  *budget.Tracker
	Metrics  *metrics.Registry
	EventBus *events.Bus
	Audit    *auditlog.Sink // nil if audit persistence is unavailable
	History  *tsdb.Store    // nil if budget history recording is unavailable
	Stats    *stats.Collector // nil disables the rolling-window stats endpoint

	RateLimiter  *ratelimit.Limiter  // nil disables rate limiting
	Idempotency  *idempotency.Cache  // nil disables idempotent replay

	Logger *slog.Logger

	// AdminAuth wraps /admin/v1 routes; pass through when no auth is
	// configured (see internal/adminauth.Middleware's empty-hash case).
	AdminAuth func(http.Handler) http.Handler
}

// maxRequestBodySize bounds POST bodies (10 MB), same limit tokenhub
// enforces on its /v1 routes.
const maxRequestBodySize = 10 << 20

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes mounts the Nexus HTTP surface onto r.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		if d.Idempotency != nil {
			r.Use(idempotency.Middleware(d.Idempotency))
		}
		r.Post("/chat/completions", ChatCompletionsHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		if d.AdminAuth != nil {
			r.Use(d.AdminAuth)
		}
		r.Get("/backends", BackendsHandler(d))
		r.Get("/budget", BudgetHandler(d))
		r.Get("/budget/history", BudgetHistoryHandler(d))
		r.Get("/audit", AuditHandler(d))
		r.Get("/stats", StatsHandler(d))
	})
}
