package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions holds the middleware and limits the router is built with
type RouterOptions struct {
	Auth      *AuthMiddleware
	Logging   *LoggingMiddleware
	RateLimit *RateLimiter
	Metrics   http.Handler
	// RequestTimeout bounds non-streaming handlers; event streams are exempt
	RequestTimeout time.Duration

	// CreateJobs mounts POST /jobs
	CreateJobs bool
}

// NewRouter creates and configures the HTTP router
func NewRouter(handlers *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware - ORDER MATTERS!
	r.Use(middleware.RequestID) // Generate request ID first
	r.Use(middleware.RealIP)    // Extract real IP
	r.Use(opts.Logging.Handler) // Add logger to context with request ID
	r.Use(middleware.Recoverer) // Panic recovery

	// CORS configuration; EventSource clients live on other origins too
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"Location", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Event streams: no timeout, no auth (EventSource cannot send headers)
	r.Get("/jobs/status", handlers.StreamStatus)
	r.Get("/jobs/{job_id}/builds/{build}/output", handlers.StreamOutput)

	r.Group(func(r chi.Router) {
		if opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(opts.RequestTimeout))
		}

		r.Get("/health", handlers.Health)
		if opts.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", opts.Metrics)
		}

		r.Get("/jobs", handlers.ListJobs)
		r.Get("/jobs/{job_id}", handlers.GetJob)
		r.Get("/jobs/{job_id}/builds", handlers.ListBuilds)
		r.Get("/jobs/{job_id}/builds/{build}", handlers.GetBuild)

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.Authenticate)

			if opts.CreateJobs {
				r.With(opts.RateLimit.Handler).Post("/jobs", handlers.CreateJob)
			}
			r.With(opts.RateLimit.Handler).Post("/jobs/{job_id}/builds", handlers.TriggerBuild)
			r.Post("/jobs/{job_id}/builds/{build}/cancel", handlers.CancelBuild)
		})
	})

	return r
}
