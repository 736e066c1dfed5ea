package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-api/handlers"
	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-api/middleware"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/progress"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps holds everything the router wires into handlers.
type RouterDeps struct {
	Logger         *observability.Logger
	Registry       *progress.Registry
	Snapshots      handlers.SnapshotReader
	Uploader       handlers.Uploader
	Runs           handlers.RunLister
	DB             Pinger
	Progress       handlers.ProgressConfig
	MaxUploadBytes int64
	RequestTimeout time.Duration
	AllowedOrigins []string
	Auth           middleware.AuthConfig
	ServiceName    string
}

// NewRouter creates the API router with all routes configured.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = observability.Nop()
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(deps.AllowedOrigins))

	// Health check (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"` + deps.ServiceName + `"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.DB.PingContext(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable","reason":"database"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ready"}`))
	})

	progressHandler := handlers.NewProgressHandler(deps.Logger, deps.Registry, deps.Snapshots, deps.Progress)
	ingestionHandler := handlers.NewIngestionHandler(deps.Logger, deps.Uploader, deps.MaxUploadBytes)
	runsHandler := handlers.NewRunsHandler(deps.Logger, deps.Runs)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Auth))

		// Short requests
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(deps.RequestTimeout))
			r.Post("/sessions", handlers.CreateSession)
			r.Get("/progress/{sessionId}/latest", progressHandler.Latest)
			r.Get("/runs", runsHandler.List)
		})

		// Streams and uploads outlive the request timeout.
		r.Get("/progress/{sessionId}", progressHandler.Stream)
		r.Post("/uploads", ingestionHandler.Upload)
	})

	return r
}
