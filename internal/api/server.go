package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/snarg/storage-transcribe/internal/ingest"
	"github.com/snarg/storage-transcribe/internal/metrics"
)

// maxFinalizeBody bounds a finalize notification.
const maxFinalizeBody = 1 << 20

// ServerOptions holds the components the HTTP surface exposes.
type ServerOptions struct {
	Config *config.Config
	Store  ObjectStatter
	Queue  ingest.Enqueuer
	Health HealthOptions
	Log    zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := NewRouter(opts)
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// NewRouter builds the HTTP routes.
func NewRouter(opts ServerOptions) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	// Health and metrics: no auth
	r.Get("/api/v1/health", NewHealthHandler(opts.Health).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Config.AuthToken))
		r.Use(MaxBody(maxFinalizeBody))
		NewFinalizeHandler(opts.Store, opts.Queue, opts.Log).Routes(r)
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
