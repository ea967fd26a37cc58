// Package server exposes the HTTP API: document upload, streaming and
// non-streaming chat, session and file management, health and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/docaihq/docai/pkg/cache"
	"github.com/docaihq/docai/pkg/config"
	"github.com/docaihq/docai/pkg/history"
	"github.com/docaihq/docai/pkg/ingest"
	"github.com/docaihq/docai/pkg/metadata"
	"github.com/docaihq/docai/pkg/rag"
	"github.com/docaihq/docai/pkg/vectordb"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prober is a liveness check on an external dependency.
type Prober interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front of the service. All backing dependencies are
// injected at construction.
type Server struct {
	cfg          *config.Config
	pipeline     *ingest.Pipeline
	orchestrator *rag.Orchestrator
	meta         metadata.Store
	sessions     history.Store
	vectors      vectordb.Provider
	cache        cache.Cache
	embedProbe   Prober
	llmProbe     Prober

	httpServer *http.Server
}

func New(cfg *config.Config, pipeline *ingest.Pipeline, orchestrator *rag.Orchestrator, meta metadata.Store, sessions history.Store, vectors vectordb.Provider, c cache.Cache, embedProbe, llmProbe Prober) *Server {
	s := &Server{
		cfg:          cfg,
		pipeline:     pipeline,
		orchestrator: orchestrator,
		meta:         meta,
		sessions:     sessions,
		vectors:      vectors,
		cache:        c,
		embedProbe:   embedProbe,
		llmProbe:     llmProbe,
	}

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.routes(),
		// No WriteTimeout: SSE responses stay open for the whole generation.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(httpMetrics)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Post("/chat/stream", s.handleChatStream)
		r.Post("/chat", s.handleChat)

		r.Get("/sessions/{session_id}", s.handleGetSession)
		r.Delete("/sessions/{session_id}", s.handleDeleteSession)

		r.Get("/files", s.handleListFiles)
		r.Delete("/files/{file_id}", s.handleDeleteFile)
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
