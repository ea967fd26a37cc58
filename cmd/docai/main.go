// Command docai serves the document question answering API: upload documents,
// then ask questions answered strictly from their content over SSE.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docaihq/docai/pkg/cache"
	"github.com/docaihq/docai/pkg/config"
	"github.com/docaihq/docai/pkg/embedder"
	"github.com/docaihq/docai/pkg/history"
	"github.com/docaihq/docai/pkg/ingest"
	"github.com/docaihq/docai/pkg/llm"
	"github.com/docaihq/docai/pkg/logger"
	"github.com/docaihq/docai/pkg/metadata"
	"github.com/docaihq/docai/pkg/rag"
	"github.com/docaihq/docai/pkg/server"
	"github.com/docaihq/docai/pkg/vectordb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "docai: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backing stores
	c := buildCache(cfg)
	defer c.Close()

	vectors, err := vectordb.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer vectors.Close()

	meta, err := metadata.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	defer meta.Close()

	sessions, err := buildSessions(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sessions.Close(closeCtx); err != nil {
			slog.Warn("session store close failed", "error", err)
		}
	}()

	// Model clients
	embedClient, err := embedder.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("embedding client: %w", err)
	}
	embed := embedder.NewCachedEmbedder(embedClient, c, time.Duration(cfg.CacheTTLEmbedding)*time.Second)
	llmClient := llm.NewClient(cfg)

	// Pipelines
	pipeline := ingest.NewPipeline(meta, vectors, embed, cfg)
	orchestrator := rag.NewOrchestrator(
		rag.NewExpander(llmClient, c, cfg.ExpansionTemperature, time.Duration(cfg.CacheTTLExpansion)*time.Second),
		rag.NewRetriever(vectors, embed, c, time.Duration(cfg.CacheTTLSearch)*time.Second),
		rag.NewPromptBuilder(cfg.ContextBudgetChars, cfg.HistoryLimit),
		llmClient,
		sessions,
		cfg,
	)

	srv := server.New(cfg, pipeline, orchestrator, meta, sessions, vectors, c, embedClient, llmClient)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	slog.Info("docai started",
		"addr", cfg.ListenAddr,
		"vector_backend", cfg.VectorBackend,
		"chunking_strategy", cfg.ChunkingStrategy,
		"llm_model", cfg.LLMModel)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildCache prefers Redis and falls back to the in-process cache so a
// missing Redis never blocks startup.
func buildCache(cfg *config.Config) cache.Cache {
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err == nil {
			slog.Info("using redis cache")
			return redisCache
		}
		slog.Warn("redis unavailable, using in-process cache", "error", err)
	}
	return cache.NewMemoryCache()
}

// buildSessions prefers MongoDB and falls back to the in-process store.
func buildSessions(ctx context.Context, cfg *config.Config) (history.Store, error) {
	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := history.NewMongoStore(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err == nil {
			slog.Info("using mongodb session store", "database", cfg.MongoDatabase)
			return store, nil
		}
		slog.Warn("mongodb unavailable, using in-process session store", "error", err)
	}
	return history.NewMemoryStore(), nil
}
