package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/smartnet-labs/smartnet/internal/config"
	"github.com/smartnet-labs/smartnet/internal/evals"
	"github.com/smartnet-labs/smartnet/internal/ledger"
	"github.com/smartnet-labs/smartnet/internal/objective"
	"github.com/smartnet-labs/smartnet/internal/pod"
	"github.com/smartnet-labs/smartnet/internal/rag"
	"github.com/smartnet-labs/smartnet/internal/server"
	"github.com/smartnet-labs/smartnet/internal/sis"
	"github.com/smartnet-labs/smartnet/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SKILLPODS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.LoadSkillPods()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("skillpods starting", "version", version, "port", cfg.Port, "data_dir", cfg.DataDir)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Filesystem stores: pods/ and ledger/ under the data root.
	pods, err := pod.NewStore(filepath.Join(cfg.DataDir, "pods"), logger)
	if err != nil {
		return fmt.Errorf("pod store: %w", err)
	}
	receipts, err := ledger.NewFileStore(filepath.Join(cfg.DataDir, "ledger"), logger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	// Embedding provider and retrieval index. Retrieval runs in-process
	// unless a Qdrant endpoint is configured.
	provider := newEmbeddingProvider(cfg, logger)

	var index interface {
		pod.Indexer
		rag.Retriever
	}
	if cfg.QdrantURL != "" {
		qdrantIndex, err := rag.NewQdrantIndex(rag.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, provider, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("retrieval: qdrant", "collection", cfg.QdrantCollection)
	} else {
		index = rag.NewMemoryIndex(provider, logger)
		logger.Info("retrieval: in-memory (no QDRANT_URL)")
	}

	// Reindex existing corpora so retrieval survives restarts.
	if err := reindexAll(ctx, pods, index, logger); err != nil {
		logger.Warn("startup reindex failed", "error", err)
	}

	// Objective board constitution.
	constitution, err := objective.LoadConstitution(cfg.ConstitutionPath)
	if err != nil {
		return fmt.Errorf("constitution: %w", err)
	}
	logger.Info("constitution loaded",
		"version", constitution.Version,
		"principles", len(constitution.Principles),
	)

	srv := server.New(server.Config{
		Pods:                pods,
		Ingestor:            pod.NewIngestor(pods, index),
		Synthesizer:         rag.NewSynthesizer(index),
		Gate:                evals.NewGate(pods, evals.NewFileHarness(index, logger), receipts, logger),
		Proposals:           objective.NewService(objective.NewBoard(constitution), receipts, logger),
		Ledger:              receipts,
		Metrics:             sis.NewAggregator(pods, receipts, logger),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("skillpods shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("skillpods stopped")
	return nil
}

// reindexAll rebuilds the retrieval index for every pod with a corpus on
// disk. The in-memory index starts empty on every boot; Qdrant gets a full
// refresh so stale points from removed corpora don't linger.
func reindexAll(ctx context.Context, pods *pod.Store, index pod.Indexer, logger *slog.Logger) error {
	list, err := pods.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range list {
		if err := index.IndexPod(ctx, p.PodID, pods.CorpusDir(p.PodID)); err != nil {
			logger.Warn("reindex failed", "pod_id", p.PodID, "error", err)
			continue
		}
	}
	if len(list) > 0 {
		logger.Info("startup reindex complete", "pods", len(list))
	}
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.SkillPods, logger *slog.Logger) rag.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when SKILLPODS_EMBEDDING_PROVIDER=openai")
			return rag.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return rag.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return rag.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (keyword retrieval only)")
		return rag.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return rag.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return rag.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (keyword retrieval only)")
		return rag.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
