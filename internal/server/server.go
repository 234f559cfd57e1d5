package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/smartnet-labs/smartnet/internal/evals"
	"github.com/smartnet-labs/smartnet/internal/ledger"
	"github.com/smartnet-labs/smartnet/internal/objective"
	"github.com/smartnet-labs/smartnet/internal/pod"
	"github.com/smartnet-labs/smartnet/internal/rag"
	"github.com/smartnet-labs/smartnet/internal/sis"
)

// Server is the SkillPods HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
type Config struct {
	// Required dependencies.
	Pods        *pod.Store
	Ingestor    *pod.Ingestor
	Synthesizer *rag.Synthesizer
	Gate        *evals.Gate
	Proposals   *objective.Service
	Ledger      *ledger.FileStore
	Metrics     *sis.Aggregator
	Logger      *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg)

	mux := http.NewServeMux()

	// Pod lifecycle.
	mux.HandleFunc("GET /pods", h.HandleListPods)
	mux.HandleFunc("POST /pods", h.HandleCreatePod)
	mux.HandleFunc("GET /pods/{pod_id}", h.HandleGetPod)

	// Corpus and query.
	mux.HandleFunc("POST /pods/{pod_id}/ingest", h.HandleIngest)
	mux.HandleFunc("POST /pods/{pod_id}/query", h.HandleQuery)

	// Evals.
	mux.HandleFunc("POST /pods/{pod_id}/evals/run", h.HandleRunEvals)

	// Governance.
	mux.HandleFunc("POST /objective/proposals", h.HandlePropose)

	// Ledger.
	mux.HandleFunc("GET /ledger/receipts/{receipt_id}", h.HandleGetReceipt)
	mux.HandleFunc("GET /ledger/proof", h.HandleLedgerProof)

	// Metrics.
	mux.HandleFunc("GET /metrics/sis", h.HandleGlobalMetrics)
	mux.HandleFunc("GET /pods/{pod_id}/metrics", h.HandlePodMetrics)

	// Health (open).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → identity → logging → recovery → handler.
	// Identity resolves before logging so requests log their principal.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = identityMiddleware(handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
