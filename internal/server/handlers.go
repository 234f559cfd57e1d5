package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/smartnet-labs/smartnet/internal/evals"
	"github.com/smartnet-labs/smartnet/internal/ledger"
	"github.com/smartnet-labs/smartnet/internal/model"
	"github.com/smartnet-labs/smartnet/internal/objective"
	"github.com/smartnet-labs/smartnet/internal/pod"
	"github.com/smartnet-labs/smartnet/internal/rag"
	"github.com/smartnet-labs/smartnet/internal/sis"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	pods                *pod.Store
	ingestor            *pod.Ingestor
	synthesizer         *rag.Synthesizer
	gate                *evals.Gate
	proposals           *objective.Service
	ledger              *ledger.FileStore
	metrics             *sis.Aggregator
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	maxUploadBytes      int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{
		pods:                cfg.Pods,
		ingestor:            cfg.Ingestor,
		synthesizer:         cfg.Synthesizer,
		gate:                cfg.Gate,
		proposals:           cfg.Proposals,
		ledger:              cfg.Ledger,
		metrics:             cfg.Metrics,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		maxUploadBytes:      cfg.MaxUploadBytes,
	}
}

// HandleListPods handles GET /pods.
func (h *Handlers) HandleListPods(w http.ResponseWriter, r *http.Request) {
	pods, err := h.pods.List(r.Context())
	if err != nil {
		h.logger.Error("list pods failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list pods")
		return
	}
	writeJSON(w, r, http.StatusOK, pods)
}

// HandleCreatePod handles POST /pods.
func (h *Handlers) HandleCreatePod(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.NewPodRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateNewPod(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Owner == "" {
		req.Owner = PrincipalFromContext(r.Context())
	}

	created, err := h.pods.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, pod.ErrExists) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeConflict, "pod_id already exists")
			return
		}
		h.logger.Error("create pod failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create pod")
		return
	}
	writeJSON(w, r, http.StatusOK, created)
}

// HandleGetPod handles GET /pods/{pod_id}.
func (h *Handlers) HandleGetPod(w http.ResponseWriter, r *http.Request) {
	podID := r.PathValue("pod_id")
	p, err := h.pods.Get(r.Context(), podID)
	if err != nil {
		if errors.Is(err, pod.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pod not found")
			return
		}
		h.logger.Error("get pod failed", "pod_id", podID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read pod")
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleIngest handles POST /pods/{pod_id}/ingest. Accepts multipart form
// data: an optional "text" field and any number of "files" parts.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	podID := r.PathValue("pod_id")
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid multipart form")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	text := r.FormValue("text")
	var uploads []pod.Upload
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unreadable upload")
				return
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unreadable upload")
				return
			}
			uploads = append(uploads, pod.Upload{Name: fh.Filename, Data: data})
		}
	}

	saved, err := h.ingestor.Ingest(r.Context(), podID, text, uploads)
	if err != nil {
		if errors.Is(err, pod.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pod not found")
			return
		}
		h.logger.Error("ingest failed", "pod_id", podID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to ingest corpus")
		return
	}
	writeJSON(w, r, http.StatusOK, model.IngestResult{PodID: podID, Saved: saved})
}

// HandleQuery handles POST /pods/{pod_id}/query.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	podID := r.PathValue("pod_id")
	if !h.pods.Exists(r.Context(), podID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pod not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateQuery(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	answer, err := h.synthesizer.Answer(r.Context(), podID, req.Question, req.K)
	if err != nil {
		h.logger.Error("query failed", "pod_id", podID, "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamError, "retrieval failed")
		return
	}
	writeJSON(w, r, http.StatusOK, answer)
}

// HandleRunEvals handles POST /pods/{pod_id}/evals/run. A harness failure is
// a 502 and leaves no receipt behind.
func (h *Handlers) HandleRunEvals(w http.ResponseWriter, r *http.Request) {
	podID := r.PathValue("pod_id")
	result, err := h.gate.Run(r.Context(), podID)
	if err != nil {
		if errors.Is(err, pod.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pod not found")
			return
		}
		h.logger.Error("eval run failed", "pod_id", podID, "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamError, "eval harness failed")
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandlePropose handles POST /objective/proposals.
func (h *Handlers) HandlePropose(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	var req model.Proposal
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateProposal(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	receipt, err := h.proposals.Propose(r.Context(), req)
	if err != nil {
		h.logger.Error("record proposal failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to record proposal")
		return
	}
	writeJSON(w, r, http.StatusOK, receipt)
}

// HandleGetReceipt handles GET /ledger/receipts/{receipt_id}. The stored
// document is returned byte for byte; re-encoding it would break hash
// verification by external auditors.
func (h *Handlers) HandleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receiptID := r.PathValue("receipt_id")
	raw, err := h.ledger.GetRaw(r.Context(), receiptID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "receipt not found")
			return
		}
		h.logger.Error("get receipt failed", "receipt_id", receiptID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read receipt")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// HandleLedgerProof handles GET /ledger/proof.
func (h *Handlers) HandleLedgerProof(w http.ResponseWriter, r *http.Request) {
	proof, err := h.ledger.Proof(r.Context())
	if err != nil {
		h.logger.Error("ledger proof failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to compute proof")
		return
	}
	writeJSON(w, r, http.StatusOK, proof)
}

// HandleGlobalMetrics handles GET /metrics/sis.
func (h *Handlers) HandleGlobalMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := h.metrics.Global(r.Context())
	if err != nil {
		h.logger.Error("global metrics failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to aggregate metrics")
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandlePodMetrics handles GET /pods/{pod_id}/metrics.
func (h *Handlers) HandlePodMetrics(w http.ResponseWriter, r *http.Request) {
	podID := r.PathValue("pod_id")
	summary, err := h.metrics.Pod(r.Context(), podID)
	if err != nil {
		if errors.Is(err, pod.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pod not found")
			return
		}
		h.logger.Error("pod metrics failed", "pod_id", podID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to aggregate metrics")
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	})
}
