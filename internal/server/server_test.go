package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartnet-labs/smartnet/internal/evals"
	"github.com/smartnet-labs/smartnet/internal/ledger"
	"github.com/smartnet-labs/smartnet/internal/model"
	"github.com/smartnet-labs/smartnet/internal/objective"
	"github.com/smartnet-labs/smartnet/internal/pod"
	"github.com/smartnet-labs/smartnet/internal/rag"
	"github.com/smartnet-labs/smartnet/internal/sis"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()

	pods, err := pod.NewStore(filepath.Join(root, "pods"), logger)
	require.NoError(t, err)
	store, err := ledger.NewFileStore(filepath.Join(root, "ledger"), logger)
	require.NoError(t, err)

	index := rag.NewMemoryIndex(rag.NewNoopProvider(8), logger)
	ingestor := pod.NewIngestor(pods, index)
	harness := evals.NewFileHarness(index, logger)

	constitution, err := objective.LoadConstitution(filepath.Join("testdata", "constitution.yaml"))
	require.NoError(t, err)

	return New(Config{
		Pods:                pods,
		Ingestor:            ingestor,
		Synthesizer:         rag.NewSynthesizer(index),
		Gate:                evals.NewGate(pods, harness, store, logger),
		Proposals:           objective.NewService(objective.NewBoard(constitution), store, logger),
		Ledger:              store,
		Metrics:             sis.NewAggregator(pods, store, logger),
		Logger:              logger,
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		MaxUploadBytes:      1 << 20,
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func createPod(t *testing.T, srv *Server, podID string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/pods", model.NewPodRequest{
		PodID: podID, Domain: podID + " domain", ScoreGate: 50,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func ingestText(t *testing.T, srv *Server, podID, text string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("text", text))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/pods/"+podID+"/ingest", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health model.HealthResponse
	decodeData(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateAndListPods(t *testing.T) {
	srv := newTestServer(t)
	createPod(t, srv, "support")

	rec := doJSON(t, srv, http.MethodGet, "/pods", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pods []model.Pod
	decodeData(t, rec, &pods)
	require.Len(t, pods, 1)
	assert.Equal(t, "support", pods[0].PodID)
	assert.Equal(t, 50, pods[0].ScoreGate)
}

func TestCreatePodDuplicate(t *testing.T) {
	srv := newTestServer(t)
	createPod(t, srv, "dup")

	rec := doJSON(t, srv, http.MethodPost, "/pods", model.NewPodRequest{PodID: "dup", Domain: "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeConflict, apiErr.Error.Code)
}

func TestCreatePodValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/pods", model.NewPodRequest{PodID: "../evil", Domain: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/pods", model.NewPodRequest{PodID: "ok"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing domain must be rejected")
}

func TestGetPod(t *testing.T) {
	srv := newTestServer(t)
	createPod(t, srv, "support")

	rec := doJSON(t, srv, http.MethodGet, "/pods/support", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p model.Pod
	decodeData(t, rec, &p)
	assert.Equal(t, "support", p.PodID)

	rec = doJSON(t, srv, http.MethodGet, "/pods/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestAndQuery(t *testing.T) {
	srv := newTestServer(t)
	createPod(t, srv, "support")
	ingestText(t, srv, "support", "Refunds are processed within five business days of the request.")

	rec := doJSON(t, srv, http.MethodPost, "/pods/support/query", model.QueryRequest{
		Question: "How fast are refunds processed?",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ans model.Answer
	decodeData(t, rec, &ans)
	assert.Equal(t, "support", ans.PodID)
	assert.Contains(t, ans.Answer, "How fast are refunds processed?")
	require.NotEmpty(t, ans.Citations)
	assert.True(t, strings.HasPrefix(ans.Citations[0].DocID, "snippet-"))
	for _, persona := range []string{"child", "grandma", "supporter", "tech", "investor"} {
		assert.NotEmpty(t, ans.Rubik[persona])
	}
}

func TestQueryTopKLimitsCitations(t *testing.T) {
	srv := newTestServer(t)
	createPod(t, srv, "support")
	for _, text := range []string{
		"Refunds are processed within five business days.",
		"Refunds require the original receipt.",
		"Refunds over 500 euros need manager approval.",
		"Refunds to expired cards are issued as store credit.",
	} {
		ingestText(t, srv, "support", text)
	}

	rec := doJSON(t, srv, http.MethodPost, "/pods/support/query", model.QueryRequest{
		Question: "How are refunds processed?",
		K:        3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ans model.Answer
	decodeData(t, rec, &ans)
	require.Len(t, ans.Citations, 3)
	seen := map[string]bool{}
	for _, c := range ans.Citations {
		assert.True(t, strings.HasPrefix(c.DocID, "snippet-"))
		assert.False(t, seen[c.DocID], "duplicate citation for %s", c.DocID)
		seen[c.DocID] = true
	}
}

func TestIngestUnknownPod(t *testing.T) {
	srv := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("text", "anything"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/pods/ghost/ingest", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestFileSanitized(t *testing.T) {
	srv := newTestServer(t)
	createPod(t, srv, "docs")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "../escape attempt.md")
	require.NoError(t, err)
	_, err = fw.Write([]byte("contents"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/pods/docs/ingest", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result model.IngestResult
	decodeData(t, rec, &result)
	require.Len(t, result.Saved, 1)
	assert.NotContains(t, result.Saved[0], "/")
	assert.NotContains(t, result.Saved[0], " ")
}

func TestQueryUnknownPod(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/pods/ghost/query", model.QueryRequest{Question: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEvalsAndReceipt(t *testing.T) {
	srv := newTestServer(t)
	createPod(t, srv, "support")
	ingestText(t, srv, "support", "Refunds are processed within five business days.")

	rec := doJSON(t, srv, http.MethodPost, "/pods/support/evals/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result model.EvalResult
	decodeData(t, rec, &result)
	assert.Equal(t, 50, result.Gate)
	require.NotEmpty(t, result.ReceiptID)

	// The receipt endpoint serves the stored document verbatim.
	rec = doJSON(t, srv, http.MethodGet, "/ledger/receipts/"+result.ReceiptID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var receipt model.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, model.EventEvalsRun, receipt.Event)
	assert.True(t, ledger.Verify(receipt))
}

func TestRunEvalsUnknownPod(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/pods/ghost/evals/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReceiptNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/ledger/receipts/deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProposalRecorded(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/objective/proposals", model.Proposal{
		Title:      "Raise gates",
		Rationale:  "Regressions leaked to production.",
		Principles: []string{"transparency"},
		Changes:    []string{"raise score_gate to 97"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var receipt model.ProposalReceipt
	decodeData(t, rec, &receipt)
	assert.True(t, receipt.OK)
	require.NotEmpty(t, receipt.ReceiptID)

	rec = doJSON(t, srv, http.MethodGet, "/ledger/receipts/"+receipt.ReceiptID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProposalRejectedStillRecorded(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/objective/proposals", model.Proposal{
		Title:   "No rationale",
		Changes: []string{"delete the ledger"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var receipt model.ProposalReceipt
	decodeData(t, rec, &receipt)
	assert.False(t, receipt.OK)
	assert.NotEmpty(t, receipt.Notes)

	rec = doJSON(t, srv, http.MethodGet, "/ledger/receipts/"+receipt.ReceiptID, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "rejected proposals are still recorded")
}

func TestProposalValidation(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/objective/proposals", model.Proposal{Title: "no changes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerProof(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/ledger/proof", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty model.LedgerProof
	decodeData(t, rec, &empty)
	assert.Equal(t, 0, empty.ReceiptCount)

	createPod(t, srv, "support")
	doJSON(t, srv, http.MethodPost, "/pods/support/evals/run", nil)

	rec = doJSON(t, srv, http.MethodGet, "/ledger/proof", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var proof model.LedgerProof
	decodeData(t, rec, &proof)
	assert.Equal(t, 1, proof.ReceiptCount)
	assert.NotEmpty(t, proof.RootHash)
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t)
	createPod(t, srv, "support")
	ingestText(t, srv, "support", "Some corpus text.")
	doJSON(t, srv, http.MethodPost, "/pods/support/evals/run", nil)

	rec := doJSON(t, srv, http.MethodGet, "/metrics/sis", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary sis.GlobalSummary
	decodeData(t, rec, &summary)
	assert.Equal(t, 1, summary.PodCount)
	assert.Equal(t, 1, summary.TotalDocs)
	assert.Equal(t, 1, summary.TotalEvals)

	rec = doJSON(t, srv, http.MethodGet, "/pods/support/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ps sis.PodSummary
	decodeData(t, rec, &ps)
	assert.Equal(t, "support", ps.PodID)
	assert.Equal(t, 1, ps.EvalRuns)

	rec = doJSON(t, srv, http.MethodGet, "/pods/ghost/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGeneratedPodID(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/pods", model.NewPodRequest{Domain: "auto"})
	require.Equal(t, http.StatusOK, rec.Code)
	var p model.Pod
	decodeData(t, rec, &p)
	assert.Len(t, p.PodID, 8)
	assert.Equal(t, model.DefaultScoreGate, p.ScoreGate)
	assert.Equal(t, "system", p.Owner)
}

func TestCreatePodOwnerFromHeader(t *testing.T) {
	srv := newTestServer(t)
	body, err := json.Marshal(model.NewPodRequest{Domain: "attributed"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/pods", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", "naya")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var p model.Pod
	decodeData(t, rec, &p)
	assert.Equal(t, "naya", p.Owner)
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))

	var envelope model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "fixed-id", envelope.Meta.RequestID)
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestBodyTooLarge(t *testing.T) {
	srv := newTestServer(t)
	huge := fmt.Sprintf(`{"domain": %q}`, strings.Repeat("a", 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/pods", strings.NewReader(huge))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
