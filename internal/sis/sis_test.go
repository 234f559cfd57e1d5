package sis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/smartnet-labs/smartnet/internal/ledger"
	"github.com/smartnet-labs/smartnet/internal/model"
	"github.com/smartnet-labs/smartnet/internal/pod"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) (*Aggregator, *pod.Store, *ledger.FileStore) {
	t.Helper()
	pods, err := pod.NewStore(filepath.Join(t.TempDir(), "pods"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return NewAggregator(pods, store, testLogger()), pods, store
}

func appendEvalRun(t *testing.T, store *ledger.FileStore, podID string, score float64, passed bool) {
	t.Helper()
	_, err := store.Append(context.Background(), model.EventEvalsRun, model.EvalRunPayload{
		PodID: podID, Score: score, Gate: 95, Passed: passed,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGlobalEmpty(t *testing.T) {
	agg, _, _ := newFixture(t)
	summary, err := agg.Global(context.Background())
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if summary.PodCount != 0 || summary.ReceiptCount != 0 || len(summary.Pods) != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestGlobalAggregates(t *testing.T) {
	agg, pods, store := newFixture(t)
	ctx := context.Background()

	if _, err := pods.Create(ctx, model.NewPodRequest{PodID: "support", Domain: "support"}); err != nil {
		t.Fatal(err)
	}
	if _, err := pods.Create(ctx, model.NewPodRequest{PodID: "legal", Domain: "legal"}); err != nil {
		t.Fatal(err)
	}

	body := []byte("refund policy text")
	if err := os.WriteFile(filepath.Join(pods.CorpusDir("support"), "policy.md"), body, 0o644); err != nil {
		t.Fatal(err)
	}

	appendEvalRun(t, store, "support", 70, false)
	appendEvalRun(t, store, "support", 96, true)

	summary, err := agg.Global(ctx)
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if summary.PodCount != 2 || summary.TotalDocs != 1 || summary.TotalEvals != 2 || summary.ReceiptCount != 2 {
		t.Errorf("summary = %+v", summary)
	}

	var support, legal *PodSummary
	for i := range summary.Pods {
		switch summary.Pods[i].PodID {
		case "support":
			support = &summary.Pods[i]
		case "legal":
			legal = &summary.Pods[i]
		}
	}
	if support == nil || legal == nil {
		t.Fatalf("pods missing from summary: %+v", summary.Pods)
	}

	if support.CorpusDocs != 1 || support.CorpusBytes != int64(len(body)) {
		t.Errorf("support corpus = %d docs / %d bytes", support.CorpusDocs, support.CorpusBytes)
	}
	if support.EvalRuns != 2 {
		t.Errorf("support eval runs = %d", support.EvalRuns)
	}
	if support.PassRate == nil || *support.PassRate != 0.5 {
		t.Errorf("support pass rate = %v", support.PassRate)
	}
	if support.LastScore == nil {
		t.Fatal("support last score missing")
	}

	if legal.EvalRuns != 0 || legal.LastScore != nil || legal.PassRate != nil {
		t.Errorf("legal should have no eval stats: %+v", legal)
	}
}

func TestPodSummary(t *testing.T) {
	agg, pods, store := newFixture(t)
	ctx := context.Background()

	if _, err := pods.Create(ctx, model.NewPodRequest{PodID: "ops", Domain: "operations"}); err != nil {
		t.Fatal(err)
	}
	appendEvalRun(t, store, "ops", 98, true)

	ps, err := agg.Pod(ctx, "ops")
	if err != nil {
		t.Fatalf("Pod: %v", err)
	}
	if ps.PodID != "ops" || ps.EvalRuns != 1 {
		t.Errorf("summary = %+v", ps)
	}

	if _, err := agg.Pod(ctx, "ghost"); !errors.Is(err, pod.ErrNotFound) {
		t.Errorf("err = %v, want pod.ErrNotFound", err)
	}
}

func TestGlobalSkipsMalformedReceipts(t *testing.T) {
	agg, pods, store := newFixture(t)
	ctx := context.Background()

	if _, err := pods.Create(ctx, model.NewPodRequest{PodID: "a", Domain: "a"}); err != nil {
		t.Fatal(err)
	}
	// A receipt of another kind must not count toward eval stats.
	if _, err := store.Append(ctx, model.EventObjectiveProposed, model.ProposalPayload{OK: true}); err != nil {
		t.Fatal(err)
	}
	appendEvalRun(t, store, "a", 100, true)

	summary, err := agg.Global(ctx)
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if summary.ReceiptCount != 2 {
		t.Errorf("receipt count = %d, want 2", summary.ReceiptCount)
	}
	if summary.TotalEvals != 1 {
		t.Errorf("total evals = %d, want 1", summary.TotalEvals)
	}
}
