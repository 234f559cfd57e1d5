// Package sis aggregates pod and ledger state into summary metrics: corpus
// sizes, eval run history, pass rates. Summaries are computed on demand from
// the stores; nothing is cached or persisted.
package sis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/smartnet-labs/smartnet/internal/model"
	"github.com/smartnet-labs/smartnet/internal/pod"
)

// PodSummary is the per-pod slice of the global summary.
type PodSummary struct {
	PodID       string   `json:"pod_id"`
	Domain      string   `json:"domain"`
	ScoreGate   int      `json:"score_gate"`
	CorpusDocs  int      `json:"corpus_docs"`
	CorpusBytes int64    `json:"corpus_bytes"`
	EvalRuns    int      `json:"eval_runs"`
	LastScore   *float64 `json:"last_score,omitempty"`
	PassRate    *float64 `json:"pass_rate,omitempty"`
}

// GlobalSummary is the response of GET /metrics/sis.
type GlobalSummary struct {
	Pods         []PodSummary `json:"pods"`
	PodCount     int          `json:"pod_count"`
	TotalDocs    int          `json:"total_docs"`
	TotalEvals   int          `json:"total_evals"`
	ReceiptCount int          `json:"receipt_count"`
}

// Walker is the ledger surface the aggregator needs.
type Walker interface {
	Walk(ctx context.Context, fn func(model.Receipt) error) error
}

// Aggregator computes summaries from the pod store and the ledger.
type Aggregator struct {
	pods   *pod.Store
	ledger Walker
	logger *slog.Logger
}

// NewAggregator wires the metrics aggregator.
func NewAggregator(pods *pod.Store, walker Walker, logger *slog.Logger) *Aggregator {
	return &Aggregator{pods: pods, ledger: walker, logger: logger}
}

type evalStats struct {
	runs      int
	passed    int
	lastTS    int64
	lastScore float64
}

// Global walks every pod and the full ledger to build the summary.
func (a *Aggregator) Global(ctx context.Context) (GlobalSummary, error) {
	pods, err := a.pods.List(ctx)
	if err != nil {
		return GlobalSummary{}, fmt.Errorf("sis: list pods: %w", err)
	}

	stats := make(map[string]*evalStats)
	var receipts int
	err = a.ledger.Walk(ctx, func(r model.Receipt) error {
		receipts++
		if r.Event != model.EventEvalsRun {
			return nil
		}
		var payload model.EvalRunPayload
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			a.logger.Warn("sis: skipping malformed evals.run payload", "receipt_id", r.ID, "error", err)
			return nil
		}
		st := stats[payload.PodID]
		if st == nil {
			st = &evalStats{}
			stats[payload.PodID] = st
		}
		st.runs++
		if payload.Passed {
			st.passed++
		}
		if r.TS >= st.lastTS {
			st.lastTS = r.TS
			st.lastScore = payload.Score
		}
		return nil
	})
	if err != nil {
		return GlobalSummary{}, fmt.Errorf("sis: walk ledger: %w", err)
	}

	summary := GlobalSummary{
		Pods:         make([]PodSummary, 0, len(pods)),
		PodCount:     len(pods),
		ReceiptCount: receipts,
	}
	for _, p := range pods {
		ps := PodSummary{
			PodID:     p.PodID,
			Domain:    p.Domain,
			ScoreGate: p.ScoreGate,
		}
		ps.CorpusDocs, ps.CorpusBytes = a.corpusSize(p.PodID)
		if st := stats[p.PodID]; st != nil {
			ps.EvalRuns = st.runs
			last := st.lastScore
			ps.LastScore = &last
			rate := float64(st.passed) / float64(st.runs)
			ps.PassRate = &rate
		}
		summary.TotalDocs += ps.CorpusDocs
		summary.TotalEvals += ps.EvalRuns
		summary.Pods = append(summary.Pods, ps)
	}
	return summary, nil
}

// Pod returns the summary for one pod. Returns pod.ErrNotFound when the pod
// does not exist; eval runs recorded against a since-deleted pod are not
// reachable through this path.
func (a *Aggregator) Pod(ctx context.Context, podID string) (PodSummary, error) {
	if !a.pods.Exists(ctx, podID) {
		return PodSummary{}, pod.ErrNotFound
	}
	global, err := a.Global(ctx)
	if err != nil {
		return PodSummary{}, err
	}
	for _, ps := range global.Pods {
		if ps.PodID == podID {
			return ps, nil
		}
	}
	return PodSummary{}, pod.ErrNotFound
}

func (a *Aggregator) corpusSize(podID string) (int, int64) {
	entries, err := os.ReadDir(a.pods.CorpusDir(podID))
	if err != nil {
		return 0, 0
	}
	var docs int
	var bytes int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		docs++
		bytes += info.Size()
	}
	return docs, bytes
}
