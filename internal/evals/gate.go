package evals

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smartnet-labs/smartnet/internal/ledger"
	"github.com/smartnet-labs/smartnet/internal/model"
	"github.com/smartnet-labs/smartnet/internal/pod"
)

// Gate runs a pod's eval suite, scores it against the pod's gate, and appends
// the evals.run receipt. When the harness fails, no receipt is written and
// the error propagates: an unrecorded failure is better than a recorded lie.
type Gate struct {
	pods    *pod.Store
	harness Harness
	ledger  ledger.Store
	logger  *slog.Logger
}

// NewGate wires the gate service.
func NewGate(pods *pod.Store, harness Harness, store ledger.Store, logger *slog.Logger) *Gate {
	return &Gate{pods: pods, harness: harness, ledger: store, logger: logger}
}

// Run executes the suite and records the outcome. Returns pod.ErrNotFound
// when the pod does not exist.
func (g *Gate) Run(ctx context.Context, podID string) (model.EvalResult, error) {
	if !g.pods.Exists(ctx, podID) {
		return model.EvalResult{}, pod.ErrNotFound
	}

	score, err := g.harness.RunSuite(ctx, podID, g.pods.EvalsDir(podID))
	if err != nil {
		return model.EvalResult{}, fmt.Errorf("evals: run suite for %s: %w", podID, err)
	}

	gate := g.pods.GateFor(ctx, podID)
	passed := score >= float64(gate)

	receipt, err := g.ledger.Append(ctx, model.EventEvalsRun, model.EvalRunPayload{
		PodID:  podID,
		Score:  score,
		Gate:   gate,
		Passed: passed,
	})
	if err != nil {
		return model.EvalResult{}, fmt.Errorf("evals: record run for %s: %w", podID, err)
	}

	g.logger.Info("evals: suite scored",
		"pod_id", podID,
		"score", score,
		"gate", gate,
		"passed", passed,
		"receipt_id", receipt.ID,
	)

	return model.EvalResult{
		Score:     score,
		Gate:      gate,
		Passed:    passed,
		ReceiptID: receipt.ID,
	}, nil
}
