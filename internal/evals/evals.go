// Package evals scores a pod's retrieval quality against its eval suite and
// gates the result. Every completed run appends a receipt to the ledger.
package evals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/smartnet-labs/smartnet/internal/model"
	"github.com/smartnet-labs/smartnet/internal/rag"
)

// Harness runs a pod's eval suite and returns a score in [0, 100].
type Harness interface {
	RunSuite(ctx context.Context, podID, suiteDir string) (float64, error)
}

// evalCase is one JSON file in a pod's evals/ directory.
type evalCase struct {
	Question string   `json:"question"`
	Expect   []string `json:"expect"`
}

// FileHarness reads *.json eval cases, runs each question through the
// retriever, and scores each case by the fraction of expected keywords found
// in the retrieved snippets. The suite score is 100 times the mean case
// score. An empty suite scores 0.
type FileHarness struct {
	retriever rag.Retriever
	topK      int
	logger    *slog.Logger
}

// NewFileHarness creates a harness scoring through the given retriever.
func NewFileHarness(retriever rag.Retriever, logger *slog.Logger) *FileHarness {
	return &FileHarness{retriever: retriever, topK: model.DefaultTopK, logger: logger}
}

// RunSuite implements Harness.
func (h *FileHarness) RunSuite(ctx context.Context, podID, suiteDir string) (float64, error) {
	entries, err := os.ReadDir(suiteDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("evals: read suite %s: %w", suiteDir, err)
	}

	var total float64
	var cases int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(suiteDir, entry.Name()))
		if err != nil {
			return 0, fmt.Errorf("evals: read case %s: %w", entry.Name(), err)
		}
		var ec evalCase
		if err := json.Unmarshal(data, &ec); err != nil {
			return 0, fmt.Errorf("evals: parse case %s: %w", entry.Name(), err)
		}
		if ec.Question == "" {
			h.logger.Warn("evals: skipping case without question", "case", entry.Name())
			continue
		}

		score, err := h.scoreCase(ctx, podID, ec)
		if err != nil {
			return 0, fmt.Errorf("evals: case %s: %w", entry.Name(), err)
		}
		total += score
		cases++
	}

	if cases == 0 {
		return 0, nil
	}
	return 100 * total / float64(cases), nil
}

func (h *FileHarness) scoreCase(ctx context.Context, podID string, ec evalCase) (float64, error) {
	hits, err := h.retriever.Search(ctx, podID, ec.Question, h.topK)
	if err != nil {
		return 0, err
	}
	if len(ec.Expect) == 0 {
		// A case without expectations passes when retrieval returns anything.
		if len(hits) > 0 {
			return 1, nil
		}
		return 0, nil
	}

	var corpus strings.Builder
	for _, hit := range hits {
		corpus.WriteString(strings.ToLower(hit.Snippet))
		corpus.WriteByte('\n')
	}
	haystack := corpus.String()

	var found int
	for _, keyword := range ec.Expect {
		if strings.Contains(haystack, strings.ToLower(keyword)) {
			found++
		}
	}
	return float64(found) / float64(len(ec.Expect)), nil
}
