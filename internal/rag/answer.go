package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/smartnet-labs/smartnet/internal/model"
)

// rubikPersonas are the fixed audience framings attached to every answer.
var rubikPersonas = map[string]string{
	"child":     "Simple, friendly version goes here.",
	"grandma":   "Plain-language version with examples.",
	"supporter": "Benefits and quick wins.",
	"tech":      "APIs, schemas, step-by-steps.",
	"investor":  "Market framing, KPIs, ROI.",
}

// Synthesizer turns retrieval hits into a templated answer with citations.
// The answer body is deliberately a draft skeleton: retrieval is the real
// work, generation is a placeholder for a future LLM call.
type Synthesizer struct {
	retriever Retriever
}

// NewSynthesizer wraps a retriever.
func NewSynthesizer(retriever Retriever) *Synthesizer {
	return &Synthesizer{retriever: retriever}
}

// Answer retrieves the top-k hits for the question and assembles the
// templated response with per-persona framings.
func (s *Synthesizer) Answer(ctx context.Context, podID, question string, k int) (model.Answer, error) {
	hits, err := s.retriever.Search(ctx, podID, question, k)
	if err != nil {
		return model.Answer{}, err
	}

	contextLines := make([]string, len(hits))
	citations := make([]model.Citation, len(hits))
	for i, h := range hits {
		contextLines[i] = fmt.Sprintf("[%s] %s", h.DocID, h.Snippet)
		citations[i] = model.Citation{DocID: h.DocID, Score: h.Score}
	}

	final := fmt.Sprintf(
		"Draft answer (program-not-train skeleton):\n\n"+
			"Question: %s\n\n"+
			"Context summary from corpus:\n%s\n\n"+
			"Answer: Based on the retrieved materials, here are the key points...\n"+
			"(Replace this with a true LLM call; this skeleton is RAG-first.)",
		question, strings.Join(contextLines, "\n\n"),
	)

	rubik := make(map[string]string, len(rubikPersonas))
	for persona, framing := range rubikPersonas {
		rubik[persona] = framing
	}

	return model.Answer{
		PodID:     podID,
		Answer:    final,
		Citations: citations,
		Rubik:     rubik,
	}, nil
}
