// Package rag implements the retrieval engine behind pod queries: corpus
// chunking, embedding-backed similarity search with a keyword fallback, and
// an optional Qdrant-backed index. The engine is consumed through small
// interfaces so the index implementation stays swappable.
package rag

import "context"

// Hit is one retrieved corpus snippet with its relevance score.
type Hit struct {
	DocID   string  `json:"doc_id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Retriever returns the top-k scored snippets for a query against one pod's
// corpus. Implementations must be safe for concurrent use.
type Retriever interface {
	Search(ctx context.Context, podID, query string, k int) ([]Hit, error)
}
