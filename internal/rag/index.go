package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// maxChunkBytes caps the size of one indexed chunk. Corpus files are split on
// blank lines and adjacent paragraphs are merged up to this size.
const maxChunkBytes = 1200

// snippetLen is the maximum snippet length returned in a Hit.
const snippetLen = 400

type chunk struct {
	docID   string
	text    string
	vec     []float32
	vecNorm float64
	terms   map[string]float64 // normalized term frequencies
}

// MemoryIndex is the in-process retrieval index: one chunk list per pod,
// scored by embedding cosine similarity when the provider yields real
// vectors, by term overlap otherwise. IndexPod replaces a pod's chunks
// wholesale, matching the synchronous full-reindex ingestion contract.
type MemoryIndex struct {
	provider Provider
	logger   *slog.Logger

	mu   sync.RWMutex
	pods map[string][]chunk
}

// NewMemoryIndex creates an empty index backed by the given provider.
func NewMemoryIndex(provider Provider, logger *slog.Logger) *MemoryIndex {
	return &MemoryIndex{
		provider: provider,
		logger:   logger,
		pods:     make(map[string][]chunk),
	}
}

// IndexPod rebuilds the pod's chunks from every regular file in corpusDir.
func (ix *MemoryIndex) IndexPod(ctx context.Context, podID, corpusDir string) error {
	entries, err := os.ReadDir(corpusDir)
	if err != nil {
		return fmt.Errorf("rag: read corpus %s: %w", corpusDir, err)
	}

	var chunks []chunk
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(corpusDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("rag: read corpus file %s: %w", entry.Name(), err)
		}
		for _, text := range splitChunks(string(data)) {
			chunks = append(chunks, chunk{
				docID: entry.Name(),
				text:  text,
				terms: termFrequencies(text),
			})
		}
	}

	// Embed all chunks in one batch; zero vectors (noop provider) simply
	// leave the keyword path in charge.
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i := range chunks {
			texts[i] = chunks[i].text
		}
		vecs, err := ix.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("rag: embed corpus for %s: %w", podID, err)
		}
		for i := range chunks {
			chunks[i].vec = vecs[i]
			chunks[i].vecNorm = norm(vecs[i])
		}
	}

	ix.mu.Lock()
	ix.pods[podID] = chunks
	ix.mu.Unlock()

	ix.logger.Info("rag: pod indexed", "pod_id", podID, "chunks", len(chunks))
	return nil
}

// Search implements Retriever. Results are deduplicated per document (the
// best-scoring chunk wins) and ordered by score descending.
func (ix *MemoryIndex) Search(ctx context.Context, podID, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	chunks := ix.pods[podID]
	ix.mu.RUnlock()
	if len(chunks) == 0 {
		return nil, nil
	}

	queryVec, err := ix.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	queryNorm := norm(queryVec)
	queryTerms := termFrequencies(query)

	best := make(map[string]Hit, len(chunks))
	for _, c := range chunks {
		var score float64
		if queryNorm > 0 && c.vecNorm > 0 {
			score = cosine(queryVec, queryNorm, c.vec, c.vecNorm)
		} else {
			score = overlap(queryTerms, c.terms)
		}
		if score <= 0 {
			continue
		}
		if prev, ok := best[c.docID]; !ok || score > prev.Score {
			best[c.docID] = Hit{DocID: c.docID, Snippet: truncate(c.text, snippetLen), Score: score}
		}
	}

	hits := make([]Hit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// splitChunks breaks text into paragraph groups of at most maxChunkBytes.
func splitChunks(text string) []string {
	var out []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para) > maxChunkBytes {
			out = append(out, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// termFrequencies tokenizes on non-alphanumeric boundaries, lowercases, and
// normalizes counts by the total token count.
func termFrequencies(text string) map[string]float64 {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	total := float64(len(tokens))
	for tok := range tf {
		tf[tok] /= total
	}
	return tf
}

// overlap scores a chunk by the fraction of query term mass it covers,
// weighted by the chunk's own term frequency.
func overlap(query, doc map[string]float64) float64 {
	var score float64
	for tok, qw := range query {
		if dw, ok := doc[tok]; ok {
			score += qw * math.Sqrt(dw)
		}
	}
	return score
}

func norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
