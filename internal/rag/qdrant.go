package rag

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex stores corpus chunks as dense points in a shared collection,
// filtered by pod_id at query time. It implements both the ingestion Indexer
// and Retriever.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	provider   Provider
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("rag: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("rag: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, provider Provider, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		provider:   provider,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures the pod_id payload index is present. CreateFieldIndex is idempotent
// on Qdrant, so the index is always attempted to backfill collections created
// before it was added.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("rag: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("rag: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"pod_id", "doc_id"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("rag: ensure index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant: payload indexes ensured", "collection", q.collection)
	return nil
}

// IndexPod re-embeds the pod's corpus and replaces its points: the pod's
// existing points are deleted by filter, then the fresh chunks are upserted.
// Chunking matches MemoryIndex so the two backends retrieve the same units.
func (q *QdrantIndex) IndexPod(ctx context.Context, podID, corpusDir string) error {
	entries, err := os.ReadDir(corpusDir)
	if err != nil {
		return fmt.Errorf("rag: read corpus %s: %w", corpusDir, err)
	}

	type pending struct {
		docID string
		text  string
	}
	var chunks []pending
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(corpusDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("rag: read corpus file %s: %w", entry.Name(), err)
		}
		for _, text := range splitChunks(string(data)) {
			chunks = append(chunks, pending{docID: entry.Name(), text: text})
		}
	}

	var points []*qdrant.PointStruct
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i := range chunks {
			texts[i] = chunks[i].text
		}
		vecs, err := q.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("rag: embed corpus for %s: %w", podID, err)
		}
		points = make([]*qdrant.PointStruct, len(chunks))
		for i, c := range chunks {
			points[i] = &qdrant.PointStruct{
				Id:      qdrant.NewID(uuid.New().String()),
				Vectors: qdrant.NewVectorsDense(vecs[i]),
				Payload: qdrant.NewValueMap(map[string]any{
					"pod_id":  podID,
					"doc_id":  c.docID,
					"snippet": truncate(c.text, snippetLen),
				}),
			}
		}
	}

	// Delete-then-upsert keeps removed corpus files out of the index. A
	// query racing the gap sees an empty pod, which the synchronous
	// ingestion contract tolerates.
	if err := q.deleteByPod(ctx, podID); err != nil {
		return err
	}
	if len(points) > 0 {
		if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		}); err != nil {
			return fmt.Errorf("rag: qdrant upsert %d points: %w", len(points), err)
		}
	}

	q.logger.Info("rag: pod indexed", "pod_id", podID, "chunks", len(points), "backend", "qdrant")
	return nil
}

// Search implements Retriever. Over-fetches to absorb per-document
// deduplication, then keeps the best chunk per doc.
func (q *QdrantIndex) Search(ctx context.Context, podID, query string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	embedding, err := q.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	fetchLimit := uint64(k) * 3 //nolint:gosec // k is bounded by the caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("pod_id", podID),
		}},
		Limit:       &fetchLimit,
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("rag: qdrant query: %w", err)
	}

	best := make(map[string]Hit, len(scored))
	order := make([]string, 0, len(scored))
	for _, sp := range scored {
		payload := sp.Payload
		docID := payload["doc_id"].GetStringValue()
		if docID == "" {
			continue
		}
		hit := Hit{
			DocID:   docID,
			Snippet: payload["snippet"].GetStringValue(),
			Score:   float64(sp.Score),
		}
		if prev, ok := best[docID]; !ok {
			best[docID] = hit
			order = append(order, docID)
		} else if hit.Score > prev.Score {
			best[docID] = hit
		}
	}

	hits := make([]Hit, 0, len(order))
	for _, docID := range order {
		hits = append(hits, best[docID])
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func (q *QdrantIndex) deleteByPod(ctx context.Context, podID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						qdrant.NewMatch("pod_id", podID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("rag: qdrant delete by pod %s: %w", podID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every query request. Concurrent
// calls after cache expiry are deduplicated via singleflight so only one gRPC
// call is made; all waiters share its result.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context —
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			wrapped := fmt.Errorf("rag: qdrant unhealthy: %w", err)
			q.storeHealthErr(wrapped)
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
