package pod

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Indexer rebuilds a pod's retrieval index from its corpus directory.
// Ingestion reindexes the whole corpus synchronously before returning; there
// is no incremental path, which is acceptable for a low-throughput
// pod-management operation.
type Indexer interface {
	IndexPod(ctx context.Context, podID, corpusDir string) error
}

// Upload is one uploaded corpus file.
type Upload struct {
	Name string
	Data []byte
}

// unsafeFilenameChars matches every byte that is replaced with '_' in an
// uploaded filename. The result can only name a file directly inside the
// corpus directory.
var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SanitizeFilename maps an arbitrary uploaded filename to a corpus-safe one.
func SanitizeFilename(name string) string {
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

// Ingestor appends text snippets and uploaded files to pod corpora.
type Ingestor struct {
	store   *Store
	indexer Indexer
}

// NewIngestor wires the corpus writer to its index rebuilder.
func NewIngestor(store *Store, indexer Indexer) *Ingestor {
	return &Ingestor{store: store, indexer: indexer}
}

// Ingest writes the inline text (if any) and each upload into the pod's
// corpus directory and then reindexes the corpus. Returns the stored
// filenames in write order. The pod must exist; callers check that first for
// a proper 404.
func (ing *Ingestor) Ingest(ctx context.Context, podID, text string, files []Upload) ([]string, error) {
	if !ing.store.Exists(ctx, podID) {
		return nil, ErrNotFound
	}
	corpus := ing.store.CorpusDir(podID)

	var saved []string
	if text != "" {
		name := fmt.Sprintf("snippet-%s.md", strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
		if err := os.WriteFile(filepath.Join(corpus, name), []byte(text), 0o640); err != nil {
			return nil, fmt.Errorf("pod: write snippet for %s: %w", podID, err)
		}
		saved = append(saved, name)
	}

	for _, up := range files {
		name := SanitizeFilename(up.Name)
		if name == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(corpus, name), up.Data, 0o640); err != nil {
			return nil, fmt.Errorf("pod: write upload %s for %s: %w", name, podID, err)
		}
		saved = append(saved, name)
	}

	if err := ing.indexer.IndexPod(ctx, podID, corpus); err != nil {
		return nil, fmt.Errorf("pod: reindex %s: %w", podID, err)
	}
	return saved, nil
}
