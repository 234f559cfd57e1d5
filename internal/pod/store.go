// Package pod manages pod metadata and corpus files: one directory per pod
// under the data root, with meta.json, corpus/ and evals/ inside. The
// directory layout is the storage contract; callers go through Store so the
// backend stays swappable.
package pod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smartnet-labs/smartnet/internal/model"
)

// ErrNotFound is returned when no pod exists for the given id.
var ErrNotFound = errors.New("pod: not found")

// ErrExists is returned when creating a pod whose id is already taken.
var ErrExists = errors.New("pod: already exists")

const (
	metaFile  = "meta.json"
	corpusDir = "corpus"
	evalsDir  = "evals"
)

// Store is the filesystem-backed pod metadata store.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates the pods directory if needed and returns a store.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("pod: create directory %s: %w", root, err)
	}
	return &Store{root: root, logger: logger, now: time.Now}, nil
}

// Create makes the pod directory, writes meta.json, and prepares the corpus
// and evals subdirectories. A missing pod id is filled with a fresh 8-char
// one; a missing score gate gets the default. Returns ErrExists when the id
// is taken.
func (s *Store) Create(_ context.Context, req model.NewPodRequest) (model.Pod, error) {
	podID := req.PodID
	if podID == "" {
		podID = strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	}

	dir := s.dir(podID)
	if err := os.Mkdir(dir, 0o750); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return model.Pod{}, ErrExists
		}
		return model.Pod{}, fmt.Errorf("pod: create %s: %w", podID, err)
	}

	owner := req.Owner
	if owner == "" {
		owner = "system"
	}
	gate := req.ScoreGate
	if gate == 0 {
		gate = model.DefaultScoreGate
	}

	meta := model.Pod{
		PodID:     podID,
		Domain:    req.Domain,
		Owner:     owner,
		CreatedAt: s.now().Unix(),
		ScoreGate: gate,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return model.Pod{}, fmt.Errorf("pod: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0o640); err != nil {
		return model.Pod{}, fmt.Errorf("pod: write meta for %s: %w", podID, err)
	}
	for _, sub := range []string{corpusDir, evalsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return model.Pod{}, fmt.Errorf("pod: create %s/%s: %w", podID, sub, err)
		}
	}
	return meta, nil
}

// Get returns the pod's metadata, or ErrNotFound.
func (s *Store) Get(_ context.Context, podID string) (model.Pod, error) {
	if model.ValidatePodID(podID) != nil {
		return model.Pod{}, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dir(podID), metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.Pod{}, ErrNotFound
		}
		return model.Pod{}, fmt.Errorf("pod: read meta for %s: %w", podID, err)
	}
	var meta model.Pod
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.Pod{}, fmt.Errorf("pod: decode meta for %s: %w", podID, err)
	}
	return meta, nil
}

// Exists reports whether a pod directory is present for the id.
func (s *Store) Exists(_ context.Context, podID string) bool {
	if model.ValidatePodID(podID) != nil {
		return false
	}
	info, err := os.Stat(s.dir(podID))
	return err == nil && info.IsDir()
}

// List returns metadata for every pod, ordered by pod id. Directories with
// missing or malformed meta.json are skipped with a warning.
func (s *Store) List(ctx context.Context) ([]model.Pod, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("pod: read pods directory: %w", err)
	}

	pods := make([]model.Pod, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Get(ctx, entry.Name())
		if err != nil {
			s.logger.Warn("pod: skipping unreadable pod", "pod_id", entry.Name(), "error", err)
			continue
		}
		pods = append(pods, meta)
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].PodID < pods[j].PodID })
	return pods, nil
}

// GateFor returns the pod's configured score gate, falling back to the
// default when the metadata is missing or malformed. The fallback is part of
// the eval-gate contract: a broken meta.json must not block evaluation.
func (s *Store) GateFor(ctx context.Context, podID string) int {
	meta, err := s.Get(ctx, podID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("pod: malformed meta, using default gate", "pod_id", podID, "error", err)
		}
		return model.DefaultScoreGate
	}
	if meta.ScoreGate <= 0 || meta.ScoreGate > 100 {
		return model.DefaultScoreGate
	}
	return meta.ScoreGate
}

// CorpusDir returns the pod's corpus directory path.
func (s *Store) CorpusDir(podID string) string {
	return filepath.Join(s.dir(podID), corpusDir)
}

// EvalsDir returns the pod's eval suite directory path.
func (s *Store) EvalsDir(podID string) string {
	return filepath.Join(s.dir(podID), evalsDir)
}

func (s *Store) dir(podID string) string {
	return filepath.Join(s.root, podID)
}
