package pod

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/smartnet-labs/smartnet/internal/model"
	"github.com/smartnet-labs/smartnet/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), testutil.TestLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, model.NewPodRequest{PodID: "physics", Domain: "physics", Owner: "naya", ScoreGate: 80})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ScoreGate != 80 || created.Owner != "naya" || created.CreatedAt == 0 {
		t.Fatalf("unexpected meta: %+v", created)
	}

	got, err := s.Get(ctx, "physics")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != created {
		t.Fatalf("Get mismatch: %+v vs %+v", got, created)
	}

	for _, dir := range []string{s.CorpusDir("physics"), s.EvalsDir("physics")} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", dir)
		}
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, model.NewPodRequest{PodID: "dup", Domain: "d"}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := s.Create(ctx, model.NewPodRequest{PodID: "dup", Domain: "d"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestCreateDefaults(t *testing.T) {
	s := newTestStore(t)

	created, err := s.Create(context.Background(), model.NewPodRequest{Domain: "biology"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created.PodID) != 8 {
		t.Fatalf("expected generated 8-char pod id, got %q", created.PodID)
	}
	if created.Owner != "system" {
		t.Fatalf("expected default owner system, got %q", created.Owner)
	}
	if created.ScoreGate != model.DefaultScoreGate {
		t.Fatalf("expected default score gate, got %d", created.ScoreGate)
	}
}

func TestGateForFallsBackOnMalformedMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, model.NewPodRequest{PodID: "broken", Domain: "d", ScoreGate: 70}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if gate := s.GateFor(ctx, "broken"); gate != 70 {
		t.Fatalf("expected configured gate 70, got %d", gate)
	}

	metaPath := filepath.Join(s.dir("broken"), metaFile)
	if err := os.WriteFile(metaPath, []byte("{not json"), 0o640); err != nil {
		t.Fatalf("corrupt meta: %v", err)
	}
	if gate := s.GateFor(ctx, "broken"); gate != model.DefaultScoreGate {
		t.Fatalf("expected default gate on malformed meta, got %d", gate)
	}
	if gate := s.GateFor(ctx, "missing"); gate != model.DefaultScoreGate {
		t.Fatalf("expected default gate on missing pod, got %d", gate)
	}
}

func TestListSkipsBrokenPods(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"beta", "alpha"} {
		if _, err := s.Create(ctx, model.NewPodRequest{PodID: id, Domain: "d"}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	// A directory without meta.json must not break listing.
	if err := os.Mkdir(filepath.Join(s.root, "stray"), 0o750); err != nil {
		t.Fatalf("mkdir stray: %v", err)
	}

	pods, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pods) != 2 || pods[0].PodID != "alpha" || pods[1].PodID != "beta" {
		t.Fatalf("unexpected listing: %+v", pods)
	}
}

type recordingIndexer struct {
	calls int
	podID string
}

func (r *recordingIndexer) IndexPod(_ context.Context, podID, _ string) error {
	r.calls++
	r.podID = podID
	return nil
}

func TestIngestSanitizesFilenames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, model.NewPodRequest{PodID: "sec", Domain: "d"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	idx := &recordingIndexer{}
	ing := NewIngestor(s, idx)

	saved, err := ing.Ingest(ctx, "sec", "inline note", []Upload{
		{Name: "../../etc/passwd", Data: []byte("root:x")},
		{Name: "ok-file_1.txt", Data: []byte("fine")},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(saved) != 3 {
		t.Fatalf("expected 3 saved files, got %v", saved)
	}
	if saved[1] != ".._.._etc_passwd" {
		t.Fatalf("expected traversal name sanitized to .._.._etc_passwd, got %q", saved[1])
	}
	if idx.calls != 1 || idx.podID != "sec" {
		t.Fatalf("expected one reindex of sec, got %+v", idx)
	}

	// Every saved file must be directly inside the corpus directory.
	for _, name := range saved {
		if _, err := os.Stat(filepath.Join(s.CorpusDir("sec"), name)); err != nil {
			t.Fatalf("saved file %q missing from corpus: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(s.root, "..", "..", "etc", "passwd")); err == nil {
		t.Fatal("traversal escaped the corpus directory")
	}
}

func TestIngestUnknownPod(t *testing.T) {
	s := newTestStore(t)
	ing := NewIngestor(s, &recordingIndexer{})

	if _, err := ing.Ingest(context.Background(), "ghost", "text", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
