package ledger

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

// idAttempts is the number of fresh ids tried before Append gives up.
const idAttempts = 5

// FileStore persists one immutable JSON document per receipt id under a
// ledger directory. Documents are written to a temp file, fsynced, and
// hard-linked into place: the link fails if the id already exists, so a
// receipt can never be overwritten, and readers never observe a partial
// write.
type FileStore struct {
	dir    string
	logger *slog.Logger

	// newID and now are swappable for tests.
	newID func() string
	now   func() time.Time
}

// NewFileStore creates the ledger directory if needed and returns a store.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create directory %s: %w", dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		newID:  func() string { return strings.ReplaceAll(uuid.New().String(), "-", "")[:8] },
		now:    time.Now,
	}, nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, kind model.EventKind, payload any) (model.Receipt, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("ledger: marshal payload: %w", err)
	}

	ts := s.now().Unix()
	for attempt := 0; attempt < idAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Receipt{}, err
		}

		id := s.newID()
		receipt := model.Receipt{
			ID:          id,
			Event:       kind,
			TS:          ts,
			ContentHash: ComputeContentHash(id, string(kind), ts, raw),
			Payload:     raw,
		}

		created, err := s.writeOnce(receipt)
		if err != nil {
			return model.Receipt{}, err
		}
		if !created {
			s.logger.Warn("ledger: receipt id collision, regenerating", "id", id, "attempt", attempt+1)
			continue
		}
		return receipt, nil
	}
	return model.Receipt{}, ErrIDExhausted
}

// writeOnce persists the receipt. Returns false (and no error) when the id is
// already taken.
func (s *FileStore) writeOnce(receipt model.Receipt) (bool, error) {
	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return false, fmt.Errorf("ledger: marshal receipt: %w", err)
	}

	final := s.path(receipt.ID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			// A concurrent append of the same id is mid-write. Treat as a
			// collision and let the caller regenerate.
			return false, nil
		}
		return false, fmt.Errorf("ledger: create temp receipt: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return false, fmt.Errorf("ledger: write receipt %s: %w", receipt.ID, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return false, fmt.Errorf("ledger: sync receipt %s: %w", receipt.ID, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return false, fmt.Errorf("ledger: close receipt %s: %w", receipt.ID, err)
	}

	// Link, don't rename: link fails on an existing target, which is the
	// append-only guarantee.
	if err := os.Link(tmp, final); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: persist receipt %s: %w", receipt.ID, err)
	}
	_ = os.Remove(tmp)
	return true, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (model.Receipt, error) {
	raw, err := s.GetRaw(ctx, id)
	if err != nil {
		return model.Receipt{}, err
	}
	var receipt model.Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return model.Receipt{}, fmt.Errorf("ledger: decode receipt %s: %w", id, err)
	}
	return receipt, nil
}

// GetRaw implements Store.
func (s *FileStore) GetRaw(_ context.Context, id string) ([]byte, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: read receipt %s: %w", id, err)
	}
	return data, nil
}

// Verify recomputes the receipt's content hash and reports whether it matches
// the stored one.
func Verify(receipt model.Receipt) bool {
	return receipt.ContentHash == ComputeContentHash(receipt.ID, string(receipt.Event), receipt.TS, receipt.Payload)
}

// Walk calls fn for every receipt in the ledger, in unspecified order.
// Receipts that fail to decode are skipped with a warning: a corrupt document
// must not hide the rest of the audit trail.
func (s *FileStore) Walk(ctx context.Context, fn func(model.Receipt) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("ledger: read directory: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		receipt, err := s.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("ledger: skipping unreadable receipt", "file", name, "error", err)
			continue
		}
		if err := fn(receipt); err != nil {
			return err
		}
	}
	return nil
}

// Proof builds a Merkle root over the content hashes of every receipt in the
// ledger. Hashes are sorted before tree construction for determinism.
func (s *FileStore) Proof(ctx context.Context) (model.LedgerProof, error) {
	var hashes []string
	err := s.Walk(ctx, func(r model.Receipt) error {
		hashes = append(hashes, r.ContentHash)
		return nil
	})
	if err != nil {
		return model.LedgerProof{}, err
	}
	sort.Strings(hashes)
	return model.LedgerProof{
		ReceiptCount: len(hashes),
		RootHash:     BuildMerkleRoot(hashes),
	}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// validID guards GetRaw against path traversal through the id segment.
func validID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
