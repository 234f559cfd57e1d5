// Package ledger implements the append-only receipt store: a content-hashed,
// write-once JSON document per receipt id. Receipts record eval runs and
// governance proposals; downstream gating decisions rely on the existence of
// a passing receipt, so the store guarantees that a read returns exactly the
// bytes that were appended.
package ledger

import (
	"context"
	"errors"

	"github.com/smartnet-labs/smartnet/internal/model"
)

// ErrNotFound is returned when no receipt exists for the given id.
var ErrNotFound = errors.New("ledger: receipt not found")

// ErrIDExhausted is returned when id generation collides with existing
// receipts on every attempt. With 8 hex chars of entropy this is practically
// unreachable, but collisions no longer overwrite silently.
var ErrIDExhausted = errors.New("ledger: receipt id space exhausted after retries")

// Store is the append-only receipt contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append serializes kind + payload into a new receipt, stamps the current
	// time and a content hash, and persists it as one immutable unit.
	Append(ctx context.Context, kind model.EventKind, payload any) (model.Receipt, error)

	// Get returns the receipt for id, or ErrNotFound.
	Get(ctx context.Context, id string) (model.Receipt, error)

	// GetRaw returns the stored document byte-for-byte, or ErrNotFound.
	GetRaw(ctx context.Context, id string) ([]byte, error)
}
