package model

import "encoding/json"

// EventKind identifies the class of event a ledger receipt records.
type EventKind string

// Ledger event kinds. The ledger itself is kind-agnostic; these are the two
// kinds the services append today.
const (
	EventEvalsRun          EventKind = "evals.run"
	EventObjectiveProposed EventKind = "objective.proposed"
)

// Receipt is an immutable audit record of a ledger-worthy event. Each id maps
// to exactly one JSON document on disk; there is no update or delete path.
// ContentHash covers id, event, ts and the payload bytes, so any mutation of
// the stored document is detectable.
type Receipt struct {
	ID          string          `json:"id"`
	Event       EventKind       `json:"event"`
	TS          int64           `json:"ts"`
	ContentHash string          `json:"content_hash"`
	Payload     json.RawMessage `json:"payload"`
}

// EvalRunPayload is the payload of an "evals.run" receipt.
type EvalRunPayload struct {
	PodID  string  `json:"pod_id"`
	Score  float64 `json:"score"`
	Gate   int     `json:"gate"`
	Passed bool    `json:"passed"`
}

// EvalResult is the response of POST /pods/{id}/evals/run. Derived from the
// receipt; never stored independently of it.
type EvalResult struct {
	Score     float64 `json:"score"`
	Gate      int     `json:"gate"`
	Passed    bool    `json:"passed"`
	ReceiptID string  `json:"receipt_id"`
}

// LedgerProof is the response of GET /ledger/proof: a Merkle root over the
// content hashes of all receipts currently in the ledger.
type LedgerProof struct {
	ReceiptCount int    `json:"receipt_count"`
	RootHash     string `json:"root_hash"`
}
