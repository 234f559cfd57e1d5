package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// ComputeContentHash produces a SHA-256 hex digest over the canonical receipt
// fields. Each field is encoded as a 4-byte big-endian length prefix followed
// by the field bytes, so freeform payloads cannot fabricate a delimiter
// collision.
func ComputeContentHash(id, event string, ts int64, payload []byte) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // field lengths are bounded by HTTP request body limits
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(id))
	writeField([]byte(event))
	writeField([]byte(strconv.FormatInt(ts, 10)))
	writeField(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01 prefix
// is a domain separator for internal Merkle nodes (per RFC 6962), so internal
// node hashes can never collide with leaf content hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the
// root. Leaves must be sorted lexicographically by the caller for determinism.
// Empty input returns ""; a single leaf is its own root. Odd-length levels
// hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
