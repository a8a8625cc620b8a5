package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// requestHash fingerprints the semantic fields of a mutating request. The
// hash is stored next to the idempotency key: a replay with the same key
// and hash returns the original result, a replay with a different hash is
// a caller bug and fails with ErrIdempotencyConflict.
func requestHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
