// Package idempotency derives reservation keys from stable request
// fields. Wall-clock time is deliberately never an input: a retry of the
// same logical attempt must land on the same key.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/fableloom/loom-credits/internal/pricing"
)

// Key derives the idempotency key for one logical reservation attempt.
// It is a pure function of (userID, kind, requestToken).
func Key(userID string, kind pricing.OperationKind, requestToken string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(requestToken))
	return hex.EncodeToString(h.Sum(nil))
}
