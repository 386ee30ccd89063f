package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex digests input to lowercase hex. Webhook replay keys and
// idempotency keys are built from it so raw PSP references never reach Redis.
func Sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
