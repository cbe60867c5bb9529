package pool

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const suffixLen = 8

// Fingerprint derives a stable, non-reversible identifier for a secret.
func Fingerprint(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:16])
}

// Mask returns the last few characters of a secret prefixed with an
// ellipsis. Short secrets are hidden entirely.
func Mask(secret string) string {
	if len(secret) <= suffixLen*2 {
		return "..."
	}
	return "..." + secret[len(secret)-suffixLen:]
}
