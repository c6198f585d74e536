// Package fingerprint computes the content-addressed key used by the cache
// and the request deduplicator.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Compute returns the hex-encoded SHA-256 digest of (model, prompt).
// Model IDs are case-insensitive and therefore lowercased before hashing;
// prompt bytes are hashed verbatim. A NUL byte separates the two fields so
// ("ab","c") and ("a","bc") cannot collide.
func Compute(model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(model)))
	h.Write([]byte{0}) // separator
	h.Write([]byte(prompt))
	return fmt.Sprintf("%x", h.Sum(nil))
}
