// Package auth handles API token fingerprints for the controller.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 fingerprint of the key.
// Rate limiters and logs use the fingerprint so the raw token is never kept.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Matches reports whether presented equals expected, in constant time.
func Matches(presented, expected string) bool {
	a := sha256.Sum256([]byte(strings.TrimSpace(presented)))
	b := sha256.Sum256([]byte(strings.TrimSpace(expected)))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
