// Package fingerprint computes stable short hashes for UA and IP used as
// storage-key indices (C4). These are presentation-stable indices, not
// security primitives.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
)

// UAHash returns the first 8 hex chars of MD5(userAgent).
func UAHash(userAgent string) string {
	return shortHash(userAgent, 8)
}

// IPHash returns the first 8 hex chars of MD5(canonicalIP). Callers must
// pass an already-canonicalized IP (see internal/ipmatch.Normalize) so
// that two syntactic forms of the same address hash identically (T4).
func IPHash(canonicalIP string) string {
	return shortHash(canonicalIP, 8)
}

// MatchKeyHash returns the first 12 hex chars of MD5(matchKey).
func MatchKeyHash(matchKey string) string {
	return shortHash(matchKey, 12)
}

func shortHash(s string, n int) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}
