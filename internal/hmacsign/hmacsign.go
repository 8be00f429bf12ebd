// Package hmacsign derives and verifies the per-request HMAC tokens used
// for playback authorization and JS-whitelist front-end signatures (C3).
//
// This generalizes the teacher's internal/security URL signer: the
// canonical string shape and constant-time comparison are the same idea,
// widened to the playlist/key-path token surface this gateway needs.
package hmacsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer derives and verifies HMAC-SHA256 tokens over a fixed secret.
type Signer struct {
	secret []byte
}

// New creates a Signer bound to secret.
func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// canonicalString builds "{uid}:{path}:{expires}" per §4.3.
func canonicalString(uid, path string, expires int64) string {
	return fmt.Sprintf("%s:%s:%d", uid, path, expires)
}

// Sign returns the hex-encoded HMAC-SHA256 token for (uid, path, expires).
func (s *Signer) Sign(uid, path string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonicalString(uid, path, expires)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks token against the derived HMAC for (uid, path, expires),
// accepting either hex or URL-safe unpadded base64 encodings, and rejects
// if now is at or past expires. Comparison is constant-time.
func (s *Signer) Verify(uid, path string, expires int64, token string, now time.Time) bool {
	if token == "" {
		return false
	}
	if now.Unix() >= expires {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonicalString(uid, path, expires)))
	sum := mac.Sum(nil)

	expectedHex := hex.EncodeToString(sum)
	expectedB64 := base64.RawURLEncoding.EncodeToString(sum)

	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedHex)) == 1 {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expectedB64)) == 1
}

// ParseExpires parses an epoch-seconds decimal string as used in the
// `expires` query parameter.
func ParseExpires(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
