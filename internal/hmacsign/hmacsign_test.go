package hmacsign

import (
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"
)

// T10: the hex token generated by Sign verifies; any 1-bit flip fails; any
// expires in the past fails.
func TestSignVerifyRoundTrip(t *testing.T) {
	s := New("test-secret")
	expires := time.Now().Add(time.Hour).Unix()
	token := s.Sign("315", "video/2025-08-30/xyz/720p/enc.key", expires)

	if !s.Verify("315", "video/2025-08-30/xyz/720p/enc.key", expires, token, time.Now()) {
		t.Fatal("expected valid token to verify")
	}
}

func TestVerifyRejectsBitFlippedToken(t *testing.T) {
	s := New("test-secret")
	expires := time.Now().Add(time.Hour).Unix()
	token := s.Sign("315", "path", expires)

	flipped := []byte(token)
	flipped[0] ^= 0x01
	if s.Verify("315", "path", expires, string(flipped), time.Now()) {
		t.Fatal("expected bit-flipped token to fail verification")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s := New("test-secret")
	expires := time.Now().Add(-time.Minute).Unix()
	token := s.Sign("315", "path", expires)

	if s.Verify("315", "path", expires, token, time.Now()) {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestVerifyAcceptsBase64Form(t *testing.T) {
	s := New("test-secret")
	expires := time.Now().Add(time.Hour).Unix()
	raw, err := hex.DecodeString(s.Sign("315", "path", expires))
	if err != nil {
		t.Fatalf("decode hex signature: %v", err)
	}

	b64 := base64.RawURLEncoding.EncodeToString(raw)
	if !s.Verify("315", "path", expires, b64, time.Now()) {
		t.Fatal("expected URL-safe unpadded base64 token to verify")
	}
}

func TestKeyPathTokenIndependentOfManifestPathToken(t *testing.T) {
	s := New("test-secret")
	expires := time.Now().Add(time.Hour).Unix()
	manifestToken := s.Sign("315", "video/2025-08-30/xyz/720p/index.m3u8", expires)

	if s.Verify("315", "video/2025-08-30/xyz/720p/enc.key", expires, manifestToken, time.Now()) {
		t.Fatal("expected manifest-path token to fail against key-path verification")
	}
}
