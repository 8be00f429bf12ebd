package playlist

import (
	"strings"
	"testing"

	"github.com/laurikarhu/hls-gatekeeper/internal/hmacsign"
)

func TestRewrite_QuotedURI(t *testing.T) {
	signer := hmacsign.New("secret")
	content := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-KEY:METHOD=AES-128,URI=\"enc.key\",IV=0x00\nseg0.ts\n"

	got, err := Rewrite(content, "315", 9999999999, signer, "video/2025-08-30/xyz/720p/")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	expectedToken := signer.Sign("315", "video/2025-08-30/xyz/720p/enc.key", 9999999999)
	want := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-KEY:METHOD=AES-128,URI=\"enc.key?uid=315&expires=9999999999&token=" +
		expectedToken + "\",IV=0x00\nseg0.ts\n"

	if got != want {
		t.Fatalf("rewrite mismatch:\n got=%q\nwant=%q", got, want)
	}
}

func TestRewrite_UnquotedURI(t *testing.T) {
	signer := hmacsign.New("secret")
	content := "#EXT-X-KEY:METHOD=AES-128,URI=enc.key\n"

	got, err := Rewrite(content, "1", 100, signer, "videos/")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.Contains(got, "URI=enc.key?uid=1&expires=100&token=") {
		t.Fatalf("unquoted URI not rewritten: %q", got)
	}
}

func TestRewrite_IgnoresNonKeyLines(t *testing.T) {
	signer := hmacsign.New("secret")
	content := "#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\nseg0.ts\nseg1.ts\n"

	got, err := Rewrite(content, "1", 100, signer, "videos/")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if got != content {
		t.Fatalf("non-#EXT-X-KEY content mutated:\n got=%q\nwant=%q", got, content)
	}
}

func TestRewrite_AbsolutePathKeyURI(t *testing.T) {
	signer := hmacsign.New("secret")
	content := "#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/shared.key\"\n"

	got, err := Rewrite(content, "uid9", 500, signer, "videos/2025-08-30/xyz/")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	wantToken := signer.Sign("uid9", "/keys/shared.key", 500)
	if !strings.Contains(got, wantToken) {
		t.Fatalf("expected token derived from absolute key path, got %q", got)
	}
}

func TestRewrite_PreservesExistingQuery(t *testing.T) {
	signer := hmacsign.New("secret")
	content := "#EXT-X-KEY:METHOD=AES-128,URI=\"enc.key?v=2\"\n"

	got, err := Rewrite(content, "1", 100, signer, "videos/")
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !strings.Contains(got, "enc.key?v=2&uid=1&expires=100&token=") {
		t.Fatalf("existing query not preserved: %q", got)
	}
}
