package pathkey

import "testing"

func TestExtractWithDateSegment(t *testing.T) {
	got := Extract("/video/2025-08-30/xyz/720p/index.m3u8")
	if got != "xyz" {
		t.Fatalf("Extract = %q, want xyz", got)
	}
}

func TestExtractWithoutDateSegmentFallsBackToParentBasename(t *testing.T) {
	got := Extract("/static/css/main.css")
	if got != "css" {
		t.Fatalf("Extract = %q, want css", got)
	}
}

func TestExtractTrailingDateSegmentNoFollowing(t *testing.T) {
	got := Extract("/video/2025-08-30")
	if got != "video" {
		t.Fatalf("Extract = %q, want video", got)
	}
}
