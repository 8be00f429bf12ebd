// Package pathkey derives a stable "match key" substring from a request
// path (C2), used both as the whitelist key_path and, after hashing, as
// the JS-whitelist directory index.
package pathkey

import (
	"path"
	"regexp"
	"strings"
)

var dateSegment = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Extract splits p by "/", finds the first segment matching
// ^\d{4}-\d{2}-\d{2}$ and returns the segment immediately after it. If no
// date segment is present, it returns the basename of the parent
// directory.
func Extract(p string) string {
	segments := splitPath(p)
	for i, seg := range segments {
		if dateSegment.MatchString(seg) && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return path.Base(path.Dir(p))
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
