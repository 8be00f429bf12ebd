// Package delivery implements C12: the streaming delivery engine. This
// file covers §4.12.1's Range parsing semantics.
package delivery

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is a resolved, validated [Start, End] inclusive byte range
// against a known file size.
type ByteRange struct {
	Start, End int64
}

// Length returns the number of bytes the range covers.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ErrUnsatisfiable marks a Range header that cannot be satisfied against
// size — callers should respond 416 with Content-Range: bytes */{size}.
type ErrUnsatisfiable struct{ Size int64 }

func (e ErrUnsatisfiable) Error() string {
	return fmt.Sprintf("range not satisfiable for size %d", e.Size)
}

// ParseRange parses a "Range: bytes=X" header value against a file of the
// given size, per §4.12.1: "a-b" (0<=a<=b<N), "a-" (-> a-(N-1)), "-k" (->
// max(0,N-k)-(N-1)). Any other form, negative values, b>=N, or a>b is
// rejected as unsatisfiable. An empty header returns (nil, nil) — the
// caller should serve the full body.
func ParseRange(header string, size int64) (*ByteRange, error) {
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, ErrUnsatisfiable{Size: size}
	}
	spec := strings.TrimPrefix(header, prefix)
	// Only a single range is supported; a comma indicates a multi-range
	// request, which this gateway does not serve.
	if strings.Contains(spec, ",") {
		return nil, ErrUnsatisfiable{Size: size}
	}

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return nil, ErrUnsatisfiable{Size: size}
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	switch {
	case startStr == "" && endStr == "":
		return nil, ErrUnsatisfiable{Size: size}

	case startStr == "": // "-k" suffix form
		k, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || k <= 0 {
			return nil, ErrUnsatisfiable{Size: size}
		}
		start := size - k
		if start < 0 {
			start = 0
		}
		return &ByteRange{Start: start, End: size - 1}, nil

	case endStr == "": // "a-" open-ended form
		a, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || a < 0 || a >= size {
			return nil, ErrUnsatisfiable{Size: size}
		}
		return &ByteRange{Start: a, End: size - 1}, nil

	default: // "a-b" explicit form
		a, errA := strconv.ParseInt(startStr, 10, 64)
		b, errB := strconv.ParseInt(endStr, 10, 64)
		if errA != nil || errB != nil || a < 0 || b < 0 || a > b || b >= size {
			return nil, ErrUnsatisfiable{Size: size}
		}
		return &ByteRange{Start: a, End: b}, nil
	}
}

// ContentRangeHeader formats the Content-Range header value for a
// satisfied partial response.
func ContentRangeHeader(r ByteRange, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// UnsatisfiableContentRangeHeader formats the Content-Range header value
// for a 416 response.
func UnsatisfiableContentRangeHeader(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
