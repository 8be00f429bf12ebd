package delivery

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/laurikarhu/hls-gatekeeper/internal/transfer"
)

// FilesystemBackend serves files rooted at Root, with path-traversal
// containment, Range support, and adaptive chunked delivery (§4.12).
type FilesystemBackend struct {
	Root               string
	StreamingThreshold int64
	SendfileMaxChunk   int64
	StaticExtensions   []string
	Tracker            *transfer.Tracker
}

// resolve joins Root and requestPath, then verifies the cleaned absolute
// result still lies within Root (T1). Returns ErrPathTraversal otherwise.
func (b *FilesystemBackend) resolve(requestPath string) (string, error) {
	root, err := filepath.Abs(b.Root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(root, filepath.FromSlash(requestPath))
	cleaned, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rootWithSep := root + string(os.PathSeparator)
	if cleaned != root && !strings.HasPrefix(cleaned, rootWithSep) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// Serve writes the response for requestPath, honoring an optional Range
// header. uid/sessionID are passed through to the Live Transfer registry
// for accounting. A nil return means a response (success or a clean
// disconnect) was already written; a non-nil error is classified by the
// caller into an HTTP status per §7.
func (b *FilesystemBackend) Serve(w http.ResponseWriter, r *http.Request, requestPath, uid, sessionID string) error {
	fullPath, err := b.resolve(requestPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return ErrNotRegularFile
	}

	size := info.Size()
	ft := ClassifyFileType(requestPath, b.StaticExtensions)
	contentType := ContentType(requestPath, ft)
	cachePolicy := CachePolicy(ft)

	byteRange, err := ParseRange(r.Header.Get("Range"), size)
	if err != nil {
		var unsat ErrUnsatisfiable
		if errors.As(err, &unsat) {
			w.Header().Set("Content-Range", UnsatisfiableContentRangeHeader(size))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return nil
		}
		return err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", cachePolicy)
	}

	startByte, endByte, status := int64(0), size-1, http.StatusOK
	if byteRange != nil {
		startByte, endByte, status = byteRange.Start, byteRange.End, http.StatusPartialContent
		w.Header().Set("Content-Range", ContentRangeHeader(*byteRange, size))
	}
	length := endByte - startByte + 1
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	if startByte > 0 {
		if _, err := f.Seek(startByte, io.SeekStart); err != nil {
			return err
		}
	}

	transferID := b.Tracker.Start(fullPath, uid, sessionID, ClientIP(r), string(ft), startByte, endByte, size)
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		b.Tracker.Finish(transferID, models.TransferCompleted)
		return nil
	}

	// Zero-copy fast path: small, non-Range responses are written in one
	// shot via io.Copy, which the Go runtime services with sendfile on
	// Linux when the ResponseWriter's connection allows it. Larger or
	// Range responses use the adaptive chunk size (§4.12) so a single
	// huge segment doesn't monopolize a worker's buffer.
	if byteRange == nil && size < b.StreamingThreshold {
		n, copyErr := io.Copy(w, f)
		b.Tracker.Update(transferID, n)
		if copyErr != nil {
			if isDisconnect(copyErr) {
				b.Tracker.Finish(transferID, models.TransferDisconnected)
				return nil
			}
			b.Tracker.Finish(transferID, models.TransferError)
			return copyErr
		}
		b.Tracker.Finish(transferID, models.TransferCompleted)
		return nil
	}

	chunkSize := ChunkSize(size, b.SendfileMaxChunk)
	buf := make([]byte, chunkSize)
	remaining := length
	ctx := r.Context()

	for remaining > 0 {
		select {
		case <-ctx.Done():
			b.Tracker.Finish(transferID, models.TransferDisconnected)
			return nil
		default:
		}

		readSize := int64(len(buf))
		if remaining < readSize {
			readSize = remaining
		}
		n, readErr := f.Read(buf[:readSize])
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				b.Tracker.Update(transferID, int64(n))
				b.Tracker.Finish(transferID, models.TransferDisconnected)
				return nil
			}
			b.Tracker.Update(transferID, int64(n))
			remaining -= int64(n)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			b.Tracker.Finish(transferID, models.TransferError)
			return readErr
		}
	}

	b.Tracker.Finish(transferID, models.TransferCompleted)
	return nil
}

// FetchContent reads the whole file at requestPath into memory, for the
// manifest-rewrite path, which needs the complete document rather than a
// streamed response.
func (b *FilesystemBackend) FetchContent(ctx context.Context, requestPath string) (string, error) {
	fullPath, err := b.resolve(requestPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotRegularFile
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Exists reports whether requestPath resolves to a regular file under
// Root, for the /api/file/check probe.
func (b *FilesystemBackend) Exists(ctx context.Context, requestPath string) bool {
	fullPath, err := b.resolve(requestPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(fullPath)
	return err == nil && info.Mode().IsRegular()
}

// ClientIP extracts the canonical client IP the same way the
// admission pipeline does: X-Forwarded-For first hop, then X-Real-IP,
// then the connection's remote address. A parseable address is returned
// in its canonical string form (compressed IPv6), so that two spellings
// of the same address yield the same storage keys.
func ClientIP(r *http.Request) string {
	ip := rawClientIP(r)
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return ip
}

func rawClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isDisconnect classifies a write/copy error as a client-disconnect class
// error (connection reset, broken pipe, transport closing) per §7.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"broken pipe", "connection reset", "use of closed network connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
