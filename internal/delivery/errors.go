package delivery

import "errors"

// Sentinel delivery errors the handler layer classifies into HTTP status
// codes per §7's error-kind taxonomy. A nil error from Serve means the
// response was written successfully (status already sent).
var (
	// ErrPathTraversal: resolved path escaped BACKEND_FILESYSTEM_ROOT (T1).
	ErrPathTraversal = errors.New("delivery: path traversal detected")
	// ErrNotFound: the backend has no such file.
	ErrNotFound = errors.New("delivery: not found")
	// ErrNotRegularFile: the resolved path exists but isn't a regular file.
	ErrNotRegularFile = errors.New("delivery: not a regular file")
	// ErrRangeNotSatisfiable: bad/unsatisfiable Range header (416).
	ErrRangeNotSatisfiable = errors.New("delivery: range not satisfiable")
	// ErrClientDisconnected: the client went away before any bytes were
	// sent (499); if bytes were already sent, Serve returns nil and simply
	// stops writing.
	ErrClientDisconnected = errors.New("delivery: client disconnected")
	// ErrUpstreamUnavailable: the upstream-HTTP backend could not be
	// reached or timed out (502).
	ErrUpstreamUnavailable = errors.New("delivery: upstream unavailable")
)
