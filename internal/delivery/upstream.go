package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/laurikarhu/hls-gatekeeper/internal/transfer"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// hopByHopHeaders are stripped from both the forwarded request and the
// proxied response, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// UpstreamBackend proxies requests to BACKEND_HOST:BACKEND_PORT over HTTP,
// the mode this gateway runs in when it sits in front of another HTTP
// origin instead of a local filesystem. Its pooled client mirrors the
// teacher's own StreamHandler client tuning, since both exist to sustain
// many concurrent long-lived HLS segment fetches against one origin.
type UpstreamBackend struct {
	BaseURL          string
	StaticExtensions []string
	Tracker          *transfer.Tracker
	client           *http.Client
	flight           singleflight.Group
}

// NewUpstreamBackend builds an UpstreamBackend. useHTTPS/sslVerify select
// the scheme and whether the client validates the origin's certificate
// (BACKEND_USE_HTTPS / BACKEND_SSL_VERIFY).
func NewUpstreamBackend(host, port string, useHTTPS, sslVerify bool, staticExtensions []string, tracker *transfer.Tracker) *UpstreamBackend {
	scheme := "http"
	if useHTTPS {
		scheme = "https"
	}
	return &UpstreamBackend{
		BaseURL:          fmt.Sprintf("%s://%s:%s", scheme, host, port),
		StaticExtensions: staticExtensions,
		Tracker:          tracker,
		client: &http.Client{
			Transport: &http.Transport{
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        1000,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     0,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: !sslVerify},
			},
			Timeout: 30 * time.Second,
		},
	}
}

// upstreamFetch is the singleflight payload: the response a joining
// caller shares with whoever actually issued the request.
type upstreamFetch struct {
	resp *http.Response
}

// Serve forwards requestPath to the upstream origin, relaying the
// conditional/Range request headers and streaming the response body back
// through the Live Transfer tracker. Concurrent identical GETs (same path,
// method and Range) are coalesced via singleflight the same way the
// teacher collapses concurrent Owncast segment fetches, since HLS players
// frequently issue duplicate segment requests around a manifest refresh.
func (b *UpstreamBackend) Serve(w http.ResponseWriter, r *http.Request, requestPath, uid, sessionID string) error {
	upstreamURL := b.BaseURL + requestPath
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	dedupKey := r.Method + "|" + upstreamURL + "|" + r.Header.Get("Range")
	v, err, _ := b.flight.Do(dedupKey, func() (interface{}, error) {
		req, reqErr := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		for _, h := range []string{"Range", "If-Range", "If-Modified-Since", "If-None-Match"} {
			if hv := r.Header.Get(h); hv != "" {
				req.Header.Set(h, hv)
			}
		}
		resp, doErr := b.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		return upstreamFetch{resp: resp}, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("path", requestPath).Msg("upstream fetch failed")
		return ErrUpstreamUnavailable
	}

	resp := v.(upstreamFetch).resp
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	for key, values := range resp.Header {
		if isHopByHop(key) || strings.EqualFold(key, "Access-Control-Allow-Origin") {
			continue
		}
		for _, hv := range values {
			w.Header().Add(key, hv)
		}
	}
	if w.Header().Get("Accept-Ranges") == "" {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	ft := ClassifyFileType(requestPath, b.StaticExtensions)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", ContentType(requestPath, ft))
	}
	w.Header().Set("Cache-Control", CachePolicy(ft))

	totalSize := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, parseErr := strconv.ParseInt(cl, 10, 64); parseErr == nil {
			totalSize = n
		}
	}

	transferID := b.Tracker.Start(requestPath, uid, sessionID, ClientIP(r), string(ft), 0, totalSize-1, totalSize)
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, ChunkSize(totalSize, 2*1024*1024))
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			b.Tracker.Finish(transferID, models.TransferDisconnected)
			return nil
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				b.Tracker.Update(transferID, int64(n))
				b.Tracker.Finish(transferID, models.TransferDisconnected)
				return nil
			}
			b.Tracker.Update(transferID, int64(n))
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if isDisconnect(readErr) {
				b.Tracker.Finish(transferID, models.TransferDisconnected)
				return nil
			}
			b.Tracker.Finish(transferID, models.TransferError)
			return nil
		}
	}

	b.Tracker.Finish(transferID, models.TransferCompleted)
	return nil
}

// FetchContent issues a plain GET against the upstream origin and returns
// the whole body, for the manifest-rewrite path.
func (b *UpstreamBackend) FetchContent(ctx context.Context, requestPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+requestPath, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", ErrUpstreamUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Exists issues a HEAD request against the upstream origin, for the
// /api/file/check probe.
func (b *UpstreamBackend) Exists(ctx context.Context, requestPath string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.BaseURL+requestPath, nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}
