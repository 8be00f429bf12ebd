// Package admission implements C11: the strict-order, short-circuiting
// request state machine that decides whether a request is served, and
// if so, dispatches it to the delivery engine and (for manifests)
// transforms the body before it leaves the gateway. Grounded on the
// teacher's StreamHandler.ServeHLSFile orchestration shape
// (internal/handlers/stream.go), generalized from "one paywall check"
// to the fifteen-step sequence in §4.11.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/config"
	"github.com/laurikarhu/hls-gatekeeper/internal/delivery"
	"github.com/laurikarhu/hls-gatekeeper/internal/fingerprint"
	"github.com/laurikarhu/hls-gatekeeper/internal/hmacsign"
	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/laurikarhu/hls-gatekeeper/internal/pathkey"
	"github.com/laurikarhu/hls-gatekeeper/internal/playlist"
	"github.com/laurikarhu/hls-gatekeeper/internal/storage"
	"github.com/laurikarhu/hls-gatekeeper/internal/validation"
	"github.com/rs/zerolog/log"
)

// Pipeline wires every component the admission state machine consults.
type Pipeline struct {
	cfg *config.Config

	whitelist   *storage.WhitelistStore
	sessions    *storage.SessionStore
	jsWhitelist *storage.JSWhitelistStore
	tokenReplay *storage.ReplayCounter
	keyAccess   *storage.ReplayCounter
	m3u8Cache   *storage.M3U8CacheStore
	logs        *storage.LogRing
	coordinator *validation.Coordinator
	backend     delivery.Backend

	playbackSigner *hmacsign.Signer
}

// New builds a Pipeline over its dependencies. playbackSigner signs/verifies
// the uid/path/expires tokens used by the strict .m3u8 gate, the key-file
// gate, and the playlist rewriter (all three share the same secret per
// §4.3).
func New(
	cfg *config.Config,
	whitelist *storage.WhitelistStore,
	sessions *storage.SessionStore,
	jsWhitelist *storage.JSWhitelistStore,
	tokenReplay *storage.ReplayCounter,
	keyAccess *storage.ReplayCounter,
	m3u8Cache *storage.M3U8CacheStore,
	logs *storage.LogRing,
	coordinator *validation.Coordinator,
	backend delivery.Backend,
	playbackSigner *hmacsign.Signer,
) *Pipeline {
	return &Pipeline{
		cfg:            cfg,
		whitelist:      whitelist,
		sessions:       sessions,
		jsWhitelist:    jsWhitelist,
		tokenReplay:    tokenReplay,
		keyAccess:      keyAccess,
		m3u8Cache:      m3u8Cache,
		logs:           logs,
		coordinator:    coordinator,
		backend:        backend,
		playbackSigner: playbackSigner,
	}
}

// ServeHTTP runs the full admission state machine for one proxy request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Step 1: extract.
	clientIP := delivery.ClientIP(r)
	userAgent := r.Header.Get("User-Agent")
	reqPath := r.URL.Path
	query := r.URL.Query()
	uidParam := query.Get("uid")
	expiresParam := query.Get("expires")
	tokenParam := query.Get("token")
	fullURL := reqPath
	if r.URL.RawQuery != "" {
		fullURL += "?" + r.URL.RawQuery
	}

	// Step 2: skip-all gate.
	if p.isFullyAllowed(reqPath) {
		if err := p.backend.Serve(w, r, reqPath, "", ""); err != nil {
			p.writeDeliveryError(w, reqPath, err)
		}
		return
	}

	isStaticExt := hasAnySuffix(reqPath, p.cfg.StaticFileExtensions)
	skipPathCheck := isStaticExt && p.cfg.EnableStaticFileIPOnlyCheck

	// Step 3: validation fan-out (C15).
	result := p.coordinator.Validate(ctx, validation.Params{
		ClientIP:        clientIP,
		Path:            reqPath,
		UserAgent:       userAgent,
		UID:             uidParam,
		IsStaticExt:     isStaticExt,
		SkipPathCheck:   skipPathCheck,
		FixedIPPatterns: p.cfg.FixedIPWhitelist,
	})
	if p.cfg.DisableIPWhitelist {
		result.BackendAllowed = true
	}
	if p.cfg.DisableSessionValidation {
		result.SessionID, result.SessionUID, result.NewSession = "", "", false
	}

	allowed := result.BackendAllowed
	effectiveUID := result.WhitelistUID

	// Step 4: JS-whitelist fallback.
	if !allowed && p.looksStaticish(reqPath) && p.cfg.EnableJSWhitelistTracker {
		guessUID := firstNonEmpty(result.SessionUID, result.WhitelistUID, uidParam)
		matchKey := pathkey.Extract(reqPath)
		if ok, uid := p.jsWhitelist.Check(ctx, guessUID, matchKey, clientIP, userAgent); ok {
			allowed = true
			effectiveUID = uid
		}
	}

	// Step 5: deny.
	if !allowed {
		p.deny(w, ctx, reqPath, fullURL, clientIP, userAgent, "not_whitelisted")
		return
	}

	// Step 6: key-file safe redirect (terminal).
	if strings.HasSuffix(reqPath, "enc.key") && p.cfg.SafeKeyProtectEnabled {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		http.Redirect(w, r, p.cfg.SafeKeyRedirectBaseURL+reqPath, http.StatusFound)
		return
	}

	// Step 7: uid resolution.
	uid := firstNonEmpty(result.SessionUID, result.WhitelistUID, effectiveUID)

	isM3U8 := strings.HasSuffix(reqPath, ".m3u8")
	isProtectedKey := p.isProtectedKeyExt(reqPath)

	if !p.cfg.DisablePathProtection {
		// Step 8: strict .m3u8 gate.
		if isM3U8 {
			if uid == "" || uidParam == "" || expiresParam == "" || tokenParam == "" {
				p.deny(w, ctx, reqPath, fullURL, clientIP, userAgent, "missing_manifest_params")
				return
			}
			expires, err := hmacsign.ParseExpires(expiresParam)
			if err != nil || !p.playbackSigner.Verify(uidParam, reqPath, expires, tokenParam, time.Now()) {
				p.deny(w, ctx, reqPath, fullURL, clientIP, userAgent, "manifest_hmac_invalid")
				return
			}

			maxCount := p.cfg.M3U8DefaultMaxAccessCount
			if p.cfg.EnableBrowserAdaptiveAccess {
				_, _, classMax := fingerprint.DetectBrowserType(userAgent)
				maxCount = classMax
			}
			if ok, _ := p.whitelist.CheckM3U8AccessAdaptive(ctx, uid, fullURL, clientIP, userAgent, maxCount, p.cfg.M3U8AccessWindowTTL); !ok {
				p.deny(w, ctx, reqPath, fullURL, clientIP, userAgent, "m3u8_access_exceeded")
				return
			}
		}

		// Step 9: token replay gate.
		if p.cfg.TokenReplayEnabled && tokenParam != "" && uid != "" && !isProtectedKey {
			if ok, _ := p.tokenReplay.Check(ctx, storage.CheckParams{
				Token: tokenParam, UID: uid, Path: reqPath, FullURL: truncate(fullURL, 500),
				ClientIP: clientIP, UserAgent: truncate(userAgent, 200),
				MaxUses: p.cfg.TokenReplayMaxUses, TTL: p.cfg.TokenReplayTTL,
			}); !ok {
				p.deny(w, ctx, reqPath, fullURL, clientIP, userAgent, "token_replay")
				return
			}
		}

		// Step 10: key-file gate.
		if isProtectedKey {
			if uid == "" || tokenParam == "" || expiresParam == "" {
				p.deny(w, ctx, reqPath, fullURL, clientIP, userAgent, "missing_key_params")
				return
			}
			expires, err := hmacsign.ParseExpires(expiresParam)
			if err != nil || !p.playbackSigner.Verify(uid, reqPath, expires, tokenParam, time.Now()) {
				// §4.9: abnormal key-file events (hmac_invalid, max-uses
				// exceeded, fallback) are logged to the segregated
				// key_protect:logs ring, in addition to the generic
				// denied-access ring every other deny reaches.
				p.logs.LogKeyAccess(ctx, models.ReplayLogEntry{
					UID: uid, Path: reqPath, FullURL: truncate(fullURL, 500),
					IP: clientIP, UserAgent: truncate(userAgent, 200),
					Blocked: true, Reason: "hmac_invalid", MaxUses: p.cfg.KeyProtectMaxUses,
					Timestamp: time.Now().Unix(),
				})
				p.deny(w, ctx, reqPath, fullURL, clientIP, userAgent, "key_hmac_invalid")
				return
			}
			if ok, _ := p.keyAccess.Check(ctx, storage.CheckParams{
				Token: tokenParam, UID: uid, Path: reqPath, FullURL: truncate(fullURL, 500),
				ClientIP: clientIP, UserAgent: truncate(userAgent, 200),
				MaxUses: p.cfg.KeyProtectMaxUses, TTL: p.cfg.KeyProtectTTL,
			}); !ok {
				p.deny(w, ctx, reqPath, fullURL, clientIP, userAgent, "key_access_exceeded")
				return
			}
		}
	}

	// Step 13 (applied before the body, since headers precede WriteHeader):
	// key-file response hardening.
	if isProtectedKey {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
	}

	// Step 14: session cookie.
	if result.NewSession && result.SessionID != "" {
		http.SetCookie(w, p.sessionCookie(result.SessionID))
	}

	// Steps 11-12: delivery dispatch, with the manifest rewrite path
	// intercepting .m3u8 responses instead of streaming them verbatim.
	if isM3U8 && p.cfg.KeyProtectEnabled && p.cfg.KeyProtectDynamicM3U8 && uid != "" && tokenParam != "" && expiresParam != "" {
		expires, _ := hmacsign.ParseExpires(expiresParam)
		if err := p.serveRewrittenManifest(ctx, w, reqPath, uid, expires); err != nil {
			p.writeDeliveryError(w, reqPath, err)
			return
		}
	} else if err := p.backend.Serve(w, r, reqPath, uid, result.SessionID); err != nil {
		p.writeDeliveryError(w, reqPath, err)
		return
	}

	// Step 15: success log.
	p.logs.LogAdmitted(ctx, models.AccessLogEntry{
		UID: uid, Path: reqPath, FullURL: truncate(fullURL, 500), IP: clientIP,
		UserAgent: truncate(userAgent, 200), Timestamp: time.Now().Unix(),
	})
}

// serveRewrittenManifest implements §4.11 step 12: fetch (cache-first),
// rewrite #EXT-X-KEY lines, and respond with fresh no-cache headers and a
// recomputed Content-Length.
func (p *Pipeline) serveRewrittenManifest(ctx context.Context, w http.ResponseWriter, reqPath, uid string, expires int64) error {
	content, cached := "", false
	if p.cfg.M3U8ContentCacheEnabled {
		content, cached = p.m3u8Cache.Get(ctx, reqPath)
	}
	if !cached {
		fetched, err := p.backend.FetchContent(ctx, reqPath)
		if err != nil {
			return err
		}
		content = fetched
		if p.cfg.M3U8ContentCacheEnabled {
			_ = p.m3u8Cache.Set(ctx, reqPath, content)
		}
	}

	rewritten, err := playlist.Rewrite(content, uid, expires, p.playbackSigner, parentDir(reqPath))
	if err != nil {
		log.Warn().Err(err).Str("path", reqPath).Msg("admission: manifest rewrite failed, serving unrewritten")
		rewritten = content
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(rewritten)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rewritten))
	return nil
}

// denyReasonPhrases maps each internal deny reason code to the
// user-visible, single-line phrase §7 requires in the response body.
// Phrases are the original's verbatim text (proxy.py's Response(content=...)
// literals for the matching branch), not the internal reason code.
var denyReasonPhrases = map[string]string{
	"not_whitelisted":         "Access Denied: Path not allowed",
	"missing_manifest_params": ".m3u8 request missing required parameters (uid, expires, token)",
	"manifest_hmac_invalid":   ".m3u8 request token invalid or expired",
	"m3u8_access_exceeded":    "Access Denied: Too many accesses",
	"token_replay":            "Access Denied: Token has exceeded maximum usage limit",
	"missing_key_params":      "Access Denied: Missing authentication parameters for key file",
	"key_hmac_invalid":        "Access Denied: Key file token invalid or expired",
	"key_access_exceeded":     "Access Denied: Key file access not allowed",
}

// reasonPhrase returns the response body text for reason, falling back to
// a generic denial phrase for any reason code not in the table above.
func reasonPhrase(reason string) string {
	if phrase, ok := denyReasonPhrases[reason]; ok {
		return phrase
	}
	return "Access Denied"
}

func (p *Pipeline) deny(w http.ResponseWriter, ctx context.Context, path, fullURL, clientIP, userAgent, reason string) {
	p.logs.LogDenied(ctx, models.AccessLogEntry{
		Path: path, FullURL: truncate(fullURL, 500), IP: clientIP,
		UserAgent: truncate(userAgent, 200), Reason: reason, Timestamp: time.Now().Unix(),
	})
	http.Error(w, reasonPhrase(reason), http.StatusForbidden)
}

func (p *Pipeline) sessionCookie(sessionID string) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	switch strings.ToLower(p.cfg.CookieSameSite) {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     p.cfg.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(p.cfg.SessionTTL.Seconds()),
		HttpOnly: p.cfg.CookieHTTPOnly,
		Secure:   p.cfg.CookieSecure,
		SameSite: sameSite,
	}
}

// writeDeliveryError classifies a delivery.Backend error per §7 and writes
// the corresponding response. Client-disconnect errors are deliberately
// silent beyond the status line — no error is logged, matching the "not
// logged as a server error" rule.
func (p *Pipeline) writeDeliveryError(w http.ResponseWriter, reqPath string, err error) {
	switch err {
	case delivery.ErrPathTraversal:
		http.Error(w, "Forbidden", http.StatusForbidden)
	case delivery.ErrNotRegularFile:
		http.Error(w, "Forbidden", http.StatusForbidden)
	case delivery.ErrNotFound:
		http.Error(w, "Not Found", http.StatusNotFound)
	case delivery.ErrClientDisconnected:
		w.WriteHeader(499)
	case delivery.ErrUpstreamUnavailable:
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	default:
		log.Error().Err(err).Str("path", reqPath).Msg("admission: unclassified delivery error")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (p *Pipeline) isFullyAllowed(path string) bool {
	return hasAnySuffix(path, p.cfg.FullyAllowedExtensions) || hasAnySuffix(path, p.cfg.LegacySkipValidationExtensions)
}

func (p *Pipeline) isProtectedKeyExt(path string) bool {
	return hasAnySuffix(strings.ToLower(path), p.cfg.KeyProtectExtensions)
}

// looksStaticish implements §4.11 step 4's "static extension, or
// .m3u8/.ts/.key, etc." predicate.
func (p *Pipeline) looksStaticish(path string) bool {
	lower := strings.ToLower(path)
	if hasAnySuffix(lower, p.cfg.StaticFileExtensions) {
		return true
	}
	return strings.HasSuffix(lower, ".m3u8") || strings.HasSuffix(lower, ".ts") || p.isProtectedKeyExt(lower)
}

func hasAnySuffix(s string, suffixes []string) bool {
	lower := strings.ToLower(s)
	for _, suf := range suffixes {
		if strings.HasSuffix(lower, strings.ToLower(suf)) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func parentDir(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return ""
	}
	return p[:idx]
}
