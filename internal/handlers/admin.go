package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/config"
	"github.com/laurikarhu/hls-gatekeeper/internal/delivery"
	"github.com/laurikarhu/hls-gatekeeper/internal/fingerprint"
	"github.com/laurikarhu/hls-gatekeeper/internal/hmacsign"
	"github.com/laurikarhu/hls-gatekeeper/internal/ipmatch"
	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/laurikarhu/hls-gatekeeper/internal/storage"
	"github.com/laurikarhu/hls-gatekeeper/internal/transfer"
	"github.com/rs/zerolog/log"
)

// AdminHandler serves the management/introspection API (§6): whitelist
// upserts, existence probes, log/stats readouts, and debug helpers.
type AdminHandler struct {
	cfg *config.Config

	whitelist   *storage.WhitelistStore
	jsWhitelist *storage.JSWhitelistStore
	sessions    *storage.SessionStore
	m3u8Cache   *storage.M3U8CacheStore
	logs        *storage.LogRing
	tracker     *transfer.Tracker
	backend     delivery.Backend
	redis       *storage.Store

	jsSigner *hmacsign.Signer
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(
	cfg *config.Config,
	whitelist *storage.WhitelistStore,
	jsWhitelist *storage.JSWhitelistStore,
	sessions *storage.SessionStore,
	m3u8Cache *storage.M3U8CacheStore,
	logs *storage.LogRing,
	tracker *transfer.Tracker,
	backend delivery.Backend,
	redis *storage.Store,
	jsSigner *hmacsign.Signer,
) *AdminHandler {
	return &AdminHandler{
		cfg:         cfg,
		whitelist:   whitelist,
		jsWhitelist: jsWhitelist,
		sessions:    sessions,
		m3u8Cache:   m3u8Cache,
		logs:        logs,
		tracker:     tracker,
		backend:     backend,
		redis:       redis,
		jsSigner:    jsSigner,
	}
}

// --- Whitelist upserts ---

type whitelistUpsertRequest struct {
	UID       string `json:"uid"`
	Path      string `json:"path"`
	ClientIP  string `json:"clientIp"`
	UserAgent string `json:"UserAgent"`
}

// AddWhitelist handles POST /api/whitelist.
func (h *AdminHandler) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UID == "" || req.Path == "" || req.ClientIP == "" {
		writeJSONError(w, http.StatusBadRequest, "uid, path and clientIp are required")
		return
	}

	if err := h.whitelist.Add(r.Context(), req.UID, req.Path, req.ClientIP, req.UserAgent); err != nil {
		log.Error().Err(err).Msg("admin: whitelist add failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to add to whitelist")
		return
	}
	writeJSON(w, http.StatusOK, models.APISuccess{Success: true, Message: "whitelisted"})
}

// AddStaticWhitelist handles POST /api/static-whitelist.
func (h *AdminHandler) AddStaticWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UID == "" || req.ClientIP == "" {
		writeJSONError(w, http.StatusBadRequest, "uid and clientIp are required")
		return
	}

	if err := h.whitelist.AddStatic(r.Context(), req.UID, req.ClientIP, req.UserAgent); err != nil {
		log.Error().Err(err).Msg("admin: static whitelist add failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to add to static whitelist")
		return
	}
	writeJSON(w, http.StatusOK, models.APISuccess{Success: true, Message: "whitelisted"})
}

// --- JS whitelist ---

type jsWhitelistRequest struct {
	UID       string `json:"uid"`
	JSPath    string `json:"js_path"`
	ClientIP  string `json:"clientIp"`
	UserAgent string `json:"UserAgent"`
}

// AddJSWhitelist handles POST|GET /api/js-whitelist, accepting either a
// Bearer-authenticated POST body or an HMAC-signed query string (uid,
// js_path, expires, sign), matching the two front-end integration modes
// described in §6.
func (h *AdminHandler) AddJSWhitelist(w http.ResponseWriter, r *http.Request) {
	var uid, jsPath, clientIP, userAgent string

	if sign := r.URL.Query().Get("sign"); sign != "" {
		uid = r.URL.Query().Get("uid")
		jsPath = r.URL.Query().Get("js_path")
		expiresStr := r.URL.Query().Get("expires")
		if uid == "" || expiresStr == "" {
			writeJSONError(w, http.StatusBadRequest, "uid and expires are required")
			return
		}
		expires, err := hmacsign.ParseExpires(expiresStr)
		if err != nil || !h.jsSigner.Verify(uid, jsPath, expires, sign, time.Now()) {
			writeJSONError(w, http.StatusForbidden, "invalid signature")
			return
		}
		clientIP = delivery.ClientIP(r)
		userAgent = r.Header.Get("User-Agent")
	} else {
		if !h.authorized(r) {
			writeJSONError(w, http.StatusForbidden, "invalid API key")
			return
		}
		var req jsWhitelistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		uid, jsPath, clientIP, userAgent = req.UID, req.JSPath, req.ClientIP, req.UserAgent
		if uid == "" || clientIP == "" {
			writeJSONError(w, http.StatusBadRequest, "uid and clientIp are required")
			return
		}
	}

	matchKey := jsPath
	if err := h.jsWhitelist.Add(r.Context(), uid, jsPath, matchKey, clientIP, userAgent, h.cfg.JSWhitelistTrackerTTL); err != nil {
		log.Error().Err(err).Msg("admin: js-whitelist add failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to add to js-whitelist")
		return
	}
	writeJSON(w, http.StatusOK, models.APISuccess{Success: true, Message: "js-whitelisted"})
}

// CheckJSWhitelist handles GET /api/js-whitelist/check.
func (h *AdminHandler) CheckJSWhitelist(w http.ResponseWriter, r *http.Request) {
	jsPath := r.URL.Query().Get("js_path")
	uid := r.URL.Query().Get("uid")
	ok, matchedUID := h.jsWhitelist.Check(r.Context(), uid, jsPath, delivery.ClientIP(r), r.Header.Get("User-Agent"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed": ok,
		"uid":     matchedUID,
	})
}

// JSWhitelistStats handles GET /api/js-whitelist/stats.
func (h *AdminHandler) JSWhitelistStats(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeJSONError(w, http.StatusBadRequest, "uid is required")
		return
	}
	stats, err := h.jsWhitelist.Stats(r.Context(), uid)
	if err != nil {
		log.Error().Err(err).Msg("admin: js-whitelist stats failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Existence probes ---

type fileCheckRequest struct {
	Path string `json:"path"`
}

// CheckFile handles POST /api/file/check.
func (h *AdminHandler) CheckFile(w http.ResponseWriter, r *http.Request) {
	var req fileCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":   req.Path,
		"exists": h.backend.Exists(r.Context(), req.Path),
	})
}

type fileCheckBatchRequest struct {
	Paths []string `json:"paths"`
}

// CheckFileBatch handles POST /api/file/check/batch.
func (h *AdminHandler) CheckFileBatch(w http.ResponseWriter, r *http.Request) {
	var req fileCheckBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Paths) == 0 {
		writeJSONError(w, http.StatusBadRequest, "paths is required")
		return
	}
	results := make(map[string]bool, len(req.Paths))
	for _, p := range req.Paths {
		results[p] = h.backend.Exists(r.Context(), p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// ProbeBackend handles GET /probe/backend?path=….
func (h *AdminHandler) ProbeBackend(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":         path,
		"backend_mode": h.cfg.BackendMode,
		"exists":       h.backend.Exists(r.Context(), path),
	})
}

// --- Operational readouts ---

// Health handles GET /health.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	redisOK := h.redis.Client().Ping(r.Context()).Err() == nil
	status := http.StatusOK
	if !redisOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": map[bool]string{true: "ok", false: "degraded"}[redisOK],
		"redis":  redisOK,
	})
}

// Stats handles GET /stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_logs":      h.logs.AccessLogsSummary(r.Context()),
		"token_replay":     h.logs.TokenReplaySummary(r.Context()),
		"key_access":       h.logs.KeyAccessSummary(r.Context()),
		"active_transfers": len(h.tracker.Active()),
	})
}

// Traffic handles GET /traffic.
func (h *AdminHandler) Traffic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"aggregate_bandwidth_bps": h.tracker.AggregateBandwidthBps(),
		"active_transfers":       len(h.tracker.Active()),
	})
}

// ActiveTransfers handles GET /active-transfers.
func (h *AdminHandler) ActiveTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Active())
}

// WhitelistInfo handles GET /whitelist-info.
func (h *AdminHandler) WhitelistInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"max_paths_per_cidr":      h.cfg.MaxPathsPerCIDR,
		"max_ua_ip_pairs_per_uid": h.cfg.MaxUAIPPairsPerUID,
		"ip_access_ttl":           h.cfg.IPAccessTTL.String(),
		"fixed_ip_whitelist":      h.cfg.FixedIPWhitelist,
	})
}

// AccessLogs handles GET /api/access-logs/{denied,recent,summary}.
func (h *AdminHandler) AccessLogs(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	ctx := r.Context()
	switch kind {
	case "denied":
		entries, err := h.logs.RecentDenied(ctx, 100)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to read denied log")
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case "recent":
		entries, err := h.logs.RecentAdmitted(ctx, 100)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to read access log")
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case "summary":
		writeJSON(w, http.StatusOK, h.logs.AccessLogsSummary(ctx))
	default:
		writeJSONError(w, http.StatusNotFound, "unknown access-logs endpoint")
	}
}

// ReplayLogs handles GET /api/replay-logs[/summary].
func (h *AdminHandler) ReplayLogs(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/summary") {
		writeJSON(w, http.StatusOK, h.logs.TokenReplaySummary(r.Context()))
		return
	}
	entries, err := h.logs.RecentTokenReplay(r.Context(), 300)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to read replay log")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// KeyAccessLogs handles GET /api/key-access-logs[/summary].
func (h *AdminHandler) KeyAccessLogs(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/summary") {
		writeJSON(w, http.StatusOK, h.logs.KeyAccessSummary(r.Context()))
		return
	}
	entries, err := h.logs.RecentKeyAccess(r.Context(), 300)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to read key-access log")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// M3U8CacheStats handles GET /api/m3u8-cache-stats.
func (h *AdminHandler) M3U8CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.m3u8Cache.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("admin: m3u8 cache stats failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to get cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Debug ---

// DebugBrowser handles GET /debug/browser?ua=….
func (h *AdminHandler) DebugBrowser(w http.ResponseWriter, r *http.Request) {
	ua := r.URL.Query().Get("ua")
	if ua == "" {
		ua = r.Header.Get("User-Agent")
	}
	class, name, maxCount := fingerprint.DetectBrowserType(ua)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_agent":       ua,
		"class":            class,
		"name":             name,
		"max_access_count": maxCount,
	})
}

// DebugCIDR handles GET /debug/cidr?cidr=….
func (h *AdminHandler) DebugCIDR(w http.ResponseWriter, r *http.Request) {
	cidr := r.URL.Query().Get("cidr")
	if cidr == "" {
		writeJSONError(w, http.StatusBadRequest, "cidr is required")
		return
	}
	normalized, err := ipmatch.Normalize(cidr)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	examples, _ := ipmatch.Examples(normalized, 5)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"input":      cidr,
		"normalized": normalized,
		"examples":   examples,
	})
}

// DebugIPWhitelist handles GET /debug/ip-whitelist?ip=….
func (h *AdminHandler) DebugIPWhitelist(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		writeJSONError(w, http.StatusBadRequest, "ip is required")
		return
	}
	matched, pattern := ipmatch.Match(ip, h.cfg.FixedIPWhitelist)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ip":      ip,
		"matched": matched,
		"pattern": pattern,
	})
}

// DebugSession handles GET /debug/session?session_id=….
func (h *AdminHandler) DebugSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	rec, ok := h.sessions.Validate(r.Context(), sessionID, delivery.ClientIP(r), r.Header.Get("User-Agent"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	presented := strings.TrimPrefix(auth, "Bearer ")
	return presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(h.cfg.APIKey)) == 1
}

// Helper functions for JSON responses, matching the teacher's idiom.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.APIError{Error: message})
}
