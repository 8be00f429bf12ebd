package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/fingerprint"
	"github.com/laurikarhu/hls-gatekeeper/internal/ipmatch"
	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/laurikarhu/hls-gatekeeper/internal/pathkey"
	"github.com/rs/zerolog/log"
)

// WhitelistStore implements C6: per-(IP-pattern, UA) permission records
// with multi-path lists and per-UID FIFO caps. Grounded on
// original_source/services/auth_service.py's check_ip_key_path /
// add_ip_to_whitelist / check_static_file_access.
type WhitelistStore struct {
	store              *Store
	ipAccessTTL        time.Duration
	maxPathsPerCIDR    int
	maxUAIPPairsPerUID int
}

// NewWhitelistStore creates a WhitelistStore.
func NewWhitelistStore(store *Store, ipAccessTTL time.Duration, maxPathsPerCIDR, maxUAIPPairsPerUID int) *WhitelistStore {
	return &WhitelistStore{
		store:              store,
		ipAccessTTL:        ipAccessTTL,
		maxPathsPerCIDR:    maxPathsPerCIDR,
		maxUAIPPairsPerUID: maxUAIPPairsPerUID,
	}
}

func whitelistKey(ipPattern, uaHash string) string {
	return fmt.Sprintf("ip_cidr_access:%s:%s", strings.ReplaceAll(ipPattern, "/", "_"), uaHash)
}

func staticWhitelistKey(ipPattern, uaHash string) string {
	return fmt.Sprintf("static_file_access:%s:%s", strings.ReplaceAll(ipPattern, "/", "_"), uaHash)
}

func uidPairsKey(uid string) string {
	return "uid_ua_ip_pairs:" + uid
}

func uidStaticPairsKey(uid string) string {
	return "uid_static_ua_ip_pairs:" + uid
}

// Check implements §4.6's check(client_ip, path, user_agent) ->
// (allowed, uid). isStaticExt and skip are computed by the caller from
// the configured static-extension set. fixedIPPatterns is the static
// FIXED_IP_WHITELIST configuration list (step 1: a fixed-IP match
// bypasses every other whitelist lookup and returns the sentinel uid
// "fixed_whitelist").
func (w *WhitelistStore) Check(ctx context.Context, clientIP, path, userAgent string, isStaticExt, skipPathCheck bool, fixedIPPatterns []string) (bool, string) {
	if len(fixedIPPatterns) > 0 {
		if matched, _ := ipmatch.Match(clientIP, fixedIPPatterns); matched {
			return true, "fixed_whitelist"
		}
	}

	uaHash := fingerprint.UAHash(userAgent)

	if skipPathCheck {
		if allowed, uid := w.CheckStatic(ctx, clientIP, userAgent); allowed {
			return true, uid
		}
	}

	requestedKey := pathkey.Extract(path)
	if requestedKey == "" && !skipPathCheck {
		return false, ""
	}

	pattern := fmt.Sprintf("ip_cidr_access:*:%s", uaHash)
	keys, err := w.store.ScanKeys(ctx, pattern)
	if err != nil {
		log.Warn().Err(err).Msg("whitelist: scan failed, degrading open=false")
		return false, ""
	}

	for _, key := range keys {
		raw, ok, err := w.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var rec struct {
			UID       string             `json:"uid"`
			IPPattern string             `json:"ip_pattern"`
			Paths     []models.PathEntry `json:"paths"`
		}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}

		match, _ := ipmatch.IPInCIDROrEqual(clientIP, rec.IPPattern)
		if !match {
			continue
		}

		if skipPathCheck {
			return true, rec.UID
		}

		for _, p := range rec.Paths {
			if p.KeyPath == requestedKey {
				// original substring relation is additionally enforced,
				// matching the legacy check_ip_key_path semantics.
				if strings.Contains(strings.ToLower(path), strings.ToLower(p.KeyPath)) {
					return true, rec.UID
				}
				return false, rec.UID
			}
		}
	}

	return false, ""
}

// CheckStatic implements check_static_file_access: IP+UA-only lookup
// against the independent static-file whitelist.
func (w *WhitelistStore) CheckStatic(ctx context.Context, clientIP, userAgent string) (bool, string) {
	uaHash := fingerprint.UAHash(userAgent)
	pattern := fmt.Sprintf("static_file_access:*:%s", uaHash)
	keys, err := w.store.ScanKeys(ctx, pattern)
	if err != nil {
		return false, ""
	}
	for _, key := range keys {
		raw, ok, err := w.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var rec models.StaticWhitelistRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if match, _ := ipmatch.IPInCIDROrEqual(clientIP, rec.IPPattern); match {
			return true, rec.UID
		}
	}
	return false, ""
}

// Add implements add_ip_to_whitelist: normalize the IP pattern, merge the
// path into the record (FIFO-bounded), and update the UID pairs index
// (FIFO-bounded), all sharing ipAccessTTL.
func (w *WhitelistStore) Add(ctx context.Context, uid, path, clientIP, userAgent string) error {
	keyPath := pathkey.Extract(path)
	if keyPath == "" {
		return fmt.Errorf("whitelist: invalid path %q", path)
	}

	normalized, err := ipmatch.Normalize(clientIP)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}

	uaHash := fingerprint.UAHash(userAgent)
	now := time.Now().Unix()
	redisKey := whitelistKey(normalized, uaHash)

	rec := models.WhitelistRecord{
		UID:       uid,
		IPPattern: normalized,
		UserAgent: userAgent,
		CreatedAt: now,
		Paths:     []models.PathEntry{{KeyPath: keyPath, CreatedAt: now}},
	}

	if raw, ok, _ := w.store.Get(ctx, redisKey); ok {
		var existing models.WhitelistRecord
		if err := json.Unmarshal([]byte(raw), &existing); err == nil {
			existing.Paths = mergeOrTouchPath(existing.Paths, keyPath, now)
			if len(existing.Paths) > w.maxPathsPerCIDR {
				var evicted []models.PathEntry
				existing.Paths, evicted = fifoTrimPaths(existing.Paths, w.maxPathsPerCIDR)
				w.cleanupEvictedPathCounters(ctx, evicted)
			}
			rec = existing
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("whitelist: marshal record: %w", err)
	}
	if err := w.store.Set(ctx, redisKey, string(payload), w.ipAccessTTL); err != nil {
		return fmt.Errorf("whitelist: store record: %w", err)
	}

	return w.trackUIDPair(ctx, uidPairsKey(uid), normalized, uaHash, func(oldPattern, oldUAHash string) string {
		return whitelistKey(oldPattern, oldUAHash)
	})
}

// AddStatic implements add_static_file_whitelist.
func (w *WhitelistStore) AddStatic(ctx context.Context, uid, clientIP, userAgent string) error {
	normalized, err := ipmatch.Normalize(clientIP)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	uaHash := fingerprint.UAHash(userAgent)
	now := time.Now().Unix()
	redisKey := staticWhitelistKey(normalized, uaHash)

	rec := models.StaticWhitelistRecord{
		UID:       uid,
		IPPattern: normalized,
		UserAgent: userAgent,
		CreatedAt: now,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("whitelist: marshal static record: %w", err)
	}
	if err := w.store.Set(ctx, redisKey, string(payload), w.ipAccessTTL); err != nil {
		return fmt.Errorf("whitelist: store static record: %w", err)
	}

	return w.trackUIDPair(ctx, uidStaticPairsKey(uid), normalized, uaHash, func(oldPattern, oldUAHash string) string {
		return staticWhitelistKey(oldPattern, oldUAHash)
	})
}

func mergeOrTouchPath(paths []models.PathEntry, keyPath string, now int64) []models.PathEntry {
	for i := range paths {
		if paths[i].KeyPath == keyPath {
			paths[i].CreatedAt = now
			return paths
		}
	}
	return append(paths, models.PathEntry{KeyPath: keyPath, CreatedAt: now})
}

func fifoTrimPaths(paths []models.PathEntry, max int) (kept, evicted []models.PathEntry) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].CreatedAt < paths[j].CreatedAt })
	if len(paths) <= max {
		return paths, nil
	}
	return paths[len(paths)-max:], paths[:len(paths)-max]
}

func (w *WhitelistStore) cleanupEvictedPathCounters(ctx context.Context, evicted []models.PathEntry) {
	for _, p := range evicted {
		pattern := fmt.Sprintf("m3u8_access_count_v2:*%s*", p.KeyPath)
		keys, err := w.store.ScanKeys(ctx, pattern)
		if err != nil || len(keys) == 0 {
			continue
		}
		if err := w.store.Del(ctx, keys...); err != nil {
			log.Warn().Err(err).Str("key_path", p.KeyPath).Msg("whitelist: failed to clean up evicted path counters")
		}
	}
}

// trackUIDPair implements the shared FIFO UA+IP pair bookkeeping used by
// both Add and AddStatic (T5): at most maxUAIPPairsPerUID distinct
// (ip_pattern, ua_hash) pairs are retained per uid; overflow evicts the
// oldest by created_at and deletes its corresponding whitelist record.
func (w *WhitelistStore) trackUIDPair(ctx context.Context, indexKey, ipPattern, uaHash string, recordKeyFor func(pattern, uaHash string) string) error {
	pairID := ipPattern + ":" + uaHash
	now := time.Now().Unix()

	var pairs []models.UIDPair
	if raw, ok, _ := w.store.Get(ctx, indexKey); ok {
		_ = json.Unmarshal([]byte(raw), &pairs)
	}

	found := false
	for i := range pairs {
		if pairs[i].PairID == pairID {
			pairs[i].LastUpdated = now
			found = true
			break
		}
	}
	if !found {
		pairs = append(pairs, models.UIDPair{
			PairID:      pairID,
			IPPattern:   ipPattern,
			UAHash:      uaHash,
			CreatedAt:   now,
			LastUpdated: now,
		})
	}

	if len(pairs) > w.maxUAIPPairsPerUID {
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].CreatedAt < pairs[j].CreatedAt })
		evicted := pairs[:len(pairs)-w.maxUAIPPairsPerUID]
		pairs = pairs[len(pairs)-w.maxUAIPPairsPerUID:]
		for _, p := range evicted {
			if err := w.store.Del(ctx, recordKeyFor(p.IPPattern, p.UAHash)); err != nil {
				log.Warn().Err(err).Str("pair_id", p.PairID).Msg("whitelist: failed to delete evicted whitelist record")
			}
		}
	}

	payload, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("whitelist: marshal uid pairs: %w", err)
	}
	return w.store.Set(ctx, indexKey, string(payload), w.ipAccessTTL)
}

// M3U8AccessInfo is the outcome of the adaptive manifest-access check.
type M3U8AccessInfo struct {
	BrowserType     string
	BrowserName     string
	CurrentCount    int64
	MaxCount        int
	RemainingCount  int64
	IsFirstAccess   bool
	Exceeded        bool
}

// CheckM3U8AccessAdaptive implements check_m3u8_access_count_adaptive:
// classify the UA (reported in the returned info), INCR a counter keyed by
// sha256(uid|full_url|ip), set TTL on first use, and deny once the count
// exceeds maxCount. The limit is the caller-supplied maxCount; this
// function does not derive it from the UA classification.
func (w *WhitelistStore) CheckM3U8AccessAdaptive(ctx context.Context, uid, fullURL, clientIP, userAgent string, maxCount int, windowTTL time.Duration) (bool, M3U8AccessInfo) {
	browserType, browserName, _ := fingerprint.DetectBrowserType(userAgent)

	identifier := fmt.Sprintf("%s:%s:%s", uid, fullURL, clientIP)
	key := "m3u8_access_count_v2:" + HashSHA256Prefix(identifier, 0)

	count, err := w.store.IncrWithExpiry(ctx, key, windowTTL)
	if err != nil {
		log.Warn().Err(err).Bool("fallback", true).Msg("whitelist: m3u8 access counter failed, degrading open")
		return true, M3U8AccessInfo{BrowserType: string(browserType), BrowserName: browserName}
	}

	info := M3U8AccessInfo{
		BrowserType:    string(browserType),
		BrowserName:    browserName,
		CurrentCount:   count,
		MaxCount:       maxCount,
		IsFirstAccess:  count == 1,
		RemainingCount: int64(maxCount) - count,
	}
	if count > 1 {
		_ = w.store.RepairExpiry(ctx, key, windowTTL)
	}
	if count > int64(maxCount) {
		info.Exceeded = true
		info.RemainingCount = 0
		return false, info
	}
	return true, info
}
