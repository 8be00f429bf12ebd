package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/fingerprint"
	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/rs/zerolog/log"
)

// JSWhitelistStore implements the JS-whitelist sibling of C6: a
// front-end-signed secondary whitelist scoped to (uid, UA, IP), with a
// 3-entry FIFO over distinct match-key hashes. Grounded on
// original_source/services/js_whitelist_service.py.
type JSWhitelistStore struct {
	store      *Store
	trackerTTL time.Duration
}

// maxMatchKeysPerScope is the per-(uid,UA,IP) FIFO cap on distinct
// match-key hashes (§3's JS-Whitelist Record invariant).
const maxMatchKeysPerScope = 3

// NewJSWhitelistStore builds a JSWhitelistStore with the given default
// record TTL (JS_WHITELIST_TRACKER_TTL).
func NewJSWhitelistStore(store *Store, trackerTTL time.Duration) *JSWhitelistStore {
	return &JSWhitelistStore{store: store, trackerTTL: trackerTTL}
}

func jsWhitelistKey(uid, matchKeyHash, uaHash, ipHash string) string {
	return fmt.Sprintf("js_wl_frontend:%s:%s:%s:%s", uid, matchKeyHash, uaHash, ipHash)
}

func jsWhitelistDirsKey(uid, uaHash, ipHash string) string {
	return fmt.Sprintf("js_wl_dirs:%s:%s:%s", uid, uaHash, ipHash)
}

// Add upserts a JS-Whitelist Record for (uid, matchKey, clientIP,
// userAgent). jsPath == "" marks a wildcard record. Overflow beyond
// maxMatchKeysPerScope evicts the oldest match-key hash by created_at,
// deleting both the sorted-set entry and its record (§3, open question:
// the evictor assumes the exact key schema above — any schema change must
// update it in lockstep).
func (j *JSWhitelistStore) Add(ctx context.Context, uid, jsPath, matchKey, clientIP, userAgent string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = j.trackerTTL
	}
	uaHash := fingerprint.UAHash(userAgent)
	ipHash := fingerprint.IPHash(clientIP)
	matchKeyHash := fingerprint.MatchKeyHash(matchKey)

	now := time.Now().Unix()
	rec := models.JSWhitelistRecord{
		UID:        uid,
		JSPath:     jsPath,
		MatchKey:   matchKey,
		ClientIP:   clientIP,
		UserAgent:  userAgent,
		CreatedAt:  now,
		ExpiresAt:  now + int64(ttl.Seconds()),
		IsWildcard: jsPath == "",
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jswhitelist: marshal record: %w", err)
	}

	recordKey := jsWhitelistKey(uid, matchKeyHash, uaHash, ipHash)
	dirsKey := jsWhitelistDirsKey(uid, uaHash, ipHash)

	if err := j.store.Set(ctx, recordKey, string(payload), ttl); err != nil {
		return fmt.Errorf("jswhitelist: store record: %w", err)
	}
	if err := j.store.ZAdd(ctx, dirsKey, float64(now), matchKeyHash); err != nil {
		return fmt.Errorf("jswhitelist: index record: %w", err)
	}
	_ = j.store.Expire(ctx, dirsKey, ttl)

	j.evictOverflow(ctx, dirsKey, uid, uaHash, ipHash)
	return nil
}

func (j *JSWhitelistStore) evictOverflow(ctx context.Context, dirsKey, uid, uaHash, ipHash string) {
	card, err := j.store.ZCard(ctx, dirsKey)
	if err != nil || card <= maxMatchKeysPerScope {
		return
	}
	members, err := j.store.ZRangeWithScores(ctx, dirsKey)
	if err != nil {
		return
	}
	overflow := int(card) - maxMatchKeysPerScope
	for i := 0; i < overflow && i < len(members); i++ {
		matchKeyHash, _ := members[i].Member.(string)
		if matchKeyHash == "" {
			continue
		}
		if err := j.store.ZRem(ctx, dirsKey, matchKeyHash); err != nil {
			log.Warn().Err(err).Str("dirs_key", dirsKey).Msg("jswhitelist: evict index entry failed")
		}
		if err := j.store.Del(ctx, jsWhitelistKey(uid, matchKeyHash, uaHash, ipHash)); err != nil {
			log.Warn().Err(err).Str("dirs_key", dirsKey).Msg("jswhitelist: evict record failed")
		}
	}
}

// Check implements the JS-whitelist lookup used by the admission
// pipeline's step 4 fallback: a direct hit on (uid, matchKey, UA, IP), or
// failing that the wildcard record (empty match-key hash) for the same
// (uid, UA, IP). A JS-whitelist record always belongs to a uid, so an
// empty uid can't match anything and Check reports false immediately.
func (j *JSWhitelistStore) Check(ctx context.Context, uid, matchKey, clientIP, userAgent string) (bool, string) {
	if uid == "" {
		return false, ""
	}
	uaHash := fingerprint.UAHash(userAgent)
	ipHash := fingerprint.IPHash(clientIP)

	matchKeyHash := fingerprint.MatchKeyHash(matchKey)
	if raw, ok, _ := j.store.Get(ctx, jsWhitelistKey(uid, matchKeyHash, uaHash, ipHash)); ok {
		var rec models.JSWhitelistRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			if rec.ExpiresAt == 0 || time.Now().Unix() < rec.ExpiresAt {
				return true, rec.UID
			}
		}
	}

	wildcardHash := fingerprint.MatchKeyHash("")
	if raw, ok, _ := j.store.Get(ctx, jsWhitelistKey(uid, wildcardHash, uaHash, ipHash)); ok {
		var rec models.JSWhitelistRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil && rec.IsWildcard {
			if rec.ExpiresAt == 0 || time.Now().Unix() < rec.ExpiresAt {
				return true, rec.UID
			}
		}
	}

	return false, ""
}

// JSWhitelistStats is the /api/js-whitelist/stats payload for a uid.
type JSWhitelistStats struct {
	UID          string   `json:"uid"`
	ActiveScopes int      `json:"active_scopes"`
	MatchKeys    []string `json:"match_key_hashes"`
}

// Stats scans js_wl_dirs:{uid}:*:* and reports the retained match-key
// hashes, matching get_js_whitelist_stats.
func (j *JSWhitelistStore) Stats(ctx context.Context, uid string) (JSWhitelistStats, error) {
	pattern := jsWhitelistDirsKey(uid, "*", "*")
	keys, err := j.store.ScanKeys(ctx, pattern)
	if err != nil {
		return JSWhitelistStats{}, err
	}
	var hashes []string
	for _, key := range keys {
		members, err := j.store.ZRangeWithScores(ctx, key)
		if err != nil {
			continue
		}
		for _, m := range members {
			if s, ok := m.Member.(string); ok {
				hashes = append(hashes, s)
			}
		}
	}
	return JSWhitelistStats{UID: uid, ActiveScopes: len(keys), MatchKeys: hashes}, nil
}
