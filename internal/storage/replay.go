package storage

import (
	"context"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/rs/zerolog/log"
)

// ReplayInfo carries the bookkeeping details of a token-replay or
// key-access decision, independent of the allow/deny verdict.
type ReplayInfo struct {
	CurrentCount  int64
	MaxUses       int
	RemainingUses int64
	IsFirstUse    bool
	Exceeded      bool
	Fallback      bool
}

// ReplayCounter implements C8 (generic token replay) and, via a distinct
// key prefix, C9 (key-file access counter) — the same at-most-N-within-TTL
// discipline with independent keyspaces (T7). Grounded on
// original_source/services/token_replay_service.py and
// services/key_protect_service.py.
type ReplayCounter struct {
	store      *Store
	logs       *LogRing
	keyPrefix  string
	logBlocked func(ctx context.Context, e models.ReplayLogEntry)
}

// NewTokenReplayCounter builds the C8 counter over the token_replay:
// keyspace, logging blocked and fallback events to the token-replay ring.
func NewTokenReplayCounter(store *Store, logs *LogRing) *ReplayCounter {
	c := &ReplayCounter{store: store, logs: logs, keyPrefix: "token_replay:"}
	c.logBlocked = logs.LogTokenReplay
	return c
}

// NewKeyAccessCounter builds the C9 counter over the key_protect:access:
// keyspace, disjoint from C8 (T7), logging blocked and fallback events to
// the key-access ring.
func NewKeyAccessCounter(store *Store, logs *LogRing) *ReplayCounter {
	c := &ReplayCounter{store: store, logs: logs, keyPrefix: "key_protect:access:"}
	c.logBlocked = logs.LogKeyAccess
	return c
}

// CheckParams carries the request-scoped fields needed for logging a
// blocked replay/key-access event.
type CheckParams struct {
	Token, UID, Path, FullURL, ClientIP, UserAgent string
	MaxUses                                        int
	TTL                                             time.Duration
}

// Check implements §4.8/§4.9's check(token, uid, path, max_uses, ttl):
// increments a counter keyed by sha256(token|uid|path), sets TTL on first
// use, and denies once count exceeds max_uses. On a store error, it
// degrades open with Fallback=true (never propagated as a 5xx). Matching
// the original's discipline, an event is only logged when it is blocked
// (exceeded) or degraded open (Fallback=true) — ordinary first-use and
// repeat-but-within-limit accesses are not logged.
func (c *ReplayCounter) Check(ctx context.Context, p CheckParams) (bool, ReplayInfo) {
	keyContent := p.Token + ":" + p.UID + ":" + p.Path
	redisKey := c.keyPrefix + HashSHA256Prefix(keyContent, 0)

	count, err := c.store.IncrWithExpiry(ctx, redisKey, p.TTL)
	if err != nil {
		log.Warn().Err(err).Str("key", redisKey).Bool("fallback", true).Msg("replay: counter increment failed, degrading open")
		if c.logBlocked != nil {
			c.logBlocked(ctx, models.ReplayLogEntry{
				UID: p.UID, Path: p.Path, FullURL: p.FullURL, IP: p.ClientIP, UserAgent: p.UserAgent,
				MaxUses: p.MaxUses, Fallback: true, Timestamp: time.Now().Unix(),
			})
		}
		return true, ReplayInfo{Fallback: true}
	}

	if count == 1 {
		return true, ReplayInfo{CurrentCount: count, MaxUses: p.MaxUses, RemainingUses: int64(p.MaxUses) - 1, IsFirstUse: true}
	}

	if count > 1 {
		_ = c.store.RepairExpiry(ctx, redisKey, p.TTL)
	}

	if count <= int64(p.MaxUses) {
		return true, ReplayInfo{CurrentCount: count, MaxUses: p.MaxUses, RemainingUses: int64(p.MaxUses) - count}
	}

	if c.logBlocked != nil {
		c.logBlocked(ctx, models.ReplayLogEntry{
			UID: p.UID, Path: p.Path, FullURL: p.FullURL, IP: p.ClientIP, UserAgent: p.UserAgent,
			Count: count, MaxUses: p.MaxUses, Blocked: true, Timestamp: time.Now().Unix(),
		})
	}
	return false, ReplayInfo{CurrentCount: count, MaxUses: p.MaxUses, Exceeded: true}
}
