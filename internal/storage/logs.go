package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/rs/zerolog/log"
)

// Ring key names and caps for the four access-log rings (C14). Grounded on
// original_source/services/access_log_service.py (admitted/denied rings)
// and services/token_replay_service.py / key_protect_service.py (the
// replay and key-access rings).
const (
	logKeyAdmitted    = "access_log:recent"
	logKeyDenied      = "access_log:denied"
	logKeyTokenReplay = "token_replay:logs"
	logKeyKeyAccess   = "key_protect:logs"

	logCapAccess     = 100
	logCapReplay     = 300
	logRingTTL       = 7 * 24 * time.Hour
)

// LogRing appends JSON records to a bounded, TTL'd Redis list and supports
// reading them back for the admin/debug endpoints.
type LogRing struct {
	store *Store
}

// NewLogRing builds a LogRing over store.
func NewLogRing(store *Store) *LogRing {
	return &LogRing{store: store}
}

func (r *LogRing) push(ctx context.Context, key string, cap int64, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("logring: marshal failed")
		return
	}
	if err := r.store.LPushTrim(ctx, key, string(payload), cap, logRingTTL); err != nil {
		log.Error().Err(err).Str("key", key).Msg("logring: push failed")
	}
}

// LogAdmitted records a successful access decision.
func (r *LogRing) LogAdmitted(ctx context.Context, e models.AccessLogEntry) {
	r.push(ctx, logKeyAdmitted, logCapAccess, e)
}

// LogDenied records a rejected access decision.
func (r *LogRing) LogDenied(ctx context.Context, e models.AccessLogEntry) {
	r.push(ctx, logKeyDenied, logCapAccess, e)
}

// LogTokenReplay records a token-replay counter event. It is only called
// for blocked events and for fallback (store-error) events, never for an
// allowed use.
func (r *LogRing) LogTokenReplay(ctx context.Context, e models.ReplayLogEntry) {
	r.push(ctx, logKeyTokenReplay, logCapReplay, e)
}

// LogKeyAccess records a .key-file access-counter event, same discipline
// as LogTokenReplay but in its own ring (T7).
func (r *LogRing) LogKeyAccess(ctx context.Context, e models.ReplayLogEntry) {
	r.push(ctx, logKeyKeyAccess, logCapReplay, e)
}

func (r *LogRing) read(ctx context.Context, key string, limit int64) ([]json.RawMessage, error) {
	raw, err := r.store.LRange(ctx, key, 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(raw))
	for _, s := range raw {
		out = append(out, json.RawMessage(s))
	}
	return out, nil
}

// RecentAdmitted returns up to limit recent admitted-access records.
func (r *LogRing) RecentAdmitted(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	return r.read(ctx, logKeyAdmitted, limit)
}

// RecentDenied returns up to limit recent denied-access records.
func (r *LogRing) RecentDenied(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	return r.read(ctx, logKeyDenied, limit)
}

// RecentTokenReplay returns up to limit recent token-replay event records.
func (r *LogRing) RecentTokenReplay(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	if limit > logCapReplay {
		limit = logCapReplay
	}
	return r.read(ctx, logKeyTokenReplay, limit)
}

// RecentKeyAccess returns up to limit recent key-access event records.
func (r *LogRing) RecentKeyAccess(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	if limit > logCapReplay {
		limit = logCapReplay
	}
	return r.read(ctx, logKeyKeyAccess, limit)
}

// LogSummary is the aggregate counters behind /stats-style endpoints.
type LogSummary struct {
	DeniedCount int64 `json:"denied_count"`
	RecentCount int64 `json:"recent_count"`
	MaxRecords  int64 `json:"max_records"`
}

// AccessLogsSummary mirrors get_access_logs_summary.
func (r *LogRing) AccessLogsSummary(ctx context.Context) LogSummary {
	denied, _ := r.store.LLen(ctx, logKeyDenied)
	recent, _ := r.store.LLen(ctx, logKeyAdmitted)
	return LogSummary{DeniedCount: denied, RecentCount: recent, MaxRecords: logCapAccess}
}

// ReplaySummary is the aggregate counters for a replay-style ring,
// mirroring get_key_access_summary/get_replay_logs_summary: total length
// plus a blocked count sampled from the most recent 100 entries.
type ReplaySummary struct {
	TotalCount         int64 `json:"total_count"`
	RecentBlockedCount int   `json:"recent_blocked_count"`
	MaxRecords         int64 `json:"max_records"`
}

func (r *LogRing) replaySummary(ctx context.Context, key string) ReplaySummary {
	total, _ := r.store.LLen(ctx, key)
	recent, _ := r.store.LRange(ctx, key, 0, 99)
	blocked := 0
	for _, raw := range recent {
		var e models.ReplayLogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.Blocked {
			blocked++
		}
	}
	return ReplaySummary{TotalCount: total, RecentBlockedCount: blocked, MaxRecords: logCapReplay}
}

// TokenReplaySummary mirrors get_replay_logs_summary.
func (r *LogRing) TokenReplaySummary(ctx context.Context) ReplaySummary {
	return r.replaySummary(ctx, logKeyTokenReplay)
}

// KeyAccessSummary mirrors get_key_access_summary.
func (r *LogRing) KeyAccessSummary(ctx context.Context) ReplaySummary {
	return r.replaySummary(ctx, logKeyKeyAccess)
}
