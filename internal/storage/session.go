package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/laurikarhu/hls-gatekeeper/internal/fingerprint"
	"github.com/laurikarhu/hls-gatekeeper/internal/models"
	"github.com/laurikarhu/hls-gatekeeper/internal/pathkey"
	"github.com/rs/zerolog/log"
)

// SessionStore implements C7: (client-ip, UA, uid, key-path) -> session
// record with sliding TTL. Grounded on
// original_source/services/session_service.py.
type SessionStore struct {
	store          *Store
	sessionTTL     time.Duration
	userSessionTTL time.Duration
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(store *Store, sessionTTL, userSessionTTL time.Duration) *SessionStore {
	return &SessionStore{store: store, sessionTTL: sessionTTL, userSessionTTL: userSessionTTL}
}

func sessionRecordKey(sessionID string) string {
	return "session:" + sessionID
}

func sessionLookupKey(ip, uaHash, uid, keyPath string) string {
	return fmt.Sprintf("ip_ua_session:%s:%s:%s:%s", ip, uaHash, uid, keyPath)
}

// GetOrCreate implements §4.7's get_or_create(uid?, ip, ua, path).
func (s *SessionStore) GetOrCreate(ctx context.Context, uid, clientIP, userAgent, path string) (sessionID string, isNew bool, effectiveUID string) {
	keyPath := pathkey.Extract(path)
	if keyPath == "" {
		return "", false, ""
	}
	uaHash := fingerprint.UAHash(userAgent)

	if uid != "" {
		lookupKey := sessionLookupKey(clientIP, uaHash, uid, keyPath)
		if sid, ok, _ := s.store.Get(ctx, lookupKey); ok {
			if rec, ok := s.validateInternal(ctx, sid, clientIP, userAgent); ok && rec.UID == uid && rec.KeyPath == keyPath {
				if s.extend(ctx, sid, rec) {
					return sid, false, uid
				}
			}
		}
	}

	pattern := fmt.Sprintf("ip_ua_session:%s:%s:*:%s", clientIP, uaHash, keyPath)
	keys, err := s.store.ScanKeys(ctx, pattern)
	if err == nil && len(keys) > 0 {
		var latestSID string
		var latestRec models.SessionRecord
		var latestActivity int64 = -1

		for _, lookupKey := range keys {
			sid, ok, _ := s.store.Get(ctx, lookupKey)
			if !ok {
				continue
			}
			rec, ok := s.validateInternal(ctx, sid, clientIP, userAgent)
			if !ok || rec.KeyPath != keyPath {
				continue
			}
			if rec.LastActivity > latestActivity {
				latestActivity = rec.LastActivity
				latestSID = sid
				latestRec = rec
			}
		}

		if latestSID != "" {
			if s.extend(ctx, latestSID, latestRec) {
				return latestSID, false, latestRec.UID
			}
		}
	}

	if uid == "" {
		return "", false, ""
	}

	sid := uuid.New().String()
	now := time.Now().Unix()
	rec := models.SessionRecord{
		SessionID:    sid,
		UID:          uid,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		Path:         path,
		KeyPath:      keyPath,
		CreatedAt:    now,
		LastActivity: now,
		AccessCount:  1,
		SessionType:  models.SessionTypeNew,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Msg("session: marshal new record failed")
		return "", false, ""
	}

	lookupKey := sessionLookupKey(clientIP, uaHash, uid, keyPath)
	ops := []BatchOp{
		{Op: "set", Key: sessionRecordKey(sid), Value: string(payload), TTL: s.sessionTTL},
		{Op: "set", Key: lookupKey, Value: sid, TTL: s.sessionTTL},
	}
	results := s.store.Batch(ctx, ops)
	if results[0].Err != nil {
		log.Error().Err(results[0].Err).Msg("session: create failed")
		return "", false, ""
	}
	return sid, true, uid
}

// validateInternal fetches and validates a session record against the
// requesting ip/ua, matching validate_session_internal.
func (s *SessionStore) validateInternal(ctx context.Context, sessionID, clientIP, userAgent string) (models.SessionRecord, bool) {
	raw, ok, err := s.store.Get(ctx, sessionRecordKey(sessionID))
	if err != nil || !ok {
		return models.SessionRecord{}, false
	}
	var rec models.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.SessionRecord{}, false
	}
	if rec.ClientIP != clientIP || rec.UserAgent != userAgent {
		return models.SessionRecord{}, false
	}
	return rec, true
}

// Validate is the externally-visible session check, e.g. for cookie-based
// session reuse (X-Session-ID header / session cookie).
func (s *SessionStore) Validate(ctx context.Context, sessionID, clientIP, userAgent string) (models.SessionRecord, bool) {
	return s.validateInternal(ctx, sessionID, clientIP, userAgent)
}

// extend refreshes last_activity/access_count and both TTLs, matching
// extend_session.
func (s *SessionStore) extend(ctx context.Context, sessionID string, rec models.SessionRecord) bool {
	rec.LastActivity = time.Now().Unix()
	rec.AccessCount++

	payload, err := json.Marshal(rec)
	if err != nil {
		return false
	}

	userActiveKey := fmt.Sprintf("user_active_session:%s:%s", rec.UID, rec.ClientIP)
	ops := []BatchOp{
		{Op: "set", Key: sessionRecordKey(sessionID), Value: string(payload), TTL: s.sessionTTL},
		{Op: "expire", Key: userActiveKey, TTL: s.userSessionTTL},
	}
	results := s.store.Batch(ctx, ops)
	return results[0].Err == nil
}
