// Package storage is the Redis-backed KV façade and the stores built on
// top of it (C5-C9, C14): pooled access, atomic counters, pipelined
// multi-ops, and the whitelist/session/replay/key-access/log-ring records
// described in the design's data model.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Store wraps a pooled go-redis client with the primitives the admission
// pipeline and its stores need: GET/SET/EXPIRE/TTL/INCR/DEL, KEYS-style
// pattern enumeration done via incremental SCAN (never a blocking KEYS on
// a live cluster), LPUSH/LTRIM/LRANGE, and ZADD/ZREM/ZCARD/ZRANGE.
type Store struct {
	client          *redis.Client
	pipelineEnabled bool

	incrExpire *redis.Script
}

// incrExpireScript increments KEYS[1] and, iff this is the first
// increment (result == 1), sets its TTL to ARGV[1] seconds, atomically.
// This is the Lua-script mitigation for the well-known non-atomic
// "INCR then EXPIRE" sequence (see §5, §9 design notes).
const incrExpireScript = `
local result = redis.call('INCR', KEYS[1])
if result == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return result
`

// NewStore creates a new Redis-backed Store.
func NewStore(ctx context.Context, redisURL string, pipelineEnabled bool) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: failed to ping Redis: %w", err)
	}

	return &Store{
		client:          client,
		pipelineEnabled: pipelineEnabled,
		incrExpire:      redis.NewScript(incrExpireScript),
	}, nil
}

// NewStoreFromClient wraps an already-constructed redis.Client; used by
// tests against miniredis.
func NewStoreFromClient(client *redis.Client, pipelineEnabled bool) *Store {
	return &Store{
		client:          client,
		pipelineEnabled: pipelineEnabled,
		incrExpire:      redis.NewScript(incrExpireScript),
	}
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying go-redis client for stats/health handlers.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Get returns the raw string value, or ("", false, nil) on a cache miss.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores value with a TTL (ttl<=0 means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Expire resets key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining TTL; a negative duration means no expiry or
// missing key, matching redis semantics (-1, -2).
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// Del deletes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// ScanKeys enumerates keys matching pattern using an incremental cursor
// scan rather than a single blocking KEYS call, the way any Redis client
// expected to run against a shared cluster must (§4.5).
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		var batch []string
		var err error
		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// IncrWithExpiry atomically increments key and, on first increment, sets
// its TTL. Returns the resulting counter value.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.incrExpire.Run(ctx, s.client, []string{key}, int(ttl.Seconds())).Int64()
}

// RepairExpiry re-applies ttl to key if its current TTL reads as "no
// expiry" (-1), mitigating a lost EXPIRE (§4.8, §9).
func (s *Store) RepairExpiry(ctx context.Context, key string, ttl time.Duration) error {
	cur, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return err
	}
	if cur == -1 {
		return s.client.Expire(ctx, key, ttl).Err()
	}
	return nil
}

// LPushTrim left-pushes value onto key and trims the list to maxLen,
// refreshing key's TTL. Used by the access-log rings (C14).
func (s *Store) LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// LRange returns elements [start, stop] of a list.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

// LLen returns the length of a list.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// ZAdd adds a member with score to a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem removes a member from a sorted set.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

// ZRangeWithScores returns all members of a sorted set ordered by score.
func (s *Store) ZRangeWithScores(ctx context.Context, key string) ([]redis.Z, error) {
	return s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
}

// ZRemRangeByScore removes members scored within [min, max].
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return s.client.ZRemRangeByScore(ctx, key, min, max).Err()
}

// BatchOp is one operation in a Batch call.
type BatchOp struct {
	Op    string // "get", "set", "expire", "incr", "del"
	Key   string
	Value string
	TTL   time.Duration
}

// BatchResult is the outcome of one BatchOp; Err is non-nil on a per-op
// failure, which never aborts the remaining ops in the batch (§4.5).
type BatchResult struct {
	Value string
	Err   error
}

// Batch executes a sequence of ops either via a single pipeline (when
// pipelining is enabled and len(ops)>1) or individually, returning
// per-op results so a caller can distinguish partial failure from total
// failure.
func (s *Store) Batch(ctx context.Context, ops []BatchOp) []BatchResult {
	results := make([]BatchResult, len(ops))

	if !s.pipelineEnabled || len(ops) <= 1 {
		for i, op := range ops {
			results[i] = s.runOne(ctx, op)
		}
		return results
	}

	pipe := s.client.Pipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		switch op.Op {
		case "get":
			cmds[i] = pipe.Get(ctx, op.Key)
		case "set":
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case "expire":
			cmds[i] = pipe.Expire(ctx, op.Key, op.TTL)
		case "incr":
			cmds[i] = pipe.Incr(ctx, op.Key)
		case "del":
			cmds[i] = pipe.Del(ctx, op.Key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		log.Warn().Err(err).Msg("storage: pipeline batch had per-op errors")
	}
	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		if sc, ok := cmd.(*redis.StringCmd); ok {
			v, err := sc.Result()
			if err == redis.Nil {
				err = nil
			}
			results[i] = BatchResult{Value: v, Err: err}
		} else {
			results[i] = BatchResult{Err: cmd.Err()}
		}
	}
	return results
}

func (s *Store) runOne(ctx context.Context, op BatchOp) BatchResult {
	switch op.Op {
	case "get":
		v, _, err := s.Get(ctx, op.Key)
		return BatchResult{Value: v, Err: err}
	case "set":
		return BatchResult{Err: s.Set(ctx, op.Key, op.Value, op.TTL)}
	case "expire":
		return BatchResult{Err: s.Expire(ctx, op.Key, op.TTL)}
	case "incr":
		n, err := s.client.Incr(ctx, op.Key).Result()
		return BatchResult{Value: fmt.Sprintf("%d", n), Err: err}
	case "del":
		return BatchResult{Err: s.Del(ctx, op.Key)}
	}
	return BatchResult{}
}

// HashSHA256Prefix is the sha256-hex keying helper shared by C8/C9/the
// M3U8 access counter: sha256(input)[:n].
func HashSHA256Prefix(input string, n int) string {
	sum := sha256.Sum256([]byte(input))
	h := hex.EncodeToString(sum[:])
	if n > 0 && n < len(h) {
		return h[:n]
	}
	return h
}
