// Package validation implements C15: the two orthogonal optimizations the
// admission pipeline's validation phase relies on — a parallel fan-out of
// the whitelist and session checks, and in-flight request deduplication
// so concurrent identical validations share one result (T13). Grounded on
// the teacher's use of golang.org/x/sync/singleflight for concurrent
// fetch coalescing (internal/handlers/stream.go's playlistFlight /
// segmentFlight), generalized from per-URL to per-validation-identity
// coalescing.
package validation

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/laurikarhu/hls-gatekeeper/internal/storage"
	"golang.org/x/sync/singleflight"
)

// Result is the validation fan-out's combined outcome, threaded into the
// admission pipeline (§4.11 step 3).
type Result struct {
	BackendAllowed bool
	WhitelistUID   string
	SessionID      string
	SessionUID     string
	NewSession     bool
}

// Coordinator runs the whitelist check (C6) and session get-or-create
// (C7) for one request, optionally in parallel, and optionally
// deduplicated against an in-flight identical validation.
type Coordinator struct {
	whitelist *storage.WhitelistStore
	sessions  *storage.SessionStore

	parallelEnabled bool
	dedupEnabled    bool

	flight singleflight.Group
}

// NewCoordinator builds a Coordinator over the given stores.
// parallelEnabled/dedupEnabled mirror ENABLE_PARALLEL_VALIDATION and
// ENABLE_REQUEST_DEDUPLICATION — either optimization can be independently
// disabled.
func NewCoordinator(whitelist *storage.WhitelistStore, sessions *storage.SessionStore, parallelEnabled, dedupEnabled bool) *Coordinator {
	return &Coordinator{
		whitelist:       whitelist,
		sessions:        sessions,
		parallelEnabled: parallelEnabled,
		dedupEnabled:    dedupEnabled,
	}
}

// Params carries the request-scoped fields the fan-out needs.
type Params struct {
	ClientIP        string
	Path            string
	UserAgent       string
	UID             string // resolved uid, if any (may be empty)
	IsStaticExt     bool
	SkipPathCheck   bool
	FixedIPPatterns []string
}

// dedupKey implements §4.15's md5(ip|path|ua|uid?) coalescing key.
func dedupKey(p Params) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s", p.ClientIP, p.Path, p.UserAgent, p.UID)))
	return hex.EncodeToString(sum[:])
}

// Validate runs the fan-out, honoring both optimizations. A joining
// request for an in-flight identical validation awaits and receives the
// exact same Result (T13); the dedup window is the lifetime of the first
// validation. An error in one branch never fails the other — each branch
// degrades to its conservative default (whitelist: deny; session: no
// session) independently.
func (c *Coordinator) Validate(ctx context.Context, p Params) Result {
	if !c.dedupEnabled {
		return c.run(ctx, p)
	}

	key := dedupKey(p)
	v, _, _ := c.flight.Do(key, func() (interface{}, error) {
		return c.run(ctx, p), nil
	})
	return v.(Result)
}

func (c *Coordinator) run(ctx context.Context, p Params) Result {
	if !c.parallelEnabled {
		allowed, uid := c.checkWhitelist(ctx, p)
		sid, isNew, sessUID := c.sessions.GetOrCreate(ctx, p.UID, p.ClientIP, p.UserAgent, p.Path)
		return Result{
			BackendAllowed: allowed,
			WhitelistUID:   uid,
			SessionID:      sid,
			SessionUID:     sessUID,
			NewSession:     isNew,
		}
	}

	var (
		wg           sync.WaitGroup
		allowed      bool
		whitelistUID string
		sid          string
		isNew        bool
		sessUID      string
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		allowed, whitelistUID = c.checkWhitelist(ctx, p)
	}()
	go func() {
		defer wg.Done()
		sid, isNew, sessUID = c.sessions.GetOrCreate(ctx, p.UID, p.ClientIP, p.UserAgent, p.Path)
	}()

	wg.Wait()

	return Result{
		BackendAllowed: allowed,
		WhitelistUID:   whitelistUID,
		SessionID:      sid,
		SessionUID:     sessUID,
		NewSession:     isNew,
	}
}

func (c *Coordinator) checkWhitelist(ctx context.Context, p Params) (bool, string) {
	return c.whitelist.Check(ctx, p.ClientIP, p.Path, p.UserAgent, p.IsStaticExt, p.SkipPathCheck, p.FixedIPPatterns)
}
