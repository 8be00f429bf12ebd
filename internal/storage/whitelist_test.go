package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStoreFromClient(client, false)
}

func TestWhitelistAddThenCheckAllows(t *testing.T) {
	store := newTestStore(t)
	w := NewWhitelistStore(store, time.Hour, 10, 10)
	ctx := context.Background()

	if err := w.Add(ctx, "uid1", "/video/2025-08-30/abc123/720p/index.m3u8", "203.0.113.9", "agent-x"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	allowed, uid := w.Check(ctx, "203.0.113.9", "/video/2025-08-30/abc123/720p/index.m3u8", "agent-x", false, false, nil)
	if !allowed || uid != "uid1" {
		t.Fatalf("Check = (%v, %q), want (true, uid1)", allowed, uid)
	}
}

func TestWhitelistCheckDeniesWrongPath(t *testing.T) {
	store := newTestStore(t)
	w := NewWhitelistStore(store, time.Hour, 10, 10)
	ctx := context.Background()

	if err := w.Add(ctx, "uid1", "/video/2025-08-30/abc123/720p/index.m3u8", "203.0.113.9", "agent-x"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	allowed, _ := w.Check(ctx, "203.0.113.9", "/video/2025-08-30/other999/720p/index.m3u8", "agent-x", false, false, nil)
	if allowed {
		t.Fatal("Check should deny an unregistered key path for a known (ip, ua) pair")
	}
}

func TestWhitelistCheckMatchesCoarsenedIPv4CIDR(t *testing.T) {
	store := newTestStore(t)
	w := NewWhitelistStore(store, time.Hour, 10, 10)
	ctx := context.Background()

	if err := w.Add(ctx, "uid1", "/video/2025-08-30/abc123/720p/index.m3u8", "203.0.113.9", "agent-x"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// IPv4 patterns are coarsened to /24, so a neighboring address in the
	// same /24 should match the same record.
	allowed, uid := w.Check(ctx, "203.0.113.200", "/video/2025-08-30/abc123/720p/index.m3u8", "agent-x", false, false, nil)
	if !allowed || uid != "uid1" {
		t.Fatalf("Check = (%v, %q), want (true, uid1) for a same-/24 address", allowed, uid)
	}
}

func TestWhitelistFixedIPWhitelistBypassesLookup(t *testing.T) {
	store := newTestStore(t)
	w := NewWhitelistStore(store, time.Hour, 10, 10)
	ctx := context.Background()

	allowed, uid := w.Check(ctx, "10.0.0.5", "/video/2025-08-30/never-added/720p/index.m3u8", "agent-x", false, false, []string{"10.0.0.0/8"})
	if !allowed || uid != "fixed_whitelist" {
		t.Fatalf("Check = (%v, %q), want (true, fixed_whitelist)", allowed, uid)
	}
}

func TestWhitelistAddFIFOTrimsOldestPath(t *testing.T) {
	store := newTestStore(t)
	w := NewWhitelistStore(store, time.Hour, 2, 10)
	ctx := context.Background()

	if err := w.Add(ctx, "uid1", "/v/2025-08-30/first/720p/index.m3u8", "198.51.100.1", "agent-x"); err != nil {
		t.Fatalf("Add first: %v", err)
	}
	if err := w.Add(ctx, "uid1", "/v/2025-08-30/second/720p/index.m3u8", "198.51.100.1", "agent-x"); err != nil {
		t.Fatalf("Add second: %v", err)
	}
	if err := w.Add(ctx, "uid1", "/v/2025-08-30/third/720p/index.m3u8", "198.51.100.1", "agent-x"); err != nil {
		t.Fatalf("Add third: %v", err)
	}

	allowed, _ := w.Check(ctx, "198.51.100.1", "/v/2025-08-30/first/720p/index.m3u8", "agent-x", false, false, nil)
	if allowed {
		t.Fatal("oldest path should have been FIFO-evicted once maxPathsPerCIDR was exceeded")
	}

	allowed, _ = w.Check(ctx, "198.51.100.1", "/v/2025-08-30/third/720p/index.m3u8", "agent-x", false, false, nil)
	if !allowed {
		t.Fatal("most recently added path should still be allowed")
	}
}

func TestWhitelistStaticCheckSkipsPathCheck(t *testing.T) {
	store := newTestStore(t)
	w := NewWhitelistStore(store, time.Hour, 10, 10)
	ctx := context.Background()

	if err := w.AddStatic(ctx, "uid9", "192.0.2.1", "agent-y"); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}

	allowed, uid := w.Check(ctx, "192.0.2.1", "/static/css/whatever.css", "agent-y", true, true, nil)
	if !allowed || uid != "uid9" {
		t.Fatalf("Check with skipPathCheck = (%v, %q), want (true, uid9)", allowed, uid)
	}
}

func TestWhitelistTrackUIDPairEvictsOldestBeyondCap(t *testing.T) {
	store := newTestStore(t)
	w := NewWhitelistStore(store, time.Hour, 10, 1)
	ctx := context.Background()

	if err := w.Add(ctx, "uidA", "/v/2025-08-30/p1/720p/index.m3u8", "203.0.113.1", "agent-a"); err != nil {
		t.Fatalf("Add first pair: %v", err)
	}
	if err := w.Add(ctx, "uidA", "/v/2025-08-30/p2/720p/index.m3u8", "203.0.113.2", "agent-b"); err != nil {
		t.Fatalf("Add second pair: %v", err)
	}

	// maxUAIPPairsPerUID is 1, so the first (ip, ua) pair's record is
	// evicted once a second distinct pair is registered for the same uid.
	allowed, _ := w.Check(ctx, "203.0.113.1", "/v/2025-08-30/p1/720p/index.m3u8", "agent-a", false, false, nil)
	if allowed {
		t.Fatal("first uid/ip/ua pair's record should have been evicted")
	}
	allowed, uid := w.Check(ctx, "203.0.113.2", "/v/2025-08-30/p2/720p/index.m3u8", "agent-b", false, false, nil)
	if !allowed || uid != "uidA" {
		t.Fatalf("second pair should remain allowed, got (%v, %q)", allowed, uid)
	}
}

func TestCheckM3U8AccessAdaptiveDeniesOverLimit(t *testing.T) {
	store := newTestStore(t)
	w := NewWhitelistStore(store, time.Hour, 10, 10)
	ctx := context.Background()

	fullURL := "https://example.test/video/2025-08-30/abc/720p/index.m3u8"
	for i := 0; i < 3; i++ {
		allowed, info := w.CheckM3U8AccessAdaptive(ctx, "uid1", fullURL, "203.0.113.9", "agent-x", 3, time.Hour)
		if !allowed {
			t.Fatalf("access %d should be allowed within limit, info=%+v", i+1, info)
		}
	}

	allowed, info := w.CheckM3U8AccessAdaptive(ctx, "uid1", fullURL, "203.0.113.9", "agent-x", 3, time.Hour)
	if allowed || !info.Exceeded {
		t.Fatalf("4th access should exceed maxCount=3, got allowed=%v info=%+v", allowed, info)
	}
}
