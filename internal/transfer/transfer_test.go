package transfer

import (
	"testing"
	"time"

	"github.com/laurikarhu/hls-gatekeeper/internal/models"
)

func TestShortTransferReportsNonZeroSpeed(t *testing.T) {
	tr := New()
	id := tr.Start("/v/seg0.ts", "u1", "s1", "1.2.3.4", "ts", 0, -1, 1024)
	tr.Update(id, 1024)

	rec, ok := tr.Get(id)
	if !ok {
		t.Fatal("expected transfer to be tracked")
	}
	rec.LastUpdate = rec.StartTime.Add(100 * time.Millisecond)

	tr.mu.Lock()
	tr.entries[id].rec.LastUpdate = rec.LastUpdate
	e := tr.entries[id]
	tr.mu.Unlock()

	if got := effectiveSpeed(e); got <= 0 {
		t.Fatalf("expected non-zero speed for short transfer, got %v", got)
	}
}

func TestAggregateBandwidthIncludesRecentlyFinished(t *testing.T) {
	tr := New()
	id := tr.Start("/v/seg0.ts", "u1", "s1", "1.2.3.4", "ts", 0, -1, 2048)
	tr.Update(id, 2048)
	tr.Finish(id, models.TransferCompleted)

	if got := tr.AggregateBandwidthBps(); got <= 0 {
		t.Fatalf("expected non-zero aggregate bandwidth shortly after completion, got %v", got)
	}
}

func TestFinishKeepsEntryDuringGracePeriod(t *testing.T) {
	orig := terminalGraceForTest()
	_ = orig // keep terminalGrace import path exercised without modifying the const
	tr := New()
	id := tr.Start("/v/seg0.ts", "u1", "", "1.2.3.4", "ts", 0, -1, 10)
	tr.Finish(id, models.TransferCompleted)

	if _, ok := tr.Get(id); !ok {
		t.Fatal("transfer should still be present during its grace period")
	}
}

func terminalGraceForTest() time.Duration { return terminalGrace }
