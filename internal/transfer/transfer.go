// Package transfer implements C13: an in-memory, per-process registry of
// currently delivering response bodies, used for the bandwidth dashboard
// and the aggregated throughput metric. Nothing here touches the KV
// store — Live Transfers are owned by the delivery engine and live only
// for the duration (plus a short grace period) of one request's body
// phase.
package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/laurikarhu/hls-gatekeeper/internal/models"
)

// speedHistoryLen bounds the smoothed-speed ring per transfer (§4.13).
const speedHistoryLen = 10

// sampleInterval is how often Update folds a new instantaneous-speed
// sample into a transfer's ring, rather than on every byte.
const sampleInterval = 500 * time.Millisecond

// staleAfter prunes entries whose last_update is older than this.
const staleAfter = 30 * time.Second

// terminalGrace is how long a terminal-state entry survives after
// Finish, so a near-simultaneous bandwidth poll still sees it.
const terminalGrace = 5 * time.Second

// shortTransferWindow / shortTransferBytes mark a transfer "too short to
// trust its smoothed speed", per §4.13's zero-display-bug mitigation.
const shortTransferWindow = 500 * time.Millisecond
const shortTransferBytes = 1 * 1024 * 1024

type entry struct {
	rec               models.LiveTransfer
	lastSampleTime    time.Time
	bytesAtLastSample int64
	finishedAt        time.Time
}

// Tracker is a concurrency-safe Live Transfer registry.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New builds an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// Start registers a new Live Transfer at byte-stream entry and returns its
// id. fileType/startByte/endByte/totalSize describe the response being
// delivered (endByte/totalSize may be -1/unknown for upstream-HTTP
// responses without a known Content-Length).
func (t *Tracker) Start(filePath, uid, sessionID, clientIP, fileType string, startByte, endByte, totalSize int64) string {
	id := uuid.New().String()
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &entry{
		rec: models.LiveTransfer{
			TransferID: id,
			FilePath:   filePath,
			UID:        uid,
			SessionID:  sessionID,
			ClientIP:   clientIP,
			FileType:   fileType,
			StartByte:  startByte,
			EndByte:    endByte,
			TotalSize:  totalSize,
			StartTime:  now,
			LastUpdate: now,
			Status:     models.TransferActive,
		},
		lastSampleTime: now,
	}
	return id
}

// Update accounts for n additional bytes delivered on transfer id. It
// samples instantaneous speed at most every 500ms (§4.13) and folds the
// sample into a capped ring whose arithmetic mean is the transfer's
// reported speed.
func (t *Tracker) Update(id string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	now := time.Now()
	e.rec.BytesTransferred += n
	if e.rec.FirstByteTime.IsZero() {
		e.rec.FirstByteTime = now
	}
	e.rec.LastUpdate = now

	if dt := now.Sub(e.lastSampleTime); dt >= sampleInterval {
		deltaBytes := e.rec.BytesTransferred - e.bytesAtLastSample
		instSpeed := float64(deltaBytes) / dt.Seconds()
		e.rec.SpeedHistory = append(e.rec.SpeedHistory, instSpeed)
		if len(e.rec.SpeedHistory) > speedHistoryLen {
			e.rec.SpeedHistory = e.rec.SpeedHistory[len(e.rec.SpeedHistory)-speedHistoryLen:]
		}
		e.rec.SmoothedSpeedBps = mean(e.rec.SpeedHistory)
		e.lastSampleTime = now
		e.bytesAtLastSample = e.rec.BytesTransferred
	}
}

// Finish marks a transfer terminal and schedules its removal after a
// short grace period so a near-simultaneous bandwidth poll still sees it.
func (t *Tracker) Finish(id string, status models.LiveTransferStatus) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		e.rec.Status = status
		e.rec.LastUpdate = time.Now()
		e.finishedAt = e.rec.LastUpdate
	}
	t.mu.Unlock()

	if ok {
		time.AfterFunc(terminalGrace, func() {
			t.mu.Lock()
			delete(t.entries, id)
			t.mu.Unlock()
		})
	}
}

// Get returns a snapshot of one transfer.
func (t *Tracker) Get(id string) (models.LiveTransfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return models.LiveTransfer{}, false
	}
	return e.rec, true
}

// Active returns a snapshot of every currently-tracked transfer (active or
// within its terminal grace period), for the /active-transfers endpoint.
func (t *Tracker) Active() []models.LiveTransfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.LiveTransfer, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.rec)
	}
	return out
}

// AggregateBandwidthBps implements §4.13's aggregated bandwidth: the sum
// of active transfers' speed_bps, plus the average speed of transfers
// whose terminal state was reached less than 2s ago.
func (t *Tracker) AggregateBandwidthBps() float64 {
	const recentTerminalWindow = 2 * time.Second
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var total float64
	for _, e := range t.entries {
		if e.rec.Status == models.TransferActive {
			total += effectiveSpeed(e)
			continue
		}
		if !e.finishedAt.IsZero() && now.Sub(e.finishedAt) < recentTerminalWindow {
			total += effectiveSpeed(e)
		}
	}
	return total
}

// effectiveSpeed applies the "very-short transfer" fallback: when the
// smoothed ring is empty/zero and the transfer is short, report the
// whole-transfer average instead of 0 (avoids "0 Mbps while clearly
// transferring", T12).
func effectiveSpeed(e *entry) float64 {
	if e.rec.SmoothedSpeedBps > 0 {
		return e.rec.SmoothedSpeedBps
	}
	elapsed := e.rec.LastUpdate.Sub(e.rec.StartTime)
	if elapsed < shortTransferWindow || e.rec.BytesTransferred < shortTransferBytes {
		if elapsed > 0 {
			return float64(e.rec.BytesTransferred) / elapsed.Seconds()
		}
	}
	return e.rec.SmoothedSpeedBps
}

// Prune removes entries whose last_update is older than staleAfter,
// guarding against transfers that never reached a terminal state (a
// killed goroutine, a panic recovered upstream of Finish). Intended to be
// called periodically from a background ticker.
func (t *Tracker) Prune() {
	cutoff := time.Now().Add(-staleAfter)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.rec.Status == models.TransferActive && e.rec.LastUpdate.Before(cutoff) {
			delete(t.entries, id)
		}
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
