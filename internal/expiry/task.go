// Package expiry implements the periodic expired-message sweep as its own
// internal timer loop; it is not registered with an external time
// scheduler. The loop's period is retargetable at runtime the way
// acceptRateLimiter.updateRate lets the accept limiter's rate be changed
// without tearing down and recreating the limiter.
package expiry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dispatchcore/pubsubengine/internal/logging"
	"github.com/dispatchcore/pubsubengine/internal/metrics"
	"github.com/dispatchcore/pubsubengine/internal/store"
)

// Task runs the expiration sweep on a runtime-adjustable interval.
type Task struct {
	store   store.Store
	log     *logging.Logger
	metrics metrics.Sink

	intervalNanos atomic.Int64
	cancelled     atomic.Bool
}

// New returns a ready-to-run Task firing every interval (default 15s per
// spec, if interval is non-positive).
func New(st store.Store, log *logging.Logger, m metrics.Sink, interval time.Duration) *Task {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := &Task{store: st, log: log, metrics: m}
	t.intervalNanos.Store(int64(interval))
	return t
}

// SetInterval retargets the sweep period. Non-positive values are ignored,
// mirroring setExpirationInterval's contract.
func (t *Task) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.intervalNanos.Store(int64(d))
}

// Interval returns the sweep's current period.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.intervalNanos.Load())
}

// Run fires the sweep on its own schedule until ctx is cancelled or Cancel
// is called. Once cancelled, the loop becomes a permanent no-op and exits;
// callers should drop the Task rather than Run it again.
func (t *Task) Run(ctx context.Context) {
	timer := time.NewTimer(t.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if t.cancelled.Load() {
				return
			}
			t.sweep(ctx)
			timer.Reset(t.Interval())
		}
	}
}

// Cancel marks the task cancelled; the next tick (or the current one, if
// in flight) becomes the last.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// sweep fetches and removes expired messages. Errors are swallowed per the
// spec's error handling design: the next tick retries.
func (t *Task) sweep(ctx context.Context) {
	expired, err := t.store.GetExpiredMessages(ctx)
	if err != nil {
		t.log.Error("expiration sweep fetch failed", "err", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	t.metrics.IncExpiredPerSecond(int64(len(expired)))
	if err := t.store.RemoveMessages(ctx, expired, store.RemovedExpired); err != nil {
		t.log.Error("expiration sweep remove failed", "count", len(expired), "err", err)
		return
	}

	var totalBytes int64
	for _, m := range expired {
		totalBytes += int64(len(m.Payload))
	}
	t.log.Info("removed expired messages", "count", len(expired), "bytes", humanize.Bytes(uint64(totalBytes)))
}
