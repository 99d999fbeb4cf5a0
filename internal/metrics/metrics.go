// Package metrics defines the sink the dispatch engine's context supplies
// for its two named counters (expired-per-second, evicted-per-second) plus
// a generic per-phase item counter, following an atomic-counter style.
package metrics

import "sync/atomic"

// Sink is the metrics surface the engine's context provides. The core never
// computes rates itself — it only reports counts; aggregation into a
// per-second rate is the sink's concern.
type Sink interface {
	IncExpiredPerSecond(n int64)
	IncEvictedPerSecond(n int64)
	ObserveIteration(phase string, items int)
}

// Counters is a minimal atomic-counter Sink, suitable as a default when the
// caller doesn't have a real metrics backend wired up yet.
type Counters struct {
	expired uint64
	evicted uint64
}

func (c *Counters) IncExpiredPerSecond(n int64) {
	if n <= 0 {
		return
	}
	atomic.AddUint64(&c.expired, uint64(n))
}

func (c *Counters) IncEvictedPerSecond(n int64) {
	if n <= 0 {
		return
	}
	atomic.AddUint64(&c.evicted, uint64(n))
}

func (c *Counters) ObserveIteration(phase string, items int) {
	// The default sink doesn't aggregate per-phase histories; a real
	// deployment's metrics backend (Prometheus, statsd, ...) would. Swap in
	// a Sink implementation backed by one of those instead of Counters to
	// get that behavior.
	_ = phase
	_ = items
}

func (c *Counters) Expired() uint64 { return atomic.LoadUint64(&c.expired) }
func (c *Counters) Evicted() uint64 { return atomic.LoadUint64(&c.evicted) }
