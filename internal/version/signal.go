// Package version implements the dispatch engine's wake/notify primitive: a
// monotonic counter plus a wait queue, following the same check-then-wait
// discipline used elsewhere to guard shared job state, but generalized to a
// sync.Cond broadcast because every dispatch-worker waiter must wake on
// every bump, not just one.
package version

import (
	"sync"
	"time"
)

// MaxWait bounds how long waitForUpdate may block with nothing to report:
// a 5-second heartbeat that makes missed wakeups self-correcting.
const MaxWait = 5 * time.Second

// Signal is a monotonic counter with a broadcast wait/notify primitive.
type Signal struct {
	mu      sync.Mutex
	cond    *sync.Cond
	counter uint64
}

// New returns a ready-to-use Signal.
func New() *Signal {
	s := &Signal{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Bump atomically increments the counter and wakes every waiter. Bump and
// WaitForUpdate share the same mutex, so a bump can never be missed between
// a waiter's check and its wait.
func (s *Signal) Bump() {
	s.mu.Lock()
	s.counter++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Counter returns the current counter value.
func (s *Signal) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// WaitForUpdate returns immediately if seen is stale relative to the
// current counter, or if hadPendingWork is true (the caller deferred work
// on the last pass and must retry without delay). Otherwise it blocks until
// the next Bump or until MaxWait elapses, whichever comes first.
func (s *Signal) WaitForUpdate(seen uint64, hadPendingWork bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hadPendingWork || seen < s.counter {
		return
	}

	deadline := time.Now().Add(MaxWait)
	timer := time.AfterFunc(MaxWait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer timer.Stop()

	for seen >= s.counter && time.Now().Before(deadline) {
		s.cond.Wait()
	}
}
