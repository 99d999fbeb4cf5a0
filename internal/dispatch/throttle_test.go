package dispatch

import (
	"testing"
	"time"
)

func TestLogThrottleAllowsFirstThenSuppressesWithinWindow(t *testing.T) {
	th := newLogThrottle(time.Minute)
	base := time.Now()

	if !th.allow("store-down", base) {
		t.Fatal("first call for a key should be allowed")
	}
	if th.allow("store-down", base.Add(time.Second)) {
		t.Fatal("second call within the window should be suppressed")
	}
	if !th.allow("store-down", base.Add(2*time.Minute)) {
		t.Fatal("call after the window elapses should be allowed again")
	}
}

func TestLogThrottleKeysAreIndependent(t *testing.T) {
	th := newLogThrottle(time.Minute)
	now := time.Now()

	if !th.allow("a", now) {
		t.Fatal("key a should be allowed")
	}
	if !th.allow("b", now) {
		t.Fatal("key b should be allowed independently of key a")
	}
}
