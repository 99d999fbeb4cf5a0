package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLevelFilteringDropsBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	l := New(syncWriter{&buf, &mu}, LevelWarn)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")
	l.Stop()

	mu.Lock()
	out := buf.String()
	mu.Unlock()

	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Fatalf("expected debug/info suppressed below LevelWarn, got: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Fatalf("expected warn/error logged, got: %s", out)
	}
}

func TestStopDrainsQueuedEntries(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	l := New(syncWriter{&buf, &mu}, LevelDebug)

	for i := 0; i < 50; i++ {
		l.Info("queued entry")
	}
	l.Stop()

	mu.Lock()
	count := strings.Count(buf.String(), "queued entry")
	mu.Unlock()
	if count != 50 {
		t.Fatalf("expected all 50 queued entries drained, got %d", count)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(nil, LevelError)
	l.Stop()
	l.Stop()
}

func TestAttrsRenderAsKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	l := New(syncWriter{&buf, &mu}, LevelDebug)
	l.Info("message", "topic", "T", "count", 3)
	l.Stop()

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if !strings.Contains(out, "topic=T") || !strings.Contains(out, "count=3") {
		t.Fatalf("expected rendered attrs, got: %s", out)
	}
}

func TestDurationRendersHumanReadable(t *testing.T) {
	if got := Duration(20 * time.Second); !strings.Contains(got, "second") {
		t.Fatalf("Duration(20s) = %q, want it to mention seconds", got)
	}
}

// syncWriter guards buf with mu since writeEntry runs on the logger's own
// goroutine, concurrently with the test's read after Stop returns.
type syncWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
