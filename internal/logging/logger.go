// Package logging provides the async, leveled logger the dispatch engine's
// context supplies: a bounded queue drained by a dedicated goroutine so hot
// paths (phase loops, registry mutations) never block on I/O.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

type logEvent struct {
	level Level
	msg   string
	attrs []any
}

// Logger is a leveled logger backed by a bounded async queue.
type Logger struct {
	level    atomic.Int32
	queue    chan logEvent
	done     chan struct{}
	writerMu sync.RWMutex
	w        io.Writer
	wg       sync.WaitGroup
	stopOnce sync.Once
	closing  atomic.Bool
}

// New starts a Logger writing to w (os.Stdout if nil) at the given level.
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stdout
	}
	l := &Logger{
		queue: make(chan logEvent, 4096),
		done:  make(chan struct{}),
		w:     w,
	}
	l.level.Store(int32(level))
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case evt := <-l.queue:
			l.writeEntry(evt)
		case <-l.done:
			for {
				select {
				case evt := <-l.queue:
					l.writeEntry(evt)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) log(level Level, msg string, attrs ...any) {
	if int32(level) < l.level.Load() {
		return
	}
	if l.closing.Load() {
		return
	}
	select {
	case l.queue <- logEvent{level: level, msg: msg, attrs: append([]any(nil), attrs...)}:
	case <-l.done:
	}
}

func (l *Logger) Debug(msg string, attrs ...any) { l.log(LevelDebug, msg, attrs...) }
func (l *Logger) Info(msg string, attrs ...any)  { l.log(LevelInfo, msg, attrs...) }
func (l *Logger) Warn(msg string, attrs ...any)  { l.log(LevelWarn, msg, attrs...) }
func (l *Logger) Error(msg string, attrs ...any) { l.log(LevelError, msg, attrs...) }

// SetLevel adjusts the minimum level logged from this point forward.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// SetWriter swaps the output writer.
func (l *Logger) SetWriter(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	l.writerMu.Lock()
	l.w = w
	l.writerMu.Unlock()
}

// Stop drains any queued entries and stops the background goroutine.
func (l *Logger) Stop() {
	l.stopOnce.Do(func() {
		l.closing.Store(true)
		close(l.done)
		l.wg.Wait()
	})
}

func (l *Logger) writeEntry(evt logEvent) {
	rendered := formatAttrs(evt.attrs)
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	levelName := "UNKNOWN"
	if int(evt.level) >= 0 && int(evt.level) < len(levelNames) {
		levelName = levelNames[evt.level]
	}

	var entry strings.Builder
	entry.WriteString(timestamp)
	entry.WriteString(" [")
	entry.WriteString(levelName)
	entry.WriteString("] ")
	entry.WriteString(evt.msg)
	if rendered != "" {
		entry.WriteByte(' ')
		entry.WriteString(rendered)
	}
	entry.WriteByte('\n')

	l.writerMu.RLock()
	w := l.w
	l.writerMu.RUnlock()
	if w != nil {
		_, _ = w.Write([]byte(entry.String()))
	}
}

// Duration renders d the way this engine's logs report intervals and
// timeouts — "20s", "10m0s" become "20 seconds", "10 minutes" via durafmt,
// for operator-legible log fields.
func Duration(d time.Duration) string {
	return durafmt.Parse(d).String()
}

func formatAttrs(attrs []any) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(attrs); i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		key := fmt.Sprint(attrs[i])
		if i+1 < len(attrs) {
			value := fmt.Sprint(attrs[i+1])
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(value)
			i++
		} else {
			b.WriteString(key)
		}
	}
	return b.String()
}
