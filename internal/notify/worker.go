// Package notify implements the fixed-cadence worker that tells clients
// with pending deliveries to poll. It is independent of the version
// signal: notifications are time-smoothed so a burst of publishes still
// produces roughly one poll-hint per client per interval.
package notify

import (
	"context"
	"runtime"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/dispatchcore/pubsubengine/internal/logging"
	"github.com/dispatchcore/pubsubengine/internal/store"
)

// EventCode is the opaque protocol constant passed to the client-event
// callback verbatim; its meaning is not documented upstream and is
// preserved rather than renamed to something that implies intent.
const EventCode = 11

// EventType tags the kind of client event delivered by Callback.
type EventType int

// PubSub is the only EventType this worker emits.
const PubSub EventType = 0

// Callback is the client-event sink the worker invokes once per notifiable
// client per tick.
type Callback func(clientID string, eventCode int, eventType EventType)

// Worker polls the store on a fixed interval and fans the notify callback
// out to every notifiable client, bounded by a small worker pool so one
// slow callback can't stall the whole tick. Grounded on
// JobManager.Start's `numWorkers := runtime.NumCPU(); sizedwaitgroup.New(numWorkers)`
// sizing convention, adapted from a goroutine-per-CPU consumer pool to a
// per-tick bounded fan-out.
type Worker struct {
	store    store.Store
	log      *logging.Logger
	callback Callback
	interval time.Duration
	poolSize int
}

// New returns a ready-to-run Worker. interval should be
// config.Config.NotificationInterval (default 500ms).
func New(st store.Store, log *logging.Logger, callback Callback, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Worker{
		store:    st,
		log:      log,
		callback: callback,
		interval: interval,
		poolSize: runtime.NumCPU(),
	}
}

// Run ticks every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	clients, err := w.store.GetNotifiableClients(ctx)
	if err != nil {
		w.log.Error("notify tick failed", "err", err)
		return
	}
	if len(clients) == 0 {
		return
	}

	swg := sizedwaitgroup.New(w.poolSize)
	for _, clientID := range clients {
		swg.Add()
		go func(id string) {
			defer swg.Done()
			w.callback(id, EventCode, PubSub)
		}(clientID)
	}
	swg.Wait()
}
