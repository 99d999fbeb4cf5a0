// Package dispatch implements the engine's single-threaded control loop:
// five ordered phases run every iteration, then the worker parks on the
// version signal. Grounded on the outer heartbeat/longpoll loop shape in
// job_manager.go and job_feed.go: a condition-driven loop that re-checks a
// piece of shared state each pass and sleeps cooperatively between passes,
// generalized here from "wait for a new job" to "wait for any topic event".
package dispatch

import (
	"context"
	"time"

	"github.com/dispatchcore/pubsubengine/internal/config"
	"github.com/dispatchcore/pubsubengine/internal/logging"
	"github.com/dispatchcore/pubsubengine/internal/metrics"
	"github.com/dispatchcore/pubsubengine/internal/store"
	"github.com/dispatchcore/pubsubengine/internal/version"
)

// logThrottleWindow is how long a repeated phase-error log line is
// suppressed for once it has fired once.
const logThrottleWindow = 10 * time.Second

// Worker runs the five dispatch phases in order, forever, until its context
// is cancelled. It holds no long-lived references into the store beyond the
// call in flight; all state lives in the store or in the version signal.
type Worker struct {
	store   store.Store
	signal  *version.Signal
	log     *logging.Logger
	metrics metrics.Sink
	cfg     config.Config

	throttle *logThrottle
}

// New returns a ready-to-run Worker.
func New(st store.Store, signal *version.Signal, log *logging.Logger, m metrics.Sink, cfg config.Config) *Worker {
	return &Worker{
		store:    st,
		signal:   signal,
		log:      log,
		metrics:  m,
		cfg:      cfg,
		throttle: newLogThrottle(logThrottleWindow),
	}
}

// Run executes the dispatch loop until ctx is cancelled. It never returns an
// error: every failure is converted into a log entry plus a local decision,
// per the engine's error handling design.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		seen := w.signal.Counter()
		hadPendingWork := w.runIteration(ctx)

		if ctx.Err() != nil {
			return
		}
		w.signal.WaitForUpdate(seen, hadPendingWork)
	}
}

// runIteration runs the five phases in their mandated order and reports
// whether any phase deferred work past the fairness cap.
func (w *Worker) runIteration(ctx context.Context) bool {
	hadPendingWork := false

	phases := []struct {
		name string
		run  func(context.Context) (bool, error)
	}{
		{"revokeExpiredAssignments", w.revokeExpiredAssignments},
		{"removeInactiveClients", w.removeInactiveClients},
		{"assignPendingMessages", w.assignPendingMessages},
		{"assignDeliveryMessages", w.assignDeliveryMessages},
		{"removeDeliveredMessages", w.removeDeliveredMessages},
	}

	for _, p := range phases {
		if ctx.Err() != nil {
			return hadPendingWork
		}
		pending, err := p.run(ctx)
		if err != nil {
			if w.throttle.allow(p.name, time.Now()) {
				w.log.Error("dispatch phase failed, aborting phase", "phase", p.name, "err", err)
			}
			continue
		}
		if pending {
			hadPendingWork = true
		}
	}
	return hadPendingWork
}

// revokeExpiredAssignments fetches Assigned messages past assignmentTimeout
// and revokes each back to Unassigned, capped at fairnessCap items.
func (w *Worker) revokeExpiredAssignments(ctx context.Context) (bool, error) {
	msgs, err := w.store.GetUnacknowledgedMessages(ctx, w.cfg.AssignmentTimeout)
	if err != nil {
		return false, err
	}

	capped := capItems(msgs, w.cfg.FairnessCap)
	for _, m := range capped {
		if err := w.store.AssignmentOperation(ctx, m, store.Subscription{}, store.RevokeAssignment, true); err != nil {
			w.log.Error("revoke assignment failed", "topic", m.Topic, "id", m.ID, "err", err)
			continue
		}
	}
	w.metrics.ObserveIteration("revokeExpiredAssignments", len(capped))
	return len(capped) < len(msgs), nil
}

// removeInactiveClients fetches subscriptions idle past inactivityThreshold
// and unsubscribes each with an internal topic operation, capped at
// fairnessCap items across the whole phase.
func (w *Worker) removeInactiveClients(ctx context.Context) (bool, error) {
	byTopic, err := w.store.GetInactiveClientSubscriptions(ctx, w.cfg.InactivityThreshold)
	if err != nil {
		return false, err
	}

	processed := 0
	truncated := false
outer:
	for topic, clientIDs := range byTopic {
		for _, clientID := range clientIDs {
			if processed >= w.cfg.FairnessCap {
				truncated = true
				break outer
			}
			op := store.TopicOp{
				Kind:     store.OpUnsubscribe,
				Topic:    topic,
				Sub:      store.Subscription{Topic: topic, ClientID: clientID},
				Internal: true,
			}
			if err := w.store.TopicOperation(ctx, op); err != nil {
				w.log.Error("inactive unsubscribe failed", "topic", topic, "client", clientID, "err", err)
				continue
			}
			w.log.Info("unsubscribed inactive client", "topic", topic, "client", clientID,
				"idle_threshold", logging.Duration(w.cfg.InactivityThreshold))
			processed++
		}
	}
	w.metrics.ObserveIteration("removeInactiveClients", processed)
	return truncated, nil
}

// assignPendingMessages repeatedly pulls one Unassigned message and assigns
// it, up to fairnessCap messages.
func (w *Worker) assignPendingMessages(ctx context.Context) (bool, error) {
	for i := 0; i < w.cfg.FairnessCap; i++ {
		msg, ok, err := w.store.GetNextUnassignedMessage(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		var sub store.Subscription
		switch msg.Delivery {
		case store.DeliveryAll:
			// The store interprets an assignment against this marker as
			// fan-out to every eligible Subscriber; the engine never
			// resolves a concrete subscriber here.
			sub = store.SyntheticFanoutSubscription
		default:
			found, ok, err := w.store.GetSubscriber(ctx, msg.Topic, store.RoleSubscriber)
			if err != nil {
				w.log.Error("subscriber lookup failed", "topic", msg.Topic, "id", msg.ID, "err", err)
				continue
			}
			if !ok {
				// No eligible subscriber yet; leave Unassigned for retry.
				continue
			}
			sub = found
		}

		if err := w.store.AssignmentOperation(ctx, msg, sub, store.AssignSubscription, true); err != nil {
			w.log.Error("assign pending message failed", "topic", msg.Topic, "id", msg.ID, "err", err)
			continue
		}
	}
	// All fairnessCap passes ran; report pending work only if a further
	// Unassigned message is still waiting.
	_, ok, err := w.store.GetNextUnassignedMessage(ctx)
	if err != nil || !ok {
		return false, nil
	}
	return true, nil
}

// assignDeliveryMessages repeatedly pulls one Assigned-but-undelivered
// message, drops it if its topic has lost its Publisher, or re-issues the
// assignment to refresh it, up to fairnessCap messages.
func (w *Worker) assignDeliveryMessages(ctx context.Context) (bool, error) {
	for i := 0; i < w.cfg.FairnessCap; i++ {
		msg, ok, err := w.store.GetNextUndeliveredMessage(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		_, hasPublisher, err := w.store.GetSubscriber(ctx, msg.Topic, store.RolePublisher)
		if err != nil {
			w.log.Error("publisher lookup failed", "topic", msg.Topic, "id", msg.ID, "err", err)
			continue
		}
		if !hasPublisher {
			if err := w.store.RemoveMessages(ctx, []store.Message{msg}, store.RemovedReason); err != nil {
				w.log.Error("orphan removal failed", "topic", msg.Topic, "id", msg.ID, "err", err)
			}
			continue
		}

		sub := msg.AssignedTo
		if sub == nil {
			if msg.Delivery != store.DeliveryAll {
				continue
			}
			// A DeliveryAll message assigned against the synthetic
			// fan-out marker round-trips through the store with a nil
			// AssignedTo (the marker has no concrete ClientID), but the
			// assignment still needs refreshing like any other.
			sub = &store.SyntheticFanoutSubscription
		}
		if err := w.store.AssignmentOperation(ctx, msg, *sub, store.AssignSubscription, true); err != nil {
			w.log.Error("refresh assignment failed", "topic", msg.Topic, "id", msg.ID, "err", err)
		}
	}
	_, ok, err := w.store.GetNextUndeliveredMessage(ctx)
	if err != nil || !ok {
		return false, nil
	}
	return true, nil
}

// removeDeliveredMessages is single-shot: it fetches the whole delivered
// set and removes it in one pass. There is no fairness cap here per the
// spec's phase list.
func (w *Worker) removeDeliveredMessages(ctx context.Context) (bool, error) {
	delivered, err := w.store.GetDeliveredMessages(ctx)
	if err != nil {
		return false, err
	}
	if len(delivered) == 0 {
		return false, nil
	}
	if err := w.store.RemoveMessages(ctx, delivered, store.RemovedDelivered); err != nil {
		return false, err
	}
	w.metrics.ObserveIteration("removeDeliveredMessages", len(delivered))
	return false, nil
}

func capItems(msgs []store.Message, limit int) []store.Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[:limit]
}
