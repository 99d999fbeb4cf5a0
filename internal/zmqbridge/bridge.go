// Package zmqbridge lets a store that lives in another process publish
// topic events over ZMQ instead of calling a manager.Listener in-process.
// Grounded on the block-notification watcher in job_feed.go
// (zmqBlockLoop/handleZMQNotification/markZMQHealthy/markZMQUnhealthy),
// generalized from "hashblock/rawblock" node topics to sonic-encoded
// pub/sub topic-event envelopes, and adapted from node->pool block
// delivery to store->engine event delivery.
package zmqbridge

import (
	"context"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pebbe/zmq4"

	"github.com/dispatchcore/pubsubengine/internal/logging"
	"github.com/dispatchcore/pubsubengine/internal/store"
)

// EventTopic is the ZMQ PUB topic frame this bridge subscribes to.
const EventTopic = "pubsub-events"

const (
	receiveTimeout = 200 * time.Millisecond
	retryDelay     = time.Second
)

// EventKind tags which manager.Listener method an Envelope replays.
type EventKind int

const (
	KindSubscriptionCreated EventKind = iota
	KindSubscriptionRemoved
	KindMessageArrived
	KindMessageDelivered
)

// Envelope is the sonic-encoded event payload published on EventTopic.
type Envelope struct {
	Kind      EventKind
	Topic     string
	ClientID  string
	Role      store.Role
	MessageID string
}

// Bridge subscribes to a remote store's published topic events and replays
// them into a store.Listener (typically a *manager.Manager).
type Bridge struct {
	addr     string
	listener store.Listener
	log      *logging.Logger
	healthy  bool
}

// New returns a Bridge that will connect to addr once Run is called.
func New(addr string, listener store.Listener, log *logging.Logger) *Bridge {
	return &Bridge{addr: addr, listener: listener, log: log}
}

// Run connects and replays events until ctx is cancelled, reconnecting on
// error the way zmqBlockLoop does.
func (b *Bridge) Run(ctx context.Context) {
	if b.addr == "" {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		b.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if sleepCtx(ctx, retryDelay) {
			return
		}
	}
}

func (b *Bridge) runOnce(ctx context.Context) {
	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		b.markUnhealthy("socket", err)
		return
	}
	defer sub.Close()

	if err := sub.SetSubscribe(EventTopic); err != nil {
		b.markUnhealthy("subscribe", err)
		return
	}
	if err := sub.SetRcvtimeo(receiveTimeout); err != nil {
		b.markUnhealthy("set_rcvtimeo", err)
		return
	}
	if err := sub.Connect(b.addr); err != nil {
		b.markUnhealthy("connect", err)
		return
	}
	b.markHealthy()

	for {
		if ctx.Err() != nil {
			return
		}
		frames, err := sub.RecvMessageBytes(0)
		if err != nil {
			eno := zmq4.AsErrno(err)
			if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
				continue
			}
			b.markUnhealthy("receive", err)
			return
		}
		if len(frames) < 2 {
			b.log.Warn("zmq topic-event malformed", "frames", len(frames))
			continue
		}
		b.handle(frames[1])
	}
}

func (b *Bridge) handle(payload []byte) {
	var env Envelope
	if err := sonic.Unmarshal(payload, &env); err != nil {
		b.log.Error("zmq topic-event decode failed", "err", err)
		return
	}

	switch env.Kind {
	case KindSubscriptionCreated:
		b.listener.OnSubscriptionCreated(env.Topic, store.Subscription{Topic: env.Topic, ClientID: env.ClientID, Role: env.Role})
	case KindSubscriptionRemoved:
		b.listener.OnSubscriptionRemoved(env.Topic, store.Subscription{Topic: env.Topic, ClientID: env.ClientID, Role: env.Role})
	case KindMessageArrived:
		b.listener.OnMessageArrived(env.Topic, env.MessageID)
	case KindMessageDelivered:
		b.listener.OnMessageDelivered(env.Topic, env.MessageID)
	default:
		b.log.Warn("zmq topic-event unknown kind", "kind", env.Kind)
	}
}

func (b *Bridge) markHealthy() {
	if b.healthy {
		return
	}
	b.healthy = true
	b.log.Info("zmq topic-event bridge healthy", "addr", b.addr)
}

func (b *Bridge) markUnhealthy(reason string, err error) {
	wasHealthy := b.healthy
	b.healthy = false
	if wasHealthy {
		b.log.Warn("zmq topic-event bridge unhealthy", "reason", reason, "err", err)
	} else if err != nil {
		b.log.Error("zmq topic-event bridge error", "reason", reason, "err", err)
	}
}

// sleepCtx sleeps for d or returns true early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}
