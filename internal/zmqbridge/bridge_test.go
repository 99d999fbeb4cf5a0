package zmqbridge

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dispatchcore/pubsubengine/internal/logging"
	"github.com/dispatchcore/pubsubengine/internal/store"
)

type fakeListener struct {
	created   []store.Subscription
	removed   []store.Subscription
	arrived   []string
	delivered []string
}

func (l *fakeListener) OnSubscriptionCreated(topic string, sub store.Subscription) {
	l.created = append(l.created, sub)
}
func (l *fakeListener) OnSubscriptionRemoved(topic string, sub store.Subscription) {
	l.removed = append(l.removed, sub)
}
func (l *fakeListener) OnMessageArrived(topic, id string)   { l.arrived = append(l.arrived, topic+"|"+id) }
func (l *fakeListener) OnMessageDelivered(topic, id string) { l.delivered = append(l.delivered, topic+"|"+id) }
func (l *fakeListener) OnSizeChanged(topic string, bytes int64)  {}
func (l *fakeListener) OnCountChanged(topic string, count int64) {}

func newTestBridge(listener *fakeListener) *Bridge {
	log := logging.New(io.Discard, logging.LevelError)
	return New("", listener, log)
}

func TestHandleDispatchesEachEnvelopeKind(t *testing.T) {
	listener := &fakeListener{}
	b := newTestBridge(listener)

	envelopes := []Envelope{
		{Kind: KindSubscriptionCreated, Topic: "T", ClientID: "c1", Role: store.RoleSubscriber},
		{Kind: KindSubscriptionRemoved, Topic: "T", ClientID: "c1", Role: store.RoleSubscriber},
		{Kind: KindMessageArrived, Topic: "T", MessageID: "m1"},
		{Kind: KindMessageDelivered, Topic: "T", MessageID: "m1"},
	}
	for _, env := range envelopes {
		payload, err := sonic.Marshal(env)
		if err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
		b.handle(payload)
	}

	if len(listener.created) != 1 || listener.created[0].ClientID != "c1" {
		t.Fatalf("OnSubscriptionCreated not replayed correctly: %+v", listener.created)
	}
	if len(listener.removed) != 1 {
		t.Fatalf("OnSubscriptionRemoved not replayed: %+v", listener.removed)
	}
	if len(listener.arrived) != 1 || listener.arrived[0] != "T|m1" {
		t.Fatalf("OnMessageArrived not replayed correctly: %+v", listener.arrived)
	}
	if len(listener.delivered) != 1 || listener.delivered[0] != "T|m1" {
		t.Fatalf("OnMessageDelivered not replayed correctly: %+v", listener.delivered)
	}
}

func TestHandleMalformedPayloadDoesNotPanic(t *testing.T) {
	b := newTestBridge(&fakeListener{})
	b.handle([]byte("not valid sonic data"))
}

func TestHandleUnknownKindDoesNotPanic(t *testing.T) {
	listener := &fakeListener{}
	b := newTestBridge(listener)
	payload, err := sonic.Marshal(Envelope{Kind: EventKind(99), Topic: "T"})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	b.handle(payload)
	if len(listener.arrived) != 0 || len(listener.created) != 0 {
		t.Fatal("unknown kind should not reach any listener method")
	}
}

func TestMarkHealthyThenUnhealthyTransitions(t *testing.T) {
	b := newTestBridge(&fakeListener{})
	if b.healthy {
		t.Fatal("new bridge should start unhealthy")
	}
	b.markHealthy()
	if !b.healthy {
		t.Fatal("markHealthy should set healthy=true")
	}
	b.markHealthy() // repeated call should be a no-op, not double-log
	b.markUnhealthy("receive", nil)
	if b.healthy {
		t.Fatal("markUnhealthy should set healthy=false")
	}
}

func TestRunWithEmptyAddrReturnsImmediately(t *testing.T) {
	b := newTestBridge(&fakeListener{})
	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with empty addr should return without blocking")
	}
}
