package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dispatchcore/pubsubengine/internal/store"
)

// fakeStore is a tiny in-memory store.Store used to pin down exact
// dispatch-phase behavior (ordering, fairness caps, state-transition edge cases)
// without pulling sqlite's scheduling into the picture.
type fakeStore struct {
	mu       sync.Mutex
	subs     []store.Subscription
	messages []*store.Message
	rr       map[string]int
	listener store.Listener
}

func newFakeStore() *fakeStore {
	return &fakeStore{rr: make(map[string]int)}
}

func (s *fakeStore) RegisterTopicListener(l store.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

func (s *fakeStore) addSubscription(sub store.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *fakeStore) addMessage(m store.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m
	s.messages = append(s.messages, &cp)
}

func (s *fakeStore) GetInactiveClientSubscriptions(ctx context.Context, threshold time.Duration) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string)
	now := time.Now()
	for _, sub := range s.subs {
		if now.Sub(sub.LastActivity) > threshold {
			out[sub.Topic] = append(out[sub.Topic], sub.ClientID)
		}
	}
	return out, nil
}

func (s *fakeStore) TopicOperation(ctx context.Context, op store.TopicOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Kind {
	case store.OpSubscribe:
		s.subs = append(s.subs, op.Sub)
	case store.OpUnsubscribe:
		filtered := s.subs[:0]
		for _, sub := range s.subs {
			if sub.Topic == op.Topic && sub.ClientID == op.Sub.ClientID {
				continue
			}
			filtered = append(filtered, sub)
		}
		s.subs = filtered
	}
	return nil
}

func (s *fakeStore) GetNextUnassignedMessage(ctx context.Context) (store.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.State == store.Unassigned {
			return *m, true, nil
		}
	}
	return store.Message{}, false, nil
}

func (s *fakeStore) GetNextUndeliveredMessage(ctx context.Context) (store.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.State == store.Assigned {
			return *m, true, nil
		}
	}
	return store.Message{}, false, nil
}

func (s *fakeStore) GetUnacknowledgedMessages(ctx context.Context, timeout time.Duration) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []store.Message
	for _, m := range s.messages {
		if m.State == store.Assigned && now.Sub(m.AssignedAt) > timeout {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeStore) GetSubscriber(ctx context.Context, topic string, role store.Role) (store.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []store.Subscription
	for _, sub := range s.subs {
		if sub.Topic == topic && sub.Role == role {
			candidates = append(candidates, sub)
		}
	}
	if len(candidates) == 0 {
		return store.Subscription{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ClientID < candidates[j].ClientID })

	key := topic + "|" + role.String()
	idx := s.rr[key] % len(candidates)
	s.rr[key] = idx + 1
	return candidates[idx], true, nil
}

func (s *fakeStore) AssignmentOperation(ctx context.Context, msg store.Message, sub store.Subscription, kind store.AssignmentKind, internal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages {
		if m.Topic != msg.Topic || m.ID != msg.ID {
			continue
		}
		switch kind {
		case store.AssignSubscription:
			m.State = store.Assigned
			if sub.ClientID == "" {
				// Mirrors sqlitestore: the synthetic fan-out marker has no
				// ClientID, so assigned_client round-trips as NULL and
				// scanMessage reads AssignedTo back as nil.
				m.AssignedTo = nil
			} else {
				subCopy := sub
				m.AssignedTo = &subCopy
			}
			m.AssignedAt = time.Now()
		case store.RevokeAssignment:
			m.State = store.Unassigned
			m.AssignedTo = nil
			m.AssignedAt = time.Time{}
		}
		return nil
	}
	return nil
}

func (s *fakeStore) GetDeliveredMessages(ctx context.Context) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.State == store.Delivered {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeStore) RemoveMessages(ctx context.Context, msgs []store.Message, reason store.RemoveReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	remove := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		remove[m.Topic+"|"+m.ID] = true
	}
	filtered := s.messages[:0]
	for _, m := range s.messages {
		if remove[m.Topic+"|"+m.ID] {
			continue
		}
		filtered = append(filtered, m)
	}
	s.messages = filtered
	return nil
}

func (s *fakeStore) GetExpiredMessages(ctx context.Context) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []store.Message
	for _, m := range s.messages {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeStore) GetEvictableMessages(ctx context.Context, bytesWanted int64) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := append([]*store.Message(nil), s.messages...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PublishedAt.Before(ordered[j].PublishedAt) })

	var out []store.Message
	var total int64
	for _, m := range ordered {
		if total >= bytesWanted {
			break
		}
		out = append(out, *m)
		total += int64(len(m.Payload))
	}
	return out, nil
}

func (s *fakeStore) GetNotifiableClients(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pendingTopics := make(map[string]bool)
	for _, m := range s.messages {
		if m.State == store.Unassigned || m.State == store.Assigned {
			pendingTopics[m.Topic] = true
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, sub := range s.subs {
		if sub.Role != store.RoleSubscriber || !pendingTopics[sub.Topic] {
			continue
		}
		if seen[sub.ClientID] {
			continue
		}
		seen[sub.ClientID] = true
		out = append(out, sub.ClientID)
	}
	return out, nil
}

func (s *fakeStore) messageState(topic, id string) (store.AssignmentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Topic == topic && m.ID == id {
			return m.State, true
		}
	}
	return 0, false
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *fakeStore) setDelivered(topic, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Topic == topic && m.ID == id {
			m.State = store.Delivered
			m.Delivered = true
		}
	}
}
