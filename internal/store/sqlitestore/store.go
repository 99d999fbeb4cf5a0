// Package sqlitestore is a modernc.org/sqlite-backed reference
// implementation of store.Store: a concrete, swappable instance the demo
// binary uses to run the five dispatch phases and the three workers end to
// end. The package tests use in-memory fakes, not this store. Table layout and
// the choice to serialize a message's metadata envelope with sonic follow
// a sonic.Unmarshal/Marshal persistence pattern.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dispatchcore/pubsubengine/internal/store"
)

// Store is a sqlite-backed store.Store. Safe for concurrent use.
type Store struct {
	db *sql.DB

	listenerMu sync.RWMutex
	listener   store.Listener

	cursor *roundRobinCursor
}

// Open creates (or opens) a sqlite database at dsn ("file::memory:?cache=shared"
// for an ephemeral store) and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// The engine's phases issue sequential calls against one logical store;
	// a single connection avoids sqlite's writer-lock contention without
	// giving up real concurrency the phases don't need.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, cursor: newRoundRobinCursor()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RegisterTopicListener(l store.Listener) {
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()
}

func (s *Store) notify(fn func(store.Listener)) {
	s.listenerMu.RLock()
	l := s.listener
	s.listenerMu.RUnlock()
	if l != nil {
		fn(l)
	}
}

// Publish inserts a new message in Unassigned state and notifies the
// listener. Publish is not part of the store.Store contract — publication
// is an externally-driven event the engine only learns about via
// OnMessageArrived — but something has to create the rows the engine's
// GetNextUnassignedMessage sees, so the reference store exposes it directly
// for the demo binary and tests.
func (s *Store) Publish(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	var metaBlob []byte
	if len(msg.Metadata) > 0 {
		encoded, err := sonic.Marshal(msg.Metadata)
		if err != nil {
			return store.Message{}, fmt.Errorf("encode message metadata: %w", err)
		}
		metaBlob = encoded
	}

	var expiresAt sql.NullInt64
	if msg.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: msg.ExpiresAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (topic, id, delivery, payload, metadata, published_at, expires_at, state, delivered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		msg.Topic, msg.ID, int(msg.Delivery), msg.Payload, metaBlob,
		msg.PublishedAt.UnixNano(), expiresAt, int(store.Unassigned))
	if err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}
	msg.State = store.Unassigned

	s.notify(func(l store.Listener) { l.OnMessageArrived(msg.Topic, msg.ID) })
	return msg, nil
}

func (s *Store) TopicOperation(ctx context.Context, op store.TopicOp) error {
	switch op.Kind {
	case store.OpSubscribe:
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO subscriptions (topic, client_id, role, last_activity)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(topic, client_id, role) DO UPDATE SET last_activity=excluded.last_activity`,
			op.Topic, op.Sub.ClientID, int(op.Sub.Role), nowOrActivity(op.Sub.LastActivity).UnixNano())
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		s.notify(func(l store.Listener) { l.OnSubscriptionCreated(op.Topic, op.Sub) })
		return nil

	case store.OpUnsubscribe:
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM subscriptions WHERE topic = ? AND client_id = ? AND role = ?`,
			op.Topic, op.Sub.ClientID, int(op.Sub.Role))
		if err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		s.notify(func(l store.Listener) { l.OnSubscriptionRemoved(op.Topic, op.Sub) })
		return nil

	default:
		return fmt.Errorf("unsupported topic op %d", op.Kind)
	}
}

func nowOrActivity(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func (s *Store) Touch(ctx context.Context, topic, clientID string, role store.Role, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET last_activity = ? WHERE topic = ? AND client_id = ? AND role = ?`,
		at.UnixNano(), topic, clientID, int(role))
	return err
}

func (s *Store) GetInactiveClientSubscriptions(ctx context.Context, threshold time.Duration) (map[string][]string, error) {
	cutoff := time.Now().Add(-threshold).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, client_id FROM subscriptions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query inactive subscriptions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var topic, clientID string
		if err := rows.Scan(&topic, &clientID); err != nil {
			return nil, err
		}
		out[topic] = append(out[topic], clientID)
	}
	return out, rows.Err()
}

func (s *Store) GetNextUnassignedMessage(ctx context.Context) (store.Message, bool, error) {
	return s.queryOneByState(ctx, store.Unassigned, `published_at ASC`)
}

func (s *Store) GetNextUndeliveredMessage(ctx context.Context) (store.Message, bool, error) {
	return s.queryOneByState(ctx, store.Assigned, `assigned_at ASC`)
}

func (s *Store) queryOneByState(ctx context.Context, state store.AssignmentState, order string) (store.Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT topic, id, delivery, payload, metadata, published_at, expires_at, state,
		       assigned_client, assigned_role, assigned_at, delivered
		FROM messages WHERE state = ? ORDER BY `+order+` LIMIT 1`, int(state))
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return store.Message{}, false, nil
	}
	if err != nil {
		return store.Message{}, false, fmt.Errorf("query message: %w", err)
	}
	return msg, true, nil
}

func (s *Store) GetUnacknowledgedMessages(ctx context.Context, timeout time.Duration) ([]store.Message, error) {
	cutoff := time.Now().Add(-timeout).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, id, delivery, payload, metadata, published_at, expires_at, state,
		       assigned_client, assigned_role, assigned_at, delivered
		FROM messages WHERE state = ? AND assigned_at < ?`, int(store.Assigned), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query unacknowledged messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) GetSubscriber(ctx context.Context, topic string, role store.Role) (store.Subscription, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id FROM subscriptions WHERE topic = ? AND role = ? ORDER BY client_id`,
		topic, int(role))
	if err != nil {
		return store.Subscription{}, false, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return store.Subscription{}, false, err
		}
		candidates = append(candidates, clientID)
	}
	if err := rows.Err(); err != nil {
		return store.Subscription{}, false, err
	}
	sort.Strings(candidates)

	chosen, ok := s.cursor.next(topic, role, candidates)
	if !ok {
		return store.Subscription{}, false, nil
	}
	return store.Subscription{Topic: topic, ClientID: chosen, Role: role}, true, nil
}

func (s *Store) AssignmentOperation(ctx context.Context, msg store.Message, sub store.Subscription, kind store.AssignmentKind, internal bool) error {
	switch kind {
	case store.AssignSubscription:
		var clientID sql.NullString
		var roleVal sql.NullInt64
		if sub.ClientID != "" {
			clientID = sql.NullString{String: sub.ClientID, Valid: true}
		}
		roleVal = sql.NullInt64{Int64: int64(sub.Role), Valid: true}

		_, err := s.db.ExecContext(ctx, `
			UPDATE messages SET state = ?, assigned_client = ?, assigned_role = ?, assigned_at = ?
			WHERE topic = ? AND id = ?`,
			int(store.Assigned), clientID, roleVal, time.Now().UnixNano(), msg.Topic, msg.ID)
		return err

	case store.RevokeAssignment:
		_, err := s.db.ExecContext(ctx, `
			UPDATE messages SET state = ?, assigned_client = NULL, assigned_role = NULL, assigned_at = NULL
			WHERE topic = ? AND id = ?`,
			int(store.Unassigned), msg.Topic, msg.ID)
		return err

	default:
		return fmt.Errorf("unsupported assignment kind %d", kind)
	}
}

// MarkDelivered transitions msg to Delivered. Not part of store.Store (the
// contract only has the engine remove delivered messages, it never
// delivers them — delivery is the client/transport's job) but the
// reference store needs a way for tests to simulate an ack.
func (s *Store) MarkDelivered(ctx context.Context, topic, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET state = ?, delivered = 1 WHERE topic = ? AND id = ?`,
		int(store.Delivered), topic, id)
	if err != nil {
		return err
	}
	s.notify(func(l store.Listener) { l.OnMessageDelivered(topic, id) })
	return nil
}

func (s *Store) GetDeliveredMessages(ctx context.Context) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, id, delivery, payload, metadata, published_at, expires_at, state,
		       assigned_client, assigned_role, assigned_at, delivered
		FROM messages WHERE state = ?`, int(store.Delivered))
	if err != nil {
		return nil, fmt.Errorf("query delivered messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) RemoveMessages(ctx context.Context, msgs []store.Message, reason store.RemoveReason) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM messages WHERE topic = ? AND id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare remove: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.Topic, m.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("remove message %s/%s (%s): %w", m.Topic, m.ID, reason, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetExpiredMessages(ctx context.Context) ([]store.Message, error) {
	now := time.Now().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, id, delivery, payload, metadata, published_at, expires_at, state,
		       assigned_client, assigned_role, assigned_at, delivered
		FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetEvictableMessages returns the oldest messages whose combined payload
// size is at least bytesWanted; the choice of which messages is left to
// the store's own policy, here oldest-first.
func (s *Store) GetEvictableMessages(ctx context.Context, bytesWanted int64) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, id, delivery, payload, metadata, published_at, expires_at, state,
		       assigned_client, assigned_role, assigned_at, delivered
		FROM messages ORDER BY published_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query evictable messages: %w", err)
	}
	defer rows.Close()

	all, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	var picked []store.Message
	var total int64
	for _, m := range all {
		if total >= bytesWanted {
			break
		}
		picked = append(picked, m)
		total += int64(len(m.Payload))
	}
	return picked, nil
}

// GetNotifiableClients returns the distinct subscriber client ids with at
// least one Assigned-or-Unassigned message pending on a topic they
// subscribe to. It does not track when a client was last notified, so the
// same clients are returned on every call while their messages stay pending.
func (s *Store) GetNotifiableClients(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT s.client_id
		FROM subscriptions s
		JOIN messages m ON m.topic = s.topic
		WHERE s.role = ? AND m.state IN (?, ?)`,
		int(store.RoleSubscriber), int(store.Unassigned), int(store.Assigned))
	if err != nil {
		return nil, fmt.Errorf("query notifiable clients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var clientID string
		if err := rows.Scan(&clientID); err != nil {
			return nil, err
		}
		out = append(out, clientID)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (store.Message, error) {
	var (
		msg           store.Message
		delivery      int
		state         int
		publishedAt   int64
		expiresAt     sql.NullInt64
		assignedCli   sql.NullString
		assignedRole  sql.NullInt64
		assignedAt    sql.NullInt64
		delivered     int
		metaBlob      []byte
	)
	if err := r.Scan(&msg.Topic, &msg.ID, &delivery, &msg.Payload, &metaBlob,
		&publishedAt, &expiresAt, &state, &assignedCli, &assignedRole, &assignedAt, &delivered); err != nil {
		return store.Message{}, err
	}

	msg.Delivery = store.DeliveryOption(delivery)
	msg.State = store.AssignmentState(state)
	msg.PublishedAt = time.Unix(0, publishedAt).UTC()
	msg.Delivered = delivered != 0

	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		msg.ExpiresAt = &t
	}
	if assignedCli.Valid {
		msg.AssignedTo = &store.Subscription{
			Topic:    msg.Topic,
			ClientID: assignedCli.String,
			Role:     store.Role(assignedRole.Int64),
		}
	}
	if assignedAt.Valid {
		msg.AssignedAt = time.Unix(0, assignedAt.Int64).UTC()
	}
	if len(metaBlob) > 0 {
		var meta map[string]string
		if err := sonic.Unmarshal(metaBlob, &meta); err == nil {
			msg.Metadata = meta
		}
	}
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
