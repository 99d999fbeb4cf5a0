package sqlitestore

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	topic         TEXT NOT NULL,
	client_id     TEXT NOT NULL,
	role          INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	PRIMARY KEY (topic, client_id, role)
);

CREATE TABLE IF NOT EXISTS messages (
	topic             TEXT NOT NULL,
	id                TEXT NOT NULL,
	delivery          INTEGER NOT NULL,
	payload           BLOB,
	metadata          BLOB,
	published_at      INTEGER NOT NULL,
	expires_at        INTEGER,
	state             INTEGER NOT NULL,
	assigned_client   TEXT,
	assigned_role     INTEGER,
	assigned_at       INTEGER,
	delivered         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (topic, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state);
CREATE INDEX IF NOT EXISTS idx_subscriptions_activity ON subscriptions(last_activity);
`
