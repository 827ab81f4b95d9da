package store

import "database/sql"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	plan             TEXT NOT NULL,
	customer_id      TEXT NOT NULL,
	mechanic_id      TEXT,
	request_id       TEXT,
	status           TEXT NOT NULL,
	amount_cents     INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	scheduled_for    INTEGER,
	started_at       INTEGER,
	ended_at         INTEGER,
	waiver_signed_at INTEGER,
	reminder_sent_at INTEGER,
	ended_by         TEXT,
	auto_expired     INTEGER NOT NULL DEFAULT 0,
	planned_end_at   INTEGER
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_scheduled ON sessions(status, scheduled_for);

CREATE TABLE IF NOT EXISTS extensions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	minutes    INTEGER NOT NULL,
	granted_by TEXT NOT NULL,
	granted_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extensions_session ON extensions(session_id);

CREATE TABLE IF NOT EXISTS requests (
	id          TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	plan        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	session_id  TEXT,
	mechanic_id TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);

CREATE TABLE IF NOT EXISTS compensation_records (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL UNIQUE REFERENCES sessions(id),
	mechanic_id  TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_records (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL UNIQUE REFERENCES sessions(id),
	customer_id  TEXT NOT NULL,
	amount_cents INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
`

func initSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
