// Package index is the SQLite-backed archive store: domain entities of every
// published ingestion run plus a full-text index over event text.
//
// Rows are written under a run id and only become visible once the run is
// published, which flips the export's active run in a single transaction.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// migrations are applied in order and never edited once released; new schema
// changes append a new entry.
var migrations = []string{
	// 1: core entities, runs and staging.
	`
CREATE TABLE IF NOT EXISTS exports (
	id           TEXT PRIMARY KEY,
	source_paths TEXT NOT NULL DEFAULT '[]',
	source_kind  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER,
	status       TEXT NOT NULL DEFAULT '',
	markers      TEXT NOT NULL DEFAULT '[]',
	fingerprint  TEXT NOT NULL DEFAULT '',
	active_run   TEXT,
	ingested_at  INTEGER
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	export_id   TEXT NOT NULL,
	state       TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	result      TEXT,
	report      TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_export ON runs(export_id, started_at);

CREATE TABLE IF NOT EXISTS staged_observations (
	seq    INTEGER PRIMARY KEY,
	run_id TEXT NOT NULL,
	hint   TEXT NOT NULL,
	data   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staged_run_hint ON staged_observations(run_id, hint, seq);

CREATE TABLE IF NOT EXISTS persons (
	run_id       TEXT NOT NULL,
	username     TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, username)
);

CREATE TABLE IF NOT EXISTS conversations (
	run_id        TEXT NOT NULL,
	id            TEXT NOT NULL,
	export_id     TEXT NOT NULL,
	key           TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	participants  TEXT NOT NULL DEFAULT '[]',
	message_count INTEGER NOT NULL DEFAULT 0,
	last_event_at INTEGER,
	has_media     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, id)
);

CREATE TABLE IF NOT EXISTS events (
	run_id          TEXT NOT NULL,
	id              TEXT NOT NULL,
	export_id       TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	ts              INTEGER,
	sort_ts         INTEGER NOT NULL,
	ordinal         INTEGER NOT NULL,
	kind            TEXT NOT NULL,
	sender          TEXT NOT NULL DEFAULT '',
	sender_name     TEXT NOT NULL DEFAULT '',
	text            TEXT NOT NULL DEFAULT '',
	media           TEXT NOT NULL DEFAULT '[]',
	metadata        TEXT NOT NULL DEFAULT '{}',
	has_media       INTEGER NOT NULL DEFAULT 0,
	missing_media   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, id)
);
CREATE INDEX IF NOT EXISTS idx_events_conv ON events(run_id, conversation_id, sort_ts, ordinal, id);

CREATE TABLE IF NOT EXISTS event_media (
	run_id          TEXT NOT NULL,
	item_key        TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	path            TEXT NOT NULL,
	media_type      TEXT NOT NULL,
	kind            TEXT NOT NULL,
	ts              INTEGER,
	sort_ts         INTEGER NOT NULL,
	ordinal         INTEGER NOT NULL,
	PRIMARY KEY (run_id, item_key)
);
CREATE INDEX IF NOT EXISTS idx_event_media_order ON event_media(run_id, sort_ts, ordinal, item_key);

CREATE VIEW IF NOT EXISTS visible_events AS
	SELECT e.* FROM events e JOIN exports x ON x.active_run = e.run_id;
CREATE VIEW IF NOT EXISTS visible_conversations AS
	SELECT c.* FROM conversations c JOIN exports x ON x.active_run = c.run_id;
CREATE VIEW IF NOT EXISTS visible_media AS
	SELECT m.* FROM event_media m JOIN exports x ON x.active_run = m.run_id;
CREATE VIEW IF NOT EXISTS visible_persons AS
	SELECT p.* FROM persons p JOIN exports x ON x.active_run = p.run_id;
`,
}

// runTables hold rows scoped to a run id.
var runTables = []string{"events", "event_media", "conversations", "persons", "staged_observations"}

// DB wraps a sql.DB with archive operations.
type DB struct {
	conn *sql.DB
	// SQLite serialises writers anyway; holding this avoids BUSY errors when
	// a deferred transaction upgrades to a write lock.
	writeMu sync.Mutex
}

// Open opens (or creates) the SQLite database and migrates it forward.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply fts schema: %w", err)
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("index: create schema_migrations: %w", err)
	}
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for v := current + 1; v <= len(migrations); v++ {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("index: begin migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v-1]); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("index: apply migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, v); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("index: record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("index: commit migration %d: %w", v, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("index: schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
