// Package store is the durable relational State Store: a sqlite-backed map
// of sessionId -> SessionRecord and sessionId -> BrowserState, plus the
// supporting tables this subsystem owns. modernc.org/sqlite is a pure-Go
// driver, so the orchestrator stays cgo-free end to end.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
)

// schema is embedded as one literal, applied idempotently on boot.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	pool_size INTEGER NOT NULL DEFAULT 0,
	container_definitions TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT,
	status TEXT NOT NULL,
	agent_session_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS session_containers (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	container_id TEXT NOT NULL,
	runtime_id TEXT,
	status TEXT NOT NULL,
	hostname TEXT NOT NULL,
	error_message TEXT,
	UNIQUE(session_id, container_id)
);
CREATE INDEX IF NOT EXISTS idx_containers_session ON session_containers(session_id);
CREATE INDEX IF NOT EXISTS idx_containers_runtime ON session_containers(runtime_id);

CREATE TABLE IF NOT EXISTS container_ports (
	container_id TEXT NOT NULL,
	port INTEGER NOT NULL,
	protocol TEXT NOT NULL DEFAULT 'tcp',
	PRIMARY KEY (container_id, port)
);

CREATE TABLE IF NOT EXISTS port_reservations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	port INTEGER NOT NULL,
	kind TEXT NOT NULL,
	reserved_at TEXT NOT NULL,
	expires_at TEXT,
	UNIQUE(port, kind)
);
CREATE INDEX IF NOT EXISTS idx_ports_session ON port_reservations(session_id);

CREATE TABLE IF NOT EXISTS volumes (
	name TEXT PRIMARY KEY,
	session_id TEXT,
	kind TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_used_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_events (
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS browser_sessions (
	session_id TEXT PRIMARY KEY,
	desired TEXT NOT NULL,
	actual TEXT NOT NULL,
	stream_port INTEGER,
	last_url TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	last_heartbeat_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orchestration_requests (
	id TEXT PRIMARY KEY,
	channel_id TEXT,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	resolved_project_id TEXT,
	resolved_session_id TEXT,
	model_id TEXT,
	error_message TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS github_settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	configured INTEGER NOT NULL DEFAULT 0,
	settings_json TEXT NOT NULL DEFAULT '{}'
);
`

// Store wraps the sqlite connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and applies
// the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single shared-cache connection avoids SQLITE_BUSY under the
	// orchestrator's concurrent reconciler/monitor/API writers; writes are
	// short and mutex-guarded one level up by each caller.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("state store opened", zap.String("dsn", dsn))
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for components needing raw access (migrations, tests).
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
