// Package queue is the durable store for tasks, workers and task logs, backed
// by a single SQLite file. All writes are transactional; claim transactions
// run in immediate mode so two claimants can never read the same eligible row
// before one of them commits.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

const busyTimeoutMillis = 5000

// Store owns the tasks, workers, task_logs and periodic_tasks tables. No
// other component touches their storage directly.
type Store struct {
	db *sql.DB
}

// Open opens (and creates, if needed) the queue database at path. The file
// must live on local, non-networked storage; cross-host file locking over
// network filesystems is unreliable for SQLite.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		url.PathEscape(path), busyTimeoutMillis,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite is single-writer; one connection serialises our own writers
	// instead of burning the busy timeout on self-contention.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.db.PingContext(ctx))
}

// DB exposes the underlying handle so sibling stores (results) can share the
// same database file and busy-timeout settings.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 50,
		payload_json TEXT NOT NULL DEFAULT '{}',
		constraints_json TEXT,
		region TEXT GENERATED ALWAYS AS (json_extract(payload_json, '$.region')) STORED,
		status TEXT NOT NULL DEFAULT 'QUEUED'
			CHECK (status IN ('QUEUED','PROCESSING','COMPLETED','FAILED','CANCELLED')),
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		not_before INTEGER NOT NULL DEFAULT 0,
		lease_expires_at INTEGER,
		claimed_by TEXT,
		result_json TEXT,
		last_error TEXT,
		idempotency_key TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idempotency_key
		ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_tasks_claim_order
		ON tasks(status, not_before, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_type_status ON tasks(type, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_region ON tasks(region);

	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		capabilities_json TEXT NOT NULL DEFAULT '[]',
		last_seen INTEGER NOT NULL,
		registered_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id),
		ts INTEGER NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		detail_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_task_logs_task_ts ON task_logs(task_id, ts);

	CREATE TABLE IF NOT EXISTS periodic_tasks (
		name TEXT PRIMARY KEY,
		cron_expr TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 50,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_run_at INTEGER,
		next_run_at INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return mapErr(err)
}
