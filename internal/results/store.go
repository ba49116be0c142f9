// Package results persists handler output with (source, external_id)
// deduplication. The dedup pair is what makes worker retries safe: a handler
// that partially succeeded before a crash simply overwrites nothing on the
// second run.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound reports a missing (source, external_id) pair.
var ErrNotFound = errors.New("result record not found")

// Record is one deduplicated unit of handler output. TaskID is kept for
// traceability only; deleting the task does not touch the record.
type Record struct {
	Source     string
	ExternalID string
	TaskID     int64
	Data       json.RawMessage
	CreatedAt  int64
}

type Store struct {
	db *sql.DB
}

// New prepares the result table on the given database handle. The handle is
// normally the queue store's, so both live in the same file.
func New(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS result_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			external_id TEXT NOT NULL,
			task_id INTEGER NOT NULL DEFAULT 0,
			record_json TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			UNIQUE (source, external_id)
		);
		CREATE INDEX IF NOT EXISTS idx_result_records_source_created
			ON result_records(source, created_at);
	`)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Save stores a record, or does nothing if the (source, external_id) pair is
// already present. Either way the stored row's id comes back; callers cannot
// tell the two cases apart, which is deliberate.
func (s *Store) Save(ctx context.Context, rec Record) (int64, error) {
	id, _, err := s.SaveInfo(ctx, rec)
	return id, err
}

// SaveInfo is Save for the rare caller that needs to know whether the row was
// newly inserted.
func (s *Store) SaveInfo(ctx context.Context, rec Record) (int64, bool, error) {
	data := rec.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO result_records (source, external_id, task_id, record_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source, external_id) DO NOTHING`,
		rec.Source, rec.ExternalID, rec.TaskID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected > 0 {
		id, err := res.LastInsertId()
		return id, true, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM result_records WHERE source = ? AND external_id = ?`,
		rec.Source, rec.ExternalID,
	).Scan(&id)
	return id, false, err
}

// Get returns the record for a (source, external_id) pair.
func (s *Store) Get(ctx context.Context, source, externalID string) (*Record, error) {
	var rec Record
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT source, external_id, task_id, record_json, created_at
		FROM result_records WHERE source = ? AND external_id = ?`,
		source, externalID,
	).Scan(&rec.Source, &rec.ExternalID, &rec.TaskID, &data, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

// Query returns a source's records inside the given time range (unix millis;
// zero bounds are open).
func (s *Store) Query(ctx context.Context, source string, since, until int64) ([]Record, error) {
	query := `
		SELECT source, external_id, task_id, record_json, created_at
		FROM result_records WHERE source = ?`
	args := []any{source}
	if since > 0 {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	if until > 0 {
		query += ` AND created_at <= ?`
		args = append(args, until)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var data string
		if err := rows.Scan(&rec.Source, &rec.ExternalID, &rec.TaskID, &data, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		records = append(records, rec)
	}
	return records, rows.Err()
}
