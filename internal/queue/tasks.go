package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

// EnqueueRequest carries everything a producer may set on a new task.
type EnqueueRequest struct {
	Type           string
	Payload        json.RawMessage
	Priority       int
	Constraints    json.RawMessage
	NotBefore      int64
	IdempotencyKey string
	MaxAttempts    int
}

// Enqueue inserts a new queued task and returns its id. A duplicate
// idempotency key returns the existing task's id without inserting a second
// row or producing any other side effect.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if strings.TrimSpace(req.Type) == "" {
		return 0, validationErr("type", "required")
	}
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return 0, validationErr("priority", "out of supported range")
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return 0, validationErr("payload", "not well-formed JSON")
	}
	var constraints any
	if len(req.Constraints) > 0 {
		if !json.Valid(req.Constraints) {
			return 0, validationErr("constraints", "not well-formed JSON")
		}
		constraints = string(req.Constraints)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var key any
	if req.IdempotencyKey != "" {
		key = req.IdempotencyKey
	}
	now := nowMillis()
	notBefore := req.NotBefore
	if notBefore <= 0 {
		notBefore = now
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (type, priority, payload_json, constraints_json, status,
		                   max_attempts, not_before, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		req.Type, req.Priority, string(payload), constraints, StatusQueued,
		maxAttempts, notBefore, key, now, now,
	)
	if err != nil {
		return 0, mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		// Duplicate idempotency key: hand back the task it already created.
		var existing int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM tasks WHERE idempotency_key = ?`, req.IdempotencyKey,
		).Scan(&existing)
		if err != nil {
			return 0, mapErr(err)
		}
		return existing, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

const taskColumns = `id, type, priority, payload_json, constraints_json, region, status,
	attempts, max_attempts, not_before, lease_expires_at, claimed_by,
	result_json, last_error, idempotency_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var payload string
	var constraints, result sql.NullString
	var region, claimedBy, lastError, idemKey sql.NullString
	var lease sql.NullInt64
	err := row.Scan(
		&t.ID, &t.Type, &t.Priority, &payload, &constraints, &region, &t.Status,
		&t.Attempts, &t.MaxAttempts, &t.NotBefore, &lease, &claimedBy,
		&result, &lastError, &idemKey, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.PayloadJSON = json.RawMessage(payload)
	if constraints.Valid {
		t.ConstraintsJSON = json.RawMessage(constraints.String)
	}
	if result.Valid {
		t.ResultJSON = json.RawMessage(result.String)
	}
	if region.Valid {
		t.Region = &region.String
	}
	if claimedBy.Valid {
		t.ClaimedBy = &claimedBy.String
	}
	if lastError.Valid {
		t.LastError = &lastError.String
	}
	if idemKey.Valid {
		t.IdempotencyKey = &idemKey.String
	}
	if lease.Valid {
		t.LeaseExpiresAt = &lease.Int64
	}
	return &t, nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Region matches the column derived from the
// payload's $.region path at write time, so the lookup stays indexed.
type TaskFilter struct {
	Type   string
	Status TaskStatus
	Region string
	Limit  int
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var clauses []string
	var args []any
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Region != "" {
		clauses = append(clauses, "region = ?")
		args = append(args, filter.Region)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Cancel marks a queued task cancelled. Tasks already claimed or terminal are
// refused; a running handler is never interrupted, its lease simply expires.
func (s *Store) Cancel(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusCancelled, nowMillis(), taskID, StatusQueued,
	)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return s.appendLog(ctx, s.db, taskID, LogLevelInfo, "cancelled", nil)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendLog writes one audit-trail entry. Entries are immutable once written.
func (s *Store) AppendLog(ctx context.Context, taskID int64, level, message string, detail json.RawMessage) error {
	return s.appendLog(ctx, s.db, taskID, level, message, detail)
}

func (s *Store) appendLog(ctx context.Context, ex execer, taskID int64, level, message string, detail json.RawMessage) error {
	var detailArg any
	if len(detail) > 0 {
		detailArg = string(detail)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, ts, level, message, detail_json)
		VALUES (?, ?, ?, ?, ?)`,
		taskID, nowMillis(), level, message, detailArg,
	)
	return mapErr(err)
}

// Logs returns a task's audit trail ordered by timestamp.
func (s *Store) Logs(ctx context.Context, taskID int64) ([]TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, ts, level, message, detail_json
		FROM task_logs WHERE task_id = ? ORDER BY ts ASC, id ASC`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var logs []TaskLog
	for rows.Next() {
		var entry TaskLog
		var detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Timestamp, &entry.Level, &entry.Message, &detail); err != nil {
			return nil, err
		}
		if detail.Valid {
			entry.DetailJSON = json.RawMessage(detail.String)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
