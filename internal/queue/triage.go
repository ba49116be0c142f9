package queue

import (
	"context"
)

// FailedTaskSummary is the triage listing row for a task whose attempts are
// exhausted.
type FailedTaskSummary struct {
	ID          int64
	Type        string
	Attempts    int
	MaxAttempts int
	LastError   *string
	UpdatedAt   int64
}

// ListFailedTasks returns recently failed tasks, newest first.
func (s *Store) ListFailedTasks(ctx context.Context, limit int, taskType string) ([]FailedTaskSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, type, attempts, max_attempts, last_error, updated_at
		FROM tasks WHERE status = ?`
	args := []any{StatusFailed}
	if taskType != "" {
		query += ` AND type = ?`
		args = append(args, taskType)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var items []FailedTaskSummary
	for rows.Next() {
		var item FailedTaskSummary
		if err := rows.Scan(&item.ID, &item.Type, &item.Attempts, &item.MaxAttempts,
			&item.LastError, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RetryFailedTask resets one failed task to QUEUED with a fresh attempt
// budget. Returns the number of rows moved (0 or 1).
func (s *Store) RetryFailedTask(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempts = 0, not_before = ?, last_error = NULL,
		    result_json = NULL, claimed_by = NULL, lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusQueued, nowMillis(), nowMillis(), taskID, StatusFailed,
	)
	if err != nil {
		return 0, mapErr(err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		if err := s.appendLog(ctx, s.db, taskID, LogLevelInfo, "manually requeued", nil); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// RetryAllFailedTasks resets every failed task to QUEUED.
func (s *Store) RetryAllFailedTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempts = 0, not_before = ?, last_error = NULL,
		    result_json = NULL, claimed_by = NULL, lease_expires_at = NULL,
		    updated_at = ?
		WHERE status = ?`,
		StatusQueued, nowMillis(), nowMillis(), StatusFailed,
	)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

// StatusCounts returns the number of tasks per status, for the metrics
// collector and CLI.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	counts := map[TaskStatus]int64{}
	for rows.Next() {
		var status TaskStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
