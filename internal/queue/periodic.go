package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// PeriodicTask is a cron-scheduled template that the beat loop turns into
// regular queued tasks when due.
type PeriodicTask struct {
	Name        string          `db:"name"`
	CronExpr    string          `db:"cron_expr"`
	Type        string          `db:"type"`
	PayloadJSON json.RawMessage `db:"payload_json"`
	Priority    int             `db:"priority"`
	MaxAttempts int             `db:"max_attempts"`
	LastRunAt   *int64          `db:"last_run_at"`
	NextRunAt   int64           `db:"next_run_at"`
	Enabled     bool            `db:"enabled"`
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// UpsertPeriodicTask creates or replaces a periodic task and computes its
// next fire time from the cron expression.
func (s *Store) UpsertPeriodicTask(ctx context.Context, t PeriodicTask) error {
	sched, err := cronParser().Parse(t.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return validationErr("priority", "out of supported range")
	}
	payload := t.PayloadJSON
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return validationErr("payload", "not well-formed JSON")
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	nextRun := sched.Next(time.Now()).UnixMilli()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periodic_tasks (name, cron_expr, type, payload_json, priority,
		                            max_attempts, next_run_at, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			type = excluded.type,
			payload_json = excluded.payload_json,
			priority = excluded.priority,
			max_attempts = excluded.max_attempts,
			next_run_at = excluded.next_run_at,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		t.Name, t.CronExpr, t.Type, string(payload), t.Priority,
		maxAttempts, nextRun, boolToInt(t.Enabled), nowMillis(),
	)
	return mapErr(err)
}

// EnqueueDuePeriodicTasks enqueues every enabled periodic task whose fire
// time has passed and advances its schedule. The generated idempotency key
// (name + scheduled time) keeps a double-firing beat from inserting twice.
func (s *Store) EnqueueDuePeriodicTasks(ctx context.Context) (int, error) {
	now := nowMillis()
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, cron_expr, type, payload_json, priority, max_attempts, next_run_at
		FROM periodic_tasks
		WHERE enabled = 1 AND next_run_at <= ?`, now)
	if err != nil {
		return 0, mapErr(err)
	}
	var due []PeriodicTask
	for rows.Next() {
		var t PeriodicTask
		var payload string
		if err := rows.Scan(&t.Name, &t.CronExpr, &t.Type, &payload, &t.Priority, &t.MaxAttempts, &t.NextRunAt); err != nil {
			rows.Close()
			return 0, err
		}
		t.PayloadJSON = json.RawMessage(payload)
		due = append(due, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	parser := cronParser()
	for _, t := range due {
		key := fmt.Sprintf("periodic:%s:%d", t.Name, t.NextRunAt)
		if _, err := s.Enqueue(ctx, EnqueueRequest{
			Type:           t.Type,
			Payload:        t.PayloadJSON,
			Priority:       t.Priority,
			MaxAttempts:    t.MaxAttempts,
			IdempotencyKey: key,
		}); err != nil {
			return 0, fmt.Errorf("enqueue periodic task %s: %w", t.Name, err)
		}

		sched, err := parser.Parse(t.CronExpr)
		if err != nil {
			return 0, fmt.Errorf("invalid cron expr for %s: %w", t.Name, err)
		}
		nextRun := sched.Next(time.Now()).UnixMilli()
		if _, err := s.db.ExecContext(ctx, `
			UPDATE periodic_tasks
			SET last_run_at = ?, next_run_at = ?, updated_at = ?
			WHERE name = ?`,
			t.NextRunAt, nextRun, nowMillis(), t.Name,
		); err != nil {
			return 0, mapErr(err)
		}
	}
	return len(due), nil
}

// ListPeriodicTasks returns all periodic task templates.
func (s *Store) ListPeriodicTasks(ctx context.Context) ([]PeriodicTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, cron_expr, type, payload_json, priority, max_attempts,
		       last_run_at, next_run_at, enabled
		FROM periodic_tasks ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var items []PeriodicTask
	for rows.Next() {
		var t PeriodicTask
		var payload string
		var lastRun sql.NullInt64
		var enabled int
		if err := rows.Scan(&t.Name, &t.CronExpr, &t.Type, &payload, &t.Priority,
			&t.MaxAttempts, &lastRun, &t.NextRunAt, &enabled); err != nil {
			return nil, err
		}
		t.PayloadJSON = json.RawMessage(payload)
		if lastRun.Valid {
			t.LastRunAt = &lastRun.Int64
		}
		t.Enabled = enabled == 1
		items = append(items, t)
	}
	return items, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
