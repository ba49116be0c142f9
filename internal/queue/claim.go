package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"scrapeq/internal/sched"
)

// claimWindow bounds how many eligible rows a claim reads per page. Large
// enough for weighted-random to have a real population, small enough to keep
// the exclusive transaction short.
const claimWindow = 64

// ClaimRequest identifies the claiming worker and what it may run.
type ClaimRequest struct {
	WorkerID     string
	Capabilities []string
	// Types restricts claiming to task types the worker has handlers for.
	// Empty means any type.
	Types []string
	Lease time.Duration
}

// Claim atomically selects the next eligible task per the given strategy and
// transitions it to PROCESSING with a lease. The read and the update happen
// inside one immediate transaction, so concurrent claimants never receive the
// same task. Returns ErrNoTasks when nothing is eligible.
func (s *Store) Claim(ctx context.Context, req ClaimRequest, strategy sched.Strategy) (*Task, error) {
	now := nowMillis()
	leaseExpires := time.Now().Add(req.Lease).UnixMilli()
	workerCaps := normalizeTags(req.Capabilities)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	defer tx.Rollback()

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND not_before <= ?`
	args := []any{StatusQueued, now}
	if len(req.Types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(req.Types)-1) + `)`
		for _, t := range req.Types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY ` + strategy.OrderBy() + ` LIMIT ? OFFSET ?`

	// Page through the eligible rows: a window full of constraint-mismatched
	// tasks must not hide a compatible one further down the order.
	var window []*Task
	for offset := 0; len(window) == 0; offset += claimWindow {
		rows, err := tx.QueryContext(ctx, query, append(args, claimWindow, offset)...)
		if err != nil {
			return nil, mapErr(err)
		}
		scanned := 0
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			scanned++
			if !constraintsMatch(t.ConstraintsJSON, workerCaps) {
				continue
			}
			window = append(window, t)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, mapErr(err)
		}
		rows.Close()

		if len(window) == 0 && scanned < claimWindow {
			return nil, ErrNoTasks
		}
	}

	candidates := make([]sched.Candidate, len(window))
	for i, t := range window {
		candidates[i] = sched.Candidate{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt}
	}
	task := window[strategy.Pick(candidates)]

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, claimed_by = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusProcessing, req.WorkerID, leaseExpires, now, task.ID, StatusQueued,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost a race inside our own process; the next poll will retry.
		return nil, ErrNoTasks
	}

	if err := s.appendLog(ctx, tx, task.ID, LogLevelInfo, "claimed",
		json.RawMessage(fmt.Sprintf(`{"worker_id":%q,"attempt":%d}`, req.WorkerID, task.Attempts))); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}

	task.Status = StatusProcessing
	task.ClaimedBy = &req.WorkerID
	task.LeaseExpiresAt = &leaseExpires
	task.UpdatedAt = now
	return task, nil
}

// RenewLease extends a claimant's lease. The claimed_by guard fences out a
// worker whose task was reclaimed while it was still running.
func (s *Store) RenewLease(ctx context.Context, taskID int64, workerID string, lease time.Duration) error {
	newExpiry := time.Now().Add(lease).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		newExpiry, nowMillis(), taskID, workerID, StatusProcessing,
	)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("lease lost for task %d", taskID)
	}
	return nil
}

// CompleteSuccess finalises a processing task. The claimed_by guard makes the
// update a no-op for a worker that lost its lease in the meantime.
func (s *Store) CompleteSuccess(ctx context.Context, taskID int64, workerID string, result json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	var resultArg any
	if len(result) > 0 {
		resultArg = string(result)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result_json = ?, last_error = NULL,
		    lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND status = ?`,
		StatusCompleted, resultArg, nowMillis(), taskID, workerID, StatusProcessing,
	)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("fencing failure or task not processing")
	}
	if err := s.appendLog(ctx, tx, taskID, LogLevelInfo, "completed", nil); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

// CompleteFailure records a handler failure. With attempts remaining the task
// returns to QUEUED behind a backoff delay; otherwise it is FAILED for good.
// The attempt counter only moves here: claims and lease reclaims never touch
// it, which keeps infrastructure failure distinct from handler failure.
func (s *Store) CompleteFailure(ctx context.Context, taskID int64, workerID string, errMsg string, retry bool, notBefore int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	errMsg = truncateString(errMsg, maxLastErrorLen)
	now := nowMillis()

	var res interface {
		RowsAffected() (int64, error)
	}
	if retry {
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, attempts = attempts + 1, not_before = ?,
			    last_error = ?, claimed_by = NULL, lease_expires_at = NULL,
			    updated_at = ?
			WHERE id = ? AND claimed_by = ? AND status = ?`,
			StatusQueued, notBefore, errMsg, now, taskID, workerID, StatusProcessing,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, attempts = attempts + 1, last_error = ?,
			    claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND claimed_by = ? AND status = ?`,
			StatusFailed, errMsg, now, taskID, workerID, StatusProcessing,
		)
	}
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("fencing failure or task not processing")
	}

	message := "failed"
	level := LogLevelError
	if retry {
		message = "retried"
		level = LogLevelWarn
	}
	detail, _ := json.Marshal(map[string]any{"error": errMsg, "retry": retry})
	if err := s.appendLog(ctx, tx, taskID, level, message, detail); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

// ReclaimExpired returns processing tasks to the pool when their lease has
// passed, or when the claiming worker stopped heartbeating before
// deadWorkerCutoff (unix millis; zero disables the secondary check). Attempts
// are left unchanged: the original execution is presumed incomplete, not
// failed.
func (s *Store) ReclaimExpired(ctx context.Context, deadWorkerCutoff int64) (int64, error) {
	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(err)
	}
	defer tx.Rollback()

	query := `SELECT id FROM tasks WHERE status = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?`
	args := []any{StatusProcessing, now}
	if deadWorkerCutoff > 0 {
		query += ` OR claimed_by IN (SELECT worker_id FROM workers WHERE last_seen < ?)`
		args = append(args, deadWorkerCutoff)
	}
	query += `)`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, mapErr(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusQueued, now, id, StatusProcessing,
		); err != nil {
			return 0, mapErr(err)
		}
		if err := s.appendLog(ctx, tx, id, LogLevelWarn, "lease expired, requeued", nil); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, mapErr(err)
	}
	return int64(len(ids)), nil
}

// taskConstraints is the shape of a task's compatibility constraint document.
type taskConstraints struct {
	Requires []string `json:"requires"`
}

// constraintsMatch reports whether a worker's declared capabilities satisfy a
// task's constraint document. No constraints means any worker may run it.
func constraintsMatch(constraintsJSON json.RawMessage, workerCaps []string) bool {
	if len(constraintsJSON) == 0 {
		return true
	}
	var c taskConstraints
	if err := json.Unmarshal(constraintsJSON, &c); err != nil {
		return false
	}
	required := normalizeTags(c.Requires)
	for _, tag := range required {
		if !hasTag(workerCaps, tag) {
			return false
		}
	}
	return true
}

func normalizeTags(input []string) []string {
	out := make([]string, 0, len(input))
	seen := map[string]struct{}{}
	for _, tag := range input {
		t := strings.TrimSpace(strings.ToLower(tag))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func hasTag(tags []string, target string) bool {
	for _, t := range tags {
		if t == target {
			return true
		}
	}
	return false
}

const maxLastErrorLen = 1024

func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	return value[:maxLen]
}
