package queue

import (
	"context"
	"encoding/json"
)

// UpsertWorker registers a worker or refreshes its registration. Capabilities
// are normalized so constraint matching is case-insensitive.
func (s *Store) UpsertWorker(ctx context.Context, workerID string, capabilities []string) error {
	capsJSON, err := json.Marshal(normalizeTags(capabilities))
	if err != nil {
		return err
	}
	now := nowMillis()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, capabilities_json, last_seen, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			capabilities_json = excluded.capabilities_json,
			last_seen = excluded.last_seen`,
		workerID, string(capsJSON), now, now,
	)
	return mapErr(err)
}

// WorkerHeartbeat refreshes a worker's liveness timestamp.
func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_seen = ? WHERE worker_id = ?`,
		nowMillis(), workerID,
	)
	return mapErr(err)
}

// ListWorkers returns all registered workers, oldest heartbeat last.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, capabilities_json, last_seen, registered_at
		FROM workers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var w Worker
		var capsJSON string
		if err := rows.Scan(&w.WorkerID, &capsJSON, &w.LastSeen, &w.RegisteredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(capsJSON), &w.Capabilities); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// PruneWorkers deletes registrations whose last heartbeat is older than
// cutoff (unix millis). Their claimed tasks, if any, are handled by the
// reaper's dead-worker check, not here.
func (s *Store) PruneWorkers(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workers WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}
