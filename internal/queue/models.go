package queue

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "QUEUED"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether a status is never mutated again by the engine.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is the unit of work. Timestamps are unix milliseconds.
type Task struct {
	ID              int64           `db:"id"`
	Type            string          `db:"type"`
	Priority        int             `db:"priority"`
	PayloadJSON     json.RawMessage `db:"payload_json"`
	ConstraintsJSON json.RawMessage `db:"constraints_json"`
	Region          *string         `db:"region"`
	Status          TaskStatus      `db:"status"`
	Attempts        int             `db:"attempts"`
	MaxAttempts     int             `db:"max_attempts"`
	NotBefore       int64           `db:"not_before"`
	LeaseExpiresAt  *int64          `db:"lease_expires_at"`
	ClaimedBy       *string         `db:"claimed_by"`
	ResultJSON      json.RawMessage `db:"result_json"`
	LastError       *string         `db:"last_error"`
	IdempotencyKey  *string         `db:"idempotency_key"`
	CreatedAt       int64           `db:"created_at"`
	UpdatedAt       int64           `db:"updated_at"`
}

// Worker is a registered executor identity.
type Worker struct {
	WorkerID     string   `db:"worker_id"`
	Capabilities []string `db:"capabilities_json"`
	LastSeen     int64    `db:"last_seen"`
	RegisteredAt int64    `db:"registered_at"`
}

// TaskLog is one row of the append-only execution audit trail.
type TaskLog struct {
	ID         int64           `db:"id"`
	TaskID     int64           `db:"task_id"`
	Timestamp  int64           `db:"ts"`
	Level      string          `db:"level"`
	Message    string          `db:"message"`
	DetailJSON json.RawMessage `db:"detail_json"`
}

const (
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
)

const (
	// MinPriority is the most urgent supported priority.
	MinPriority = 0
	// MaxPriority is the least urgent supported priority.
	MaxPriority = 100
	// DefaultPriority is used when the producer does not care.
	DefaultPriority = 50
)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
