package queue

import (
	"errors"
	"fmt"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	// ErrNoTasks is the normal idle condition: nothing eligible to claim.
	ErrNoTasks = errors.New("no tasks available")
	// ErrNotFound reports a task id that does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrStoreBusy reports lock contention that outlasted the busy timeout.
	// Callers should treat it as retryable.
	ErrStoreBusy = errors.New("store busy")
	// ErrNotCancellable reports a cancel attempt on a task that already left
	// the queued state.
	ErrNotCancellable = errors.New("task is not in a cancellable state")
)

// ValidationError rejects a malformed enqueue before anything is persisted.
// It is never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// mapErr converts driver-level lock contention into ErrStoreBusy and leaves
// everything else untouched.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrStoreBusy, err)
		}
	}
	return err
}
