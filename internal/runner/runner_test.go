package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scrapeq/internal/config"
	"scrapeq/internal/events"
	"scrapeq/internal/queue"
	"scrapeq/internal/registry"
	"scrapeq/internal/results"
	"scrapeq/internal/sched"
)

func testConfig() *config.Config {
	return &config.Config{
		WorkerID:        "test-worker",
		PollInterval:    10 * time.Millisecond,
		LeaseDuration:   3 * time.Second,
		HeartbeatEvery:  time.Second,
		ReclaimEvery:    time.Second,
		WorkerDeadAfter: time.Minute,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   time.Minute,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQueue records completion calls so tests can assert on the engine's
// decisions without a database.
type fakeQueue struct {
	mu        sync.Mutex
	successes []int64
	failures  []fakeFailure
}

type fakeFailure struct {
	taskID    int64
	errMsg    string
	retry     bool
	notBefore int64
}

func (f *fakeQueue) Claim(ctx context.Context, req queue.ClaimRequest, strategy sched.Strategy) (*queue.Task, error) {
	return nil, queue.ErrNoTasks
}

func (f *fakeQueue) RenewLease(ctx context.Context, taskID int64, workerID string, lease time.Duration) error {
	return nil
}

func (f *fakeQueue) CompleteSuccess(ctx context.Context, taskID int64, workerID string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, taskID)
	return nil
}

func (f *fakeQueue) CompleteFailure(ctx context.Context, taskID int64, workerID string, errMsg string, retry bool, notBefore int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fakeFailure{taskID: taskID, errMsg: errMsg, retry: retry, notBefore: notBefore})
	return nil
}

func (f *fakeQueue) ReclaimExpired(ctx context.Context, deadWorkerCutoff int64) (int64, error) {
	return 0, nil
}

func (f *fakeQueue) UpsertWorker(ctx context.Context, workerID string, capabilities []string) error {
	return nil
}

func (f *fakeQueue) WorkerHeartbeat(ctx context.Context, workerID string) error { return nil }

func (f *fakeQueue) PruneWorkers(ctx context.Context, cutoff int64) (int64, error) { return 0, nil }

// testHandler runs an injected execute func under the type "test".
type testHandler struct {
	execute func(ctx context.Context, payload json.RawMessage) ([]results.Record, error)
}

func (h *testHandler) Descriptor() registry.Descriptor {
	return registry.Descriptor{Name: "test-handler", Type: "test", Version: "1.0.0"}
}

func (h *testHandler) Validate(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("payload not valid JSON")
	}
	return nil
}

func (h *testHandler) Execute(ctx context.Context, payload json.RawMessage) ([]results.Record, error) {
	return h.execute(ctx, payload)
}

func newTestRunner(t *testing.T, q Queue, execute func(ctx context.Context, payload json.RawMessage) ([]results.Record, error)) *Runner {
	t.Helper()
	reg := registry.New()
	handler := &testHandler{execute: execute}
	if err := reg.Register(handler.Descriptor(), func(registry.Deps) registry.Handler { return handler }); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	return New(testConfig(), q, reg, nil, sched.FIFO(), testLogger(), nil)
}

func processingTask(attempts, maxAttempts int) *queue.Task {
	return &queue.Task{
		ID:          1,
		Type:        "test",
		PayloadJSON: json.RawMessage(`{}`),
		Status:      queue.StatusProcessing,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

func TestExecuteTaskSuccess(t *testing.T) {
	fake := &fakeQueue{}
	r := newTestRunner(t, fake, func(context.Context, json.RawMessage) ([]results.Record, error) {
		return nil, nil
	})

	r.executeTask(context.Background(), processingTask(0, 3))

	if len(fake.successes) != 1 || fake.successes[0] != 1 {
		t.Fatalf("expected one success for task 1, got %v", fake.successes)
	}
	if len(fake.failures) != 0 {
		t.Errorf("expected no failures, got %v", fake.failures)
	}
}

func TestExecuteTaskFailureRequestsRetry(t *testing.T) {
	fake := &fakeQueue{}
	r := newTestRunner(t, fake, func(context.Context, json.RawMessage) ([]results.Record, error) {
		return nil, errors.New("upstream 503")
	})

	before := time.Now().UnixMilli()
	r.executeTask(context.Background(), processingTask(0, 3))

	if len(fake.failures) != 1 {
		t.Fatalf("expected one failure, got %v", fake.failures)
	}
	failure := fake.failures[0]
	if !failure.retry {
		t.Errorf("expected retry with attempts remaining")
	}
	if failure.errMsg != "upstream 503" {
		t.Errorf("expected handler error recorded, got %q", failure.errMsg)
	}
	// First retry waits at least the base delay.
	if failure.notBefore < before+time.Second.Milliseconds() {
		t.Errorf("expected backoff of at least 1s, notBefore=%d now=%d", failure.notBefore, before)
	}
}

func TestExecuteTaskFailureExhaustsBudget(t *testing.T) {
	fake := &fakeQueue{}
	r := newTestRunner(t, fake, func(context.Context, json.RawMessage) ([]results.Record, error) {
		return nil, errors.New("still broken")
	})

	// attempts+1 == max_attempts: this failure is the last one.
	r.executeTask(context.Background(), processingTask(2, 3))

	if len(fake.failures) != 1 {
		t.Fatalf("expected one failure, got %v", fake.failures)
	}
	if fake.failures[0].retry {
		t.Errorf("expected no retry once the budget is spent")
	}
}

func TestExecuteTaskContainsPanic(t *testing.T) {
	fake := &fakeQueue{}
	r := newTestRunner(t, fake, func(context.Context, json.RawMessage) ([]results.Record, error) {
		panic("handler bug")
	})

	r.executeTask(context.Background(), processingTask(0, 3))

	if len(fake.failures) != 1 {
		t.Fatalf("expected the panic to surface as a failure, got %v", fake.failures)
	}
	if fake.failures[0].errMsg == "" {
		t.Errorf("expected the panic message in the failure")
	}
}

func TestExecuteTaskRejectsInvalidPayload(t *testing.T) {
	fake := &fakeQueue{}
	executed := false
	r := newTestRunner(t, fake, func(context.Context, json.RawMessage) ([]results.Record, error) {
		executed = true
		return nil, nil
	})

	task := processingTask(0, 3)
	task.PayloadJSON = json.RawMessage(`{broken`)
	r.executeTask(context.Background(), task)

	if executed {
		t.Errorf("expected validation to stop execution")
	}
	if len(fake.failures) != 1 {
		t.Fatalf("expected a failure outcome, got %v", fake.failures)
	}
}

func TestExecuteTaskUnknownType(t *testing.T) {
	fake := &fakeQueue{}
	r := newTestRunner(t, fake, func(context.Context, json.RawMessage) ([]results.Record, error) {
		return nil, nil
	})

	task := processingTask(0, 1)
	task.Type = "unregistered"
	r.executeTask(context.Background(), task)

	if len(fake.failures) != 1 || fake.failures[0].retry {
		t.Fatalf("expected a terminal failure for an unknown type, got %v", fake.failures)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Second
	cfg.RetryMaxDelay = 10 * time.Second
	r := New(cfg, &fakeQueue{}, registry.New(), nil, sched.FIFO(), testLogger(), nil)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{20, 10 * time.Second},
	}
	for _, tc := range tests {
		if got := r.backoffDelay(tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

// TestClaimExecuteReportRoundTrip drives the engine against a real store:
// enqueue, claim, fail once with a retry, then succeed and persist a record.
func TestClaimExecuteReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	resultStore, err := results.New(store.DB())
	if err != nil {
		t.Fatalf("init results: %v", err)
	}

	attempts := 0
	reg := registry.New()
	handler := &testHandler{execute: func(ctx context.Context, payload json.RawMessage) ([]results.Record, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient upstream error")
		}
		return []results.Record{{
			Source:     "test",
			ExternalID: "item-1",
			Data:       json.RawMessage(`{"ok":true}`),
		}}, nil
	}}
	if err := reg.Register(handler.Descriptor(), func(registry.Deps) registry.Handler { return handler }); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := testConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = time.Millisecond
	broker := events.NewBroker(0)
	r := New(cfg, store, reg, resultStore, sched.FIFO(), testLogger(), broker)

	id, err := store.Enqueue(ctx, queue.EnqueueRequest{
		Type:           "test",
		Payload:        json.RawMessage(`{"url":"x"}`),
		IdempotencyKey: "roundtrip-1",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First cycle fails and requeues behind a tiny backoff.
	task, err := store.Claim(ctx, queue.ClaimRequest{WorkerID: cfg.WorkerID, Lease: cfg.LeaseDuration}, sched.FIFO())
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	r.executeTask(ctx, task)

	got, _ := store.GetTask(ctx, id)
	if got.Status != queue.StatusQueued {
		t.Fatalf("expected requeue after first failure, got %q", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}

	// Second cycle succeeds once the backoff has passed.
	time.Sleep(5 * time.Millisecond)
	task, err = store.Claim(ctx, queue.ClaimRequest{WorkerID: cfg.WorkerID, Lease: cfg.LeaseDuration}, sched.FIFO())
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	r.executeTask(ctx, task)

	got, _ = store.GetTask(ctx, id)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q (last_error %v)", got.Status, got.LastError)
	}

	rec, err := resultStore.Get(ctx, "test", "item-1")
	if err != nil {
		t.Fatalf("expected persisted record: %v", err)
	}
	if rec.TaskID != id {
		t.Errorf("expected record tagged with task %d, got %d", id, rec.TaskID)
	}

	// The lifecycle shows up on the event stream's replay buffer.
	_, cancel, snapshot := broker.Subscribe()
	cancel()
	kinds := map[string]bool{}
	for _, event := range snapshot {
		kinds[event.Kind] = true
	}
	if !kinds[events.KindRetried] || !kinds[events.KindCompleted] {
		t.Errorf("expected retried and completed events, got %v", kinds)
	}
}

var _ Queue = (*queue.Store)(nil)
