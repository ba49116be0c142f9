package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestShouldRedactKey(t *testing.T) {
	redacted := []string{
		"payload", "payload_json", "result_json", "record_json", "detail_json",
		"constraints_json", "headers", "body", "authorization",
		"auth_token", "API_KEY", "session_cookie", "db_password", "clientSecret",
	}
	for _, key := range redacted {
		if !shouldRedactKey(key) {
			t.Errorf("expected %q to be redacted", key)
		}
	}

	clear := []string{"", "task_id", "worker_id", "task_type", "error", "attempt", "url"}
	for _, key := range clear {
		if shouldRedactKey(key) {
			t.Errorf("expected %q to pass through", key)
		}
	}
}

func captureLog(t *testing.T, log func(logger *slog.Logger)) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(newRedactingHandler(slog.NewJSONHandler(&buf, nil)))
	log(logger)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestHandlerRedactsAttrs(t *testing.T) {
	entry := captureLog(t, func(logger *slog.Logger) {
		logger.Info("claimed", "task_id", 7, "payload_json", `{"password":"hunter2"}`)
	})
	if entry["task_id"] != float64(7) {
		t.Errorf("expected task_id untouched, got %v", entry["task_id"])
	}
	if entry["payload_json"] != redactedValue {
		t.Errorf("expected payload_json redacted, got %v", entry["payload_json"])
	}
	if strings.Contains(entry["payload_json"].(string), "hunter2") {
		t.Errorf("secret leaked into log output")
	}
}

func TestHandlerRedactsWithAttrs(t *testing.T) {
	entry := captureLog(t, func(logger *slog.Logger) {
		logger.With("api_key", "abc123").Info("request sent", "status", 200)
	})
	if entry["api_key"] != redactedValue {
		t.Errorf("expected api_key redacted, got %v", entry["api_key"])
	}
	if entry["status"] != float64(200) {
		t.Errorf("expected status untouched, got %v", entry["status"])
	}
}

func TestHandlerRedactsInsideGroups(t *testing.T) {
	entry := captureLog(t, func(logger *slog.Logger) {
		logger.Info("fetch done", slog.Group("request", "url", "http://x", "auth_token", "abc"))
	})
	group, ok := entry["request"].(map[string]any)
	if !ok {
		t.Fatalf("expected request group, got %v", entry["request"])
	}
	if group["url"] != "http://x" {
		t.Errorf("expected url untouched, got %v", group["url"])
	}
	if group["auth_token"] != redactedValue {
		t.Errorf("expected auth_token redacted, got %v", group["auth_token"])
	}
}

func TestInitAttachesWorkerID(t *testing.T) {
	logger := Init("worker-test-1")
	if logger == nil {
		t.Fatalf("expected a logger")
	}
	if slog.Default() != logger {
		t.Errorf("expected the process default to be replaced")
	}
}
