package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "scrapeq.db" {
		t.Errorf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.Strategy != "fifo" {
		t.Errorf("expected default strategy fifo, got %q", cfg.Strategy)
	}
	if cfg.LeaseDuration != 5*time.Minute {
		t.Errorf("expected default lease 5m, got %v", cfg.LeaseDuration)
	}
	if !strings.HasPrefix(cfg.WorkerID, "worker-") {
		t.Errorf("expected a generated worker id, got %q", cfg.WorkerID)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCRAPEQ_DB", "/tmp/other.db")
	t.Setenv("WORKER_ID", "env-worker")
	t.Setenv("SCRAPEQ_STRATEGY", "priority")
	t.Setenv("SCRAPEQ_CAPABILITIES", "gpu, eu ,")
	t.Setenv("SCRAPEQ_LEASE_DURATION", "90s")
	t.Setenv("SCRAPEQ_AUTH_TOKEN", "sekrit")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Errorf("db path: got %q", cfg.DBPath)
	}
	if cfg.WorkerID != "env-worker" {
		t.Errorf("worker id: got %q", cfg.WorkerID)
	}
	if cfg.Strategy != "priority" {
		t.Errorf("strategy: got %q", cfg.Strategy)
	}
	if len(cfg.Capabilities) != 2 || cfg.Capabilities[0] != "gpu" || cfg.Capabilities[1] != "eu" {
		t.Errorf("capabilities: got %v", cfg.Capabilities)
	}
	if cfg.LeaseDuration != 90*time.Second {
		t.Errorf("lease: got %v", cfg.LeaseDuration)
	}
	if cfg.AuthToken != "sekrit" {
		t.Errorf("auth token: got %q", cfg.AuthToken)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("SCRAPEQ_POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected invalid duration to error")
	}
}

func TestLoadFileConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrapeq.yaml")
	content := `
db: /var/lib/scrapeq/queue.db
worker:
  worker_id: yaml-worker
  capabilities: [gpu, eu]
  strategy: wrandom
  lease_duration: 2m
beat:
  interval: 15s
http:
  addr: ":9090"
  auth_token: filetoken
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if cfg.DBPath != "/var/lib/scrapeq/queue.db" {
		t.Errorf("db path: got %q", cfg.DBPath)
	}
	if cfg.WorkerID != "yaml-worker" {
		t.Errorf("worker id: got %q", cfg.WorkerID)
	}
	if cfg.Strategy != "wrandom" {
		t.Errorf("strategy: got %q", cfg.Strategy)
	}
	if cfg.LeaseDuration != 2*time.Minute {
		t.Errorf("lease: got %v", cfg.LeaseDuration)
	}
	if cfg.BeatEvery != 15*time.Second {
		t.Errorf("beat interval: got %v", cfg.BeatEvery)
	}
	if cfg.HTTPAddr != ":9090" || cfg.AuthToken != "filetoken" {
		t.Errorf("http config: got %q %q", cfg.HTTPAddr, cfg.AuthToken)
	}
	// Unset file fields keep the prior value.
	if cfg.PollInterval != time.Second {
		t.Errorf("poll interval should be untouched, got %v", cfg.PollInterval)
	}
}

func TestLoadFileConfigTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrapeq.toml")
	content := `
db = "toml.db"

[worker]
strategy = "lifo"
poll_interval = "250ms"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fileCfg, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	cfg := &Config{}
	if err := ApplyFileConfig(cfg, fileCfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.DBPath != "toml.db" || cfg.Strategy != "lifo" || cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoadFileConfigErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "scrapeq.yaml")
	if err := os.WriteFile(bad, []byte("worker: ["), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFileConfig(bad); err == nil {
		t.Errorf("expected yaml parse error")
	}

	unknown := filepath.Join(dir, "scrapeq.ini")
	if err := os.WriteFile(unknown, []byte(""), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFileConfig(unknown); err == nil {
		t.Errorf("expected unsupported extension error")
	}

	if _, err := LoadFileConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("expected missing file error")
	}

	if fileCfg, err := LoadFileConfig(""); err != nil || fileCfg != nil {
		t.Errorf("empty path should be a no-op, got %v %v", fileCfg, err)
	}
}

func TestApplyFileConfigRejectsBadDuration(t *testing.T) {
	cfg := &Config{}
	fileCfg := &FileConfig{Worker: WorkerFileConfig{LeaseDuration: "whenever"}}
	if err := ApplyFileConfig(cfg, fileCfg); err == nil {
		t.Fatalf("expected invalid duration to error")
	}
}

func TestParseConfigFlag(t *testing.T) {
	tests := map[string]struct {
		args    []string
		want    string
		found   bool
		wantErr bool
	}{
		"separate value": {args: []string{"--config", "a.yaml"}, want: "a.yaml", found: true},
		"equals form":    {args: []string{"--config=b.toml"}, want: "b.toml", found: true},
		"single dash":    {args: []string{"-config", "c.yml"}, want: "c.yml", found: true},
		"absent":         {args: []string{"--db", "x.db"}},
		"missing value":  {args: []string{"--config"}, found: true, wantErr: true},
		"empty value":    {args: []string{"--config="}, found: true, wantErr: true},
	}
	for name, tc := range tests {
		path, found, err := parseConfigFlag(tc.args)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if found != tc.found || path != tc.want {
			t.Errorf("%s: got (%q, %v), want (%q, %v)", name, path, found, tc.want, tc.found)
		}
	}
}

func TestResolveConfigPathPrefersFlag(t *testing.T) {
	t.Setenv("SCRAPEQ_CONFIG", "env.yaml")
	path, err := ResolveConfigPath([]string{"--config", "flag.yaml"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != "flag.yaml" {
		t.Errorf("expected the flag to win, got %q", path)
	}

	path, err = ResolveConfigPath(nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != "env.yaml" {
		t.Errorf("expected the env fallback, got %q", path)
	}
}
