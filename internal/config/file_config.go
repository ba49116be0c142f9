package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"scrapeq.yaml",
	"scrapeq.yml",
	"scrapeq.toml",
	".scrapeq.yaml",
	".scrapeq.yml",
	".scrapeq.toml",
}

// FileConfig is the on-disk configuration shape. Durations are strings in Go
// duration syntax so the same file parses as YAML or TOML.
type FileConfig struct {
	DB     string           `yaml:"db" toml:"db"`
	Worker WorkerFileConfig `yaml:"worker" toml:"worker"`
	Beat   BeatFileConfig   `yaml:"beat" toml:"beat"`
	HTTP   HTTPFileConfig   `yaml:"http" toml:"http"`
}

type WorkerFileConfig struct {
	WorkerID        string   `yaml:"worker_id" toml:"worker_id"`
	Capabilities    []string `yaml:"capabilities" toml:"capabilities"`
	Strategy        string   `yaml:"strategy" toml:"strategy"`
	PollInterval    string   `yaml:"poll_interval" toml:"poll_interval"`
	LeaseDuration   string   `yaml:"lease_duration" toml:"lease_duration"`
	Heartbeat       string   `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ReclaimInterval string   `yaml:"reclaim_interval" toml:"reclaim_interval"`
	WorkerDeadAfter string   `yaml:"worker_dead_after" toml:"worker_dead_after"`
	RetryBaseDelay  string   `yaml:"retry_base_delay" toml:"retry_base_delay"`
	RetryMaxDelay   string   `yaml:"retry_max_delay" toml:"retry_max_delay"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type BeatFileConfig struct {
	Interval string `yaml:"interval" toml:"interval"`
}

type HTTPFileConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
}

// ResolveConfigPath finds the config file: --config flag, then
// SCRAPEQ_CONFIG, then well-known filenames in the working directory.
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("SCRAPEQ_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

// ApplyFileConfig overlays file settings onto an already-loaded Config.
func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DB != "" {
		cfg.DBPath = fileCfg.DB
	}
	if fileCfg.Worker.WorkerID != "" {
		cfg.WorkerID = fileCfg.Worker.WorkerID
	}
	if len(fileCfg.Worker.Capabilities) > 0 {
		cfg.Capabilities = append([]string{}, fileCfg.Worker.Capabilities...)
	}
	if fileCfg.Worker.Strategy != "" {
		cfg.Strategy = fileCfg.Worker.Strategy
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"worker.poll_interval", fileCfg.Worker.PollInterval, &cfg.PollInterval},
		{"worker.lease_duration", fileCfg.Worker.LeaseDuration, &cfg.LeaseDuration},
		{"worker.heartbeat_interval", fileCfg.Worker.Heartbeat, &cfg.HeartbeatEvery},
		{"worker.reclaim_interval", fileCfg.Worker.ReclaimInterval, &cfg.ReclaimEvery},
		{"worker.worker_dead_after", fileCfg.Worker.WorkerDeadAfter, &cfg.WorkerDeadAfter},
		{"worker.retry_base_delay", fileCfg.Worker.RetryBaseDelay, &cfg.RetryBaseDelay},
		{"worker.retry_max_delay", fileCfg.Worker.RetryMaxDelay, &cfg.RetryMaxDelay},
		{"worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"beat.interval", fileCfg.Beat.Interval, &cfg.BeatEvery},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}

	if fileCfg.HTTP.Addr != "" {
		cfg.HTTPAddr = fileCfg.HTTP.Addr
	}
	if fileCfg.HTTP.AuthToken != "" {
		cfg.AuthToken = fileCfg.HTTP.AuthToken
	}
	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
