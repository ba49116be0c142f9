package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config is the fully-resolved worker configuration: defaults, then .env,
// then environment, then config file, then flags.
type Config struct {
	DBPath          string
	WorkerID        string
	Capabilities    []string
	Strategy        string
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	HeartbeatEvery  time.Duration
	ReclaimEvery    time.Duration
	WorkerDeadAfter time.Duration
	BeatEvery       time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ShutdownTimeout time.Duration
	HTTPAddr        string
	AuthToken       string
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DBPath, "db", c.DBPath, "Path to the queue database file")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.StringVar(&c.Strategy, "strategy", c.Strategy, "Scheduling strategy (fifo|lifo|priority|wrandom)")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval to poll for tasks")
	fs.DurationVar(&c.LeaseDuration, "lease-duration", c.LeaseDuration, "Task lease duration")
	fs.DurationVar(&c.HeartbeatEvery, "heartbeat-interval", c.HeartbeatEvery, "Worker heartbeat cadence")
	fs.DurationVar(&c.ReclaimEvery, "reclaim-interval", c.ReclaimEvery, "Expired-lease reaper cadence")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for tasks on shutdown")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP address for health/metrics/events")
	fs.Func("capabilities", "Comma-separated worker capability tags", func(value string) error {
		c.Capabilities = splitTags(value)
		return nil
	})
}

// Load resolves config from .env (best effort) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:          "scrapeq.db",
		Strategy:        "fifo",
		PollInterval:    1 * time.Second,
		LeaseDuration:   5 * time.Minute,
		HeartbeatEvery:  30 * time.Second,
		ReclaimEvery:    1 * time.Minute,
		WorkerDeadAfter: 5 * time.Minute,
		BeatEvery:       30 * time.Second,
		RetryBaseDelay:  1 * time.Second,
		RetryMaxDelay:   10 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		HTTPAddr:        ":8080",
	}

	if v := os.Getenv("SCRAPEQ_DB"); v != "" {
		cfg.DBPath = v
	}
	cfg.WorkerID = os.Getenv("WORKER_ID")
	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("worker-%s-%s", hostname, uuid.NewString()[:8])
	}
	if v := os.Getenv("SCRAPEQ_STRATEGY"); v != "" {
		cfg.Strategy = v
	}
	if v := os.Getenv("SCRAPEQ_CAPABILITIES"); v != "" {
		cfg.Capabilities = splitTags(v)
	}
	if v := os.Getenv("SCRAPEQ_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SCRAPEQ_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"SCRAPEQ_POLL_INTERVAL", &cfg.PollInterval},
		{"SCRAPEQ_LEASE_DURATION", &cfg.LeaseDuration},
		{"SCRAPEQ_HEARTBEAT_INTERVAL", &cfg.HeartbeatEvery},
		{"SCRAPEQ_RECLAIM_INTERVAL", &cfg.ReclaimEvery},
		{"SCRAPEQ_WORKER_DEAD_AFTER", &cfg.WorkerDeadAfter},
		{"SCRAPEQ_BEAT_INTERVAL", &cfg.BeatEvery},
		{"SCRAPEQ_RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"SCRAPEQ_RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		{"SCRAPEQ_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}

	return cfg, nil
}

func splitTags(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
