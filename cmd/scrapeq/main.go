package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"scrapeq/internal/config"
	"scrapeq/internal/events"
	"scrapeq/internal/handlers"
	"scrapeq/internal/logging"
	"scrapeq/internal/metrics"
	"scrapeq/internal/queue"
	"scrapeq/internal/registry"
	"scrapeq/internal/results"
	"scrapeq/internal/runner"
	"scrapeq/internal/sched"
	"scrapeq/internal/web"
)

const Version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("scrapeq version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "worker":
		runWorker(os.Args[2:])
	case "beat":
		runBeat(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "triage":
		runTriage(os.Args[2:])
	case "periodic":
		runPeriodic(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: scrapeq <worker|beat|enqueue|status|cancel|list|triage|periodic|version> [args]")
}

// loadConfig resolves env + optional config file + flags, in that order.
func loadConfig(args []string, fs *flag.FlagSet) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	path, err := config.ResolveConfigPath(args)
	if err != nil {
		log.Fatalf("Failed to resolve config file: %v", err)
	}
	fileCfg, err := config.LoadFileConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		log.Fatalf("Failed to apply config file: %v", err)
	}
	cfg.BindFlags(fs)
	fs.String("config", "", "Path to a scrapeq config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	return cfg
}

func openStore(cfg *config.Config) *queue.Store {
	store, err := queue.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open queue store at %s: %v", cfg.DBPath, err)
	}
	return store
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfg := loadConfig(args, fs)

	logger := logging.Init(cfg.WorkerID)

	strategy, err := sched.Parse(cfg.Strategy)
	if err != nil {
		logger.Error("Invalid strategy", "error", err)
		os.Exit(1)
	}

	store := openStore(cfg)
	defer store.Close()

	resultStore, err := results.New(store.DB())
	if err != nil {
		logger.Error("Failed to init result store", "error", err)
		os.Exit(1)
	}

	// Handler wiring is fatal at startup, never per-task.
	reg := registry.New()
	if err := reg.Register(registry.Descriptor{Name: "http-fetch", Type: "fetch", Version: "1.0.0"}, handlers.NewFetch); err != nil {
		logger.Error("Handler registration failed", "error", err)
		os.Exit(1)
	}

	broker := events.NewBroker(0)
	runService := runner.New(cfg, store, reg, resultStore, strategy, logger, broker)
	webServer := web.NewServer(store, cfg.HTTPAddr, cfg.AuthToken, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down...", "signal", sig.String())
		cancel()
	}()

	metrics.StartCollector(ctx, store, 0, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runService.Start(gctx) })
	g.Go(func() error { return webServer.Start(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped cleanly")
}

// runBeat turns due periodic tasks into queued tasks on a fixed cadence.
func runBeat(args []string) {
	fs := flag.NewFlagSet("beat", flag.ExitOnError)
	cfg := loadConfig(args, fs)
	logger := logging.Init(cfg.WorkerID)

	store := openStore(cfg)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	logger.Info("Starting beat", "interval", cfg.BeatEvery.String())
	ticker := time.NewTicker(cfg.BeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Beat stopped")
			return
		case <-ticker.C:
			count, err := store.EnqueueDuePeriodicTasks(ctx)
			if err != nil {
				logger.Error("Failed to enqueue periodic tasks", "error", err)
			} else if count > 0 {
				logger.Info("Enqueued periodic tasks", "count", count)
			}
		}
	}
}

func runEnqueue(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	taskType := fs.String("type", "", "Task type (required)")
	payload := fs.String("payload", "{}", "Task payload JSON")
	priority := fs.Int("priority", queue.DefaultPriority, "Priority (0=most urgent, 100=least)")
	constraints := fs.String("constraints", "", "Compatibility constraints JSON")
	idemKey := fs.String("idempotency-key", "", "Idempotency key")
	maxAttempts := fs.Int("max-attempts", 0, "Max attempts (0 = default)")
	delay := fs.Duration("delay", 0, "Defer execution by this duration")
	cfg := loadConfig(args, fs)

	store := openStore(cfg)
	defer store.Close()

	req := queue.EnqueueRequest{
		Type:           *taskType,
		Payload:        json.RawMessage(*payload),
		Priority:       *priority,
		IdempotencyKey: *idemKey,
		MaxAttempts:    *maxAttempts,
	}
	if *constraints != "" {
		req.Constraints = json.RawMessage(*constraints)
	}
	if *delay > 0 {
		req.NotBefore = time.Now().Add(*delay).UnixMilli()
	}

	id, err := store.Enqueue(context.Background(), req)
	if err != nil {
		log.Fatalf("Enqueue failed: %v", err)
	}
	fmt.Printf("task_id=%d\n", id)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	taskID := fs.Int64("id", 0, "Task ID (required)")
	showLogs := fs.Bool("logs", false, "Include the audit trail")
	cfg := loadConfig(args, fs)

	store := openStore(cfg)
	defer store.Close()

	ctx := context.Background()
	task, err := store.GetTask(ctx, *taskID)
	if err != nil {
		log.Fatalf("Status failed: %v", err)
	}
	fmt.Printf("id=%d type=%s status=%s attempts=%d/%d\n",
		task.ID, task.Type, task.Status, task.Attempts, task.MaxAttempts)
	if task.ResultJSON != nil {
		fmt.Printf("result=%s\n", task.ResultJSON)
	}
	if task.LastError != nil {
		fmt.Printf("error=%s\n", *task.LastError)
	}
	if *showLogs {
		logs, err := store.Logs(ctx, *taskID)
		if err != nil {
			log.Fatalf("Fetching logs failed: %v", err)
		}
		for _, entry := range logs {
			fmt.Printf("%s [%s] %s\n",
				time.UnixMilli(entry.Timestamp).Format(time.RFC3339), entry.Level, entry.Message)
		}
	}
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	taskID := fs.Int64("id", 0, "Task ID (required)")
	cfg := loadConfig(args, fs)

	store := openStore(cfg)
	defer store.Close()

	if err := store.Cancel(context.Background(), *taskID); err != nil {
		log.Fatalf("Cancel failed: %v", err)
	}
	fmt.Printf("task %d cancelled\n", *taskID)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	taskType := fs.String("type", "", "Filter by task type")
	status := fs.String("status", "", "Filter by status")
	region := fs.String("region", "", "Filter by payload-derived region")
	limit := fs.Int("limit", 50, "Maximum rows")
	cfg := loadConfig(args, fs)

	store := openStore(cfg)
	defer store.Close()

	tasks, err := store.ListTasks(context.Background(), queue.TaskFilter{
		Type:   *taskType,
		Status: queue.TaskStatus(*status),
		Region: *region,
		Limit:  *limit,
	})
	if err != nil {
		log.Fatalf("List failed: %v", err)
	}
	for _, t := range tasks {
		fmt.Printf("id=%d type=%s status=%s priority=%d attempts=%d/%d\n",
			t.ID, t.Type, t.Status, t.Priority, t.Attempts, t.MaxAttempts)
	}
}

func runTriage(args []string) {
	fs := flag.NewFlagSet("triage", flag.ExitOnError)
	taskType := fs.String("type", "", "Filter by task type")
	limit := fs.Int("limit", 50, "Maximum rows")
	retryID := fs.Int64("retry-id", 0, "Reset one failed task to queued")
	retryAll := fs.Bool("retry-all", false, "Reset all failed tasks to queued")
	cfg := loadConfig(args, fs)

	store := openStore(cfg)
	defer store.Close()
	ctx := context.Background()

	switch {
	case *retryID != 0:
		moved, err := store.RetryFailedTask(ctx, *retryID)
		if err != nil {
			log.Fatalf("Retry failed: %v", err)
		}
		fmt.Printf("requeued %d task(s)\n", moved)
	case *retryAll:
		moved, err := store.RetryAllFailedTasks(ctx)
		if err != nil {
			log.Fatalf("Retry-all failed: %v", err)
		}
		fmt.Printf("requeued %d task(s)\n", moved)
	default:
		items, err := store.ListFailedTasks(ctx, *limit, *taskType)
		if err != nil {
			log.Fatalf("Triage failed: %v", err)
		}
		for _, item := range items {
			lastError := ""
			if item.LastError != nil {
				lastError = *item.LastError
			}
			fmt.Printf("id=%d type=%s attempts=%d/%d error=%q\n",
				item.ID, item.Type, item.Attempts, item.MaxAttempts, lastError)
		}
	}
}

func runPeriodic(args []string) {
	fs := flag.NewFlagSet("periodic", flag.ExitOnError)
	name := fs.String("name", "", "Periodic task name (required for upsert)")
	cronExpr := fs.String("cron", "", "Cron expression, e.g. '*/5 * * * *'")
	taskType := fs.String("type", "", "Task type")
	payload := fs.String("payload", "{}", "Task payload JSON")
	priority := fs.Int("priority", queue.DefaultPriority, "Priority")
	maxAttempts := fs.Int("max-attempts", 0, "Max attempts (0 = default)")
	disable := fs.Bool("disable", false, "Register disabled")
	cfg := loadConfig(args, fs)

	store := openStore(cfg)
	defer store.Close()
	ctx := context.Background()

	if *name == "" {
		items, err := store.ListPeriodicTasks(ctx)
		if err != nil {
			log.Fatalf("Periodic list failed: %v", err)
		}
		for _, t := range items {
			fmt.Printf("name=%s cron=%q type=%s enabled=%v next_run=%s\n",
				t.Name, t.CronExpr, t.Type, t.Enabled,
				time.UnixMilli(t.NextRunAt).Format(time.RFC3339))
		}
		return
	}

	err := store.UpsertPeriodicTask(ctx, queue.PeriodicTask{
		Name:        *name,
		CronExpr:    *cronExpr,
		Type:        *taskType,
		PayloadJSON: json.RawMessage(*payload),
		Priority:    *priority,
		MaxAttempts: *maxAttempts,
		Enabled:     !*disable,
	})
	if err != nil {
		log.Fatalf("Periodic upsert failed: %v", err)
	}
	fmt.Printf("periodic task %s registered\n", *name)
}
