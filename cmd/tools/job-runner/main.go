// Package main implements the job-runner CLI for invoking scheduler tasks
// directly, bypassing the Lambda shims.
//
// It is meant for local development, backfills and operational debugging.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=recurrence.run_cycle
//	go run ./cmd/tools/job-runner --task=recurrence.run_cycle --reference-date=2026-01-31
//	go run ./cmd/tools/job-runner --task=batch.execute --batch=<id>
//	go run ./cmd/tools/job-runner --dry-run --task=batch.reap_expired
//	go run ./cmd/tools/job-runner --history=recurrence.run_cycle
//	go run ./cmd/tools/job-runner --list
//
// Configuration is read like every other binary (environment, .env, SSM).
// When SQS_TASKS is empty, follow-up tasks (notifications, batch retries) are
// handled by an in-process queue that lives only as long as the command.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"jewelerp/internal/app"
	"jewelerp/internal/config"
	"jewelerp/internal/queue"
	"jewelerp/internal/types"
)

// validTasks are the tasks the CLI can run.
var validTasks = map[types.TaskName]string{
	types.TaskRunCycle:     "Generate invoices for every due recurring schedule",
	types.TaskExecuteBatch: "Run one attempt of a batch operation (requires --batch)",
	types.TaskReapBatches:  "Fail running batches past their deadline",
}

type options struct {
	task          types.TaskName
	batchID       string
	attempt       int
	referenceDate *time.Time
	dryRun        bool
	list          bool
	history       string
	historyLimit  int
	envSecrets    bool
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var (
		o       options
		task    string
		refDate string
	)
	fs := flag.NewFlagSet("job-runner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&task, "task", "", "task to execute (see --list)")
	fs.StringVar(&o.batchID, "batch", "", "batch ID for batch.execute")
	fs.IntVar(&o.attempt, "attempt", 0, "dispatch attempt for batch.execute; must match the stored attempt")
	fs.StringVar(&refDate, "reference-date", "", "business date for recurrence.run_cycle (YYYY-MM-DD)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "print the task message without executing")
	fs.BoolVar(&o.list, "list", false, "list available tasks and exit")
	fs.StringVar(&o.history, "history", "", "print recent job history for a task and exit")
	fs.IntVar(&o.historyLimit, "limit", 20, "rows printed by --history")
	fs.BoolVar(&o.envSecrets, "env-secrets", false, "resolve *_SSM_PARAM pointers from environment variables instead of SSM")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.list || o.history != "" {
		return o, nil
	}
	if task == "" {
		return o, errors.New("--task is required")
	}
	o.task = types.TaskName(task)
	if _, ok := validTasks[o.task]; !ok {
		return o, fmt.Errorf("unknown task %q", task)
	}
	if o.task == types.TaskExecuteBatch && o.batchID == "" {
		return o, errors.New("--batch is required for batch.execute")
	}
	if o.attempt < 0 {
		return o, errors.New("--attempt must not be negative")
	}
	if refDate != "" {
		if o.task != types.TaskRunCycle {
			return o, errors.New("--reference-date only applies to recurrence.run_cycle")
		}
		d, err := time.Parse(time.DateOnly, refDate)
		if err != nil {
			return o, fmt.Errorf("invalid --reference-date %q: expected YYYY-MM-DD", refDate)
		}
		o.referenceDate = &d
	}
	return o, nil
}

// buildMessage constructs the task message the queue would carry. The
// coordinator ignores execute deliveries whose attempt differs from the
// stored one, so retries of a running batch need --attempt.
func buildMessage(o options) types.TaskMessage {
	return types.TaskMessage{
		Task:          o.task,
		TraceID:       "cli-" + uuid.NewString(),
		BatchID:       o.batchID,
		Attempt:       o.attempt,
		ReferenceDate: o.referenceDate,
		EnqueuedAt:    time.Now().UTC(),
	}
}

func printTasks(w io.Writer) {
	names := make([]string, 0, len(validTasks))
	for name := range validTasks {
		names = append(names, string(name))
	}
	sort.Strings(names)
	fmt.Fprintln(w, "Available tasks:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-22s %s\n", name, validTasks[types.TaskName(name)])
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	o, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
			printTasks(os.Stderr)
		}
		os.Exit(2)
	}

	switch {
	case o.list:
		printTasks(os.Stdout)
		return
	case o.dryRun:
		_ = printJSON(os.Stdout, buildMessage(o))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, o options) error {
	var provider config.SecretProvider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	if o.envSecrets {
		provider = config.NewEnvVarProvider()
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel, "job-runner")

	var (
		route queue.Handler
		lq    *queue.LocalQueue
		opts  app.Options
	)
	if cfg.AWS.TaskQueueURL == "" {
		lq = queue.NewLocalQueue(func(ctx context.Context, msg types.TaskMessage) error {
			return route(ctx, msg)
		}, queue.LocalOptions{Workers: 2}, logger.With("component", "local_queue"))
		opts.Queue = lq
	}

	a, err := app.Build(ctx, cfg, logger, opts)
	if err != nil {
		return fmt.Errorf("building services: %w", err)
	}
	defer a.Close()

	if o.history != "" {
		runs, err := a.History.Recent(ctx, o.history, o.historyLimit)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, runs)
	}

	workerID := "job-runner-" + uuid.NewString()
	// Follow-up tasks run unguarded; only the requested task takes a lease.
	route = a.Router.Handle
	if lq != nil {
		lq.Start(ctx)
		defer func() {
			drain(ctx, lq)
			if n := lq.Pending(); n > 0 {
				logger.Warn("exiting with delayed tasks still scheduled; they are dropped", "pending", n)
			}
			lq.Stop()
		}()
	}

	msg := buildMessage(o)
	ttl := cfg.Batch.LockTTL
	if msg.Task == types.TaskRunCycle {
		ttl = cfg.Recurrence.LockTTL
	}
	run := queue.WithLease(a.Locker, ttl, workerID, logger, a.Router.Handle)

	start := time.Now()
	err = run(types.WithRequestID(ctx, msg.TraceID), msg)
	if errors.Is(err, queue.ErrJobLocked) {
		return fmt.Errorf("%s is already running elsewhere", msg.Task)
	}
	if err != nil {
		return err
	}
	logger.Info("task execution succeeded",
		"task", msg.Task,
		"trace_id", msg.TraceID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// drain waits for due follow-up deliveries (notifications) to be picked up so
// Stop does not discard them. Delayed retries are not waited for.
func drain(ctx context.Context, lq *queue.LocalQueue) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for lq.Queued() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
