// Package main runs the scheduler as one long-lived process: robfig/cron
// fires the recurrence cycle and the batch reaper into an in-process
// LocalQueue, whose workers execute tasks through the same tasks.Router the
// Lambda workers use. With -http the operator API is served alongside.
//
// Several replicas may run at once; fleet-wide leases (Redis when REDIS_URL
// is set, otherwise the job_locks table) keep each cycle and batch
// single-flight.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"jewelerp/internal/app"
	"jewelerp/internal/config"
	"jewelerp/internal/queue"
	"jewelerp/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	serveHTTP := flag.Bool("http", false, "serve the operator API on PORT")
	workers := flag.Int("workers", 4, "task queue workers")
	flag.Parse()

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel, "scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The queue needs the router and the router needs the queue; route is
	// assigned once the graph is built and before the queue starts.
	var route queue.Handler
	lq := queue.NewLocalQueue(func(ctx context.Context, msg types.TaskMessage) error {
		return route(ctx, msg)
	}, queue.LocalOptions{
		Workers: *workers,
	}, logger.With("component", "local_queue"))

	buildCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	a, err := app.Build(buildCtx, cfg, logger, app.Options{Queue: lq})
	cancel()
	if err != nil {
		return fmt.Errorf("building services: %w", err)
	}
	defer a.Close()

	workerID := "scheduler-" + uuid.NewString()
	route = dropUnretryable(leaseGuard(a.Locker, workerID, map[types.TaskName]time.Duration{
		types.TaskRunCycle: cfg.Recurrence.LockTTL,
	}, cfg.Batch.LockTTL, logger, a.Router.Handle), logger)
	lq.Start(ctx)

	loc, err := time.LoadLocation(cfg.Recurrence.Timezone)
	if err != nil {
		return fmt.Errorf("loading RECURRENCE_TIMEZONE: %w", err)
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))),
	)
	if err := registerJobs(ctx, c, cfg, lq, logger); err != nil {
		return err
	}
	c.Start()
	logger.Info("scheduler started",
		"worker_id", workerID,
		"cycle_schedule", cfg.Recurrence.CycleSchedule,
		"reap_schedule", cfg.Batch.ReapSchedule,
		"timezone", loc.String(),
	)

	var httpServer *http.Server
	serverErr := make(chan error, 1)
	if *serveHTTP {
		srv, err := a.NewAPIServer()
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		httpServer = &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	<-c.Stop().Done()
	lq.Stop()
	logger.Info("scheduler stopped")
	return nil
}

// registerJobs adds the cycle and reaper entries to c.
func registerJobs(ctx context.Context, c *cron.Cron, cfg *config.Config, q queue.TaskQueue, logger *slog.Logger) error {
	if _, err := c.AddFunc(cfg.Recurrence.CycleSchedule, enqueueFunc(ctx, q, types.TaskRunCycle, logger)); err != nil {
		return fmt.Errorf("invalid RECURRENCE_CRON %q: %w", cfg.Recurrence.CycleSchedule, err)
	}
	if _, err := c.AddFunc(cfg.Batch.ReapSchedule, enqueueFunc(ctx, q, types.TaskReapBatches, logger)); err != nil {
		return fmt.Errorf("invalid BATCH_REAP_CRON %q: %w", cfg.Batch.ReapSchedule, err)
	}
	return nil
}

// enqueueFunc returns a cron job that enqueues task with a fresh trace ID.
func enqueueFunc(ctx context.Context, q queue.TaskQueue, task types.TaskName, logger *slog.Logger) func() {
	return func() {
		msg := types.TaskMessage{Task: task, TraceID: uuid.NewString(), EnqueuedAt: time.Now().UTC()}
		if err := q.Enqueue(ctx, msg, 0); err != nil {
			logger.ErrorContext(ctx, "failed to enqueue scheduled task", "task", task, "error", err)
			return
		}
		logger.InfoContext(ctx, "scheduled task enqueued", "task", task, "trace_id", msg.TraceID)
	}
}

// leaseGuard wraps next with a fleet-wide lease whose TTL depends on the
// task. The job timeout follows the same TTL.
func leaseGuard(locker queue.Locker, owner string, ttls map[types.TaskName]time.Duration, def time.Duration, logger *slog.Logger, next queue.Handler) queue.Handler {
	guards := make(map[types.TaskName]queue.Handler, len(ttls))
	for task, ttl := range ttls {
		guards[task] = queue.WithLease(locker, ttl, owner, logger, next)
	}
	fallback := queue.WithLease(locker, def, owner, logger, next)
	return func(ctx context.Context, msg types.TaskMessage) error {
		if g, ok := guards[msg.Task]; ok {
			return g(ctx, msg)
		}
		return fallback(ctx, msg)
	}
}

// dropUnretryable keeps the LocalQueue from redelivering tasks that cannot
// succeed on a retry. A locked execute task is still redelivered so the batch
// runs once the other holder finishes.
func dropUnretryable(next queue.Handler, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, msg types.TaskMessage) error {
		err := next(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, queue.ErrJobLocked):
			if msg.Task == types.TaskExecuteBatch {
				return err
			}
			return nil
		case types.IsValidation(err):
			logger.WarnContext(ctx, "dropping unprocessable task", "task", msg.Task, "trace_id", msg.TraceID, "error", err)
			return nil
		}
		return err
	}
}
