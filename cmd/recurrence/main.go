// Package main is the entry point for the recurrence Lambda.
//
// EventBridge invokes it on the cycle schedule (and on a separate rule for
// the batch reaper). Each invocation:
//  1. Parses the payload and picks the task (run_cycle when empty).
//  2. Takes the task's fleet-wide lease so overlapping invocations skip.
//  3. Runs the task through tasks.Router, which records job history and
//     metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"jewelerp/internal/app"
	"jewelerp/internal/config"
	"jewelerp/internal/queue"
	"jewelerp/internal/types"
)

// Payload is the EventBridge input.
type Payload struct {
	Task types.TaskName `json:"task,omitempty"`
	// ReferenceDate (YYYY-MM-DD) replays a cycle for a past business date.
	ReferenceDate string `json:"reference_date,omitempty"`
}

// Handler holds the dependencies of the Lambda handler.
type Handler struct {
	Route    queue.Handler
	Locker   queue.Locker
	WorkerID string
	// LockTTL maps each task to its lease duration.
	LockTTL map[types.TaskName]time.Duration
	Logger  *slog.Logger
}

// Handle runs one scheduled task.
func (h *Handler) Handle(ctx context.Context, p Payload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	task := p.Task
	if task == "" {
		task = types.TaskRunCycle
	}
	ttl, ok := h.LockTTL[task]
	if !ok {
		return "", fmt.Errorf("unsupported task %q", task)
	}

	msg := types.TaskMessage{
		Task:       task,
		TraceID:    uuid.NewString(),
		EnqueuedAt: time.Now().UTC(),
	}
	if p.ReferenceDate != "" {
		d, err := time.Parse(time.DateOnly, p.ReferenceDate)
		if err != nil {
			return "", fmt.Errorf("invalid reference_date %q: %w", p.ReferenceDate, err)
		}
		msg.ReferenceDate = &d
	}

	logger.InfoContext(ctx, "recurrence handler invoked",
		"task", task,
		"trace_id", msg.TraceID,
		"worker_id", h.WorkerID,
	)

	run := queue.WithLease(h.Locker, ttl, h.WorkerID, logger, h.Route)
	err := run(types.WithRequestID(ctx, msg.TraceID), msg)
	switch {
	case errors.Is(err, queue.ErrJobLocked):
		return fmt.Sprintf("skipped: %s already running", task), nil
	case err != nil:
		return "", fmt.Errorf("task %s failed: %w", task, err)
	}
	return fmt.Sprintf("task %s complete", task), nil
}

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"), "recurrence")
	logger.Info("recurrence Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	a, err := app.Build(ctx, cfg, logger, app.Options{})
	cancel()
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}

	workerID := "recurrence-" + uuid.NewString()
	handler := &Handler{
		Route:    a.Router.Handle,
		Locker:   a.Locker,
		WorkerID: workerID,
		LockTTL: map[types.TaskName]time.Duration{
			types.TaskRunCycle:    cfg.Recurrence.LockTTL,
			types.TaskReapBatches: cfg.Batch.LockTTL,
		},
		Logger: logger,
	}

	logger.Info("recurrence Lambda initialized", "worker_id", workerID)
	lambda.Start(handler.Handle)
}
