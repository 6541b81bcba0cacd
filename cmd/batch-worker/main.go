// Package main is the entry point for the batch worker Lambda.
//
// The worker consumes the task queue. Every message is decoded into a
// types.TaskMessage, guarded by the task's fleet-wide lease and handed to
// tasks.Router. Lambda SQS integration uses partial batch responses: only
// messages reported in BatchItemFailures become visible again.
//
// Per-message outcome:
//   - malformed body or validation error: dropped (redelivery cannot help)
//   - execute task whose batch lease is held: retried after the visibility
//     timeout
//   - cycle or reap task whose lease is held: dropped, the holder covers it
//   - any other error: retried
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"jewelerp/internal/app"
	"jewelerp/internal/config"
	"jewelerp/internal/queue"
	"jewelerp/internal/types"
)

// Handler holds the dependencies of the SQS handler.
type Handler struct {
	Route    queue.Handler
	Locker   queue.Locker
	WorkerID string
	// LockTTL maps each task to its lease; tasks absent from the map use
	// DefaultTTL.
	// Each message is cut off at queue.LeaseTimeout of its own lease.
	LockTTL    map[types.TaskName]time.Duration
	DefaultTTL time.Duration
	Logger     *slog.Logger
}

// Handle processes an SQS event and reports the messages to retry.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger().ErrorContext(ctx, "task delivery failed",
				"message_id", record.MessageId,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	logger := h.logger()

	msg, err := queue.DecodeMessage(record.Body)
	if err != nil {
		logger.ErrorContext(ctx, "dropping malformed task message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	if sent, ok := record.Attributes["SentTimestamp"]; ok {
		if ts, perr := parseMillisTimestamp(sent); perr == nil {
			logger.DebugContext(ctx, "task received",
				"task", msg.Task,
				"trace_id", msg.TraceID,
				"queue_lag_ms", time.Since(ts).Milliseconds(),
			)
		}
	}

	ttl, ok := h.LockTTL[msg.Task]
	if !ok {
		ttl = h.DefaultTTL
	}
	run := queue.WithLease(h.Locker, ttl, h.WorkerID, logger, h.Route)

	err = run(types.WithRequestID(ctx, msg.TraceID), msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrJobLocked):
		if msg.Task == types.TaskExecuteBatch {
			return err
		}
		return nil
	case types.IsValidation(err):
		logger.WarnContext(ctx, "dropping unprocessable task",
			"task", msg.Task,
			"trace_id", msg.TraceID,
			"error", err,
		)
		return nil
	default:
		return fmt.Errorf("task %s: %w", msg.Task, err)
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// parseMillisTimestamp parses the SQS SentTimestamp attribute.
func parseMillisTimestamp(ms string) (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(ms, "%d", &millis); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"), "batch-worker")
	logger.Info("batch worker Lambda initializing (cold start)")

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

	workerID := "batch-worker-" + uuid.NewString()
	handler := &Handler{
		Route:    a.Router.Handle,
		Locker:   a.Locker,
		WorkerID: workerID,
		LockTTL: map[types.TaskName]time.Duration{
			types.TaskRunCycle: cfg.Recurrence.LockTTL,
		},
		DefaultTTL: cfg.Batch.LockTTL,
		Logger:     logger,
	}

	logger.Info("batch worker Lambda initialized",
		"worker_id", workerID,
		"task_queue", cfg.AWS.TaskQueueURL,
		"lock_ttl", cfg.Batch.LockTTL.String(),
		"cycle_lock_ttl", cfg.Recurrence.LockTTL.String(),
	)
	lambda.Start(handler.Handle)
}
