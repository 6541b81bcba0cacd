// Package tasks routes queue deliveries to the recurrence engine and the batch
// coordinator. Every transport (SQS Lambda, in-process queue, CLI) goes
// through Router.Handle so that job history and metrics are recorded the same
// way regardless of how a task was triggered.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jewelerp/internal/types"
)

// Job history statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// CycleRunner is the recurrence engine surface used by the router.
type CycleRunner interface {
	Today() time.Time
	RunCycle(ctx context.Context, today time.Time) (types.CycleSummary, error)
}

// BatchRunner is the batch coordinator surface used by the router.
type BatchRunner interface {
	Execute(ctx context.Context, task types.TaskMessage) error
	ReapExpired(ctx context.Context, now time.Time) (int, error)
}

// JobHistorian records job execution history for operator visibility.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// CycleRecorder receives the outcome of every cycle.
type CycleRecorder interface {
	CycleFinished(ctx context.Context, summary types.CycleSummary, elapsed time.Duration, err error)
}

// Router dispatches task messages. Engine, Batches and Dispatcher may be nil
// in processes that never receive the corresponding task; History and
// Metrics are optional.
type Router struct {
	Engine     CycleRunner
	Batches    BatchRunner
	Dispatcher types.CommunicationDispatcher
	History    JobHistorian
	Metrics    CycleRecorder
	Logger     *slog.Logger

	// Now is the clock used for reaping; defaults to time.Now.
	Now func() time.Time
}

// Handle processes one task message. Unknown tasks and malformed envelopes
// return a validation AppError so transports can drop them instead of
// redelivering.
func (r *Router) Handle(ctx context.Context, msg types.TaskMessage) error {
	logger := r.logger().With("task", msg.Task, "trace_id", msg.TraceID)
	ctx = types.WithLogger(ctx, logger)

	switch msg.Task {
	case types.TaskRunCycle:
		if r.Engine == nil {
			return r.unroutable(msg)
		}
		return r.runCycle(ctx, logger, msg)

	case types.TaskExecuteBatch:
		if r.Batches == nil {
			return r.unroutable(msg)
		}
		if msg.BatchID == "" {
			return types.NewAppError(types.ErrCodeValidationMissingField, "batch_id is required for "+string(msg.Task), nil)
		}
		return r.record(ctx, logger, string(msg.Task), func() (int, error) {
			if err := r.Batches.Execute(ctx, msg); err != nil {
				return 0, err
			}
			return 1, nil
		})

	case types.TaskReapBatches:
		if r.Batches == nil {
			return r.unroutable(msg)
		}
		return r.record(ctx, logger, string(msg.Task), func() (int, error) {
			n, err := r.Batches.ReapExpired(ctx, r.now())
			if n > 0 {
				logger.WarnContext(ctx, "reaped expired batches", "count", n)
			}
			return n, err
		})

	case types.TaskSendNotification:
		if r.Dispatcher == nil {
			return r.unroutable(msg)
		}
		r.sendNotification(ctx, logger, msg)
		return nil
	}

	return types.NewAppError(types.ErrCodeValidationInvalidPayload, fmt.Sprintf("unknown task %q", msg.Task), nil)
}

func (r *Router) runCycle(ctx context.Context, logger *slog.Logger, msg types.TaskMessage) error {
	today := r.Engine.Today()
	if msg.ReferenceDate != nil {
		today = *msg.ReferenceDate
	}

	start := time.Now()
	var summary types.CycleSummary
	err := r.record(ctx, logger, string(msg.Task), func() (int, error) {
		var err error
		summary, err = r.Engine.RunCycle(ctx, today)
		return summary.Fired, err
	})
	if r.Metrics != nil {
		r.Metrics.CycleFinished(ctx, summary, time.Since(start), err)
	}
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "recurrence cycle finished",
		"today", today.Format(time.DateOnly),
		"fired", summary.Fired,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return nil
}

// sendNotification is best-effort: a failed notice is logged and dropped so
// that it never rolls back or retries the invoice it announces.
func (r *Router) sendNotification(ctx context.Context, logger *slog.Logger, msg types.TaskMessage) {
	if msg.Message == nil {
		logger.WarnContext(ctx, "notification task without message, dropping")
		return
	}
	res, err := r.Dispatcher.Send(ctx, *msg.Message)
	if err != nil {
		logger.WarnContext(ctx, "notification delivery failed",
			"channel", msg.Message.Channel,
			"error", err,
		)
		return
	}
	if res == nil || !res.Accepted {
		logger.WarnContext(ctx, "notification rejected by channel", "channel", msg.Message.Channel)
		return
	}
	logger.InfoContext(ctx, "notification delivered",
		"channel", msg.Message.Channel,
		"provider_message_id", res.ProviderMessageID,
	)
}

// record wraps fn with a job_history entry. History failures are logged and
// never fail the job itself.
func (r *Router) record(ctx context.Context, logger *slog.Logger, jobType string, fn func() (int, error)) error {
	var jobID int64
	if r.History != nil {
		id, err := r.History.Start(ctx, jobType)
		if err != nil {
			logger.WarnContext(ctx, "failed to record job start", "error", err)
		} else {
			jobID = id
		}
	}

	items, err := fn()

	if jobID != 0 {
		status := StatusSuccess
		if err != nil {
			status = StatusFailed
		}
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if herr := r.History.Finish(finishCtx, jobID, status, items, err); herr != nil {
			logger.WarnContext(ctx, "failed to record job finish", "job_id", jobID, "error", herr)
		}
	}
	return err
}

func (r *Router) unroutable(msg types.TaskMessage) error {
	return types.NewAppError(types.ErrCodeValidationInvalidPayload, fmt.Sprintf("task %q is not handled by this worker", msg.Task), nil)
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}
