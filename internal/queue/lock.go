package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jewelerp/internal/types"
)

// WithSingleFlight wraps next so that at most one execution per
// msg.SingleFlightKey runs at a time across every worker sharing locker.
// Messages without a key run unguarded. When the lease is held elsewhere the
// wrapper returns ErrJobLocked without calling next.
//
// The lease is released when next returns. ttl bounds how long a crashed
// holder can block the job, so it must exceed the job's own timeout.
func WithSingleFlight(locker Locker, ttl time.Duration, owner string, logger *slog.Logger, next Handler) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg types.TaskMessage) error {
		key := msg.SingleFlightKey()
		if key == "" {
			return next(ctx, msg)
		}

		ok, err := locker.Acquire(ctx, key, owner, ttl)
		if err != nil {
			return fmt.Errorf("acquiring lease %s: %w", key, err)
		}
		if !ok {
			logger.InfoContext(ctx, "job lease held by another worker",
				"lock", key,
				"task", msg.Task,
				"trace_id", msg.TraceID,
			)
			return ErrJobLocked
		}
		defer func() {
			// The job's context may already be done; release on a fresh one.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := locker.Release(releaseCtx, key, owner); err != nil {
				logger.WarnContext(ctx, "failed to release job lease", "lock", key, "error", err)
			}
		}()

		return next(types.WithWorkerID(ctx, owner), msg)
	}
}

// LeaseTimeout is the longest a job may run under a lease of ttl. The margin
// leaves room for the release after a job that ran to its timeout.
func LeaseTimeout(ttl time.Duration) time.Duration {
	return ttl * 4 / 5
}

// WithLease guards next with WithSingleFlight and bounds it with
// LeaseTimeout(ttl), so a job never outlives the lease that admitted it.
// Unkeyed messages skip the lease but keep the timeout.
func WithLease(locker Locker, ttl time.Duration, owner string, logger *slog.Logger, next Handler) Handler {
	return WithSingleFlight(locker, ttl, owner, logger, WithTimeout(LeaseTimeout(ttl), next))
}

// WithTimeout bounds every execution of next.
func WithTimeout(timeout time.Duration, next Handler) Handler {
	if timeout <= 0 {
		return next
	}
	return func(ctx context.Context, msg types.TaskMessage) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return next(ctx, msg)
	}
}
