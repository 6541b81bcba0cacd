// Package queue delivers task messages to workers.
//
// Two transports implement TaskQueue: SQSQueue for the Lambda deployment and
// LocalQueue, an in-process worker pool used by cmd/scheduler. Both support
// delayed delivery, which the batch coordinator relies on for backoff.
// Single-flight execution across the fleet is provided by WithSingleFlight
// over a Locker (Postgres job_locks or Redis).
package queue

import (
	"context"
	"errors"
	"time"

	"jewelerp/internal/types"
)

// ErrJobLocked is returned by single-flight handlers when another worker
// holds the job's lease.
var ErrJobLocked = errors.New("queue: job is locked by another worker")

// Handler processes one task message.
type Handler func(ctx context.Context, msg types.TaskMessage) error

// TaskQueue accepts task messages for (possibly delayed) delivery.
type TaskQueue interface {
	Enqueue(ctx context.Context, msg types.TaskMessage, delay time.Duration) error
}

// Locker grants time-bounded leases on job names.
type Locker interface {
	// Acquire returns true when owner now holds name for ttl.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, name, owner string) error
}
