package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"jewelerp/internal/types"
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("queue: closed")

// LocalOptions tunes a LocalQueue.
type LocalOptions struct {
	Workers    int
	Buffer     int
	JobTimeout time.Duration
	// RedeliveryDelay and MaxDeliveries mimic an SQS visibility timeout and
	// redrive policy: a failed delivery is retried after RedeliveryDelay
	// until it has been attempted MaxDeliveries times.
	RedeliveryDelay time.Duration
	MaxDeliveries   int
}

type envelope struct {
	msg        types.TaskMessage
	deliveries int
}

// LocalQueue is an in-process worker pool with delayed delivery. Concurrent
// deliveries sharing a single-flight key within the process collapse into
// one execution.
type LocalQueue struct {
	handler Handler
	opts    LocalOptions
	logger  *slog.Logger

	jobs  chan envelope
	done  chan struct{}
	group singleflight.Group
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

// NewLocalQueue creates a LocalQueue. Call Start to begin processing.
func NewLocalQueue(handler Handler, opts LocalOptions, logger *slog.Logger) *LocalQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Buffer < 1 {
		opts.Buffer = 64
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 30 * time.Second
	}
	if opts.MaxDeliveries < 1 {
		opts.MaxDeliveries = 3
	}
	return &LocalQueue{
		handler: handler,
		opts:    opts,
		logger:  logger,
		jobs:    make(chan envelope, opts.Buffer),
		done:    make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Enqueue schedules msg for delivery after delay.
func (q *LocalQueue) Enqueue(ctx context.Context, msg types.TaskMessage, delay time.Duration) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	return q.schedule(ctx, envelope{msg: msg}, delay)
}

func (q *LocalQueue) schedule(ctx context.Context, env envelope, delay time.Duration) error {
	if delay <= 0 {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return ErrQueueClosed
		}
		select {
		case q.jobs <- env:
			return nil
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		select {
		case q.jobs <- env:
		case <-q.done:
		}
	})
	q.timers[t] = struct{}{}
	return nil
}

// Start launches the workers. They run until ctx is done or Stop is called.
func (q *LocalQueue) Start(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop cancels pending delayed deliveries and waits for running jobs.
func (q *LocalQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
}

// Pending returns the number of delayed deliveries not yet due.
func (q *LocalQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Queued returns the number of due deliveries waiting for a worker.
func (q *LocalQueue) Queued() int {
	return len(q.jobs)
}

func (q *LocalQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case env := <-q.jobs:
			q.run(ctx, env)
		}
	}
}

func (q *LocalQueue) run(ctx context.Context, env envelope) {
	env.deliveries++
	msg := env.msg

	jobCtx := types.WithRequestID(ctx, msg.TraceID)
	if q.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, q.opts.JobTimeout)
		defer cancel()
	}

	var err error
	if key := msg.SingleFlightKey(); key != "" {
		var shared bool
		_, err, shared = q.group.Do(key, func() (any, error) {
			return nil, q.handler(jobCtx, msg)
		})
		if shared {
			q.logger.DebugContext(ctx, "delivery collapsed into running job", "lock", key, "task", msg.Task)
		}
	} else {
		err = q.handler(jobCtx, msg)
	}
	if err == nil {
		return
	}

	log := q.logger.With("task", msg.Task, "trace_id", msg.TraceID, "batch_id", msg.BatchID, "deliveries", env.deliveries)
	if env.deliveries >= q.opts.MaxDeliveries {
		log.ErrorContext(ctx, "task failed, giving up", "error", err)
		return
	}
	log.WarnContext(ctx, "task failed, redelivering", "error", err, "delay", q.opts.RedeliveryDelay.String())
	if err := q.schedule(context.WithoutCancel(ctx), env, q.opts.RedeliveryDelay); err != nil && !errors.Is(err, ErrQueueClosed) {
		log.ErrorContext(ctx, "failed to schedule redelivery", "error", err)
	}
}
