// Package batch coordinates bulk operations (invoice generation, PDF
// rendering, communication sending) through the pending -> running ->
// completed | failed lifecycle.
//
// Retries are never performed in-process. A failed attempt records the next
// attempt number on the batch row and re-enqueues an execute task with the
// policy delay, so a crashed worker never loses a retry. Every delivery is
// checked against the stored attempt, which makes redelivered and stale
// messages harmless.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"jewelerp/internal/types"
)

const (
	maxErrorMessageLen = 1000
	reapPageSize       = 100
)

// Store is the persistence boundary for batch operations.
type Store interface {
	Create(ctx context.Context, b *types.BatchOperation) (string, error)
	Get(ctx context.Context, id string) (*types.BatchOperation, error)
	// UpdateStatus applies a forward-only transition. It returns a
	// conflict_invalid_transition AppError when the stored status (or a
	// newer attempt) no longer allows it.
	UpdateStatus(ctx context.Context, id string, status types.BatchStatus, upd types.BatchUpdate) error
	ListRunningStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.BatchOperation, error)
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.BatchOperation, error)
	List(ctx context.Context, f types.BatchFilter) ([]types.BatchOperation, types.PageInfo, error)
}

// Enqueuer schedules a task for later delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg types.TaskMessage, delay time.Duration) error
}

// Recorder receives terminal batch outcomes. Implementations must not block.
type Recorder interface {
	BatchFinished(ctx context.Context, b *types.BatchOperation)
}

// Coordinator executes batch operations.
type Coordinator struct {
	store    Store
	queue    Enqueuer
	handlers map[types.BatchKind]ItemHandler
	policy   RetryPolicy
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator creates a Coordinator. handlers maps each supported kind to
// the ItemHandler that drives its collaborator.
func NewCoordinator(store Store, queue Enqueuer, handlers map[types.BatchKind]ItemHandler, policy RetryPolicy, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.ChunkSize < 1 {
		policy.ChunkSize = 1
	}
	return &Coordinator{
		store:    store,
		queue:    queue,
		handlers: handlers,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// SetRecorder attaches a metrics recorder.
func (c *Coordinator) SetRecorder(r Recorder) {
	c.recorder = r
}

// Submit validates and persists a new pending batch and enqueues its first
// attempt.
func (c *Coordinator) Submit(ctx context.Context, kind types.BatchKind, items []string, options types.BatchOptions) (*types.BatchOperation, error) {
	if err := types.ValidateBatchRequest(kind, items); err != nil {
		return nil, err
	}
	h, ok := c.handlers[kind]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidKind,
			fmt.Sprintf("batch kind %q is not enabled on this deployment", kind), nil)
	}
	if options == nil {
		options = types.BatchOptions{}
	}
	if v, ok := h.(OptionValidator); ok {
		if err := v.ValidateOptions(options); err != nil {
			return nil, err
		}
	}

	b := &types.BatchOperation{
		Kind:    kind,
		Items:   append([]string(nil), items...),
		Options: options,
	}
	id, err := c.store.Create(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}

	if err := c.enqueue(ctx, id, 0, "", 0); err != nil {
		// The row is durable; ReapExpired dispatches it once DispatchGrace
		// has passed.
		c.logger.WarnContext(ctx, "first dispatch failed, batch left for the reaper",
			"batch_id", id,
			"kind", kind,
			"error", err,
		)
		return c.store.Get(ctx, id)
	}

	c.logger.InfoContext(ctx, "batch submitted",
		"batch_id", id,
		"kind", kind,
		"item_count", len(items),
	)
	return c.store.Get(ctx, id)
}

// Get returns a batch by ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*types.BatchOperation, error) {
	return c.store.Get(ctx, id)
}

// List returns one page of batches.
func (c *Coordinator) List(ctx context.Context, f types.BatchFilter) ([]types.BatchOperation, types.PageInfo, error) {
	return c.store.List(ctx, f)
}

// Execute runs one delivery of a batch execute task.
//
// The returned error is non-nil only for infrastructure failures (store or
// queue unavailable). In that case nothing terminal has been written and the
// delivery should be retried by the transport. Collaborator failures are
// handled here through the retry policy and always return nil.
func (c *Coordinator) Execute(ctx context.Context, task types.TaskMessage) error {
	attempt := task.Attempt
	b, err := c.store.Get(ctx, task.BatchID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundBatch {
			c.logger.WarnContext(ctx, "execute task for unknown batch, dropping", "batch_id", task.BatchID)
			return nil
		}
		return fmt.Errorf("loading batch %s: %w", task.BatchID, err)
	}

	log := c.logger.With("batch_id", b.ID, "kind", b.Kind, "attempt", attempt)

	if b.Status.IsTerminal() {
		log.InfoContext(ctx, "batch already finished, ignoring delivery", "status", b.Status)
		return nil
	}
	if attempt < b.Attempt {
		if attempt == b.Attempt-1 && b.Status == types.BatchStatusRunning {
			return c.redispatchRetry(ctx, b, attempt)
		}
		log.InfoContext(ctx, "stale delivery, a newer attempt is scheduled", "stored_attempt", b.Attempt)
		return nil
	}
	if attempt > b.Attempt {
		log.WarnContext(ctx, "delivery ahead of stored attempt, ignoring", "stored_attempt", b.Attempt)
		return nil
	}

	if b.Status == types.BatchStatusPending {
		now := c.now().UTC()
		zero := 0
		progress := types.BatchProgress{Total: len(b.Items)}
		err := c.store.UpdateStatus(ctx, b.ID, types.BatchStatusRunning, types.BatchUpdate{
			Attempt:   &zero,
			StartedAt: &now,
			Progress:  &progress,
		})
		if err != nil {
			if types.CodeOf(err) == types.ErrCodeConflictInvalidTransition {
				log.InfoContext(ctx, "batch claimed by another worker")
				return nil
			}
			return fmt.Errorf("starting batch %s: %w", b.ID, err)
		}
		b.Status = types.BatchStatusRunning
		b.StartedAt = &now
		b.Progress = progress
		log.InfoContext(ctx, "batch started", "item_count", len(b.Items))
	}

	if c.policy.Expired(b.StartedAt, c.now().UTC()) {
		return c.fail(ctx, b, fmt.Sprintf("deadline of %s exceeded", c.policy.Deadline))
	}
	if c.policy.Exhausted(attempt) {
		msg := fmt.Sprintf("retry attempts exhausted after %d dispatches", c.policy.MaxAttempts)
		if task.LastError != "" {
			msg += ": " + task.LastError
		}
		return c.fail(ctx, b, msg)
	}
	h, ok := c.handlers[b.Kind]
	if !ok {
		return c.fail(ctx, b, fmt.Sprintf("no handler registered for batch kind %q", b.Kind))
	}

	processed, dispatchErr := c.dispatch(ctx, b, h)
	if dispatchErr == nil {
		return c.complete(ctx, b, processed)
	}
	if types.IsInfrastructure(dispatchErr) || ctx.Err() != nil {
		log.ErrorContext(ctx, "batch attempt aborted by infrastructure failure",
			"processed", processed,
			"error", dispatchErr,
		)
		return fmt.Errorf("executing batch %s: %w", b.ID, dispatchErr)
	}
	return c.retryOrFail(ctx, b, attempt, processed, dispatchErr)
}

// dispatch runs the handler over the items not yet recorded as processed,
// writing progress after every chunk. It stops at the first failing item.
func (c *Coordinator) dispatch(ctx context.Context, b *types.BatchOperation, h ItemHandler) (int, error) {
	total := len(b.Items)
	processed := b.Progress.Processed
	if processed < 0 || processed > total {
		processed = 0
	}

	for processed < total {
		end := min(processed+c.policy.ChunkSize, total)
		for _, item := range b.Items[processed:end] {
			if err := c.call(ctx, h, b, item); err != nil {
				return processed, err
			}
			processed++
		}

		progress := types.BatchProgress{Processed: processed, Total: total}
		if err := c.store.UpdateStatus(ctx, b.ID, types.BatchStatusRunning, types.BatchUpdate{Progress: &progress}); err != nil {
			return processed, err
		}
		b.Progress = progress
	}
	return processed, nil
}

func (c *Coordinator) call(ctx context.Context, h ItemHandler, b *types.BatchOperation, item string) error {
	callCtx := ctx
	if c.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.policy.CallTimeout)
		defer cancel()
	}
	err := h.Handle(callCtx, b, item)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeUpstreamTimeout,
			fmt.Sprintf("item %s timed out after %s", item, c.policy.CallTimeout), err)
	}
	return err
}

func (c *Coordinator) complete(ctx context.Context, b *types.BatchOperation, processed int) error {
	now := c.now().UTC()
	progress := types.BatchProgress{Processed: processed, Total: len(b.Items)}
	err := c.store.UpdateStatus(ctx, b.ID, types.BatchStatusCompleted, types.BatchUpdate{
		CompletedAt: &now,
		Progress:    &progress,
	})
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeConflictInvalidTransition {
			c.logger.WarnContext(ctx, "batch finished after it was closed elsewhere", "batch_id", b.ID)
			return nil
		}
		return fmt.Errorf("completing batch %s: %w", b.ID, err)
	}

	b.Status = types.BatchStatusCompleted
	b.CompletedAt = &now
	b.Progress = progress
	c.logger.InfoContext(ctx, "batch completed",
		"batch_id", b.ID,
		"kind", b.Kind,
		"attempt", b.Attempt,
		"item_count", len(b.Items),
	)
	c.record(ctx, b)
	return nil
}

func (c *Coordinator) retryOrFail(ctx context.Context, b *types.BatchOperation, attempt, processed int, cause error) error {
	if c.policy.SkipRetryOnValidation && types.IsValidation(cause) {
		return c.fail(ctx, b, "permanent failure: "+cause.Error())
	}
	now := c.now().UTC()
	if c.policy.Expired(b.StartedAt, now) {
		return c.fail(ctx, b, fmt.Sprintf("deadline of %s exceeded: %s", c.policy.Deadline, cause.Error()))
	}

	next := attempt + 1
	progress := types.BatchProgress{Processed: processed, Total: len(b.Items)}
	err := c.store.UpdateStatus(ctx, b.ID, types.BatchStatusRunning, types.BatchUpdate{
		Attempt:  &next,
		Progress: &progress,
	})
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeConflictInvalidTransition {
			c.logger.WarnContext(ctx, "batch changed while recording retry", "batch_id", b.ID)
			return nil
		}
		return fmt.Errorf("recording retry for batch %s: %w", b.ID, err)
	}

	delay := c.policy.Delay(attempt)
	if err := c.enqueue(ctx, b.ID, next, truncate(cause.Error()), delay); err != nil {
		return err
	}

	c.logger.WarnContext(ctx, "batch attempt failed, retry scheduled",
		"batch_id", b.ID,
		"kind", b.Kind,
		"attempt", attempt,
		"next_attempt", next,
		"delay", delay.String(),
		"processed", processed,
		"error", cause,
	)
	return nil
}

// redispatchRetry handles a redelivery of the attempt that recorded the
// stored one. The worker that recorded it may have crashed, or its enqueue
// may have failed, before the retry task was sent, so the task is sent again.
// A duplicate is harmless: whichever copy arrives second is stale.
func (c *Coordinator) redispatchRetry(ctx context.Context, b *types.BatchOperation, failed int) error {
	delay := c.policy.Delay(failed)
	lastErr := fmt.Sprintf("attempt %d failed", failed)
	if err := c.enqueue(ctx, b.ID, b.Attempt, lastErr, delay); err != nil {
		return err
	}
	c.logger.WarnContext(ctx, "retry task re-sent for redelivered attempt",
		"batch_id", b.ID,
		"attempt", failed,
		"next_attempt", b.Attempt,
		"delay", delay.String(),
	)
	return nil
}

func (c *Coordinator) fail(ctx context.Context, b *types.BatchOperation, reason string) error {
	reason = truncate(reason)
	err := c.store.UpdateStatus(ctx, b.ID, types.BatchStatusFailed, types.BatchUpdate{ErrorMessage: &reason})
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeConflictInvalidTransition {
			c.logger.InfoContext(ctx, "batch already closed", "batch_id", b.ID)
			return nil
		}
		return fmt.Errorf("failing batch %s: %w", b.ID, err)
	}

	b.Status = types.BatchStatusFailed
	b.ErrorMessage = &reason
	c.logger.ErrorContext(ctx, "batch failed",
		"batch_id", b.ID,
		"kind", b.Kind,
		"attempt", b.Attempt,
		"error_message", reason,
	)
	c.record(ctx, b)
	return nil
}

func (c *Coordinator) enqueue(ctx context.Context, batchID string, attempt int, lastErr string, delay time.Duration) error {
	traceID := types.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	msg := types.TaskMessage{
		Task:       types.TaskExecuteBatch,
		TraceID:    traceID,
		BatchID:    batchID,
		Attempt:    attempt,
		LastError:  lastErr,
		EnqueuedAt: c.now().UTC(),
	}
	if err := c.queue.Enqueue(ctx, msg, delay); err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to enqueue attempt %d of batch %s", attempt, batchID), err)
	}
	return nil
}

func (c *Coordinator) record(ctx context.Context, b *types.BatchOperation) {
	if c.recorder != nil {
		c.recorder.BatchFinished(ctx, b)
	}
}

// MarkFailed lets an operator close a running batch. In-flight collaborator
// calls are not interrupted; their outcome is discarded.
func (c *Coordinator) MarkFailed(ctx context.Context, id, reason string) (*types.BatchOperation, error) {
	b, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != types.BatchStatusRunning {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
			"only running batches can be marked failed", nil,
			map[string]any{"from": string(b.Status), "to": string(types.BatchStatusFailed)})
	}
	if reason == "" {
		reason = "no reason given"
	}
	if err := c.fail(ctx, b, "marked failed by operator: "+reason); err != nil {
		return nil, err
	}
	return c.store.Get(ctx, id)
}

// Resubmit creates a new batch with the items and options of a failed one.
// The failed batch itself stays failed.
func (c *Coordinator) Resubmit(ctx context.Context, id string) (*types.BatchOperation, error) {
	b, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != types.BatchStatusFailed {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictBatchRunning,
			"only failed batches can be resubmitted", nil,
			map[string]any{"status": string(b.Status)})
	}

	opts := make(types.BatchOptions, len(b.Options)+1)
	for k, v := range b.Options {
		opts[k] = v
	}
	opts[OptionOrigin] = b.ID
	return c.Submit(ctx, b.Kind, b.Items, opts)
}

// ReapExpired fails running batches whose deadline passed, covering workers
// that died mid-attempt. It also re-dispatches pending batches older than
// DispatchGrace whose first execute task was never sent. It returns the
// number of batches failed.
func (c *Coordinator) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-c.policy.Deadline)
	expired, err := c.store.ListRunningStartedBefore(ctx, cutoff, reapPageSize)
	if err != nil {
		return 0, fmt.Errorf("listing expired batches: %w", err)
	}

	reaped := 0
	for i := range expired {
		b := &expired[i]
		if err := c.fail(ctx, b, fmt.Sprintf("deadline of %s exceeded, reaped", c.policy.Deadline)); err != nil {
			return reaped, err
		}
		if b.Status == types.BatchStatusFailed {
			reaped++
		}
	}
	if reaped > 0 {
		c.logger.InfoContext(ctx, "expired batches reaped", "count", reaped)
	}

	if err := c.redispatchPending(ctx, now); err != nil {
		return reaped, err
	}
	return reaped, nil
}

func (c *Coordinator) redispatchPending(ctx context.Context, now time.Time) error {
	if c.policy.DispatchGrace <= 0 {
		return nil
	}
	orphans, err := c.store.ListPendingCreatedBefore(ctx, now.UTC().Add(-c.policy.DispatchGrace), reapPageSize)
	if err != nil {
		return fmt.Errorf("listing undispatched batches: %w", err)
	}
	for _, b := range orphans {
		if err := c.enqueue(ctx, b.ID, 0, "", 0); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		c.logger.WarnContext(ctx, "pending batches re-dispatched", "count", len(orphans))
	}
	return nil
}

func truncate(s string) string {
	if len(s) <= maxErrorMessageLen {
		return s
	}
	return s[:maxErrorMessageLen]
}
