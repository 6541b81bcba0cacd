package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jewelerp/internal/config"
	"jewelerp/internal/memstore"
	"jewelerp/internal/queue"
	"jewelerp/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingQueue struct {
	mu   sync.Mutex
	msgs []types.TaskMessage
}

func (q *recordingQueue) Enqueue(_ context.Context, msg types.TaskMessage, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func TestRegisterJobs(t *testing.T) {
	cfg := &config.Config{}
	cfg.Recurrence.CycleSchedule = "0 2 * * *"
	cfg.Batch.ReapSchedule = "@every 5m"

	c := cron.New()
	require.NoError(t, registerJobs(context.Background(), c, cfg, &recordingQueue{}, discardLogger()))
	assert.Len(t, c.Entries(), 2)

	cfg.Batch.ReapSchedule = "whenever"
	err := registerJobs(context.Background(), cron.New(), cfg, &recordingQueue{}, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_REAP_CRON")
}

func TestEnqueueFunc(t *testing.T) {
	q := &recordingQueue{}
	job := enqueueFunc(context.Background(), q, types.TaskRunCycle, discardLogger())

	job()
	job()

	require.Len(t, q.msgs, 2)
	assert.Equal(t, types.TaskRunCycle, q.msgs[0].Task)
	assert.NotEqual(t, q.msgs[0].TraceID, q.msgs[1].TraceID)
	assert.False(t, q.msgs[0].EnqueuedAt.IsZero())
}

func TestLeaseGuard_UsesTaskTTL(t *testing.T) {
	locker := memstore.NewLocker()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	locker.SetClock(func() time.Time { return now })

	var held bool
	next := func(ctx context.Context, msg types.TaskMessage) error {
		// Inside the job the lease must be held: a second owner is refused.
		ok, _ := locker.Acquire(ctx, msg.SingleFlightKey(), "other", time.Second)
		held = !ok
		return nil
	}
	guard := leaseGuard(locker, "me", map[types.TaskName]time.Duration{types.TaskRunCycle: time.Hour}, time.Minute, discardLogger(), next)

	require.NoError(t, guard(context.Background(), types.TaskMessage{Task: types.TaskRunCycle}))
	assert.True(t, held)

	require.NoError(t, guard(context.Background(), types.TaskMessage{Task: types.TaskExecuteBatch, BatchID: "b1"}))
	assert.True(t, held)
}

func TestLeaseGuard_TimeoutFollowsTaskTTL(t *testing.T) {
	remaining := map[types.TaskName]time.Duration{}
	next := func(ctx context.Context, msg types.TaskMessage) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok, "every job carries a deadline")
		remaining[msg.Task] = time.Until(deadline)
		return nil
	}
	guard := leaseGuard(memstore.NewLocker(), "me", map[types.TaskName]time.Duration{
		types.TaskRunCycle: 30 * time.Minute,
	}, 15*time.Minute, discardLogger(), next)

	require.NoError(t, guard(context.Background(), types.TaskMessage{Task: types.TaskRunCycle}))
	require.NoError(t, guard(context.Background(), types.TaskMessage{Task: types.TaskExecuteBatch, BatchID: "b1"}))

	assert.Greater(t, remaining[types.TaskRunCycle], 12*time.Minute, "cycle keeps its own budget")
	assert.LessOrEqual(t, remaining[types.TaskRunCycle], 24*time.Minute)
	assert.LessOrEqual(t, remaining[types.TaskExecuteBatch], 12*time.Minute)
}

func TestDropUnretryable(t *testing.T) {
	validation := types.NewAppError(types.ErrCodeValidationInvalidPayload, "bad", nil)
	infra := errors.New("connection reset")

	tests := []struct {
		name    string
		task    types.TaskName
		err     error
		wantErr bool
	}{
		{"success", types.TaskRunCycle, nil, false},
		{"validation dropped", types.TaskExecuteBatch, validation, false},
		{"locked cycle dropped", types.TaskRunCycle, queue.ErrJobLocked, false},
		{"locked execute redelivered", types.TaskExecuteBatch, queue.ErrJobLocked, true},
		{"infrastructure redelivered", types.TaskReapBatches, infra, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := dropUnretryable(func(context.Context, types.TaskMessage) error { return tt.err }, discardLogger())
			err := h(context.Background(), types.TaskMessage{Task: tt.task})
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}
