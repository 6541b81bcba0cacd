package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jewelerp/internal/memstore"
	"jewelerp/internal/types"
)

func TestWithSingleFlight_SecondWorkerIsLockedOut(t *testing.T) {
	locker := memstore.NewLocker()
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	handler := func(ctx context.Context, msg types.TaskMessage) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}
	a := WithSingleFlight(locker, time.Minute, "worker-a", nil, handler)
	b := WithSingleFlight(locker, time.Minute, "worker-b", nil, func(context.Context, types.TaskMessage) error {
		runs.Add(1)
		return nil
	})

	msg := types.TaskMessage{Task: types.TaskRunCycle}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, a(context.Background(), msg))
	}()

	<-started
	err := b(context.Background(), msg)
	assert.ErrorIs(t, err, ErrJobLocked)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), runs.Load())

	// Once released the lease is free again.
	require.NoError(t, b(context.Background(), msg))
	assert.Equal(t, int32(2), runs.Load())
}

func TestWithSingleFlight_DistinctBatchesDoNotContend(t *testing.T) {
	locker := memstore.NewLocker()
	ok, _ := locker.Acquire(context.Background(), "batch.execute:bat_1", "someone", time.Minute)
	require.True(t, ok)

	var got []string
	h := WithSingleFlight(locker, time.Minute, "me", nil, func(ctx context.Context, msg types.TaskMessage) error {
		got = append(got, msg.BatchID)
		assert.Equal(t, "me", types.GetWorkerID(ctx))
		return nil
	})

	assert.ErrorIs(t, h(context.Background(), types.TaskMessage{Task: types.TaskExecuteBatch, BatchID: "bat_1"}), ErrJobLocked)
	assert.NoError(t, h(context.Background(), types.TaskMessage{Task: types.TaskExecuteBatch, BatchID: "bat_2"}))
	assert.Equal(t, []string{"bat_2"}, got)
}

func TestWithSingleFlight_UnkeyedTasksRunUnguarded(t *testing.T) {
	locker := &failingLocker{err: errors.New("should not be called")}
	called := false
	h := WithSingleFlight(locker, time.Minute, "me", nil, func(context.Context, types.TaskMessage) error {
		called = true
		return nil
	})
	require.NoError(t, h(context.Background(), types.TaskMessage{Task: types.TaskSendNotification}))
	assert.True(t, called)
}

func TestWithSingleFlight_LockerErrorIsReturned(t *testing.T) {
	locker := &failingLocker{err: types.NewAppError(types.ErrCodeInternalLockUnavailable, "db down", nil)}
	h := WithSingleFlight(locker, time.Minute, "me", nil, func(context.Context, types.TaskMessage) error {
		t.Fatal("handler must not run without the lease")
		return nil
	})
	err := h(context.Background(), types.TaskMessage{Task: types.TaskRunCycle})
	assert.True(t, types.IsInfrastructure(err))
}

func TestWithSingleFlight_ReleasesAfterHandlerError(t *testing.T) {
	locker := memstore.NewLocker()
	h := WithSingleFlight(locker, time.Minute, "me", nil, func(context.Context, types.TaskMessage) error {
		return errors.New("boom")
	})
	msg := types.TaskMessage{Task: types.TaskReapBatches}
	assert.EqualError(t, h(context.Background(), msg), "boom")

	ok, err := locker.Acquire(context.Background(), string(types.TaskReapBatches), "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithTimeout(t *testing.T) {
	h := WithTimeout(10*time.Millisecond, func(ctx context.Context, _ types.TaskMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, h(context.Background(), types.TaskMessage{}), context.DeadlineExceeded)
}

func TestWithLease_BoundsJobInsideLease(t *testing.T) {
	locker := memstore.NewLocker()
	var remaining time.Duration
	h := WithLease(locker, 10*time.Second, "me", nil, func(ctx context.Context, msg types.TaskMessage) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		remaining = time.Until(deadline)
		held, _ := locker.Acquire(ctx, msg.SingleFlightKey(), "other", time.Second)
		assert.False(t, held)
		return nil
	})

	require.NoError(t, h(context.Background(), types.TaskMessage{Task: types.TaskReapBatches}))
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, LeaseTimeout(10*time.Second))
	assert.Equal(t, 8*time.Second, LeaseTimeout(10*time.Second))
}

type failingLocker struct{ err error }

func (f *failingLocker) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, f.err
}

func (f *failingLocker) Release(context.Context, string, string) error { return nil }
