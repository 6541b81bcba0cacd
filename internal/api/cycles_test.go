package api

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jewelerp/internal/types"
)

func TestTriggerCycle_WithReferenceDate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/cycles", map[string]string{"reference_date": "2026-03-31"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, env.queue.msgs, 1)
	msg := env.queue.msgs[0]
	assert.Equal(t, types.TaskRunCycle, msg.Task)
	assert.Equal(t, "req-test", msg.TraceID)
	require.NotNil(t, msg.ReferenceDate)
	assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), *msg.ReferenceDate)
}

func TestTriggerCycle_NoBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/cycles", nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, env.queue.msgs, 1)
	assert.Nil(t, env.queue.msgs[0].ReferenceDate)
}

func TestTriggerCycle_Errors(t *testing.T) {
	t.Run("bad date", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/v1/cycles", map[string]string{"reference_date": "tomorrow"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, env.queue.msgs)
	})

	t.Run("queue down", func(t *testing.T) {
		env := newTestEnv(t)
		env.queue.err = types.NewAppError(types.ErrCodeInternalQueue, "send failed", errors.New("throttled"))
		rec := env.do(t, http.MethodPost, "/v1/cycles", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
