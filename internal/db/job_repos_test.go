package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"jewelerp/internal/types"
)

func TestJobLockRepository_Acquire(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"new lease", "INSERT 0 1", true},
		{"held by another owner", "INSERT 0 0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewJobLockRepository(db)
			fixed := time.Date(2024, 2, 1, 2, 0, 0, 0, time.UTC)
			repo.now = func() time.Time { return fixed }
			ctx := context.Background()

			db.On("Exec", ctx, sqlContains("ON CONFLICT (id) DO UPDATE"),
				[]any{"recurrence.run_cycle", "worker-a", fixed, fixed.Add(30 * time.Minute)}).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			ok, err := repo.Acquire(ctx, "recurrence.run_cycle", "worker-a", 30*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			db.AssertExpectations(t)
		})
	}
}

func TestJobLockRepository_Acquire_Error(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, errors.New("timeout"))

	_, err := repo.Acquire(context.Background(), "x", "w", time.Minute)
	assert.Equal(t, types.ErrCodeInternalLockUnavailable, types.CodeOf(err))
	assert.True(t, types.IsInfrastructure(err))
}

func TestJobLockRepository_Release(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("DELETE FROM job_locks"), []any{"batch.execute:b_1", "worker-a"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, repo.Release(ctx, "batch.execute:b_1", "worker-a"))
	db.AssertExpectations(t)
}

func TestJobHistoryRepository_StartFinish(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, sqlContains("INSERT INTO job_history"), []any{"recurrence.run_cycle"}).Return(valuesRow(int64(42)))
	db.On("Exec", ctx, sqlContains("UPDATE job_history"), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	id, err := repo.Start(ctx, "recurrence.run_cycle")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	require.NoError(t, repo.Finish(ctx, id, types.JobStatusFailed, 7, errors.New("generator down")))
	args := db.Calls[1].Arguments.Get(2).([]any)
	assert.Equal(t, int64(42), args[0])
	assert.Equal(t, "failed", args[1])
	assert.Equal(t, 7, args[2])
	require.NotNil(t, args[3])
	assert.Equal(t, "generator down", *args[3].(*string))
}

func TestJobHistoryRepository_Finish_Missing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)

	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Finish(context.Background(), 9, types.JobStatusSuccess, 0, nil)
	assert.Equal(t, types.ErrCodeInternalUnexpected, types.CodeOf(err))
}

func TestJobHistoryRepository_Recent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)

	started := time.Now().UTC()
	rows := newMockRows([]any{int64(1), "batch.execute", started, &started, "success", 12, nil})
	db.On("Query", mock.Anything, sqlContains("FROM job_history"), []any{"batch.execute", 10}).Return(rows, nil)

	runs, err := repo.Recent(context.Background(), "batch.execute", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 12, runs[0].Items)
	assert.Nil(t, runs[0].Error)
}

func TestIdempotencyRepository_Lookup(t *testing.T) {
	db := new(mockDBTX)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	created := time.Now().UTC()
	db.On("QueryRow", ctx, mock.Anything, []any{"rec_known"}).Return(valuesRow("in_1", "INV-0001", "cus_1", created))
	db.On("QueryRow", ctx, mock.Anything, []any{"rec_new"}).Return(&mockRow{scanErr: pgx.ErrNoRows})

	inv, err := repo.Lookup(ctx, "rec_known")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, "in_1", inv.ID)
	assert.Equal(t, "rec_known", inv.IdempotencyKey)

	inv, err = repo.Lookup(ctx, "rec_new")
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestIdempotencyRepository_Record_ConflictReturnsExisting(t *testing.T) {
	db := new(mockDBTX)
	repo := NewIdempotencyRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContains("ON CONFLICT (key) DO NOTHING"), mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("QueryRow", ctx, mock.Anything, []any{"rec_1"}).Return(valuesRow("in_first", "INV-1", "cus_1", time.Now().UTC()))

	got, err := repo.Record(ctx, &types.Invoice{ID: "in_second", IdempotencyKey: "rec_1", CustomerID: "cus_1"})
	require.NoError(t, err)
	assert.Equal(t, "in_first", got.ID)
}

func TestPDFArchiveRepository_RoundTrip(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPDFArchiveRepository(db)
	ctx := context.Background()

	pdf := []byte("%PDF-1.7\n" + string(make([]byte, 4096)) + "%%EOF")

	var stored []byte
	db.On("Exec", ctx, sqlContains("INSERT INTO invoice_pdfs"), mock.Anything).
		Run(func(args mock.Arguments) {
			stored = args.Get(2).([]any)[1].([]byte)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Save(ctx, "in_1", pdf))
	assert.Less(t, len(stored), len(pdf))

	db.On("QueryRow", ctx, sqlContains("SELECT content_zstd"), []any{"in_1"}).Return(valuesRow(stored))

	got, err := repo.Load(ctx, "in_1")
	require.NoError(t, err)
	assert.Equal(t, pdf, got)
}

func TestPDFArchiveRepository_Load_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPDFArchiveRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Load(context.Background(), "in_x")
	assert.Equal(t, types.ErrCodeNotFoundInvoice, types.CodeOf(err))
}
