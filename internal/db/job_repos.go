package db

import (
	"context"
	"time"

	"jewelerp/internal/types"
)

// JobLockRepository is a lease table (job_locks) that gives a named job a
// single holder across the fleet. It satisfies queue.Locker and is the
// fallback when no Redis is configured.
type JobLockRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobLockRepository creates a new JobLockRepository.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, now: time.Now}
}

// Acquire inserts the lease row for name, or takes over a row whose lease has
// expired. Returns false when another owner holds a live lease.
//
// locked_at and expires_at are computed in Go rather than with interval
// arithmetic in SQL so the TTL never round-trips through a PG interval.
func (r *JobLockRepository) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := r.now().UTC()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		name,
		owner,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalLockUnavailable, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops the lease if owner still holds it. Releasing a lease that
// expired and was taken over by someone else is a no-op.
func (r *JobLockRepository) Release(ctx context.Context, name, owner string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		name,
		owner,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalLockUnavailable, "failed to release job lock", err)
	}
	return nil
}

// JobRun is one row of job_history.
type JobRun struct {
	ID         int64      `json:"id"`
	JobType    string     `json:"job_type"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Items      int        `json:"items_count"`
	Error      *string    `json:"error,omitempty"`
}

// JobHistoryRepository records cycle runs and batch attempts in job_history
// for operator visibility.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a new JobHistoryRepository.
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a running entry and returns its ID for Finish.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		jobType,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish records the outcome of a run started with Start.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

// Recent returns the latest runs of jobType, newest first.
func (r *JobHistoryRepository) Recent(ctx context.Context, jobType string, limit int) ([]JobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, job_type, started_at, finished_at, status, COALESCE(items_count, 0), error
		 FROM job_history
		 WHERE job_type = $1
		 ORDER BY started_at DESC
		 LIMIT $2`,
		jobType,
		types.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query job history", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var run JobRun
		if err := rows.Scan(&run.ID, &run.JobType, &run.StartedAt, &run.FinishedAt, &run.Status, &run.Items, &run.Error); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job history", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job history", err)
	}
	return runs, nil
}
