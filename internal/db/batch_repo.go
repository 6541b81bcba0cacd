package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"jewelerp/internal/types"
)

const batchColumns = `id, kind, status, items, options, attempt, progress_processed, progress_total,
	started_at, completed_at, error_message, created_at, updated_at`

var allBatchStatuses = []types.BatchStatus{
	types.BatchStatusPending,
	types.BatchStatusRunning,
	types.BatchStatusCompleted,
	types.BatchStatusFailed,
}

// BatchRepository provides data access for the batch_operations table. It is
// the production implementation of batch.Store.
type BatchRepository struct {
	db DBTX
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db DBTX) *BatchRepository {
	return &BatchRepository{db: db}
}

func scanBatch(row rowScanner) (*types.BatchOperation, error) {
	var (
		b        types.BatchOperation
		kind     string
		status   string
		rawItems []byte
		rawOpts  []byte
		items    types.ItemList
	)
	err := row.Scan(
		&b.ID,
		&kind,
		&status,
		&rawItems,
		&rawOpts,
		&b.Attempt,
		&b.Progress.Processed,
		&b.Progress.Total,
		&b.StartedAt,
		&b.CompletedAt,
		&b.ErrorMessage,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rawItems != nil {
		if err := items.Scan(rawItems); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
	}
	if rawOpts != nil {
		if err := b.Options.Scan(rawOpts); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	b.Kind = types.BatchKind(kind)
	b.Status = types.BatchStatus(status)
	b.Items = []string(items)
	return &b, nil
}

// Create validates and inserts a new pending batch and returns its ID.
func (r *BatchRepository) Create(ctx context.Context, b *types.BatchOperation) (string, error) {
	if err := types.ValidateBatchRequest(b.Kind, b.Items); err != nil {
		return "", err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Status = types.BatchStatusPending
	b.Attempt = 0
	b.Progress = types.BatchProgress{Total: len(b.Items)}

	items, err := types.ItemList(b.Items).Value()
	if err != nil {
		return "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "failed to encode items", err)
	}
	opts, err := b.Options.Value()
	if err != nil {
		return "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "failed to encode options", err)
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO batch_operations
		 (id, kind, status, items, options, attempt, progress_processed, progress_total,
		  created_at, updated_at)
		 VALUES ($1, $2, 'pending', $3, $4, 0, 0, $5, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		b.ID,
		string(b.Kind),
		items,
		opts,
		len(b.Items),
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to create batch", err)
	}
	return b.ID, nil
}

// Get returns a batch by ID.
func (r *BatchRepository) Get(ctx context.Context, id string) (*types.BatchOperation, error) {
	b, err := scanBatch(r.db.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batch_operations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBatch, "batch not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get batch", err)
	}
	return b, nil
}

// UpdateStatus moves a batch to status and writes the non-nil fields of upd
// in one conditional statement. The WHERE clause only matches rows whose
// current status may legally transition to status, and never lets attempt
// move backwards, so concurrent writers cannot regress a batch.
//
// error_message is written only for status failed (where it is required) and
// cleared otherwise.
func (r *BatchRepository) UpdateStatus(ctx context.Context, id string, status types.BatchStatus, upd types.BatchUpdate) error {
	var errMsg *string
	if status == types.BatchStatusFailed {
		if upd.ErrorMessage == nil || *upd.ErrorMessage == "" {
			return types.NewAppError(types.ErrCodeValidationMissingField, "error_message is required for failed batches", nil)
		}
		errMsg = upd.ErrorMessage
	}

	var processed, total *int
	if upd.Progress != nil {
		processed, total = &upd.Progress.Processed, &upd.Progress.Total
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE batch_operations
		 SET status = $2,
		     attempt = COALESCE($3, attempt),
		     started_at = COALESCE($4, started_at),
		     completed_at = COALESCE($5, completed_at),
		     error_message = $6,
		     progress_processed = COALESCE($7, progress_processed),
		     progress_total = COALESCE($8, progress_total),
		     updated_at = NOW()
		 WHERE id = $1
		   AND status = ANY($9)
		   AND ($3::int IS NULL OR attempt <= $3)`,
		id,
		string(status),
		upd.Attempt,
		upd.StartedAt,
		upd.CompletedAt,
		errMsg,
		processed,
		total,
		predecessors(status),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update batch status", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRow(ctx, `SELECT status FROM batch_operations WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundBatch, "batch not found", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read batch status", err)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
		"batch status changed concurrently or transition not allowed", nil,
		map[string]any{"from": current, "to": string(status)})
}

// predecessors lists the statuses from which status is reachable.
func predecessors(status types.BatchStatus) []string {
	var out []string
	for _, s := range allBatchStatuses {
		if s.CanTransitionTo(status) {
			out = append(out, string(s))
		}
	}
	return out
}

// ListRunningStartedBefore returns running batches whose started_at is older
// than cutoff. Used by the deadline reaper.
func (r *BatchRepository) ListRunningStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.BatchOperation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+batchColumns+`
		 FROM batch_operations
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at
		 LIMIT $2`,
		cutoff,
		types.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query expired batches", err)
	}
	return collectBatches(rows)
}

// ListPendingCreatedBefore returns pending batches created before cutoff.
// Used by the reaper to re-dispatch batches whose first task was lost.
func (r *BatchRepository) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.BatchOperation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+batchColumns+`
		 FROM batch_operations
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		cutoff,
		types.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query pending batches", err)
	}
	return collectBatches(rows)
}

// List returns one page of batches ordered by ID.
func (r *BatchRepository) List(ctx context.Context, f types.BatchFilter) ([]types.BatchOperation, types.PageInfo, error) {
	limit := types.NormalizeLimit(f.Limit)
	rows, err := r.db.Query(ctx,
		`SELECT `+batchColumns+`
		 FROM batch_operations
		 WHERE ($1 = '' OR kind = $1)
		   AND ($2 = '' OR status = $2)
		   AND ($3 = '' OR id > $3)
		 ORDER BY id
		 LIMIT $4`,
		string(f.Kind),
		string(f.Status),
		f.Cursor,
		limit+1,
	)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list batches", err)
	}
	out, err := collectBatches(rows)
	if err != nil {
		return nil, types.PageInfo{}, err
	}

	var page types.PageInfo
	if len(out) > limit {
		out = out[:limit]
		page.HasMore = true
		page.NextCursor = out[limit-1].ID
	}
	return out, page, nil
}

func collectBatches(rows pgx.Rows) ([]types.BatchOperation, error) {
	defer rows.Close()

	var out []types.BatchOperation
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan batch", err)
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating batches", err)
	}
	return out, nil
}
