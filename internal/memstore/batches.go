package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"jewelerp/internal/types"
)

// Batches is an in-memory batch operation store.
type Batches struct {
	mu   sync.Mutex
	rows map[string]types.BatchOperation
	now  func() time.Time
}

// NewBatches creates an empty store.
func NewBatches() *Batches {
	return &Batches{rows: make(map[string]types.BatchOperation), now: time.Now}
}

// SetClock replaces the clock used for created_at and updated_at.
func (s *Batches) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneBatch(b types.BatchOperation) types.BatchOperation {
	b.Items = append([]string(nil), b.Items...)
	if b.Options != nil {
		opts := make(types.BatchOptions, len(b.Options))
		for k, v := range b.Options {
			opts[k] = v
		}
		b.Options = opts
	}
	if b.StartedAt != nil {
		v := *b.StartedAt
		b.StartedAt = &v
	}
	if b.CompletedAt != nil {
		v := *b.CompletedAt
		b.CompletedAt = &v
	}
	if b.ErrorMessage != nil {
		v := *b.ErrorMessage
		b.ErrorMessage = &v
	}
	return b
}

// Create validates and stores a new pending batch.
func (s *Batches) Create(_ context.Context, b *types.BatchOperation) (string, error) {
	if err := types.ValidateBatchRequest(b.Kind, b.Items); err != nil {
		return "", err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := s.now().UTC()
	b.Status = types.BatchStatusPending
	b.Attempt = 0
	b.Progress = types.BatchProgress{Total: len(b.Items)}
	b.StartedAt, b.CompletedAt, b.ErrorMessage = nil, nil, nil
	b.CreatedAt, b.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[b.ID] = cloneBatch(*b)
	return b.ID, nil
}

// Put stores b as-is. Used to seed tests with batches in arbitrary states.
func (s *Batches) Put(b types.BatchOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[b.ID] = cloneBatch(b)
}

// Get returns a copy of the batch.
func (s *Batches) Get(_ context.Context, id string) (*types.BatchOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundBatch, "batch not found", nil)
	}
	out := cloneBatch(row)
	return &out, nil
}

// UpdateStatus applies the same guards as the Postgres repository: the
// transition must be legal from the current status, attempt never decreases,
// and error_message is present exactly when the status is failed.
func (s *Batches) UpdateStatus(_ context.Context, id string, status types.BatchStatus, upd types.BatchUpdate) error {
	if status == types.BatchStatusFailed && (upd.ErrorMessage == nil || *upd.ErrorMessage == "") {
		return types.NewAppError(types.ErrCodeValidationMissingField, "error_message is required for failed batches", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundBatch, "batch not found", nil)
	}
	if !row.Status.CanTransitionTo(status) || (upd.Attempt != nil && *upd.Attempt < row.Attempt) {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
			"batch status changed concurrently or transition not allowed", nil,
			map[string]any{"from": string(row.Status), "to": string(status)})
	}

	row.Status = status
	if upd.Attempt != nil {
		row.Attempt = *upd.Attempt
	}
	if upd.StartedAt != nil {
		v := *upd.StartedAt
		row.StartedAt = &v
	}
	if upd.CompletedAt != nil {
		v := *upd.CompletedAt
		row.CompletedAt = &v
	}
	if upd.Progress != nil {
		row.Progress = *upd.Progress
	}
	row.ErrorMessage = nil
	if status == types.BatchStatusFailed {
		v := *upd.ErrorMessage
		row.ErrorMessage = &v
	}
	row.UpdatedAt = s.now().UTC()
	s.rows[id] = row
	return nil
}

// ListRunningStartedBefore returns running batches started before cutoff.
func (s *Batches) ListRunningStartedBefore(_ context.Context, cutoff time.Time, limit int) ([]types.BatchOperation, error) {
	limit = types.NormalizeLimit(limit)

	s.mu.Lock()
	var out []types.BatchOperation
	for _, row := range s.rows {
		if row.Status == types.BatchStatusRunning && row.StartedAt != nil && row.StartedAt.Before(cutoff) {
			out = append(out, cloneBatch(row))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPendingCreatedBefore returns pending batches created before cutoff.
func (s *Batches) ListPendingCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]types.BatchOperation, error) {
	limit = types.NormalizeLimit(limit)

	s.mu.Lock()
	var out []types.BatchOperation
	for _, row := range s.rows {
		if row.Status == types.BatchStatusPending && row.CreatedAt.Before(cutoff) {
			out = append(out, cloneBatch(row))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns one page of batches ordered by ID.
func (s *Batches) List(_ context.Context, f types.BatchFilter) ([]types.BatchOperation, types.PageInfo, error) {
	limit := types.NormalizeLimit(f.Limit)

	s.mu.Lock()
	var out []types.BatchOperation
	for _, row := range s.rows {
		if (f.Kind != "" && row.Kind != f.Kind) ||
			(f.Status != "" && row.Status != f.Status) ||
			(f.Cursor != "" && row.ID <= f.Cursor) {
			continue
		}
		out = append(out, cloneBatch(row))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	var page types.PageInfo
	if len(out) > limit {
		out = out[:limit]
		page.HasMore = true
		page.NextCursor = out[limit-1].ID
	}
	return out, page, nil
}
