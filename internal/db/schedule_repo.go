package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"jewelerp/internal/types"
)

const scheduleColumns = `id, customer_id, frequency, interval_count, next_fire_date, start_date,
	end_date, max_occurrences, occurrences_generated, is_active, last_fired_at,
	payload_template, notify, created_at, updated_at`

// ScheduleRepository provides data access for the recurring_schedules table.
// It is the production implementation of recurrence.Repository.
type ScheduleRepository struct {
	db DBTX
}

// NewScheduleRepository creates a new ScheduleRepository backed by the given
// database connection (pool or transaction).
func NewScheduleRepository(db DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*types.RecurringSchedule, error) {
	var (
		s         types.RecurringSchedule
		frequency string
		payload   []byte
		notify    []byte
	)
	err := row.Scan(
		&s.ID,
		&s.CustomerID,
		&frequency,
		&s.Interval,
		&s.NextFireDate,
		&s.StartDate,
		&s.EndDate,
		&s.MaxOccurrences,
		&s.OccurrencesGenerated,
		&s.IsActive,
		&s.LastFiredAt,
		&payload,
		&notify,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Frequency = types.Frequency(frequency)
	s.PayloadTemplate = json.RawMessage(payload)
	if len(notify) > 0 && string(notify) != "null" {
		var ch types.ContactChannel
		if err := json.Unmarshal(notify, &ch); err != nil {
			return nil, err
		}
		s.Notify = &ch
	}
	return &s, nil
}

// FindDue returns every schedule eligible to fire on today, ordered by
// next_fire_date then id so that cycles process the oldest debt first.
//
// SQL:
//
//	WHERE is_active
//	  AND next_fire_date <= $1 AND start_date <= $1
//	  AND (end_date IS NULL OR end_date >= $1)
//	  AND (max_occurrences IS NULL OR occurrences_generated < max_occurrences)
func (r *ScheduleRepository) FindDue(ctx context.Context, today time.Time) ([]types.RecurringSchedule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+`
		 FROM recurring_schedules
		 WHERE is_active
		   AND next_fire_date <= $1
		   AND start_date <= $1
		   AND (end_date IS NULL OR end_date >= $1)
		   AND (max_occurrences IS NULL OR occurrences_generated < max_occurrences)
		 ORDER BY next_fire_date, id`,
		dateOnly(today),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due schedules", err)
	}
	defer rows.Close()

	var due []types.RecurringSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due schedule", err)
		}
		due = append(due, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating due schedules", err)
	}
	return due, nil
}

// Get returns a single schedule by ID.
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*types.RecurringSchedule, error) {
	s, err := scanSchedule(r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM recurring_schedules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get schedule", err)
	}
	return s, nil
}

// Create validates and inserts a schedule. An empty ID is replaced by a new
// UUID. New schedules always start active with zero occurrences.
func (r *ScheduleRepository) Create(ctx context.Context, s *types.RecurringSchedule) error {
	if err := types.ValidateSchedule(s); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.IsActive = true
	s.OccurrencesGenerated = 0

	payload := []byte(s.PayloadTemplate)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var notify []byte
	if s.Notify != nil {
		b, err := json.Marshal(s.Notify)
		if err != nil {
			return types.NewAppError(types.ErrCodeValidationInvalidChannel, "failed to encode notify channel", err)
		}
		notify = b
	}

	err := r.db.QueryRow(ctx,
		`INSERT INTO recurring_schedules
		 (id, customer_id, frequency, interval_count, next_fire_date, start_date,
		  end_date, max_occurrences, occurrences_generated, is_active,
		  payload_template, notify, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, TRUE, $9, $10, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		s.ID,
		s.CustomerID,
		string(s.Frequency),
		s.Interval,
		dateOnly(s.NextFireDate),
		dateOnly(s.StartDate),
		s.EndDate,
		s.MaxOccurrences,
		payload,
		notify,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create schedule", err)
	}
	return nil
}

// Advance performs the compare-and-swap that records one firing. The row is
// only updated while next_fire_date still equals adv.ExpectedNextFire and the
// schedule is active and under its occurrence cap, so two workers racing on
// the same schedule cannot both advance it. is_active flips to false in the
// same statement once the cap is reached.
//
// Returns false (and no error) when another worker already advanced the row.
func (r *ScheduleRepository) Advance(ctx context.Context, adv types.ScheduleAdvance) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE recurring_schedules
		 SET next_fire_date = $3,
		     occurrences_generated = occurrences_generated + 1,
		     last_fired_at = $4,
		     is_active = CASE
		       WHEN max_occurrences IS NOT NULL AND occurrences_generated + 1 >= max_occurrences THEN FALSE
		       ELSE is_active
		     END,
		     updated_at = $4
		 WHERE id = $1
		   AND next_fire_date = $2
		   AND is_active
		   AND (max_occurrences IS NULL OR occurrences_generated < max_occurrences)`,
		adv.ScheduleID,
		dateOnly(adv.ExpectedNextFire),
		dateOnly(adv.NextFire),
		adv.FiredAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to advance schedule", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Deactivate soft-disables a schedule. Deactivating an inactive schedule is a
// no-op success.
func (r *ScheduleRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE recurring_schedules SET is_active = FALSE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate schedule", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	return nil
}

// List returns one page of schedules ordered by ID. The cursor is the last
// ID of the previous page.
func (r *ScheduleRepository) List(ctx context.Context, f types.ScheduleFilter) ([]types.RecurringSchedule, types.PageInfo, error) {
	limit := types.NormalizeLimit(f.Limit)

	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+`
		 FROM recurring_schedules
		 WHERE ($1 = '' OR customer_id = $1)
		   AND (NOT $2 OR is_active)
		   AND ($3 = '' OR id > $3)
		 ORDER BY id
		 LIMIT $4`,
		f.CustomerID,
		f.ActiveOnly,
		f.Cursor,
		limit+1,
	)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list schedules", err)
	}
	defer rows.Close()

	var out []types.RecurringSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedules", err)
	}

	var page types.PageInfo
	if len(out) > limit {
		out = out[:limit]
		page.HasMore = true
		page.NextCursor = out[limit-1].ID
	}
	return out, page, nil
}
