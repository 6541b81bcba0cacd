// Package memstore provides in-memory implementations of the schedule store,
// batch store and job locker. They follow the same compare-and-swap rules as
// the Postgres repositories and back local runs of cmd/scheduler as well as
// the engine and coordinator tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"jewelerp/internal/types"
)

// Schedules is an in-memory recurring schedule store.
type Schedules struct {
	mu   sync.Mutex
	rows map[string]types.RecurringSchedule
}

// NewSchedules creates a store seeded with the given schedules.
func NewSchedules(seed ...types.RecurringSchedule) *Schedules {
	s := &Schedules{rows: make(map[string]types.RecurringSchedule, len(seed))}
	for _, sch := range seed {
		s.rows[sch.ID] = cloneSchedule(sch)
	}
	return s
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cloneSchedule(s types.RecurringSchedule) types.RecurringSchedule {
	if s.EndDate != nil {
		v := *s.EndDate
		s.EndDate = &v
	}
	if s.MaxOccurrences != nil {
		v := *s.MaxOccurrences
		s.MaxOccurrences = &v
	}
	if s.LastFiredAt != nil {
		v := *s.LastFiredAt
		s.LastFiredAt = &v
	}
	if s.Notify != nil {
		v := *s.Notify
		s.Notify = &v
	}
	if s.PayloadTemplate != nil {
		s.PayloadTemplate = append([]byte(nil), s.PayloadTemplate...)
	}
	return s
}

// Create validates and stores a new active schedule.
func (s *Schedules) Create(_ context.Context, sch *types.RecurringSchedule) error {
	if err := types.ValidateSchedule(sch); err != nil {
		return err
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sch.IsActive = true
	sch.OccurrencesGenerated = 0
	sch.CreatedAt, sch.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sch.ID] = cloneSchedule(*sch)
	return nil
}

// Get returns a copy of the schedule.
func (s *Schedules) Get(_ context.Context, id string) (*types.RecurringSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	out := cloneSchedule(row)
	return &out, nil
}

// FindDue mirrors the Postgres due query.
func (s *Schedules) FindDue(_ context.Context, today time.Time) ([]types.RecurringSchedule, error) {
	today = dateOnly(today)

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []types.RecurringSchedule
	for _, row := range s.rows {
		switch {
		case !row.IsActive,
			dateOnly(row.NextFireDate).After(today),
			dateOnly(row.StartDate).After(today),
			row.EndDate != nil && dateOnly(*row.EndDate).Before(today),
			row.MaxOccurrences != nil && row.OccurrencesGenerated >= *row.MaxOccurrences:
			continue
		}
		due = append(due, cloneSchedule(row))
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextFireDate.Equal(due[j].NextFireDate) {
			return due[i].NextFireDate.Before(due[j].NextFireDate)
		}
		return due[i].ID < due[j].ID
	})
	return due, nil
}

// Advance applies the compare-and-swap on next_fire_date under the store
// mutex.
func (s *Schedules) Advance(_ context.Context, adv types.ScheduleAdvance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[adv.ScheduleID]
	if !ok ||
		!row.IsActive ||
		!dateOnly(row.NextFireDate).Equal(dateOnly(adv.ExpectedNextFire)) ||
		(row.MaxOccurrences != nil && row.OccurrencesGenerated >= *row.MaxOccurrences) {
		return false, nil
	}

	firedAt := adv.FiredAt
	row.NextFireDate = dateOnly(adv.NextFire)
	row.OccurrencesGenerated++
	row.LastFiredAt = &firedAt
	row.UpdatedAt = firedAt
	if row.MaxOccurrences != nil && row.OccurrencesGenerated >= *row.MaxOccurrences {
		row.IsActive = false
	}
	s.rows[adv.ScheduleID] = row
	return true, nil
}

// Deactivate soft-disables a schedule.
func (s *Schedules) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
	}
	row.IsActive = false
	row.UpdatedAt = time.Now().UTC()
	s.rows[id] = row
	return nil
}

// List returns one page of schedules ordered by ID.
func (s *Schedules) List(_ context.Context, f types.ScheduleFilter) ([]types.RecurringSchedule, types.PageInfo, error) {
	limit := types.NormalizeLimit(f.Limit)

	s.mu.Lock()
	var out []types.RecurringSchedule
	for _, row := range s.rows {
		if f.CustomerID != "" && row.CustomerID != f.CustomerID {
			continue
		}
		if f.ActiveOnly && !row.IsActive {
			continue
		}
		if f.Cursor != "" && row.ID <= f.Cursor {
			continue
		}
		out = append(out, cloneSchedule(row))
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
