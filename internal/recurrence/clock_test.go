package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jewelerp/internal/types"
)

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func TestNextDate(t *testing.T) {
	tests := []struct {
		name     string
		current  time.Time
		freq     types.Frequency
		interval int
		want     time.Time
	}{
		{"leap year month-end clamp", d(2024, 1, 31), types.FrequencyMonthly, 1, d(2024, 2, 29)},
		{"non-leap month-end clamp", d(2023, 1, 31), types.FrequencyMonthly, 1, d(2023, 2, 28)},
		{"quarterly", d(2024, 1, 15), types.FrequencyQuarterly, 1, d(2024, 4, 15)},
		{"yearly interval 2", d(2024, 1, 15), types.FrequencyYearly, 2, d(2026, 1, 15)},
		{"daily", d(2024, 2, 28), types.FrequencyDaily, 1, d(2024, 2, 29)},
		{"daily across year", d(2023, 12, 30), types.FrequencyDaily, 3, d(2024, 1, 2)},
		{"biweekly", d(2024, 3, 1), types.FrequencyWeekly, 2, d(2024, 3, 15)},
		{"monthly interval 3 across year", d(2024, 11, 30), types.FrequencyMonthly, 3, d(2025, 2, 28)},
		{"quarterly clamp", d(2024, 11, 30), types.FrequencyQuarterly, 1, d(2025, 2, 28)},
		{"leap day yearly", d(2024, 2, 29), types.FrequencyYearly, 1, d(2025, 2, 28)},
		{"leap day to leap day", d(2024, 2, 29), types.FrequencyYearly, 4, d(2028, 2, 29)},
		{"day 30 to april", d(2024, 3, 31), types.FrequencyMonthly, 1, d(2024, 4, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDate(tt.current, tt.freq, tt.interval)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextDate_IsDeterministicAndIncreasing(t *testing.T) {
	cur := d(2024, 1, 31)
	for i := 0; i < 24; i++ {
		a, err := NextDate(cur, types.FrequencyMonthly, 1)
		require.NoError(t, err)
		b, _ := NextDate(cur, types.FrequencyMonthly, 1)
		assert.Equal(t, a, b)
		assert.True(t, a.After(cur))
		cur = a
	}
}

func TestNextDate_Invalid(t *testing.T) {
	_, err := NextDate(d(2024, 1, 1), types.Frequency("hourly"), 1)
	assert.Equal(t, types.ErrCodeValidationFrequency, types.CodeOf(err))

	_, err = NextDate(d(2024, 1, 1), types.FrequencyDaily, 0)
	assert.Equal(t, types.ErrCodeValidationFrequency, types.CodeOf(err))
}

func TestEligible(t *testing.T) {
	today := d(2024, 6, 2)
	end := d(2024, 6, 1)
	endToday := d(2024, 6, 2)
	three := 3

	base := func() types.RecurringSchedule {
		return types.RecurringSchedule{
			IsActive:     true,
			StartDate:    d(2024, 1, 1),
			NextFireDate: d(2024, 6, 1),
		}
	}

	tests := []struct {
		name   string
		mutate func(*types.RecurringSchedule)
		want   bool
	}{
		{"due", func(*types.RecurringSchedule) {}, true},
		{"inactive", func(s *types.RecurringSchedule) { s.IsActive = false }, false},
		{"not yet due", func(s *types.RecurringSchedule) { s.NextFireDate = d(2024, 6, 3) }, false},
		{"before start", func(s *types.RecurringSchedule) { s.StartDate = d(2024, 7, 1) }, false},
		{"past end date", func(s *types.RecurringSchedule) { s.EndDate = &end }, false},
		{"end date today", func(s *types.RecurringSchedule) { s.EndDate = &endToday }, true},
		{"cap reached", func(s *types.RecurringSchedule) { s.MaxOccurrences = &three; s.OccurrencesGenerated = 3 }, false},
		{"under cap", func(s *types.RecurringSchedule) { s.MaxOccurrences = &three; s.OccurrencesGenerated = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			assert.Equal(t, tt.want, Eligible(&s, today))
		})
	}
}
