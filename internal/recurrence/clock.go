// Package recurrence decides which recurring schedules are due, generates
// their invoices exactly once per due date, and advances each schedule's
// cursor with a compare-and-swap.
package recurrence

import (
	"fmt"
	"time"

	"jewelerp/internal/types"
)

// NextDate returns the date following current for the given cadence.
// Month-based frequencies are calendar-aware: when the target month is
// shorter, the day of month clamps to its last day (Jan 31 + 1 month is
// Feb 29 in a leap year, Feb 28 otherwise).
func NextDate(current time.Time, freq types.Frequency, interval int) (time.Time, error) {
	if interval < 1 {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationFrequency,
			fmt.Sprintf("interval must be positive, got %d", interval), nil)
	}
	switch freq {
	case types.FrequencyDaily:
		return current.AddDate(0, 0, interval), nil
	case types.FrequencyWeekly:
		return current.AddDate(0, 0, 7*interval), nil
	case types.FrequencyMonthly:
		return addMonths(current, interval), nil
	case types.FrequencyQuarterly:
		return addMonths(current, 3*interval), nil
	case types.FrequencyYearly:
		return addMonths(current, 12*interval), nil
	default:
		return time.Time{}, types.NewAppError(types.ErrCodeValidationFrequency,
			fmt.Sprintf("unknown frequency %q", freq), nil)
	}
}

// addMonths adds n months without the normalization time.AddDate applies
// (AddDate turns Jan 31 + 1 month into Mar 2).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DateOf returns the calendar date of t in t's location, as UTC midnight.
// All schedule dates are compared in this form.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Eligible reports whether s may fire on today. It re-applies the due-query
// predicate so a stale snapshot never fires an exhausted or expired schedule.
func Eligible(s *types.RecurringSchedule, today time.Time) bool {
	today = DateOf(today)
	switch {
	case !s.IsActive:
		return false
	case DateOf(s.NextFireDate).After(today):
		return false
	case DateOf(s.StartDate).After(today):
		return false
	case s.EndDate != nil && DateOf(*s.EndDate).Before(today):
		return false
	case s.MaxOccurrences != nil && s.OccurrencesGenerated >= *s.MaxOccurrences:
		return false
	}
	return true
}
