package types

import (
	"encoding/json"
	"fmt"
)

// Validation constraint constants.
const (
	MaxScheduleInterval = 120
	MaxBatchItems       = 5000
	MaxItemLength       = 128
)

// ValidateSchedule checks the structural rules a schedule must satisfy before
// it is persisted. It does not look at eligibility (dates, counters).
func ValidateSchedule(s *RecurringSchedule) error {
	if s.CustomerID == "" {
		return NewAppError(ErrCodeValidationMissingField, "customer_id is required", nil)
	}
	if !s.Frequency.IsValid() {
		return NewAppError(ErrCodeValidationFrequency, fmt.Sprintf("unknown frequency %q", s.Frequency), nil)
	}
	if s.Interval < 1 || s.Interval > MaxScheduleInterval {
		return NewAppError(ErrCodeValidationFrequency,
			fmt.Sprintf("interval must be between 1 and %d", MaxScheduleInterval), nil)
	}
	if s.NextFireDate.IsZero() {
		return NewAppError(ErrCodeValidationMissingField, "next_fire_date is required", nil)
	}
	if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
		return NewAppError(ErrCodeValidationInvalidPayload, "end_date precedes start_date", nil)
	}
	if s.MaxOccurrences != nil && *s.MaxOccurrences < 1 {
		return NewAppError(ErrCodeValidationInvalidPayload, "max_occurrences must be positive", nil)
	}
	if len(s.PayloadTemplate) > 0 && !json.Valid(s.PayloadTemplate) {
		return NewAppError(ErrCodeValidationInvalidPayload, "payload_template is not valid JSON", nil)
	}
	if s.Notify != nil && !s.Notify.Type.IsValid() {
		return NewAppError(ErrCodeValidationInvalidChannel, fmt.Sprintf("unknown channel %q", s.Notify.Type), nil)
	}
	return nil
}

// ValidateBatchRequest checks a batch before it is created.
func ValidateBatchRequest(kind BatchKind, items []string) error {
	if !kind.IsValid() {
		return NewAppError(ErrCodeValidationInvalidKind, fmt.Sprintf("unknown batch kind %q", kind), nil)
	}
	if len(items) == 0 {
		return NewAppError(ErrCodeValidationMissingField, "items must not be empty", nil)
	}
	if len(items) > MaxBatchItems {
		return NewAppErrorWithDetails(ErrCodeValidationBatchSize,
			fmt.Sprintf("a batch may contain at most %d items", MaxBatchItems), nil,
			map[string]any{"count": len(items)})
	}
	for i, item := range items {
		if item == "" || len(item) > MaxItemLength {
			return NewAppErrorWithDetails(ErrCodeValidationInvalidPayload,
				"items must be non-empty identifiers", nil, map[string]any{"index": i})
		}
	}
	return nil
}
