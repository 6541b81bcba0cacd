package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validSchedule() *RecurringSchedule {
	start := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return &RecurringSchedule{
		CustomerID:      "cus_123",
		Frequency:       FrequencyMonthly,
		Interval:        1,
		StartDate:       start,
		NextFireDate:    start,
		PayloadTemplate: json.RawMessage(`{"lines":[{"sku":"RING-01","qty":1}]}`),
	}
}

func TestValidateSchedule(t *testing.T) {
	before := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	zero := 0

	tests := []struct {
		name   string
		mutate func(*RecurringSchedule)
		want   ErrorCode
	}{
		{"valid", func(*RecurringSchedule) {}, ""},
		{"missing customer", func(s *RecurringSchedule) { s.CustomerID = "" }, ErrCodeValidationMissingField},
		{"bad frequency", func(s *RecurringSchedule) { s.Frequency = "hourly" }, ErrCodeValidationFrequency},
		{"zero interval", func(s *RecurringSchedule) { s.Interval = 0 }, ErrCodeValidationFrequency},
		{"huge interval", func(s *RecurringSchedule) { s.Interval = MaxScheduleInterval + 1 }, ErrCodeValidationFrequency},
		{"missing next fire date", func(s *RecurringSchedule) { s.NextFireDate = time.Time{} }, ErrCodeValidationMissingField},
		{"end before start", func(s *RecurringSchedule) { s.EndDate = &before }, ErrCodeValidationInvalidPayload},
		{"zero max occurrences", func(s *RecurringSchedule) { s.MaxOccurrences = &zero }, ErrCodeValidationInvalidPayload},
		{"invalid payload json", func(s *RecurringSchedule) { s.PayloadTemplate = json.RawMessage(`{"lines":`) }, ErrCodeValidationInvalidPayload},
		{"bad channel", func(s *RecurringSchedule) { s.Notify = &ContactChannel{Type: "fax", Recipient: "x"} }, ErrCodeValidationInvalidChannel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSchedule()
			tt.mutate(s)
			err := ValidateSchedule(s)
			if got := CodeOf(err); got != tt.want {
				t.Errorf("ValidateSchedule() code = %q, want %q (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestValidateBatchRequest(t *testing.T) {
	tooMany := make([]string, MaxBatchItems+1)
	for i := range tooMany {
		tooMany[i] = "inv"
	}

	tests := []struct {
		name  string
		kind  BatchKind
		items []string
		want  ErrorCode
	}{
		{"valid", BatchKindPDFGeneration, []string{"inv_1", "inv_2"}, ""},
		{"unknown kind", BatchKind("export"), []string{"inv_1"}, ErrCodeValidationInvalidKind},
		{"empty", BatchKindInvoiceGeneration, nil, ErrCodeValidationMissingField},
		{"too many", BatchKindCommunicationSending, tooMany, ErrCodeValidationBatchSize},
		{"blank item", BatchKindPDFGeneration, []string{"inv_1", ""}, ErrCodeValidationInvalidPayload},
		{"long item", BatchKindPDFGeneration, []string{strings.Repeat("x", MaxItemLength+1)}, ErrCodeValidationInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(ValidateBatchRequest(tt.kind, tt.items)); got != tt.want {
				t.Errorf("ValidateBatchRequest() code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeLimit(t *testing.T) {
	if NormalizeLimit(0) != DefaultListLimit {
		t.Error("zero limit should default")
	}
	if NormalizeLimit(MaxListLimit+10) != MaxListLimit {
		t.Error("limit should be capped")
	}
	if NormalizeLimit(7) != 7 {
		t.Error("in-range limit should pass through")
	}
}
