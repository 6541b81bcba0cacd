package types

import (
	"encoding/json"
	"time"
)

// RecurringSchedule describes a periodic billing cadence for one customer.
//
// NextFireDate, StartDate and EndDate are calendar dates stored as UTC
// midnight. The scheduler never interprets PayloadTemplate; it is handed
// verbatim to the InvoiceGenerator.
type RecurringSchedule struct {
	ID                   string          `json:"id"`
	CustomerID           string          `json:"customer_id"`
	Frequency            Frequency       `json:"frequency"`
	Interval             int             `json:"interval"`
	NextFireDate         time.Time       `json:"next_fire_date"`
	StartDate            time.Time       `json:"start_date"`
	EndDate              *time.Time      `json:"end_date,omitempty"`
	MaxOccurrences       *int            `json:"max_occurrences,omitempty"`
	OccurrencesGenerated int             `json:"occurrences_generated"`
	IsActive             bool            `json:"is_active"`
	LastFiredAt          *time.Time      `json:"last_fired_at,omitempty"`
	PayloadTemplate      json.RawMessage `json:"payload_template"`
	Notify               *ContactChannel `json:"notify,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ContactChannel is the customer's configured communication channel used for
// post-generation notices.
type ContactChannel struct {
	Type      ChannelType `json:"type"`
	Recipient string      `json:"recipient"`
}

// BatchProgress tracks how many items the collaborator has finished.
type BatchProgress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// BatchOperation groups homogeneous work items for coordinated, retryable
// execution. Items are immutable once the batch leaves pending.
type BatchOperation struct {
	ID           string        `json:"id"`
	Kind         BatchKind     `json:"kind"`
	Status       BatchStatus   `json:"status"`
	Items        []string      `json:"items"`
	Options      BatchOptions  `json:"options,omitempty"`
	Attempt      int           `json:"attempt"`
	Progress     BatchProgress `json:"progress"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// BatchUpdate carries the optional fields written alongside a status change.
// Nil pointers leave the stored value untouched, except ErrorMessage which is
// always cleared unless the target status is failed.
type BatchUpdate struct {
	Attempt      *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	Progress     *BatchProgress
}

// Invoice is the minimal view of a generated invoice the scheduler needs.
type Invoice struct {
	ID             string    `json:"id"`
	Number         string    `json:"number,omitempty"`
	CustomerID     string    `json:"customer_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// InvoiceRequest is passed to an InvoiceGenerator. ScheduleID and DueDate are
// empty for ad-hoc (batch) generation.
type InvoiceRequest struct {
	CustomerID string          `json:"customer_id"`
	ScheduleID string          `json:"schedule_id,omitempty"`
	DueDate    time.Time       `json:"due_date"`
	Payload    json.RawMessage `json:"payload"`
}

// OutboundMessage is a rendered communication handed to a dispatcher.
type OutboundMessage struct {
	Channel   ChannelType       `json:"channel"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DispatchResult is returned by a CommunicationDispatcher.
type DispatchResult struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Accepted          bool   `json:"accepted"`
}

// CycleSummary reports the outcome of one recurrence cycle.
type CycleSummary struct {
	Fired   int `json:"fired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Total returns the number of schedules considered by the cycle.
func (s CycleSummary) Total() int {
	return s.Fired + s.Skipped + s.Failed
}

// ScheduleAdvance is the compare-and-swap request that moves a schedule to its
// next occurrence. The update applies only while the stored next_fire_date
// still equals ExpectedNextFire.
type ScheduleAdvance struct {
	ScheduleID       string
	ExpectedNextFire time.Time
	NextFire         time.Time
	FiredAt          time.Time
}
