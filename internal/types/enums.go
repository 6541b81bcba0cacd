package types

// Frequency is the base unit of a recurring billing cadence.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// IsValid reports whether f is one of the supported frequencies.
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// BatchKind identifies which collaborator a batch operation drives.
type BatchKind string

const (
	BatchKindInvoiceGeneration    BatchKind = "invoice_generation"
	BatchKindPDFGeneration        BatchKind = "pdf_generation"
	BatchKindCommunicationSending BatchKind = "communication_sending"
)

// IsValid reports whether k is a known batch kind.
func (k BatchKind) IsValid() bool {
	switch k {
	case BatchKindInvoiceGeneration, BatchKindPDFGeneration, BatchKindCommunicationSending:
		return true
	}
	return false
}

// BatchStatus is the lifecycle state of a batch operation.
//
// Transitions only move forward: pending -> running -> (completed | failed).
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// CanTransitionTo reports whether moving from s to next respects the forward-only
// state machine. A running batch may be re-marked running by a retry attempt.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch s {
	case BatchStatusPending:
		return next == BatchStatusRunning
	case BatchStatusRunning:
		return next == BatchStatusRunning || next == BatchStatusCompleted || next == BatchStatusFailed
	default:
		return false
	}
}

// ChannelType identifies a customer communication channel.
type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSMS      ChannelType = "sms"
	ChannelWhatsApp ChannelType = "whatsapp"
)

// IsValid reports whether c is a supported channel.
func (c ChannelType) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

// JobStatus values recorded in job_history.
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
	JobStatusSkipped = "skipped"
)
