package types

import "time"

// TaskName identifies a job delivered through the task queue.
type TaskName string

const (
	// TaskRunCycle fires the recurrence engine for a reference date.
	TaskRunCycle TaskName = "recurrence.run_cycle"
	// TaskExecuteBatch runs (or retries) one batch operation.
	TaskExecuteBatch TaskName = "batch.execute"
	// TaskSendNotification delivers a single best-effort customer notice.
	TaskSendNotification TaskName = "communication.send"
	// TaskReapBatches fails running batches that exceeded their deadline.
	TaskReapBatches TaskName = "batch.reap_expired"
)

// TaskMessage is the queue envelope shared by every producer and consumer.
// JSON tags use snake_case to match the rest of the wire formats.
type TaskMessage struct {
	Task    TaskName `json:"task"`
	TraceID string   `json:"trace_id"`

	// BatchID is set for TaskExecuteBatch.
	BatchID string `json:"batch_id,omitempty"`
	// Attempt is the 0-based attempt the consumer should run. The coordinator
	// ignores messages whose attempt is behind the stored batch attempt.
	Attempt int `json:"attempt,omitempty"`
	// LastError carries the failure that caused this retry so the terminal
	// error_message can name it.
	LastError string `json:"last_error,omitempty"`

	// ReferenceDate overrides "today" for TaskRunCycle (manual backfill).
	ReferenceDate *time.Time `json:"reference_date,omitempty"`

	// Message is set for TaskSendNotification.
	Message *OutboundMessage `json:"message,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SingleFlightKey returns the lock name that serializes executions of this
// task, or "" when concurrent executions are allowed.
func (m TaskMessage) SingleFlightKey() string {
	switch m.Task {
	case TaskRunCycle:
		return string(TaskRunCycle)
	case TaskReapBatches:
		return string(TaskReapBatches)
	case TaskExecuteBatch:
		return string(TaskExecuteBatch) + ":" + m.BatchID
	}
	return ""
}
