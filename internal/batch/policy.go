package batch

import (
	"time"

	"jewelerp/internal/config"
)

// RetryPolicy decides when a failed batch is re-dispatched and when it is
// abandoned.
//
// MaxAttempts counts collaborator dispatches. After the dispatch numbered k
// (0-based) fails, the batch is re-enqueued with Delays[k]. The delivery that
// arrives with attempt == MaxAttempts finds the attempts exhausted and fails
// the batch without calling the collaborator again.
type RetryPolicy struct {
	Delays                []time.Duration
	MaxAttempts           int
	Deadline              time.Duration
	CallTimeout           time.Duration
	ChunkSize             int
	SkipRetryOnValidation bool
	// DispatchGrace is how long a batch may stay pending before the reaper
	// sends its first execute task again. Zero disables the re-dispatch.
	DispatchGrace time.Duration
}

// DefaultRetryPolicy is the fixed 30s/60s/120s schedule with a two hour
// deadline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays:      []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		MaxAttempts: 3,
		Deadline:    2 * time.Hour,
		CallTimeout: 5 * time.Minute,
		ChunkSize:   50,

		DispatchGrace: 10 * time.Minute,
	}
}

// NewRetryPolicy builds a policy from configuration, filling zero values
// from DefaultRetryPolicy.
func NewRetryPolicy(cfg config.BatchConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if len(cfg.RetryDelays) > 0 {
		p.Delays = append([]time.Duration(nil), cfg.RetryDelays...)
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.Deadline > 0 {
		p.Deadline = cfg.Deadline
	}
	if cfg.CallTimeout > 0 {
		p.CallTimeout = cfg.CallTimeout
	}
	if cfg.ChunkSize > 0 {
		p.ChunkSize = cfg.ChunkSize
	}
	if cfg.DispatchGrace > 0 {
		p.DispatchGrace = cfg.DispatchGrace
	}
	p.SkipRetryOnValidation = cfg.SkipRetryOnValidation
	return p
}

// Delay returns the wait before re-dispatching after the given 0-based
// attempt failed. Attempts beyond the table reuse the last entry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[attempt]
}

// Exhausted reports whether a delivery for attempt may no longer call the
// collaborator.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Expired reports whether a batch started at startedAt is past its deadline.
func (p RetryPolicy) Expired(startedAt *time.Time, now time.Time) bool {
	if startedAt == nil || p.Deadline <= 0 {
		return false
	}
	return now.Sub(*startedAt) > p.Deadline
}
