package types

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// ScheduleFilter narrows schedule listings. Cursor is the last schedule ID
// of the previous page.
type ScheduleFilter struct {
	CustomerID string
	ActiveOnly bool
	Limit      int
	Cursor     string
}

// BatchFilter narrows batch listings.
type BatchFilter struct {
	Kind   BatchKind
	Status BatchStatus
	Limit  int
	Cursor string
}

// DefaultListLimit applies when a filter has no explicit limit.
const DefaultListLimit = 50

// MaxListLimit caps any listing request.
const MaxListLimit = 200

// NormalizeLimit clamps limit into [1, MaxListLimit], defaulting zero values.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
