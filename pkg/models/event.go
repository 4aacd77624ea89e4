package models

import "time"

// LifecycleEvent is one structured status transition for a query, published
// to stream subscribers and persisted for catch-up.
type LifecycleEvent struct {
	QueryID   string         `json:"query_id"`
	UserID    string         `json:"user_id,omitempty"`
	State     LifecycleState `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// StoredEvent is a persisted event row used by the catch-up path.
type StoredEvent struct {
	ID        int64          `json:"id"`
	QueryID   string         `json:"query_id"`
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
