// Package events provides lifecycle event delivery: events are persisted
// to the events table and broadcast across pods with PostgreSQL
// NOTIFY/LISTEN, then fanned out to SSE subscribers. Late subscribers
// catch up from the table by event id.
package events

import "github.com/amila-ai/amila/pkg/models"

// EventTypeLifecycle is the single persistent event type: one lifecycle
// state transition of a query.
const EventTypeLifecycle = "query.lifecycle"

// GlobalQueriesChannel carries every query's lifecycle transitions for
// dashboard-style subscribers.
const GlobalQueriesChannel = "queries"

// QueryChannel returns the per-query channel name: "query:{query_id}".
func QueryChannel(queryID string) string {
	return "query:" + queryID
}

// LifecyclePayload is the wire shape of a lifecycle event, both in NOTIFY
// payloads and SSE frames. DBEventID is injected on NOTIFY for catchup
// tracking; Truncated marks an envelope whose full payload must be fetched
// from the events table.
type LifecyclePayload struct {
	Type      string                `json:"type"`
	QueryID   string                `json:"query_id"`
	State     models.LifecycleState `json:"state"`
	Timestamp string                `json:"timestamp"`
	Metadata  map[string]any        `json:"metadata,omitempty"`
	TraceID   string                `json:"trace_id,omitempty"`
	DBEventID *int64                `json:"db_event_id,omitempty"`
	Truncated bool                  `json:"truncated,omitempty"`
}
