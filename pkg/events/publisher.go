package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/amila-ai/amila/pkg/models"
)

// notifyLimit is the safe bound under PostgreSQL's 8000-byte NOTIFY payload
// limit; larger payloads are replaced by a truncation envelope and fetched
// from the events table by db_event_id.
const notifyLimit = 7900

// Publisher persists lifecycle events and broadcasts them via NOTIFY.
// Persist and NOTIFY run in one transaction, so a committed event is always
// both stored and announced.
type Publisher struct {
	db *sql.DB
}

func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishLifecycle persists one lifecycle transition to the query channel
// and broadcasts a transient copy to the global queries channel. The global
// publish is best-effort; the first error encountered is returned.
func (p *Publisher) PublishLifecycle(ctx context.Context, event models.LifecycleEvent) error {
	payload := LifecyclePayload{
		Type:      EventTypeLifecycle,
		QueryID:   event.QueryID,
		State:     event.State,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Metadata:  event.Metadata,
		TraceID:   event.TraceID,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal lifecycle payload: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, event.QueryID, QueryChannel(event.QueryID), payloadJSON); err != nil {
		slog.Warn("Failed to publish lifecycle event to query channel",
			"query_id", event.QueryID, "state", event.State, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalQueriesChannel, payloadJSON); err != nil {
		slog.Warn("Failed to publish lifecycle event to global channel",
			"query_id", event.QueryID, "state", event.State, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// persistAndNotify stores the event and fires pg_notify in one transaction;
// NOTIFY delivery is held until COMMIT.
func (p *Publisher) persistAndNotify(ctx context.Context, queryID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (query_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		queryID, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts without persisting.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded replaces oversized payloads with a routing envelope the
// subscriber resolves against the events table.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= notifyLimit {
		return payloadStr, nil
	}

	var routing LifecyclePayload
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("extract routing fields for truncation: %w", err)
	}
	envelope := LifecyclePayload{
		Type:      routing.Type,
		QueryID:   routing.QueryID,
		State:     routing.State,
		Timestamp: routing.Timestamp,
		TraceID:   routing.TraceID,
		DBEventID: routing.DBEventID,
		Truncated: true,
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal truncation envelope: %w", err)
	}
	return string(out), nil
}
