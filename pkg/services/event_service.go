package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/amila-ai/amila/pkg/events"
)

// EventService reads and prunes the events table. Writes go through
// events.Publisher so persist and NOTIFY stay transactional.
type EventService struct {
	db *sql.DB
}

func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// GetCatchupEvents returns stored events on a channel after sinceID,
// oldest first, for stream catch-up.
func (s *EventService) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]events.CatchupEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload FROM events
		WHERE channel = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query catchup events: %w", err)
	}
	defer rows.Close()

	var out []events.CatchupEvent
	for rows.Next() {
		var ev events.CatchupEvent
		if err := rows.Scan(&ev.ID, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan catchup event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetLatestEvent returns the most recent stored event on a channel, so a
// late subscriber immediately sees the current state. Returns ErrNotFound
// when the channel has no history.
func (s *EventService) GetLatestEvent(ctx context.Context, channel string) (*events.CatchupEvent, error) {
	var ev events.CatchupEvent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payload FROM events
		WHERE channel = $1
		ORDER BY id DESC
		LIMIT 1`, channel).Scan(&ev.ID, &ev.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest event: %w", err)
	}
	return &ev, nil
}

// CleanupOldEvents removes events older than the TTL.
func (s *EventService) CleanupOldEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}

// CleanupQueryEvents removes all stored events for one query.
func (s *EventService) CleanupQueryEvents(ctx context.Context, queryID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE query_id = $1`, queryID)
	if err != nil {
		return 0, fmt.Errorf("cleanup query events: %w", err)
	}
	return res.RowsAffected()
}
