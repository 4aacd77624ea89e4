package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amila-ai/amila/pkg/models"
)

// WebhookService owns webhook subscriptions and the DB-backed delivery
// queue.
type WebhookService struct {
	db *sql.DB
}

func NewWebhookService(db *sql.DB) *WebhookService {
	return &WebhookService{db: db}
}

// Create registers a subscription and returns it with its generated id.
func (s *WebhookService) Create(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.WebhookID == "" {
		sub.WebhookID = uuid.New().String()
	}
	if len(sub.Events) == 0 {
		sub.Events = []string{"*"}
	}
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal webhook events: %w", err)
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (webhook_id, user_id, url, events, active, secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		sub.WebhookID, sub.UserID, sub.URL, eventsJSON, sub.Active, sub.Secret, now)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// Get returns one subscription.
func (s *WebhookService) Get(ctx context.Context, webhookID string) (*models.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT webhook_id, user_id, url, events, active, secret, created_at,
		       updated_at, last_delivery_at, last_status_code, consecutive_failures
		FROM webhooks WHERE webhook_id = $1`, webhookID)
	return scanWebhook(row)
}

// ListByUser returns a user's subscriptions, newest first.
func (s *WebhookService) ListByUser(ctx context.Context, userID string) ([]*models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT webhook_id, user_id, url, events, active, secret, created_at,
		       updated_at, last_delivery_at, last_status_code, consecutive_failures
		FROM webhooks WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		sub, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListActiveForUser returns a user's active subscriptions, for
// terminal-event fan-out.
func (s *WebhookService) ListActiveForUser(ctx context.Context, userID string) ([]*models.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT webhook_id, user_id, url, events, active, secret, created_at,
		       updated_at, last_delivery_at, last_status_code, consecutive_failures
		FROM webhooks WHERE active AND user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		sub, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Update modifies url, events, active, and secret; zero values keep the
// current value (empty events list keeps the current list).
func (s *WebhookService) Update(ctx context.Context, sub *models.WebhookSubscription) error {
	var eventsJSON []byte
	if len(sub.Events) > 0 {
		var err error
		eventsJSON, err = json.Marshal(sub.Events)
		if err != nil {
			return fmt.Errorf("marshal webhook events: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks
		SET url = COALESCE(NULLIF($1, ''), url),
		    events = COALESCE($2, events),
		    active = $3,
		    secret = COALESCE(NULLIF($4, ''), secret),
		    updated_at = $5
		WHERE webhook_id = $6`,
		sub.URL, eventsJSON, sub.Active, sub.Secret, time.Now(), sub.WebhookID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a subscription and cascades its queued deliveries.
func (s *WebhookService) Delete(ctx context.Context, webhookID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE webhook_id = $1`, webhookID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnqueueDelivery queues one delivery row for the webhook workers.
func (s *WebhookService) EnqueueDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.DeliveryID == "" {
		d.DeliveryID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
			(delivery_id, webhook_id, query_id, event, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)`,
		d.DeliveryID, d.WebhookID, d.QueryID, d.Event, d.Payload,
		models.DeliveryPending, time.Now())
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// ClaimDeliveries claims up to limit due pending deliveries with
// FOR UPDATE SKIP LOCKED and pushes their next_attempt_at forward so a
// crashed worker's claims become due again instead of being lost.
func (s *WebhookService) ClaimDeliveries(ctx context.Context, limit int, redeliverAfter time.Duration) ([]*models.WebhookDelivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delivery claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT delivery_id, webhook_id, query_id, event, payload, attempts
		FROM webhook_deliveries
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		models.DeliveryPending, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}

	var claimed []*models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.DeliveryID, &d.WebhookID, &d.QueryID, &d.Event, &d.Payload, &d.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		claimed = append(claimed, &d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(redeliverAfter)
	for _, d := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_deliveries SET next_attempt_at = $1 WHERE delivery_id = $2`,
			deadline, d.DeliveryID); err != nil {
			return nil, fmt.Errorf("stamp claimed delivery: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delivery claim: %w", err)
	}
	return claimed, nil
}

// RecordDeliveryResult writes the outcome of one attempt and mirrors it
// onto the subscription's health counters.
func (s *WebhookService) RecordDeliveryResult(ctx context.Context, d *models.WebhookDelivery, statusCode int, attemptErr string, nextAttempt *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delivery result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	switch d.Status {
	case models.DeliveryDelivered:
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_deliveries
			SET status = $1, attempts = $2, last_status_code = $3, last_error = NULL, delivered_at = $4
			WHERE delivery_id = $5`,
			models.DeliveryDelivered, d.Attempts, statusCode, now, d.DeliveryID)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE webhooks
				SET last_delivery_at = $1, last_status_code = $2, consecutive_failures = 0
				WHERE webhook_id = $3`,
				now, statusCode, d.WebhookID)
		}
	case models.DeliveryFailed:
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_deliveries
			SET status = $1, attempts = $2, last_status_code = NULLIF($3, 0), last_error = NULLIF($4, '')
			WHERE delivery_id = $5`,
			models.DeliveryFailed, d.Attempts, statusCode, attemptErr, d.DeliveryID)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE webhooks
				SET last_delivery_at = $1, last_status_code = NULLIF($2, 0),
				    consecutive_failures = consecutive_failures + 1
				WHERE webhook_id = $3`,
				now, statusCode, d.WebhookID)
		}
	default: // still pending, retry scheduled
		_, err = tx.ExecContext(ctx, `
			UPDATE webhook_deliveries
			SET attempts = $1, last_status_code = NULLIF($2, 0), last_error = NULLIF($3, ''),
			    next_attempt_at = $4
			WHERE delivery_id = $5`,
			d.Attempts, statusCode, attemptErr, nextAttempt, d.DeliveryID)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE webhooks
				SET last_delivery_at = $1, last_status_code = NULLIF($2, 0),
				    consecutive_failures = consecutive_failures + 1
				WHERE webhook_id = $3`,
				now, statusCode, d.WebhookID)
		}
	}
	if err != nil {
		return fmt.Errorf("record delivery result: %w", err)
	}
	return tx.Commit()
}

// CleanupDeliveredDeliveries removes delivered rows older than retention.
func (s *WebhookService) CleanupDeliveredDeliveries(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE status = $1 AND delivered_at < $2`,
		models.DeliveryDelivered, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup deliveries: %w", err)
	}
	return res.RowsAffected()
}

func scanWebhook(row rowScanner) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	var eventsJSON []byte
	var lastDelivery sql.NullTime
	var lastStatus sql.NullInt64
	err := row.Scan(&sub.WebhookID, &sub.UserID, &sub.URL, &eventsJSON,
		&sub.Active, &sub.Secret, &sub.CreatedAt, &sub.UpdatedAt,
		&lastDelivery, &lastStatus, &sub.ConsecutiveFailures)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, fmt.Errorf("unmarshal webhook events: %w", err)
	}
	if lastDelivery.Valid {
		sub.LastDeliveryAt = &lastDelivery.Time
	}
	if lastStatus.Valid {
		code := int(lastStatus.Int64)
		sub.LastStatusCode = &code
	}
	return &sub, nil
}
