package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amila-ai/amila/pkg/models"
)

// maxPayloadRows caps row arrays embedded in webhook payloads.
const maxPayloadRows = 50

// SubscriptionLister is the dispatcher's read surface. Implemented by
// services.WebhookService.
type SubscriptionLister interface {
	ListActiveForUser(ctx context.Context, userID string) ([]*models.WebhookSubscription, error)
}

// DeliveryEnqueuer queues deliveries for the delivery workers.
type DeliveryEnqueuer interface {
	EnqueueDelivery(ctx context.Context, d *models.WebhookDelivery) error
}

// EventPayload is the body posted to webhook endpoints.
type EventPayload struct {
	QueryID   string         `json:"query_id"`
	State     string         `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// Dispatcher matches terminal lifecycle events against the owning user's
// active subscriptions and enqueues one delivery per match. When the queue insert fails it falls
// back to a single in-process delivery attempt so a database hiccup does
// not silently drop the notification.
type Dispatcher struct {
	subs      SubscriptionLister
	queue     DeliveryEnqueuer
	deliverer *Deliverer
	logger    *slog.Logger
}

func NewDispatcher(subs SubscriptionLister, queue DeliveryEnqueuer, deliverer *Deliverer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:      subs,
		queue:     queue,
		deliverer: deliverer,
		logger:    logger.With("component", "webhook_dispatcher"),
	}
}

// Dispatch fans one lifecycle event out. Non-terminal events are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.LifecycleEvent) error {
	if !event.State.IsTerminal() {
		return nil
	}

	subs, err := d.subs.ListActiveForUser(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("list webhook subscriptions: %w", err)
	}

	var payload []byte
	for _, sub := range subs {
		if !sub.Matches(string(event.State)) {
			continue
		}
		if payload == nil {
			payload, err = json.Marshal(EventPayload{
				QueryID:   event.QueryID,
				State:     string(event.State),
				Timestamp: event.Timestamp,
				Metadata:  truncateRows(event.Metadata),
				EmittedAt: time.Now(),
			})
			if err != nil {
				return fmt.Errorf("marshal webhook payload: %w", err)
			}
		}

		delivery := &models.WebhookDelivery{
			DeliveryID: uuid.New().String(),
			WebhookID:  sub.WebhookID,
			QueryID:    event.QueryID,
			Event:      string(event.State),
			Payload:    payload,
		}
		if err := d.queue.EnqueueDelivery(ctx, delivery); err != nil {
			d.logger.Warn("Delivery enqueue failed, attempting in-process delivery",
				"webhook_id", sub.WebhookID, "query_id", event.QueryID, "error", err)
			go d.fallbackDeliver(sub, delivery)
		}
	}
	return nil
}

// fallbackDeliver makes one best-effort attempt outside the queue. No
// retries: without a queue row there is nothing to reschedule.
func (d *Dispatcher) fallbackDeliver(sub *models.WebhookSubscription, delivery *models.WebhookDelivery) {
	ctx, cancel := context.WithTimeout(context.Background(), d.deliverer.cfg.DeliveryTimeout)
	defer cancel()
	if code, err := d.deliverer.send(ctx, sub, delivery); err != nil {
		d.logger.Warn("In-process delivery failed",
			"webhook_id", sub.WebhookID, "status_code", code, "error", err)
	}
}

// truncateRows caps any "rows" array inside event metadata so payloads stay
// bounded regardless of result size.
func truncateRows(metadata map[string]any) map[string]any {
	rows, ok := metadata["rows"].([]any)
	if !ok || len(rows) <= maxPayloadRows {
		return metadata
	}
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["rows"] = rows[:maxPayloadRows]
	out["rows_truncated"] = true
	return out
}
