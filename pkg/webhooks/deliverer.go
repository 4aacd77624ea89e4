package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/amila-ai/amila/pkg/config"
	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/services"
	"github.com/amila-ai/amila/pkg/version"
)

// initialBackoff is the delay after the first failed attempt; it doubles
// per attempt up to the configured cap.
const initialBackoff = 5 * time.Second

// claimBatchSize bounds how many due deliveries one worker claims per tick.
const claimBatchSize = 10

// DeliveryStore is the deliverer's persistence surface. Implemented by
// services.WebhookService.
type DeliveryStore interface {
	Get(ctx context.Context, webhookID string) (*models.WebhookSubscription, error)
	ClaimDeliveries(ctx context.Context, limit int, redeliverAfter time.Duration) ([]*models.WebhookDelivery, error)
	RecordDeliveryResult(ctx context.Context, d *models.WebhookDelivery, statusCode int, attemptErr string, nextAttempt *time.Time) error
}

// Deliverer runs the webhook delivery workers: claim due deliveries, post
// the signed payload, and record the outcome or schedule the retry.
type Deliverer struct {
	store    DeliveryStore
	cfg      config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDeliverer(store DeliveryStore, cfg config.WebhookConfig, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.DeliveryTimeout},
		logger: logger.With("component", "webhook_deliverer"),
		stopCh: make(chan struct{}),
	}
}

// Start spawns the delivery workers.
func (dl *Deliverer) Start(ctx context.Context) {
	for i := 0; i < dl.cfg.WorkerCount; i++ {
		dl.wg.Add(1)
		go dl.runWorker(ctx)
	}
}

// Stop signals the workers and waits for in-flight deliveries to finish.
func (dl *Deliverer) Stop() {
	dl.stopOnce.Do(func() { close(dl.stopCh) })
	dl.wg.Wait()
}

func (dl *Deliverer) runWorker(ctx context.Context) {
	defer dl.wg.Done()
	for {
		select {
		case <-dl.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			if n := dl.claimAndDeliver(ctx); n == 0 {
				select {
				case <-dl.stopCh:
					return
				case <-ctx.Done():
					return
				case <-time.After(dl.cfg.ClaimInterval):
				}
			}
		}
	}
}

// claimAndDeliver processes one batch and returns how many deliveries it
// handled. Claims push next_attempt_at forward, so a worker crash here only
// delays the batch instead of losing it.
func (dl *Deliverer) claimAndDeliver(ctx context.Context) int {
	redeliverAfter := dl.cfg.DeliveryTimeout*time.Duration(claimBatchSize) + dl.cfg.ClaimInterval
	deliveries, err := dl.store.ClaimDeliveries(ctx, claimBatchSize, redeliverAfter)
	if err != nil {
		dl.logger.Error("Failed to claim deliveries", "error", err)
		return 0
	}
	for _, d := range deliveries {
		dl.process(ctx, d)
	}
	return len(deliveries)
}

func (dl *Deliverer) process(ctx context.Context, d *models.WebhookDelivery) {
	log := dl.logger.With("delivery_id", d.DeliveryID, "webhook_id", d.WebhookID)

	sub, err := dl.store.Get(ctx, d.WebhookID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			d.Status = models.DeliveryFailed
			dl.record(ctx, d, 0, "subscription deleted", nil)
			return
		}
		log.Error("Failed to load subscription", "error", err)
		return
	}
	if !sub.Active {
		d.Status = models.DeliveryFailed
		dl.record(ctx, d, 0, "subscription inactive", nil)
		return
	}

	d.Attempts++
	sendCtx, cancel := context.WithTimeout(ctx, dl.cfg.DeliveryTimeout)
	statusCode, sendErr := dl.send(sendCtx, sub, d)
	cancel()

	if sendErr == nil {
		d.Status = models.DeliveryDelivered
		dl.record(ctx, d, statusCode, "", nil)
		log.Info("Delivery succeeded", "attempts", d.Attempts, "status_code", statusCode)
		return
	}

	if d.Attempts >= dl.cfg.MaxAttempts {
		d.Status = models.DeliveryFailed
		dl.record(ctx, d, statusCode, sendErr.Error(), nil)
		log.Warn("Delivery failed permanently",
			"attempts", d.Attempts, "status_code", statusCode, "error", sendErr)
		return
	}

	next := time.Now().Add(backoffDelay(d.Attempts, dl.cfg.BackoffCap))
	dl.record(ctx, d, statusCode, sendErr.Error(), &next)
	log.Info("Delivery attempt failed, retry scheduled",
		"attempts", d.Attempts, "status_code", statusCode, "next_attempt_at", next, "error", sendErr)
}

func (dl *Deliverer) record(ctx context.Context, d *models.WebhookDelivery, statusCode int, attemptErr string, nextAttempt *time.Time) {
	if err := dl.store.RecordDeliveryResult(ctx, d, statusCode, attemptErr, nextAttempt); err != nil {
		dl.logger.Error("Failed to record delivery result",
			"delivery_id", d.DeliveryID, "error", err)
	}
}

// send posts one signed delivery and returns the response status code.
// Any non-2xx response is an error.
func (dl *Deliverer) send(ctx context.Context, sub *models.WebhookSubscription, d *models.WebhookDelivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("build delivery request: %w", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("User-Agent", version.Full())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Amila-Event", d.Event)
	req.Header.Set("X-Amila-Delivery-Id", d.DeliveryID)
	req.Header.Set("X-Amila-Timestamp", timestamp)
	req.Header.Set("X-Amila-Signature", Sign(sub.Secret, timestamp, d.Payload))

	resp, err := dl.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// SendTest posts a synthetic signed event to a subscription, outside the
// delivery queue. Used by the webhook test endpoint.
func (dl *Deliverer) SendTest(ctx context.Context, sub *models.WebhookSubscription, payload []byte) (int, error) {
	d := &models.WebhookDelivery{
		DeliveryID: "test-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		WebhookID:  sub.WebhookID,
		Event:      "webhook.test",
		Payload:    payload,
	}
	sendCtx, cancel := context.WithTimeout(ctx, dl.cfg.DeliveryTimeout)
	defer cancel()
	return dl.send(sendCtx, sub, d)
}

// backoffDelay doubles per attempt from the initial delay up to the cap.
func backoffDelay(attempts int, maxDelay time.Duration) time.Duration {
	delay := initialBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
