// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/amila-ai/amila/pkg/config"
)

// CheckpointCleaner prunes checkpoint history. Implemented by
// services.QueryService.
type CheckpointCleaner interface {
	CleanupCheckpoints(ctx context.Context, retention time.Duration) (int64, error)
}

// EventCleaner prunes stored events. Implemented by services.EventService.
type EventCleaner interface {
	CleanupOldEvents(ctx context.Context, ttl time.Duration) (int64, error)
}

// DeliveryCleaner prunes delivered webhook rows. Implemented by
// services.WebhookService.
type DeliveryCleaner interface {
	CleanupDeliveredDeliveries(ctx context.Context, retention time.Duration) (int64, error)
}

// Service periodically enforces retention policies:
//   - Removes checkpoint history past the retention window
//   - Removes stored events past their TTL
//   - Removes delivered webhook delivery rows
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config      *config.RetentionConfig
	checkpoints CheckpointCleaner
	events      EventCleaner
	deliveries  DeliveryCleaner
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg *config.RetentionConfig, checkpoints CheckpointCleaner, events EventCleaner, deliveries DeliveryCleaner, logger *slog.Logger) *Service {
	return &Service{
		config:      cfg,
		checkpoints: checkpoints,
		events:      events,
		deliveries:  deliveries,
		logger:      logger.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"checkpoint_retention_days", s.config.CheckpointRetentionDays,
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.cleanupCheckpoints(ctx)
	s.cleanupEvents(ctx)
	s.cleanupDeliveries(ctx)
}

func (s *Service) cleanupCheckpoints(_ context.Context) {
	retention := time.Duration(s.config.CheckpointRetentionDays) * 24 * time.Hour
	count, err := s.checkpoints.CleanupCheckpoints(context.Background(), retention)
	if err != nil {
		s.logger.Error("Retention: checkpoint cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: removed old checkpoints", "count", count)
	}
}

func (s *Service) cleanupEvents(_ context.Context) {
	count, err := s.events.CleanupOldEvents(context.Background(), s.config.EventTTL)
	if err != nil {
		s.logger.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: removed old events", "count", count)
	}
}

func (s *Service) cleanupDeliveries(_ context.Context) {
	// Delivered rows are kept as long as events for delivery inspection.
	count, err := s.deliveries.CleanupDeliveredDeliveries(context.Background(), s.config.EventTTL)
	if err != nil {
		s.logger.Error("Retention: delivery cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: removed delivered webhook rows", "count", count)
	}
}
