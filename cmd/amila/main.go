// Amila orchestrator server: HTTP API, queue workers, lifecycle event
// streaming, and webhook delivery for natural-language-to-SQL queries.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/amila-ai/amila/pkg/api"
	"github.com/amila-ai/amila/pkg/cache"
	"github.com/amila-ai/amila/pkg/cleanup"
	"github.com/amila-ai/amila/pkg/config"
	"github.com/amila-ai/amila/pkg/database"
	"github.com/amila-ai/amila/pkg/dbrouter"
	"github.com/amila-ai/amila/pkg/engine"
	"github.com/amila-ai/amila/pkg/events"
	"github.com/amila-ai/amila/pkg/llm"
	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/queue"
	"github.com/amila-ai/amila/pkg/resilience"
	"github.com/amila-ai/amila/pkg/results"
	"github.com/amila-ai/amila/pkg/services"
	"github.com/amila-ai/amila/pkg/version"
	"github.com/amila-ai/amila/pkg/webhooks"
)

// qualityThreshold below which result analysis triggers a pivot.
const qualityThreshold = 40

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// lifecycleFanout publishes lifecycle events and forwards terminal ones to
// the webhook dispatcher. Dispatch failures never fail the publish; queued
// deliveries retry on their own schedule.
type lifecycleFanout struct {
	publisher  *events.Publisher
	dispatcher *webhooks.Dispatcher
	logger     *slog.Logger
}

func (f *lifecycleFanout) PublishLifecycle(ctx context.Context, event models.LifecycleEvent) error {
	if err := f.publisher.PublishLifecycle(ctx, event); err != nil {
		return err
	}
	if event.State.IsTerminal() {
		if err := f.dispatcher.Dispatch(ctx, event); err != nil {
			f.logger.Warn("Webhook dispatch failed",
				"query_id", event.QueryID, "state", event.State, "error", err)
		}
	}
	return nil
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	podID := resolvePodID()
	logger := slog.Default()
	slog.Info("Starting Amila",
		"version", version.Full(), "pod_id", podID, "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Shared resilience primitives and cache
	breakers := resilience.NewBreakerRegistry(cfg.Breaker)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()
	kv := cache.NewFallbackStore(
		cache.NewRedisStore(redisClient, breakers, cfg.Cache.OpTimeout),
		cfg.Cache.FallbackSize, cfg.Cache.FallbackTTL, logger)

	resultStore := results.NewStore(kv, results.Options{
		MaxInlineRows: cfg.Streaming.MaxRows,
		PreviewRows:   cfg.Streaming.PreviewRows,
		InlineTTL:     cfg.Cache.DefaultTTL,
		ReferenceTTL:  cfg.Cache.ResultRefTTL,
	}, logger)

	// 4. Persistence services
	queryService := services.NewQueryService(dbClient.DB(), cfg.Retention.MaxCheckpointsPerThread)
	eventService := services.NewEventService(dbClient.DB())
	webhookService := services.NewWebhookService(dbClient.DB())
	slog.Info("Services initialized")

	// 5. Streaming infrastructure: transactional publisher, LISTEN
	// connection, and the SSE fan-out manager.
	publisher := events.NewPublisher(dbClient.DB())
	streamManager := events.NewStreamManager(eventService, 64)
	notifyListener := events.NewNotifyListener(dbConfig.DSN(), streamManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	streamManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 6. Database router with one adapter per named connection
	router := dbrouter.NewRouter(breakers, dbrouter.Options{
		ExecuteTimeout: cfg.Orchestrator.ExecuteTimeout,
		SchemaTimeout:  30 * time.Second,
		Retry:          resilience.DefaultRetryPolicy(2),
	}, logger)
	gatewayToken := os.Getenv("AMILA_GATEWAY_TOKEN")
	for name, conn := range cfg.Connections {
		switch conn.Type {
		case models.DatabasePostgres:
			adapter, err := dbrouter.NewPostgresAdapter(ctx, conn.DSN)
			if err != nil {
				slog.Error("Failed to connect database connection",
					"connection", name, "error", err)
				os.Exit(1)
			}
			defer adapter.Close()
			router.Register(name, adapter, conn.Default)
		default:
			router.Register(name,
				dbrouter.NewGatewayAdapter(conn.GatewayURL, conn.Type, name, gatewayToken, nil),
				conn.Default)
		}
		slog.Info("Registered database connection",
			"connection", name, "type", conn.Type, "default", conn.Default)
	}

	// 7. Webhook delivery workers and terminal-event dispatcher
	deliverer := webhooks.NewDeliverer(webhookService, cfg.Webhook, logger)
	deliverer.Start(ctx)
	dispatcher := webhooks.NewDispatcher(webhookService, webhookService, deliverer, logger)
	fanout := &lifecycleFanout{
		publisher:  publisher,
		dispatcher: dispatcher,
		logger:     logger.With("component", "lifecycle_fanout"),
	}

	// 8. LLM client and the orchestration engine
	llmClient := llm.NewHTTPClient(cfg.LLM, breakers, logger)
	eng, err := engine.New(engine.Deps{
		LLM:         llmClient,
		Router:      router,
		Results:     resultStore,
		Checkpoints: queryService,
		Events:      fanout,
		Tokens:      llm.NewTokenCounter(),
		Options: engine.Options{
			RequireApprovalForAll: cfg.Orchestrator.RequireApprovalForAll,
			ExecuteMaxRows:        cfg.Orchestrator.ExecuteMaxRows,
			QualityThreshold:      qualityThreshold,
			Model:                 cfg.LLM.Model,
			ContextBudget:         cfg.LLM.TokenBudgets[cfg.LLM.Provider],
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to build engine", "error", err)
		os.Exit(1)
	}

	// 9. Queue workers (before the HTTP server so submitted runs have
	// someone to claim them)
	workerPool := queue.NewWorkerPool(podID, queryService, &cfg.Queue, eng, logger)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 10. Retention
	cleanupService := cleanup.NewService(&cfg.Retention, queryService, eventService, webhookService, logger)
	cleanupService.Start(ctx)

	// 11. HTTP server
	apiServer := api.NewServer(api.Deps{
		Queries:   queryService,
		Executor:  eng,
		Publisher: fanout,
		Events:    eventService,
		Streams:   streamManager,
		Webhooks:  webhookService,
		Tester:    deliverer,
		Pool:      workerPool,
		SQL:       router,
		DB:        api.DatabaseHealth{DB: dbClient.DB()},
		Cache:     kv,
	}, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Amila started",
		"pod_id", podID,
		"port", cfg.Server.Port,
		"workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop claiming and wait for active runs, then the
	// delivery workers, then drain HTTP. Runs that outlive the timeout are
	// requeued by orphan recovery.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, incomplete runs will be orphan-recovered")
	}

	deliverer.Stop()
	cleanupService.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := apiServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
