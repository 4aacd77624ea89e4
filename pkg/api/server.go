// Package api exposes the HTTP surface: query submission and processing,
// the approval gate, SSE lifecycle streaming, schema retrieval, webhook
// management, and health.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amila-ai/amila/pkg/cache"
	"github.com/amila-ai/amila/pkg/config"
	"github.com/amila-ai/amila/pkg/database"
	"github.com/amila-ai/amila/pkg/engine"
	"github.com/amila-ai/amila/pkg/events"
	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/queue"
	"github.com/amila-ai/amila/pkg/services"
)

// QueryStore is the run persistence surface the handlers need. Implemented
// by services.QueryService.
type QueryStore interface {
	CreateRun(ctx context.Context, state *models.QueryState) error
	Get(ctx context.Context, queryID string) (*services.QueryRun, error)
	List(ctx context.Context, userID string, limit int) ([]*services.QueryRun, error)
	RecordApproval(ctx context.Context, queryID string, decision services.ApprovalDecision) (*models.QueryState, error)
	SetRunStatus(ctx context.Context, queryID string, status models.RunStatus) error
	FinishRun(ctx context.Context, queryID string, status models.RunStatus, errMsg string) error
}

// RunExecutor runs a query synchronously, for the process endpoint.
// Implemented by engine.Engine.
type RunExecutor interface {
	Run(ctx context.Context, state *models.QueryState) (*engine.Result, error)
}

// LifecyclePublisher publishes lifecycle events. Implemented by
// events.Publisher.
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, event models.LifecycleEvent) error
}

// EventReader reads stored events. Implemented by services.EventService.
type EventReader interface {
	GetLatestEvent(ctx context.Context, channel string) (*events.CatchupEvent, error)
}

// StreamSource is the SSE fan-out surface. Implemented by
// events.StreamManager.
type StreamSource interface {
	Subscribe(ctx context.Context, channel string, sinceID int64) (*events.Subscription, []events.CatchupEvent, error)
	Unsubscribe(ctx context.Context, sub *events.Subscription)
}

// WebhookStore is the subscription CRUD surface. Implemented by
// services.WebhookService.
type WebhookStore interface {
	Create(ctx context.Context, sub *models.WebhookSubscription) error
	Get(ctx context.Context, webhookID string) (*models.WebhookSubscription, error)
	ListByUser(ctx context.Context, userID string) ([]*models.WebhookSubscription, error)
	Update(ctx context.Context, sub *models.WebhookSubscription) error
	Delete(ctx context.Context, webhookID string) error
}

// WebhookTester posts a synthetic signed event. Implemented by
// webhooks.Deliverer.
type WebhookTester interface {
	SendTest(ctx context.Context, sub *models.WebhookSubscription, payload []byte) (int, error)
}

// Pool is the worker-pool surface for cancellation and health. Implemented
// by queue.WorkerPool.
type Pool interface {
	CancelQuery(queryID string) bool
	Health() *queue.PoolHealth
}

// SchemaSource resolves schemas and reports breaker states. Implemented by
// dbrouter.Router.
type SchemaSource interface {
	GetSchema(ctx context.Context, connectionName string, dbType models.DatabaseType) (*models.SchemaData, error)
	BreakerStates() map[string]string
}

// DBHealthChecker reports database connectivity for the health endpoint.
type DBHealthChecker interface {
	Health(ctx context.Context) (*database.HealthStatus, error)
}

// DatabaseHealth adapts a *sql.DB to DBHealthChecker.
type DatabaseHealth struct{ DB *sql.DB }

func (h DatabaseHealth) Health(ctx context.Context) (*database.HealthStatus, error) {
	return database.Health(ctx, h.DB)
}

// Deps are the server's collaborators.
type Deps struct {
	Queries   QueryStore
	Executor  RunExecutor
	Publisher LifecyclePublisher
	Events    EventReader
	Streams   StreamSource
	Webhooks  WebhookStore
	Tester    WebhookTester
	Pool      Pool
	SQL       SchemaSource
	DB        DBHealthChecker
	Cache     cache.Store
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	cfg    *config.Config
	logger *slog.Logger
	http   *http.Server
}

func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "api"),
	}
}

// streamRoute is exempt from bearer auth; stream requests authenticate with
// a short-lived signed token instead (EventSource cannot set headers).
const streamRoute = "/api/v1/queries/:id/stream"

// Router builds the gin engine with all routes and middleware registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLog())
	r.Use(securityHeaders())

	r.GET("/health", s.Health)

	v1 := r.Group("/api/v1")
	v1.Use(s.requireAuth())
	v1.Use(s.requireCSRF())
	v1.Use(s.requireSignature())

	v1.GET("/auth/csrf", s.IssueCSRFToken)

	v1.POST("/queries/process", s.ProcessQuery)
	v1.POST("/queries/submit", s.SubmitQuery)
	v1.POST("/queries/clarify", s.ClarifyQuery)
	v1.GET("/queries", s.ListQueries)
	v1.GET("/queries/:id", s.GetQuery)
	v1.POST("/queries/:id/approve", s.ApproveQuery)
	v1.POST("/queries/:id/cancel", s.CancelQuery)
	v1.GET("/queries/:id/stream-token", s.IssueStreamToken)
	v1.GET("/queries/:id/stream", s.StreamQuery)

	v1.GET("/schema", s.GetSchema)

	v1.POST("/webhooks", s.CreateWebhook)
	v1.GET("/webhooks", s.ListWebhooks)
	v1.GET("/webhooks/:id", s.GetWebhook)
	v1.PUT("/webhooks/:id", s.UpdateWebhook)
	v1.DELETE("/webhooks/:id", s.DeleteWebhook)
	v1.POST("/webhooks/:id/test", s.TestWebhook)

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "port", s.cfg.Server.Port)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/health" {
			return
		}
		s.logger.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
