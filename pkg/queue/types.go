// Package queue provides the DB-backed run queue: a pool of workers that
// claim pending runs with FOR UPDATE SKIP LOCKED, drive them through the
// engine, heartbeat while working, and requeue orphans after pod crashes.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/amila-ai/amila/pkg/engine"
	"github.com/amila-ai/amila/pkg/models"
)

// ErrAtCapacity indicates the global concurrent run limit has been reached.
var ErrAtCapacity = errors.New("at capacity")

// RunStore is the queue's persistence surface. Implemented by
// services.QueryService; ClaimNext returns services.ErrNoRunsAvailable when
// the queue is empty.
type RunStore interface {
	ClaimNext(ctx context.Context, podID string) (*models.QueryState, error)
	Heartbeat(ctx context.Context, queryID string) error
	FinishRun(ctx context.Context, queryID string, status models.RunStatus, errMsg string) error
	CountRuns(ctx context.Context, status models.RunStatus) (int, error)
	RecoverOrphans(ctx context.Context, threshold time.Duration) (int64, error)
	RecoverPodOrphans(ctx context.Context, podID string) (int64, error)
}

// RunExecutor drives one claimed run to suspension or a terminal state.
// Implemented by engine.Engine; the executor owns checkpointing, lifecycle
// events, and terminal status recording for every path it handles itself.
// The worker covers only the paths the executor cannot: timeouts,
// cancellation, and executor errors.
type RunExecutor interface {
	Run(ctx context.Context, state *models.QueryState) (*engine.Result, error)
}

// QueryRegistry is the subset of WorkerPool used by workers to register
// in-flight runs for cancellation.
type QueryRegistry interface {
	RegisterQuery(queryID string, cancel context.CancelFunc)
	UnregisterQuery(queryID string)
}

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // idle or working
	CurrentQueryID string    `json:"current_query_id,omitempty"`
	RunsProcessed  int       `json:"runs_processed"`
	LastActivity   time.Time `json:"last_activity"`
}

// PoolHealth is the whole pool's health snapshot.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveRuns       int            `json:"active_runs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int64          `json:"orphans_recovered"`
}
