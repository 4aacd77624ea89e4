package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amila-ai/amila/pkg/config"
	"github.com/amila-ai/amila/pkg/models"
)

// WorkerPool manages the queue workers and the orphan recovery loop.
type WorkerPool struct {
	podID    string
	store    RunStore
	config   *config.QueueConfig
	executor RunExecutor
	logger   *slog.Logger
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Run cancel registry: query_id -> cancel function
	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	orphans orphanState
}

type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int64
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(podID string, store RunStore, cfg *config.QueueConfig, executor RunExecutor, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		store:      store,
		config:     cfg,
		executor:   executor,
		logger:     logger.With("component", "queue", "pod_id", podID),
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start requeues this pod's crashed runs, spawns the workers, and begins
// periodic orphan scanning. Safe to call multiple times; subsequent calls
// are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true

	if n, err := p.store.RecoverPodOrphans(ctx, p.podID); err != nil {
		p.logger.Error("Startup orphan recovery failed", "error", err)
	} else if n > 0 {
		p.logger.Warn("Requeued runs from previous pod run", "count", n)
	}

	p.logger.Info("Starting worker pool", "worker_count", p.config.WorkerCount)
	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.executor, p, p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(ctx)
	}()

	p.logger.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Workers
// finish their current runs before exiting.
func (p *WorkerPool) Stop() {
	p.logger.Info("Stopping worker pool gracefully")

	active := p.activeQueryIDs()
	if len(active) > 0 {
		p.logger.Info("Waiting for active runs to complete",
			"count", len(active), "query_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.logger.Info("Worker pool stopped gracefully")
}

// RegisterQuery stores a cancel function for API-triggered cancellation.
func (p *WorkerPool) RegisterQuery(queryID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[queryID] = cancel
}

// UnregisterQuery removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterQuery(queryID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, queryID)
}

// CancelQuery cancels an in-flight run on this pod. Returns false when the
// run is not executing here.
func (p *WorkerPool) CancelQuery(queryID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[queryID]; ok {
		cancel()
		return true
	}
	return false
}

// runOrphanScan periodically requeues runs with stale heartbeats. Every pod
// runs this independently; the update is idempotent.
func (p *WorkerPool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.store.RecoverOrphans(ctx, p.config.OrphanThreshold)
			if err != nil {
				p.logger.Error("Orphan scan failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("Requeued orphaned runs", "count", n)
			}
			p.orphans.mu.Lock()
			p.orphans.lastScan = time.Now()
			p.orphans.recovered += n
			p.orphans.mu.Unlock()
		}
	}
}

// Health returns the pool's health snapshot. DB query failures mark the
// pool unhealthy.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.store.CountRuns(ctx, models.RunPending)
	if errQ != nil {
		p.logger.Error("Failed to query queue depth for health check", "error", errQ)
	}
	activeRuns, errA := p.store.CountRuns(ctx, models.RunInProgress)
	if errA != nil {
		p.logger.Error("Failed to query active runs for health check", "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && activeRuns <= p.config.MaxConcurrentRuns && dbHealthy

	var dbError string
	switch {
	case errQ != nil:
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	case errA != nil:
		dbError = fmt.Sprintf("active runs query failed: %v", errA)
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	recovered := p.orphans.recovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveRuns:       activeRuns,
		MaxConcurrent:    p.config.MaxConcurrentRuns,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastScan,
		OrphansRecovered: recovered,
	}
}

func (p *WorkerPool) activeQueryIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		ids = append(ids, id)
	}
	return ids
}
