package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/amila-ai/amila/pkg/config"
	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/services"
)

// WorkerStatus is the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes runs.
type Worker struct {
	id       string
	podID    string
	store    RunStore
	config   *config.QueueConfig
	executor RunExecutor
	registry QueryRegistry
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentQueryID string
	runsProcessed  int
	lastActivity   time.Time
}

// NewWorker creates a queue worker.
func NewWorker(id, podID string, store RunStore, cfg *config.QueueConfig, executor RunExecutor, registry QueryRegistry, logger *slog.Logger) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		config:       cfg,
		executor:     executor,
		registry:     registry,
		logger:       logger.With("worker_id", id, "pod_id", podID),
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// run. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentQueryID: w.currentQueryID,
		RunsProcessed:  w.runsProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, services.ErrNoRunsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				w.logger.Error("Error processing run", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a run, and drives it through the
// executor.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Best-effort capacity check; racy across workers but bounded by
	// WorkerCount and mitigated by poll jitter.
	active, err := w.store.CountRuns(ctx, models.RunInProgress)
	if err != nil {
		return fmt.Errorf("checking active runs: %w", err)
	}
	if active >= w.config.MaxConcurrentRuns {
		return ErrAtCapacity
	}

	state, err := w.store.ClaimNext(ctx, w.podID)
	if err != nil {
		return err
	}

	log := w.logger.With("query_id", state.QueryID)
	log.Info("Run claimed", "next_node", state.NextNode)

	w.setStatus(WorkerStatusWorking, state.QueryID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancelRun := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancelRun()

	w.registry.RegisterQuery(state.QueryID, cancelRun)
	defer w.registry.UnregisterQuery(state.QueryID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	go w.runHeartbeat(heartbeatCtx, state.QueryID)

	result, runErr := w.executor.Run(runCtx, state)
	cancelHeartbeat()

	if runErr != nil {
		// The engine records terminal status on every path it handles; an
		// error here means it could not, so the worker records it. Use a
		// background context because the run context may be dead.
		msg := runErr.Error()
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			msg = fmt.Sprintf("run timed out after %v", w.config.RunTimeout)
		case errors.Is(runCtx.Err(), context.Canceled):
			msg = "run cancelled"
		}
		finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.store.FinishRun(finishCtx, state.QueryID, models.RunError, msg); err != nil {
			log.Error("Failed to record failed run", "error", err)
		}
		log.Warn("Run failed", "error", runErr)
	} else if result.Suspended {
		log.Info("Run suspended for approval")
	} else {
		log.Info("Run complete", "terminal_state", result.Terminal)
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()
	return nil
}

// runHeartbeat periodically stamps last_heartbeat_at for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, queryID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, queryID); err != nil {
				w.logger.Warn("Heartbeat update failed", "query_id", queryID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, queryID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentQueryID = queryID
	w.lastActivity = time.Now()
}
