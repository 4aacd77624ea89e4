// Package services is the persistence layer: query runs and checkpoints,
// stored events, and webhook subscriptions, all on raw SQL over the shared
// database client.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amila-ai/amila/pkg/models"
)

// Sentinels for the claim and lookup paths.
var (
	ErrNoRunsAvailable = errors.New("no claimable runs")
	ErrNotFound        = errors.New("not found")
)

// QueryRun is one row of the queries table: run bookkeeping plus the latest
// checkpointed state.
type QueryRun struct {
	QueryID      string
	ThreadID     string
	UserID       string
	DatabaseType models.DatabaseType
	UserQuery    string
	RunStatus    models.RunStatus
	PodID        string
	State        *models.QueryState
	Generation   int
	TraceID      string
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// QueryService owns the queries and query_checkpoints tables: run creation,
// worker claiming, checkpointing, approval decisions, and orphan recovery.
type QueryService struct {
	db *sql.DB
	// maxCheckpointsPerThread bounds the checkpoint history per thread.
	maxCheckpointsPerThread int
}

func NewQueryService(db *sql.DB, maxCheckpointsPerThread int) *QueryService {
	return &QueryService{db: db, maxCheckpointsPerThread: maxCheckpointsPerThread}
}

// CreateRun inserts a new pending run with its initial state snapshot.
func (s *QueryService) CreateRun(ctx context.Context, state *models.QueryState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal query state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queries
			(query_id, thread_id, user_id, database_type, connection_name,
			 user_query, run_status, state, generation, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		state.QueryID, state.ThreadID, state.UserID, state.DatabaseType,
		state.ConnectionName, state.UserQuery, models.RunPending, raw,
		state.Generation, state.TraceID, time.Now())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest claimable run (pending or
// resumable) with FOR UPDATE SKIP LOCKED, marks it in_progress, and returns
// its latest state. Returns ErrNoRunsAvailable when the queue is empty.
func (s *QueryService) ClaimNext(ctx context.Context, podID string) (*models.QueryState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var queryID string
	var raw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT query_id, state FROM queries
		WHERE run_status IN ($1, $2)
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		models.RunPending, models.RunResumable,
	).Scan(&queryID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRunsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("query claimable run: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE queries
		SET run_status = $1, pod_id = $2, last_heartbeat_at = $3,
		    started_at = COALESCE(started_at, $3)
		WHERE query_id = $4`,
		models.RunInProgress, podID, now, queryID)
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	var state models.QueryState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal claimed state: %w", err)
	}
	return &state, nil
}

// Heartbeat updates last_heartbeat_at for orphan detection.
func (s *QueryService) Heartbeat(ctx context.Context, queryID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queries SET last_heartbeat_at = $1 WHERE query_id = $2`,
		time.Now(), queryID)
	return err
}

// SaveCheckpoint bumps the generation, snapshots the state onto the run row
// and into the append-only history, and prunes history beyond the per-thread
// bound. One transaction, so the run row and history never diverge.
func (s *QueryService) SaveCheckpoint(ctx context.Context, state *models.QueryState) error {
	state.Generation++
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE queries SET state = $1, generation = $2 WHERE query_id = $3`,
		raw, state.Generation, state.QueryID)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("checkpoint %s: %w", state.QueryID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_checkpoints (thread_id, query_id, generation, state, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		state.ThreadID, state.QueryID, state.Generation, raw, time.Now())
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if s.maxCheckpointsPerThread > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM query_checkpoints
			WHERE thread_id = $1 AND id NOT IN (
				SELECT id FROM query_checkpoints
				WHERE thread_id = $1
				ORDER BY id DESC
				LIMIT $2
			)`,
			state.ThreadID, s.maxCheckpointsPerThread)
		if err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
	}
	return tx.Commit()
}

// Get returns the run row for a query id.
func (s *QueryService) Get(ctx context.Context, queryID string) (*QueryRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT query_id, thread_id, user_id, database_type, user_query,
		       run_status, COALESCE(pod_id, ''), state, generation, trace_id,
		       COALESCE(error_message, ''), created_at, started_at, completed_at
		FROM queries WHERE query_id = $1`, queryID)
	return scanRun(row)
}

// List returns the caller's recent runs, newest first. Empty userID lists
// across users.
func (s *QueryService) List(ctx context.Context, userID string, limit int) ([]*QueryRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT query_id, thread_id, user_id, database_type, user_query,
		       run_status, COALESCE(pod_id, ''), state, generation, trace_id,
		       COALESCE(error_message, ''), created_at, started_at, completed_at
		FROM queries
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*QueryRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SetRunStatus transitions the queue-visible status without touching state.
func (s *QueryService) SetRunStatus(ctx context.Context, queryID string, status models.RunStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queries SET run_status = $1 WHERE query_id = $2`, status, queryID)
	return err
}

// FinishRun records a terminal run status with completion time and optional
// error message.
func (s *QueryService) FinishRun(ctx context.Context, queryID string, status models.RunStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queries
		SET run_status = $1, completed_at = $2, error_message = NULLIF($3, '')
		WHERE query_id = $4`,
		status, time.Now(), errMsg, queryID)
	return err
}

// SuspendForApproval checkpoints the state and parks the run at the
// approval gate. The worker's task exits afterwards; nothing holds a
// goroutine while a human decides.
func (s *QueryService) SuspendForApproval(ctx context.Context, state *models.QueryState) error {
	if err := s.SaveCheckpoint(ctx, state); err != nil {
		return err
	}
	return s.SetRunStatus(ctx, state.QueryID, models.RunWaitingApproval)
}

// ApprovalDecision is the operator's verdict on a pending query.
type ApprovalDecision struct {
	Approved  bool
	EditedSQL string
	Reason    string
}

// RecordApproval applies an approval decision: the state absorbs the
// verdict (and any edited SQL), a checkpoint is written, and the run flips
// to resumable for the next queue tick. Deciding an already-decided query
// is a no-op returning the current state, so retried approve calls are
// harmless.
func (s *QueryService) RecordApproval(ctx context.Context, queryID string, decision ApprovalDecision) (*models.QueryState, error) {
	run, err := s.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if run.RunStatus != models.RunWaitingApproval {
		return run.State, nil
	}

	state := run.State
	state.Approved = decision.Approved
	if decision.Approved {
		if decision.EditedSQL != "" {
			state.SQLQuery = decision.EditedSQL
		}
	} else {
		state.RejectionReason = decision.Reason
	}

	if err := s.SaveCheckpoint(ctx, state); err != nil {
		return nil, err
	}
	if err := s.SetRunStatus(ctx, queryID, models.RunResumable); err != nil {
		return nil, err
	}
	return state, nil
}

// RecoverOrphans requeues in_progress runs whose heartbeat went stale,
// typically after a pod crash. The run re-enters from its last checkpoint;
// generation tracking keeps the re-entry idempotent.
func (s *QueryService) RecoverOrphans(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE queries
		SET run_status = $1, pod_id = NULL
		WHERE run_status = $2 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)`,
		models.RunPending, models.RunInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return res.RowsAffected()
}

// RecoverPodOrphans requeues every in_progress run owned by one pod. Called
// once at startup so a restarted pod reclaims the runs it crashed with
// without waiting out the heartbeat threshold.
func (s *QueryService) RecoverPodOrphans(ctx context.Context, podID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queries
		SET run_status = $1, pod_id = NULL
		WHERE run_status = $2 AND pod_id = $3`,
		models.RunPending, models.RunInProgress, podID)
	if err != nil {
		return 0, fmt.Errorf("recover pod orphans: %w", err)
	}
	return res.RowsAffected()
}

// CountRuns returns the number of runs in one status, for capacity checks
// and queue-depth reporting.
func (s *QueryService) CountRuns(ctx context.Context, status models.RunStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queries WHERE run_status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// CleanupCheckpoints removes checkpoint history older than the retention
// window.
func (s *QueryService) CleanupCheckpoints(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_checkpoints WHERE created_at < $1`,
		time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*QueryRun, error) {
	var run QueryRun
	var raw []byte
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&run.QueryID, &run.ThreadID, &run.UserID, &run.DatabaseType,
		&run.UserQuery, &run.RunStatus, &run.PodID, &raw, &run.Generation,
		&run.TraceID, &run.ErrorMessage, &run.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	var state models.QueryState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	run.State = &state
	return &run, nil
}
