package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/services"
)

func newState(queryID string) *models.QueryState {
	return &models.QueryState{
		QueryID:      queryID,
		ThreadID:     queryID,
		UserID:       "u-1",
		UserQuery:    "total revenue by region last quarter",
		DatabaseType: models.DatabasePostgres,
		TraceID:      uuid.New().String(),
	}
}

func TestClaimNext_OldestFirstThenEmpty(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	require.NoError(t, svc.CreateRun(ctx, newState("q-old")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, svc.CreateRun(ctx, newState("q-new")))

	first, err := svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, "q-old", first.QueryID)

	second, err := svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, "q-new", second.QueryID)

	_, err = svc.ClaimNext(ctx, "pod-a")
	assert.ErrorIs(t, err, services.ErrNoRunsAvailable)

	run, err := svc.Get(ctx, "q-old")
	require.NoError(t, err)
	assert.Equal(t, models.RunInProgress, run.RunStatus)
	assert.Equal(t, "pod-a", run.PodID)
	assert.NotNil(t, run.StartedAt)
}

func TestSaveCheckpoint_BumpsGenerationAndPrunes(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 3)
	ctx := context.Background()

	state := newState("q-1")
	require.NoError(t, svc.CreateRun(ctx, state))

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.SaveCheckpoint(ctx, state))
	}
	assert.Equal(t, 5, state.Generation)

	run, err := svc.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, 5, run.Generation)

	var kept int
	err = client.DB().QueryRow(
		`SELECT count(*) FROM query_checkpoints WHERE thread_id = $1`, state.ThreadID).Scan(&kept)
	require.NoError(t, err)
	assert.Equal(t, 3, kept, "history pruned to the per-thread bound")
}

func TestSaveCheckpoint_UnknownRun(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)

	err := svc.SaveCheckpoint(context.Background(), newState("missing"))
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestApprovalFlow_EditedSQLResumes(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	require.NoError(t, svc.CreateRun(ctx, newState("q-1")))
	state, err := svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)

	state.SQLQuery = "SELECT sum(total) FROM orders"
	require.NoError(t, svc.SuspendForApproval(ctx, state))

	// Parked runs are invisible to the claim loop.
	_, err = svc.ClaimNext(ctx, "pod-a")
	require.ErrorIs(t, err, services.ErrNoRunsAvailable)

	edited := "SELECT sum(total) FROM orders WHERE status = 'shipped'"
	decided, err := svc.RecordApproval(ctx, "q-1", services.ApprovalDecision{
		Approved:  true,
		EditedSQL: edited,
	})
	require.NoError(t, err)
	assert.True(t, decided.Approved)
	assert.Equal(t, edited, decided.SQLQuery)

	resumed, err := svc.ClaimNext(ctx, "pod-b")
	require.NoError(t, err)
	assert.Equal(t, "q-1", resumed.QueryID)
	assert.True(t, resumed.Approved)
	assert.Equal(t, edited, resumed.SQLQuery)
}

func TestRecordApproval_RejectionCarriesReason(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	require.NoError(t, svc.CreateRun(ctx, newState("q-1")))
	state, err := svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)
	require.NoError(t, svc.SuspendForApproval(ctx, state))

	decided, err := svc.RecordApproval(ctx, "q-1", services.ApprovalDecision{
		Approved: false,
		Reason:   "touches production tables",
	})
	require.NoError(t, err)
	assert.False(t, decided.Approved)
	assert.Equal(t, "touches production tables", decided.RejectionReason)

	run, err := svc.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunResumable, run.RunStatus)
}

func TestRecordApproval_RetryIsNoOp(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	require.NoError(t, svc.CreateRun(ctx, newState("q-1")))
	state, err := svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)
	state.SQLQuery = "SELECT 1"
	require.NoError(t, svc.SuspendForApproval(ctx, state))

	_, err = svc.RecordApproval(ctx, "q-1", services.ApprovalDecision{Approved: true})
	require.NoError(t, err)

	// A retried approve call must not overwrite the recorded decision.
	again, err := svc.RecordApproval(ctx, "q-1", services.ApprovalDecision{
		Approved:  true,
		EditedSQL: "DROP TABLE orders",
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", again.SQLQuery)

	run, err := svc.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunResumable, run.RunStatus)
	assert.Equal(t, "SELECT 1", run.State.SQLQuery)
}

func TestRecoverOrphans_StaleHeartbeatOnly(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	require.NoError(t, svc.CreateRun(ctx, newState("q-1")))
	_, err := svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)

	n, err := svc.RecoverOrphans(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh heartbeats are not orphans")

	time.Sleep(20 * time.Millisecond)
	n, err = svc.RecoverOrphans(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	run, err := svc.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.RunStatus)
	assert.Empty(t, run.PodID)

	reclaimed, err := svc.ClaimNext(ctx, "pod-b")
	require.NoError(t, err)
	assert.Equal(t, "q-1", reclaimed.QueryID)
}

func TestHeartbeat_KeepsRunAlive(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	require.NoError(t, svc.CreateRun(ctx, newState("q-1")))
	_, err := svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, svc.Heartbeat(ctx, "q-1"))

	n, err := svc.RecoverOrphans(ctx, 15*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverPodOrphans(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	require.NoError(t, svc.CreateRun(ctx, newState("q-1")))
	require.NoError(t, svc.CreateRun(ctx, newState("q-2")))
	_, err := svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)
	_, err = svc.ClaimNext(ctx, "pod-a")
	require.NoError(t, err)

	n, err := svc.RecoverPodOrphans(ctx, "pod-b")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.RecoverPodOrphans(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err := svc.CountRuns(ctx, models.RunPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestFinishRun_RecordsErrorMessage(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	require.NoError(t, svc.CreateRun(ctx, newState("q-1")))
	require.NoError(t, svc.FinishRun(ctx, "q-1", models.RunError, "llm budget exhausted"))

	run, err := svc.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunError, run.RunStatus)
	assert.Equal(t, "llm budget exhausted", run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)
}

func TestList_FiltersByUser(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	mine := newState("q-mine")
	require.NoError(t, svc.CreateRun(ctx, mine))
	other := newState("q-other")
	other.UserID = "u-2"
	require.NoError(t, svc.CreateRun(ctx, other))

	runs, err := svc.List(ctx, "u-1", 50)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "q-mine", runs[0].QueryID)

	all, err := svc.List(ctx, "", 50)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCleanupCheckpoints(t *testing.T) {
	t.Parallel()
	client := NewTestDB(t)
	svc := services.NewQueryService(client.DB(), 10)
	ctx := context.Background()

	state := newState("q-1")
	require.NoError(t, svc.CreateRun(ctx, state))
	require.NoError(t, svc.SaveCheckpoint(ctx, state))
	require.NoError(t, svc.SaveCheckpoint(ctx, state))

	time.Sleep(10 * time.Millisecond)
	n, err := svc.CleanupCheckpoints(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
