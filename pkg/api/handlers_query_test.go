package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amila-ai/amila/pkg/engine"
	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/services"
)

func seedRun(h *apiHarness, queryID string, status models.RunStatus) *services.QueryRun {
	state := &models.QueryState{
		QueryID:      queryID,
		ThreadID:     queryID,
		UserID:       "u-1",
		UserQuery:    "how many orders last month",
		DatabaseType: models.DatabaseOracle,
		SQLQuery:     "SELECT count(*) FROM orders",
	}
	_ = h.queries.CreateRun(context.Background(), state)
	h.queries.runs[queryID].RunStatus = status
	return h.queries.runs[queryID]
}

func TestProcessQuery_Success(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/queries/process", QueryRequest{
		Query:        "how many orders shipped last week",
		DatabaseType: "oracle",
		UserID:       "u-1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, models.ResponseSuccess, body["status"])

	require.Len(t, h.queries.created, 1)
	queryID := h.queries.created[0].QueryID
	assert.Equal(t, models.RunInProgress, h.queries.statuses[queryID],
		"synchronous runs are claimed away from the queue workers")
	assert.Contains(t, h.publisher.states(), models.StateReceived)
	require.NotEmpty(t, h.publisher.events)
	assert.Equal(t, "u-1", h.publisher.events[0].UserID,
		"events carry the owner for webhook scoping")
}

func TestProcessQuery_EmptyQuery(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/queries/process", QueryRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.queries.created)
}

func TestProcessQuery_UnknownDatabaseType(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/queries/process", QueryRequest{
		Query:        "count users",
		DatabaseType: "mongodb",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessQuery_ExecutorFailureEncodedInBody(t *testing.T) {
	h := newHarness(t)
	h.executor.run = func(_ context.Context, _ *models.QueryState) (*engine.Result, error) {
		return nil, assert.AnError
	}

	w := h.request(t, http.MethodPost, "/api/v1/queries/process", QueryRequest{Query: "count users"})
	require.Equal(t, http.StatusOK, w.Code, "process always answers 200")

	body := decodeJSON(t, w)
	assert.Equal(t, models.ResponseError, body["status"])
	assert.NotEmpty(t, body["error"])

	require.Len(t, h.queries.created, 1)
	assert.Contains(t, h.queries.finished, h.queries.created[0].QueryID)
}

func TestSubmitQuery_Enqueues(t *testing.T) {
	h := newHarness(t)
	executed := 0
	h.executor.run = func(_ context.Context, state *models.QueryState) (*engine.Result, error) {
		executed++
		return &engine.Result{Response: &models.OrchestratorQueryResponse{QueryID: state.QueryID}}, nil
	}

	w := h.request(t, http.MethodPost, "/api/v1/queries/submit", QueryRequest{
		Query:        "revenue by region",
		DatabaseType: "doris",
		ThreadID:     "thread-7",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, "thread-7", body["thread_id"])
	assert.Equal(t, string(models.RunPending), body["status"])
	assert.Contains(t, body["stream_url"], "/stream")

	assert.Zero(t, executed, "submit never runs the engine inline")
	require.Len(t, h.queries.created, 1)
	assert.Equal(t, models.DatabaseDoris, h.queries.created[0].DatabaseType)
}

func TestClarifyQuery_EmptyClarification(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/queries/clarify", ClarifyRequest{
		QueryID:       "q-1",
		Clarification: "  ",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClarifyQuery_UnknownQuery(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/queries/clarify", ClarifyRequest{
		QueryID:       "missing",
		Clarification: "last 30 days",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClarifyQuery_StartsNewRunOnSameThread(t *testing.T) {
	h := newHarness(t)
	original := seedRun(h, "q-1", models.RunFinished)
	original.State.ClarificationHistory = []string{"which time range do you mean?"}

	w := h.request(t, http.MethodPost, "/api/v1/queries/clarify", ClarifyRequest{
		QueryID:       "q-1",
		Clarification: "the last 30 days",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, h.queries.created, 2)
	followup := h.queries.created[1]
	assert.NotEqual(t, "q-1", followup.QueryID)
	assert.Equal(t, "q-1", followup.ThreadID)
	assert.Equal(t, original.UserQuery, followup.UserQuery)
	assert.Equal(t, []string{"which time range do you mean?", "the last 30 days"},
		followup.ClarificationHistory)
}

func TestClarifyQuery_OriginalQueryRestatesQuestion(t *testing.T) {
	h := newHarness(t)
	seedRun(h, "q-1", models.RunFinished)

	w := h.request(t, http.MethodPost, "/api/v1/queries/clarify", ClarifyRequest{
		QueryID:       "q-1",
		Clarification: "the last 30 days",
		OriginalQuery: "orders shipped in the last 30 days",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, h.queries.created, 2)
	assert.Equal(t, "orders shipped in the last 30 days", h.queries.created[1].UserQuery)
}

func TestApproveQuery_Approves(t *testing.T) {
	h := newHarness(t)
	seedRun(h, "q-1", models.RunWaitingApproval)

	w := h.request(t, http.MethodPost, "/api/v1/queries/q-1/approve", ApprovalRequest{
		Approved:  true,
		EditedSQL: "SELECT count(*) FROM orders WHERE shipped = 1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, true, body["approved"])
	assert.Equal(t, "SELECT count(*) FROM orders WHERE shipped = 1", body["sql_query"])
	assert.Equal(t, models.RunResumable, h.queries.runs["q-1"].RunStatus)
}

func TestApproveQuery_RejectsWithDefaultReason(t *testing.T) {
	h := newHarness(t)
	seedRun(h, "q-1", models.RunWaitingApproval)

	w := h.request(t, http.MethodPost, "/api/v1/queries/q-1/approve", ApprovalRequest{Approved: false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected by operator", h.queries.runs["q-1"].State.RejectionReason)
}

func TestApproveQuery_NotFound(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/queries/missing/approve", ApprovalRequest{Approved: true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetQuery_Snapshot(t *testing.T) {
	h := newHarness(t)
	run := seedRun(h, "q-1", models.RunInProgress)
	run.State.NodeHistory = []models.NodeRecord{{Name: "understand", Status: "completed"}}

	w := h.request(t, http.MethodGet, "/api/v1/queries/q-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, "q-1", body["query_id"])
	assert.Equal(t, string(models.RunInProgress), body["run_status"])
	assert.Equal(t, "SELECT count(*) FROM orders", body["sql_query"])
	assert.Len(t, body["node_history"], 1)
}

func TestGetQuery_NotFound(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodGet, "/api/v1/queries/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListQueries(t *testing.T) {
	h := newHarness(t)
	seedRun(h, "q-1", models.RunFinished)
	seedRun(h, "q-2", models.RunPending)

	w := h.request(t, http.MethodGet, "/api/v1/queries?user_id=u-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeJSON(t, w)["count"])
}

func TestCancelQuery_AlreadyFinished(t *testing.T) {
	h := newHarness(t)
	seedRun(h, "q-1", models.RunFinished)

	w := h.request(t, http.MethodPost, "/api/v1/queries/q-1/cancel", struct{}{})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelQuery_PendingRunFinishedDirectly(t *testing.T) {
	h := newHarness(t)
	seedRun(h, "q-1", models.RunPending)

	w := h.request(t, http.MethodPost, "/api/v1/queries/q-1/cancel", struct{}{})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "cancelled by user", h.queries.finished["q-1"])
	states := h.publisher.states()
	assert.Contains(t, states, models.StateError)
}

func TestCancelQuery_InFlightOnThisPod(t *testing.T) {
	h := newHarness(t)
	seedRun(h, "q-1", models.RunInProgress)
	h.pool.cancelOK = true

	w := h.request(t, http.MethodPost, "/api/v1/queries/q-1/cancel", struct{}{})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"q-1"}, h.pool.cancelled)
	assert.Empty(t, h.queries.finished, "the engine records the terminal status")
}

func TestCancelQuery_InFlightElsewhere(t *testing.T) {
	h := newHarness(t)
	seedRun(h, "q-1", models.RunInProgress)
	h.pool.cancelOK = false

	w := h.request(t, http.MethodPost, "/api/v1/queries/q-1/cancel", struct{}{})
	assert.Equal(t, http.StatusConflict, w.Code)
}
