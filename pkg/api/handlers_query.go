package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/services"
)

// QueryRequest is the body of the process and submit endpoints.
type QueryRequest struct {
	Query          string `json:"query"`
	DatabaseType   string `json:"database_type"`
	ConnectionName string `json:"connection_name,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// ClarifyRequest answers a clarification question on an earlier query.
// OriginalQuery optionally restates the question; when absent the earlier
// run's text is reused.
type ClarifyRequest struct {
	QueryID       string `json:"query_id"`
	Clarification string `json:"clarification"`
	OriginalQuery string `json:"original_query,omitempty"`
}

// ApprovalRequest is the operator's decision on a pending query.
type ApprovalRequest struct {
	Approved  bool   `json:"approved"`
	EditedSQL string `json:"edited_sql,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// QuerySnapshot is the REST view of one run.
type QuerySnapshot struct {
	QueryID       string                   `json:"query_id"`
	ThreadID      string                   `json:"thread_id"`
	UserID        string                   `json:"user_id,omitempty"`
	DatabaseType  models.DatabaseType      `json:"database_type"`
	UserQuery     string                   `json:"user_query"`
	RunStatus     models.RunStatus         `json:"run_status"`
	SQLQuery      string                   `json:"sql_query,omitempty"`
	NeedsApproval bool                     `json:"needs_approval,omitempty"`
	Approved      bool                     `json:"approved,omitempty"`
	Validation    *models.ValidationResult `json:"validation,omitempty"`
	Error         string                   `json:"error,omitempty"`
	TraceID       string                   `json:"trace_id,omitempty"`
	NodeHistory   []models.NodeRecord      `json:"node_history,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
}

func snapshotOf(run *services.QueryRun) *QuerySnapshot {
	snap := &QuerySnapshot{
		QueryID:      run.QueryID,
		ThreadID:     run.ThreadID,
		UserID:       run.UserID,
		DatabaseType: run.DatabaseType,
		UserQuery:    run.UserQuery,
		RunStatus:    run.RunStatus,
		Error:        run.ErrorMessage,
		TraceID:      run.TraceID,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	if run.State != nil {
		snap.SQLQuery = run.State.SQLQuery
		snap.NeedsApproval = run.State.NeedsApproval
		snap.Approved = run.State.Approved
		snap.Validation = run.State.ValidationResult
		snap.NodeHistory = run.State.NodeHistory
	}
	return snap
}

func (s *Server) newQueryState(c *gin.Context, req *QueryRequest) (*models.QueryState, bool) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		abortError(c, http.StatusBadRequest, "query is required")
		return nil, false
	}
	dbType := models.DatabaseType(req.DatabaseType)
	if dbType == "" {
		dbType = models.DatabasePostgres
	}
	if !dbType.Valid() {
		abortError(c, http.StatusBadRequest, "unknown database_type "+strconv.Quote(req.DatabaseType))
		return nil, false
	}

	queryID := uuid.New().String()
	threadID := req.ThreadID
	if threadID == "" {
		threadID = queryID
	}
	traceID := c.GetHeader("X-Trace-Id")
	if traceID == "" {
		traceID = uuid.New().String()
	}
	userID := req.UserID
	if userID == "" {
		userID = c.GetHeader("X-User-Id")
	}

	return &models.QueryState{
		QueryID:        queryID,
		ThreadID:       threadID,
		UserID:         userID,
		SessionID:      req.SessionID,
		TraceID:        traceID,
		UserQuery:      req.Query,
		DatabaseType:   dbType,
		ConnectionName: req.ConnectionName,
	}, true
}

func (s *Server) publishReceived(c *gin.Context, state *models.QueryState) {
	err := s.deps.Publisher.PublishLifecycle(c.Request.Context(), models.LifecycleEvent{
		QueryID:   state.QueryID,
		UserID:    state.UserID,
		State:     models.StateReceived,
		Timestamp: time.Now(),
		TraceID:   state.TraceID,
	})
	if err != nil {
		s.logger.Warn("Failed to publish received event",
			"query_id", state.QueryID, "error", err)
	}
}

// ProcessQuery runs a query synchronously. The HTTP status is always 200;
// orchestration failures are encoded in the response body.
func (s *Server) ProcessQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	state, ok := s.newQueryState(c, &req)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.deps.Queries.CreateRun(ctx, state); err != nil {
		writeError(c, err)
		return
	}
	// Claim the run for this request so the queue workers leave it alone.
	if err := s.deps.Queries.SetRunStatus(ctx, state.QueryID, models.RunInProgress); err != nil {
		writeError(c, err)
		return
	}
	s.publishReceived(c, state)

	result, err := s.deps.Executor.Run(ctx, state)
	if err != nil {
		s.logger.Error("Synchronous run failed",
			"query_id", state.QueryID, "error", err)
		if ferr := s.deps.Queries.FinishRun(ctx, state.QueryID, models.RunError, err.Error()); ferr != nil {
			s.logger.Error("Failed to record run failure",
				"query_id", state.QueryID, "error", ferr)
		}
		c.JSON(http.StatusOK, &models.OrchestratorQueryResponse{
			QueryID: state.QueryID,
			Status:  models.ResponseError,
			Error:   err.Error(),
			TraceID: state.TraceID,
		})
		return
	}
	c.JSON(http.StatusOK, result.Response)
}

// SubmitQuery enqueues a query for asynchronous processing by the queue
// workers. Clients follow progress on the stream endpoint.
func (s *Server) SubmitQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	state, ok := s.newQueryState(c, &req)
	if !ok {
		return
	}

	if err := s.deps.Queries.CreateRun(c.Request.Context(), state); err != nil {
		writeError(c, err)
		return
	}
	s.publishReceived(c, state)

	c.JSON(http.StatusAccepted, gin.H{
		"query_id":   state.QueryID,
		"thread_id":  state.ThreadID,
		"status":     string(models.RunPending),
		"stream_url": "/api/v1/queries/" + state.QueryID + "/stream",
		"trace_id":   state.TraceID,
	})
}

// ClarifyQuery answers a clarification question: a new run on the same
// thread re-enters the pipeline with the answer appended to the
// clarification history.
func (s *Server) ClarifyQuery(c *gin.Context) {
	var req ClarifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Clarification = strings.TrimSpace(req.Clarification)
	if req.Clarification == "" {
		abortError(c, http.StatusBadRequest, "clarification is required")
		return
	}
	if req.QueryID == "" {
		abortError(c, http.StatusBadRequest, "query_id is required")
		return
	}

	ctx := c.Request.Context()
	run, err := s.deps.Queries.Get(ctx, req.QueryID)
	if err != nil {
		writeError(c, err)
		return
	}

	userQuery := strings.TrimSpace(req.OriginalQuery)
	if userQuery == "" {
		userQuery = run.UserQuery
	}
	state := &models.QueryState{
		QueryID:        uuid.New().String(),
		ThreadID:       run.ThreadID,
		UserID:         run.UserID,
		TraceID:        uuid.New().String(),
		UserQuery:      userQuery,
		DatabaseType:   run.DatabaseType,
		ConnectionName: run.State.ConnectionName,
	}
	state.ClarificationHistory = append(state.ClarificationHistory, run.State.ClarificationHistory...)
	state.RecordClarification(req.Clarification)

	if err := s.deps.Queries.CreateRun(ctx, state); err != nil {
		writeError(c, err)
		return
	}
	s.publishReceived(c, state)

	c.JSON(http.StatusAccepted, gin.H{
		"query_id":   state.QueryID,
		"thread_id":  state.ThreadID,
		"status":     string(models.RunPending),
		"stream_url": "/api/v1/queries/" + state.QueryID + "/stream",
		"trace_id":   state.TraceID,
	})
}

// ApproveQuery records an approval decision on a query suspended at the
// approval gate. Deciding an already-decided query is a no-op returning the
// current state.
func (s *Server) ApproveQuery(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Approved && req.Reason == "" {
		req.Reason = "rejected by operator"
	}

	queryID := c.Param("id")
	state, err := s.deps.Queries.RecordApproval(c.Request.Context(), queryID, services.ApprovalDecision{
		Approved:  req.Approved,
		EditedSQL: req.EditedSQL,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"query_id":  queryID,
		"approved":  state.Approved,
		"sql_query": state.SQLQuery,
	})
}

// GetQuery returns the current snapshot of one run, node history included.
func (s *Server) GetQuery(c *gin.Context) {
	run, err := s.deps.Queries.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotOf(run))
}

// ListQueries returns the caller's recent runs, newest first.
func (s *Server) ListQueries(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetHeader("X-User-Id")
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	runs, err := s.deps.Queries.List(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	snapshots := make([]*QuerySnapshot, 0, len(runs))
	for _, run := range runs {
		snap := snapshotOf(run)
		snap.NodeHistory = nil
		snapshots = append(snapshots, snap)
	}
	c.JSON(http.StatusOK, gin.H{"queries": snapshots, "count": len(snapshots)})
}

// CancelQuery cancels a run. In-flight runs on this pod are context
// cancelled; queued or suspended runs are finished directly.
func (s *Server) CancelQuery(c *gin.Context) {
	queryID := c.Param("id")
	ctx := c.Request.Context()

	run, err := s.deps.Queries.Get(ctx, queryID)
	if err != nil {
		writeError(c, err)
		return
	}
	if run.RunStatus.Terminal() {
		abortError(c, http.StatusConflict, "run already finished")
		return
	}

	if s.deps.Pool.CancelQuery(queryID) {
		c.JSON(http.StatusAccepted, gin.H{"query_id": queryID, "status": "cancelling"})
		return
	}

	switch run.RunStatus {
	case models.RunPending, models.RunResumable, models.RunWaitingApproval:
		if err := s.deps.Queries.FinishRun(ctx, queryID, models.RunError, "cancelled by user"); err != nil {
			writeError(c, err)
			return
		}
		event := models.LifecycleEvent{
			QueryID:   queryID,
			UserID:    run.UserID,
			State:     models.StateError,
			Timestamp: time.Now(),
			Metadata:  map[string]any{"error": "cancelled by user"},
			TraceID:   run.TraceID,
		}
		if err := s.deps.Publisher.PublishLifecycle(ctx, event); err != nil {
			s.logger.Warn("Failed to publish cancellation event",
				"query_id", queryID, "error", err)
		}
		c.JSON(http.StatusOK, gin.H{"query_id": queryID, "status": "cancelled"})
	default:
		// In progress on another pod; its heartbeats keep it alive there.
		abortError(c, http.StatusConflict, "run is executing on another pod")
	}
}
