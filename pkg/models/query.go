// Package models defines the shared data types for query orchestration:
// the checkpointed query state, lifecycle events, cached results, and
// webhook subscriptions.
package models

import (
	"time"
)

// DatabaseType identifies the SQL backend a query targets.
type DatabaseType string

// Supported database backends.
const (
	DatabaseOracle   DatabaseType = "oracle"
	DatabaseDoris    DatabaseType = "doris"
	DatabasePostgres DatabaseType = "postgres"
)

// Valid reports whether t is a known backend.
func (t DatabaseType) Valid() bool {
	switch t {
	case DatabaseOracle, DatabaseDoris, DatabasePostgres:
		return true
	}
	return false
}

// LifecycleState is a query's externally visible lifecycle state,
// published on the event bus and mirrored in API responses.
type LifecycleState string

// Lifecycle states, in rough pipeline order.
const (
	StateReceived          LifecycleState = "received"
	StatePlanning          LifecycleState = "planning"
	StateGeneratingSQL     LifecycleState = "generating_sql"
	StateValidating        LifecycleState = "validating"
	StatePendingApproval   LifecycleState = "pending_approval"
	StateApproved          LifecycleState = "approved"
	StateExecuting         LifecycleState = "executing"
	StateValidatingResults LifecycleState = "validating_results"
	StateFinished          LifecycleState = "finished"
	StateError             LifecycleState = "error"
	StateRejected          LifecycleState = "rejected"
)

// IsTerminal reports whether s ends the query lifecycle. Exactly one
// terminal state is published per query.
func (s LifecycleState) IsTerminal() bool {
	return s == StateFinished || s == StateError || s == StateRejected
}

// RunStatus is the queue-visible status of a query run in the queries table.
// It drives worker claiming and orphan recovery; the LifecycleState above is
// the client-facing view.
type RunStatus string

// Run statuses.
const (
	RunPending         RunStatus = "pending"          // queued, claimable by a worker
	RunInProgress      RunStatus = "in_progress"      // claimed, engine running
	RunWaitingApproval RunStatus = "waiting_approval" // suspended at the approval gate
	RunResumable       RunStatus = "resumable"        // approval decision recorded, claimable again
	RunFinished        RunStatus = "finished"
	RunError           RunStatus = "error"
	RunRejected        RunStatus = "rejected"
)

// Terminal reports whether the run can no longer be claimed.
func (s RunStatus) Terminal() bool {
	return s == RunFinished || s == RunError || s == RunRejected
}

// Loop caps. Together they guarantee orchestration termination:
// repair + fallback + pivot attempts never exceed MaxLoopAttempts.
const (
	MaxRepairAttempts   = 2
	MaxFallbackAttempts = 1
	MaxPivotAttempts    = 2
	MaxLoopAttempts     = 6

	MaxNodeHistory          = 50
	MaxClarificationHistory = 10
)

// NodeRecord is one bounded node_history entry.
type NodeRecord struct {
	Name          string     `json:"name"`
	Status        string     `json:"status"` // running, completed, failed, suspended
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ThinkingSteps []string   `json:"thinking_steps,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// QueryContext holds retrieved schema and example context for SQL generation.
type QueryContext struct {
	SchemaMetadata    map[string]any `json:"schema_metadata,omitempty"`
	SemanticHits      []string       `json:"semantic_hits,omitempty"`
	GraphitiAvailable bool           `json:"graphiti_available"`
}

// Empty reports whether no context was retrieved. Empty context is
// acceptable; generation proceeds without it.
func (c *QueryContext) Empty() bool {
	return c == nil || (len(c.SchemaMetadata) == 0 && len(c.SemanticHits) == 0)
}

// ValidationResult is the outcome of pre-execution SQL validation.
type ValidationResult struct {
	IsValid          bool     `json:"is_valid"`
	RiskLevel        string   `json:"risk_level"` // low, medium, high
	RequiresApproval bool     `json:"requires_approval"`
	Warnings         []string `json:"warnings,omitempty"`
}

// ExecutionResult is the canonical shape of an executed query's rows.
type ExecutionResult struct {
	Columns         []string       `json:"columns"`
	Rows            [][]any        `json:"rows"`
	RowCount        int            `json:"row_count"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Truncated       bool           `json:"truncated,omitempty"`
	DataQuality     map[string]any `json:"data_quality,omitempty"`
}

// ResultAnalysis is the post-execution quality assessment.
type ResultAnalysis struct {
	QualityScore float64  `json:"quality_score"` // 0..100
	Issues       []string `json:"issues,omitempty"`
}

// QueryPart is one unit of a decomposed multi-part question.
type QueryPart struct {
	Question string `json:"question"`
	SQL      string `json:"sql,omitempty"`
	Done     bool   `json:"done"`
}

// QueryDAG holds the decomposition of a multi-part question. Sub-queries
// execute sequentially and independently; their results are concatenated.
type QueryDAG struct {
	Parts []QueryPart `json:"parts"`
}

// ErrorPayload carries structured error details through the state machine.
type ErrorPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// QueryState is the orchestrator's working memory for one query. It is
// mutated only by the node currently running, serialized to the checkpoint
// store at every node boundary, and destroyed after retention TTL.
type QueryState struct {
	// Identity
	QueryID   string `json:"query_id"`
	ThreadID  string `json:"thread_id"`
	UserID    string `json:"user_id,omitempty"`
	UserRole  string `json:"user_role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	// Input
	UserQuery      string       `json:"user_query"`
	DatabaseType   DatabaseType `json:"database_type"`
	ConnectionName string       `json:"connection_name,omitempty"`

	// Derived
	Intent        string        `json:"intent,omitempty"`
	Hypothesis    string        `json:"hypothesis,omitempty"`
	Context       *QueryContext `json:"context,omitempty"`
	QueryDAG      *QueryDAG     `json:"query_dag,omitempty"`
	SQLQuery      string        `json:"sql_query,omitempty"`
	SQLConfidence int           `json:"sql_confidence"` // 0..100
	Clarification string        `json:"clarification_message,omitempty"`

	// Execution
	ValidationResult   *ValidationResult `json:"validation_result,omitempty"`
	ExecutionResult    *ExecutionResult  `json:"execution_result,omitempty"`
	ResultAnalysis     *ResultAnalysis   `json:"result_analysis,omitempty"`
	CostEstimate       string            `json:"cost_estimate,omitempty"`
	ExecutionPlan      string            `json:"execution_plan,omitempty"`
	VisualizationHints map[string]any    `json:"visualization_hints,omitempty"`
	LLMMetadata        map[string]any    `json:"llm_metadata,omitempty"`

	// Control
	NeedsApproval    bool          `json:"needs_approval"`
	Approved         bool          `json:"approved"`
	RejectionReason  string        `json:"rejection_reason,omitempty"`
	NextNode         string        `json:"next_action,omitempty"`
	Error            string        `json:"error,omitempty"`
	ErrorStage       string        `json:"error_stage,omitempty"`
	ErrorPayload     *ErrorPayload `json:"error_payload,omitempty"`
	RepairAttempts   int           `json:"repair_attempts"`
	FallbackAttempts int           `json:"fallback_attempts"`
	PivotAttempts    int           `json:"pivot_attempts"`

	// Checkpoint generation, bumped at every node boundary. A node is never
	// re-entered for the same generation.
	Generation int `json:"generation"`

	// Observability (bounded)
	NodeHistory          []NodeRecord `json:"node_history,omitempty"`
	ClarificationHistory []string     `json:"clarification_history,omitempty"`
}

// LoopAttempts returns the total repair+fallback+pivot attempts so far.
func (s *QueryState) LoopAttempts() int {
	return s.RepairAttempts + s.FallbackAttempts + s.PivotAttempts
}

// RecordNode appends a node_history entry, evicting the oldest entry once
// the bound is reached.
func (s *QueryState) RecordNode(rec NodeRecord) {
	s.NodeHistory = append(s.NodeHistory, rec)
	if len(s.NodeHistory) > MaxNodeHistory {
		s.NodeHistory = s.NodeHistory[len(s.NodeHistory)-MaxNodeHistory:]
	}
}

// RecordClarification appends a clarification_history entry, bounded.
func (s *QueryState) RecordClarification(msg string) {
	s.ClarificationHistory = append(s.ClarificationHistory, msg)
	if len(s.ClarificationHistory) > MaxClarificationHistory {
		s.ClarificationHistory = s.ClarificationHistory[len(s.ClarificationHistory)-MaxClarificationHistory:]
	}
}

// SetError populates the error fields without raising across node
// boundaries. The engine's terminal error node reads these.
func (s *QueryState) SetError(stage, message, details string) {
	s.Error = message
	s.ErrorStage = stage
	s.ErrorPayload = &ErrorPayload{Stage: stage, Message: message, Details: details}
}
