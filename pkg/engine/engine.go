// Package engine implements the query orchestration state machine: a
// checkpointed pipeline from intent analysis through SQL generation,
// validation, approval, execution, and result formatting, with bounded
// repair, fallback, and pivot loops.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amila-ai/amila/pkg/models"
)

// Node names, in rough pipeline order.
const (
	NodeUnderstand          = "understand"
	NodeRetrieveContext     = "retrieve_context"
	NodeDecompose           = "decompose"
	NodeGenerateHypothesis  = "generate_hypothesis"
	NodeGenerateSQL         = "generate_sql"
	NodeValidate            = "validate"
	NodeProbeSQL            = "probe_sql"
	NodeAwaitApproval       = "await_approval"
	NodeExecute             = "execute"
	NodeValidateResults     = "validate_results"
	NodePivotStrategy       = "pivot_strategy"
	NodeRepairSQL           = "repair_sql"
	NodeGenerateFallbackSQL = "generate_fallback_sql"
	NodeFormatResults       = "format_results"
	NodeError               = "error"
)

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeSuspend
	outcomeTerminal
)

// Outcome is a node's verdict: continue to a named successor, suspend the
// run (checkpoint and exit, waiting on an external decision), or terminate
// in a lifecycle state.
type Outcome struct {
	kind   outcomeKind
	next   string
	reason string
	state  models.LifecycleState
}

func Continue(next string) Outcome           { return Outcome{kind: outcomeContinue, next: next} }
func Suspend(reason string) Outcome          { return Outcome{kind: outcomeSuspend, reason: reason} }
func Terminal(s models.LifecycleState) Outcome { return Outcome{kind: outcomeTerminal, state: s} }

// routing is the static transition table. Run rejects any transition not
// declared here, so a buggy node cannot wander.
var routing = map[string][]string{
	NodeUnderstand:          {NodeRetrieveContext},
	NodeRetrieveContext:     {NodeDecompose},
	NodeDecompose:           {NodeGenerateHypothesis},
	NodeGenerateHypothesis:  {NodeGenerateSQL, NodeFormatResults},
	NodeGenerateSQL:         {NodeValidate, NodeFormatResults},
	NodeValidate:            {NodeProbeSQL, NodeAwaitApproval, NodeRepairSQL, NodeGenerateFallbackSQL, NodeFormatResults},
	NodeProbeSQL:            {NodeAwaitApproval, NodeRepairSQL, NodeGenerateFallbackSQL, NodeFormatResults},
	NodeAwaitApproval:       {NodeExecute},
	NodeExecute:             {NodeValidateResults, NodeRepairSQL, NodeGenerateFallbackSQL, NodeFormatResults},
	NodeValidateResults:     {NodePivotStrategy, NodeFormatResults},
	NodePivotStrategy:       {NodeGenerateHypothesis, NodeFormatResults},
	NodeRepairSQL:           {NodeValidate},
	NodeGenerateFallbackSQL: {NodeValidate},
	NodeFormatResults:       {},
	NodeError:               {},
}

// Checkpointer persists state at node boundaries and records run-status
// transitions. Implemented by services.QueryService.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, state *models.QueryState) error
	SuspendForApproval(ctx context.Context, state *models.QueryState) error
	FinishRun(ctx context.Context, queryID string, status models.RunStatus, errMsg string) error
}

// EventSink publishes lifecycle transitions. Implemented by
// events.Publisher.
type EventSink interface {
	PublishLifecycle(ctx context.Context, event models.LifecycleEvent) error
}

// Result is what a completed (or suspended) run hands back to its caller.
type Result struct {
	Response  *models.OrchestratorQueryResponse
	Suspended bool
	Terminal  models.LifecycleState
}

// Engine drives one query through the node pipeline. One Engine serves the
// whole process; per-run state lives entirely in models.QueryState.
type Engine struct {
	nodes  map[string]nodeFunc
	deps   Deps
	logger *slog.Logger
}

// run carries one query through the pipeline: the checkpointed state plus
// transport artifacts that exist only for the duration of the run.
type run struct {
	s       *models.QueryState
	payload *models.ResultsPayload
	ref     *models.ResultReference
	summary string
}

type nodeFunc func(ctx context.Context, rt *run) (Outcome, error)

// New builds the engine and validates the routing table: every node must
// exist and every declared successor must be a known node.
func New(deps Deps) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	e := &Engine{deps: deps, logger: deps.Logger.With("component", "engine")}
	e.nodes = map[string]nodeFunc{
		NodeUnderstand:          e.understand,
		NodeRetrieveContext:     e.retrieveContext,
		NodeDecompose:           e.decompose,
		NodeGenerateHypothesis:  e.generateHypothesis,
		NodeGenerateSQL:         e.generateSQL,
		NodeValidate:            e.validate,
		NodeProbeSQL:            e.probeSQL,
		NodeAwaitApproval:       e.awaitApproval,
		NodeExecute:             e.execute,
		NodeValidateResults:     e.validateResults,
		NodePivotStrategy:       e.pivotStrategy,
		NodeRepairSQL:           e.repairSQL,
		NodeGenerateFallbackSQL: e.generateFallbackSQL,
		NodeFormatResults:       e.formatResults,
		NodeError:               e.errorNode,
	}

	for node, successors := range routing {
		if _, ok := e.nodes[node]; !ok {
			return nil, fmt.Errorf("routing table names unknown node %q", node)
		}
		for _, succ := range successors {
			if _, ok := e.nodes[succ]; !ok {
				return nil, fmt.Errorf("node %q declares unknown successor %q", node, succ)
			}
		}
	}
	for name := range e.nodes {
		if _, ok := routing[name]; !ok {
			return nil, fmt.Errorf("node %q missing from routing table", name)
		}
	}
	return e, nil
}

// Run executes the pipeline from the state's recorded next node (fresh runs
// start at understand). It checkpoints after every node, publishes
// lifecycle transitions, and returns on suspension or a terminal state.
func (e *Engine) Run(ctx context.Context, state *models.QueryState) (*Result, error) {
	node := state.NextNode
	if node == "" {
		node = NodeUnderstand
	}
	rt := &run{s: state}

	for {
		fn, ok := e.nodes[node]
		if !ok {
			return nil, fmt.Errorf("unknown node %q for query %s", node, state.QueryID)
		}

		e.publishState(ctx, state, stateForNode(node))

		started := time.Now()
		outcome, err := fn(ctx, rt)
		rec := models.NodeRecord{Name: node, Status: "completed", StartedAt: started}
		ended := time.Now()
		rec.EndedAt = &ended

		if err != nil {
			// Nodes route expected failures themselves; an error here is a
			// bug or an unrecoverable infrastructure failure.
			rec.Status = "failed"
			rec.Error = err.Error()
			state.RecordNode(rec)
			state.SetError(node, err.Error(), "")
			e.logger.Error("Node failed", "query_id", state.QueryID, "node", node, "error", err)
			return e.finish(ctx, rt, models.StateError)
		}

		switch outcome.kind {
		case outcomeSuspend:
			rec.Status = "suspended"
			state.RecordNode(rec)
			state.NextNode = node // resume re-enters the same node
			if err := e.deps.Checkpoints.SuspendForApproval(ctx, state); err != nil {
				return nil, fmt.Errorf("suspend %s: %w", state.QueryID, err)
			}
			e.publishState(ctx, state, models.StatePendingApproval)
			e.logger.Info("Run suspended", "query_id", state.QueryID, "reason", outcome.reason)
			return &Result{Response: e.pendingResponse(state), Suspended: true}, nil

		case outcomeTerminal:
			state.RecordNode(rec)
			state.NextNode = ""
			return e.finish(ctx, rt, outcome.state)

		default:
			if !validTransition(node, outcome.next) {
				state.RecordNode(rec)
				state.SetError(node, fmt.Sprintf("illegal transition %s -> %s", node, outcome.next), "")
				return e.finish(ctx, rt, models.StateError)
			}
			state.RecordNode(rec)
			state.NextNode = outcome.next
			if err := e.deps.Checkpoints.SaveCheckpoint(ctx, state); err != nil {
				return nil, fmt.Errorf("checkpoint %s: %w", state.QueryID, err)
			}
			node = outcome.next
		}
	}
}

func validTransition(from, to string) bool {
	for _, succ := range routing[from] {
		if succ == to {
			return true
		}
	}
	return false
}

// finish publishes the terminal lifecycle event, persists the final state,
// and records the terminal run status.
func (e *Engine) finish(ctx context.Context, rt *run, terminal models.LifecycleState) (*Result, error) {
	state := rt.s
	if err := e.deps.Checkpoints.SaveCheckpoint(ctx, state); err != nil {
		e.logger.Error("Final checkpoint failed", "query_id", state.QueryID, "error", err)
	}
	e.publishState(ctx, state, terminal)

	runStatus := models.RunFinished
	switch terminal {
	case models.StateError:
		runStatus = models.RunError
	case models.StateRejected:
		runStatus = models.RunRejected
	}
	if err := e.deps.Checkpoints.FinishRun(ctx, state.QueryID, runStatus, state.Error); err != nil {
		e.logger.Error("Failed to record terminal run status", "query_id", state.QueryID, "error", err)
	}

	return &Result{Response: e.buildResponse(rt, terminal), Terminal: terminal}, nil
}

// publishState emits a lifecycle event when the externally visible state
// actually changes. Terminal states are published exactly once because Run
// returns immediately after finish.
func (e *Engine) publishState(ctx context.Context, state *models.QueryState, ls models.LifecycleState) {
	if ls == "" || ls == e.lastPublished(state) {
		return
	}
	setLastPublished(state, ls)
	event := models.LifecycleEvent{
		QueryID:   state.QueryID,
		UserID:    state.UserID,
		State:     ls,
		Timestamp: time.Now(),
		TraceID:   state.TraceID,
	}
	switch ls {
	case models.StatePendingApproval:
		event.Metadata = map[string]any{
			"sql_query":  state.SQLQuery,
			"validation": state.ValidationResult,
		}
	case models.StateError:
		event.Metadata = map[string]any{"error": state.Error, "stage": state.ErrorStage}
	case models.StateRejected:
		event.Metadata = map[string]any{"reason": state.RejectionReason}
	}
	if err := e.deps.Events.PublishLifecycle(ctx, event); err != nil {
		e.logger.Warn("Failed to publish lifecycle event",
			"query_id", state.QueryID, "state", ls, "error", err)
	}
}

// stateForNode maps node entry to the externally visible lifecycle state.
// Nodes without a visible transition return "".
func stateForNode(node string) models.LifecycleState {
	switch node {
	case NodeUnderstand, NodeRetrieveContext, NodeDecompose, NodeGenerateHypothesis, NodePivotStrategy:
		return models.StatePlanning
	case NodeGenerateSQL, NodeRepairSQL, NodeGenerateFallbackSQL:
		return models.StateGeneratingSQL
	case NodeValidate, NodeProbeSQL:
		return models.StateValidating
	case NodeExecute:
		return models.StateExecuting
	case NodeValidateResults:
		return models.StateValidatingResults
	}
	return ""
}

// The last published state rides inside LLMMetadata so it survives
// checkpoint resumption without widening the state schema.
const lastPublishedKey = "last_published_state"

func (e *Engine) lastPublished(state *models.QueryState) models.LifecycleState {
	if state.LLMMetadata == nil {
		return ""
	}
	if v, ok := state.LLMMetadata[lastPublishedKey].(string); ok {
		return models.LifecycleState(v)
	}
	return ""
}

func setLastPublished(state *models.QueryState, ls models.LifecycleState) {
	if state.LLMMetadata == nil {
		state.LLMMetadata = make(map[string]any)
	}
	state.LLMMetadata[lastPublishedKey] = string(ls)
}
