package engine

import (
	"context"
	"time"

	"github.com/amila-ai/amila/pkg/llm"
	"github.com/amila-ai/amila/pkg/models"
)

// awaitApproval is the HITL gate. On first entry with no decision it
// suspends the run; a resumed run re-enters here and reads the recorded
// decision.
func (e *Engine) awaitApproval(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	if !s.NeedsApproval {
		return Continue(NodeExecute), nil
	}
	if s.RejectionReason != "" {
		return Terminal(models.StateRejected), nil
	}
	if s.Approved {
		e.publishState(ctx, s, models.StateApproved)
		return Continue(NodeExecute), nil
	}
	return Suspend("approval required before execution"), nil
}

func (e *Engine) execute(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	if s.NeedsApproval && !s.Approved {
		// Routing should make this unreachable; never run unapproved SQL.
		s.SetError(NodeExecute, "execution reached without approval", "")
		return Terminal(models.StateError), nil
	}

	if s.QueryDAG != nil && len(s.QueryDAG.Parts) > 1 {
		return e.executeParts(ctx, rt), nil
	}

	if cached, err := e.deps.Results.Lookup(ctx, s.SQLQuery, s.DatabaseType); err == nil && cached != nil {
		s.ExecutionResult = &models.ExecutionResult{
			Columns:         cached.Columns,
			Rows:            cached.Rows,
			RowCount:        cached.RowCount,
			ExecutionTimeMS: cached.ExecutionTimeMS,
			Truncated:       cached.Truncated,
			DataQuality:     cached.DataQuality,
		}
		if s.LLMMetadata == nil {
			s.LLMMetadata = make(map[string]any)
		}
		s.LLMMetadata["cache_hit"] = true
		return Continue(NodeValidateResults), nil
	}

	result, err := e.deps.Router.Execute(ctx, s.ConnectionName, s.DatabaseType, s.SQLQuery, e.deps.Options.ExecuteMaxRows)
	if err != nil {
		failure := err.Error()
		setFailure(s, failure)
		e.logger.Info("Execution failed", "query_id", s.QueryID, "error", failure)
		return e.routeFailure(s, NodeExecute, failure), nil
	}
	s.ExecutionResult = result
	return Continue(NodeValidateResults), nil
}

// executeParts runs each decomposed sub-query sequentially and concatenates
// the results, prefixing every row with its 1-based part index. Failed parts
// are skipped; quality analysis is not meaningful across parts, so the
// combined result goes straight to formatting.
func (e *Engine) executeParts(ctx context.Context, rt *run) Outcome {
	s := rt.s
	combined := &models.ExecutionResult{}
	succeeded := 0
	for i := range s.QueryDAG.Parts {
		part := &s.QueryDAG.Parts[i]
		if part.SQL == "" {
			continue
		}
		result, err := e.deps.Router.Execute(ctx, s.ConnectionName, s.DatabaseType, part.SQL, e.deps.Options.ExecuteMaxRows)
		if err != nil {
			e.logger.Warn("Sub-query execution failed, skipping part",
				"query_id", s.QueryID, "part", i, "error", err)
			continue
		}
		part.Done = true
		succeeded++
		if len(result.Columns) > len(combined.Columns)-1 {
			combined.Columns = append([]string{"part"}, result.Columns...)
		}
		for _, row := range result.Rows {
			combined.Rows = append(combined.Rows, append([]any{i + 1}, row...))
		}
		combined.RowCount += result.RowCount
		combined.ExecutionTimeMS += result.ExecutionTimeMS
		combined.Truncated = combined.Truncated || result.Truncated
	}
	if succeeded == 0 {
		failure := "all sub-query executions failed"
		setFailure(s, failure)
		return e.routeFailure(s, NodeExecute, failure)
	}
	// Parts narrower than the widest column set leave short rows behind;
	// pad them so every row matches combined.Columns.
	for i, row := range combined.Rows {
		for len(row) < len(combined.Columns) {
			row = append(row, nil)
		}
		combined.Rows[i] = row
	}
	s.ExecutionResult = combined
	return Continue(NodeFormatResults)
}

// validateResults scores the executed results. Empty or low-quality results
// route to the pivot decision; analysis failures never block delivery.
func (e *Engine) validateResults(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	result := s.ExecutionResult
	if result == nil {
		return Continue(NodeFormatResults), nil
	}

	var out llm.AnalysisOutput
	system, user := llm.AnalyzeResultsPrompt(s.UserQuery, s.SQLQuery, result)
	if err := e.chat(ctx, &out, system, user); err != nil {
		e.logger.Warn("Result analysis failed, delivering unscored results",
			"query_id", s.QueryID, "error", err)
		return Continue(NodeFormatResults), nil
	}
	s.ResultAnalysis = &models.ResultAnalysis{QualityScore: out.QualityScore, Issues: out.Issues}

	if result.RowCount == 0 || out.QualityScore < e.deps.Options.QualityThreshold {
		return Continue(NodePivotStrategy), nil
	}
	return Continue(NodeFormatResults), nil
}

// formatResults summarizes the results, stages them in the result store, and
// shapes the transport payload. Summarization is best-effort.
func (e *Engine) formatResults(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	result := s.ExecutionResult
	if result == nil {
		return Terminal(models.StateFinished), nil
	}

	var out llm.FormatOutput
	system, user := llm.FormatResultsPrompt(s.UserQuery, s.SQLQuery, result)
	if err := e.chat(ctx, &out, system, user); err != nil {
		e.logger.Warn("Result formatting failed, delivering raw results",
			"query_id", s.QueryID, "error", err)
	} else {
		rt.summary = out.Summary
		if len(out.VisualizationHints) > 0 {
			s.VisualizationHints = out.VisualizationHints
		}
	}

	cached := &models.CachedResult{
		Columns:         result.Columns,
		Rows:            result.Rows,
		RowCount:        result.RowCount,
		ExecutionTimeMS: result.ExecutionTimeMS,
		Timestamp:       time.Now(),
		Truncated:       result.Truncated,
		DataQuality:     result.DataQuality,
	}
	rt.payload, rt.ref = e.deps.Results.Save(ctx, s.QueryID, s.SQLQuery, s.DatabaseType, cached)
	return Terminal(models.StateFinished), nil
}

// errorNode exists so checkpointed states can name it as their next hop.
func (e *Engine) errorNode(_ context.Context, rt *run) (Outcome, error) {
	if rt.s.Error == "" {
		rt.s.SetError(NodeError, "orchestration failed", "")
	}
	return Terminal(models.StateError), nil
}

// pendingResponse is the body returned when a run suspends at the approval
// gate.
func (e *Engine) pendingResponse(s *models.QueryState) *models.OrchestratorQueryResponse {
	return &models.OrchestratorQueryResponse{
		QueryID:       s.QueryID,
		Status:        models.ResponsePendingApproval,
		SQLQuery:      s.SQLQuery,
		Validation:    s.ValidationResult,
		NeedsApproval: true,
		TraceID:       s.TraceID,
	}
}

// buildResponse shapes the terminal response body.
func (e *Engine) buildResponse(rt *run, terminal models.LifecycleState) *models.OrchestratorQueryResponse {
	s := rt.s
	resp := &models.OrchestratorQueryResponse{
		QueryID:    s.QueryID,
		SQLQuery:   s.SQLQuery,
		Validation: s.ValidationResult,
		TraceID:    s.TraceID,
	}

	switch terminal {
	case models.StateRejected:
		resp.Status = models.ResponseError
		resp.Error = "query rejected"
		if s.RejectionReason != "" {
			resp.Error = "query rejected: " + s.RejectionReason
		}
	case models.StateError:
		resp.Status = models.ResponseError
		resp.Error = s.Error
		if resp.Error == "" {
			resp.Error = "orchestration failed"
		}
	default:
		resp.Status = models.ResponseSuccess
		resp.Results = rt.payload
		resp.ResultRef = rt.ref
	}

	meta := make(map[string]any)
	if rt.summary != "" {
		meta["summary"] = rt.summary
	}
	if s.Clarification != "" {
		meta["clarification"] = s.Clarification
	}
	if s.ResultAnalysis != nil {
		meta["quality_score"] = s.ResultAnalysis.QualityScore
	}
	if expl, ok := s.LLMMetadata["sql_explanation"]; ok {
		meta["sql_explanation"] = expl
	}
	if hit, ok := s.LLMMetadata["cache_hit"]; ok {
		meta["cache_hit"] = hit
	}
	if len(meta) > 0 {
		resp.LLMMetadata = meta
	}
	return resp
}
