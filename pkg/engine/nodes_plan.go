package engine

import (
	"context"
	"strings"

	"github.com/amila-ai/amila/pkg/llm"
	"github.com/amila-ai/amila/pkg/models"
)

// chat calls the LLM with a prompt pair and decodes the JSON reply into out.
func (e *Engine) chat(ctx context.Context, out any, system, user string) error {
	raw, err := e.deps.LLM.ChatJSON(ctx, system, user)
	if err != nil {
		return err
	}
	return llm.Decode(raw, out)
}

// contextText renders retrieved context and trims it to the model budget.
func (e *Engine) contextText(s *models.QueryState) string {
	text := llm.RenderContext(s.Context)
	if text != "" && e.deps.Tokens != nil {
		text = e.deps.Tokens.TrimToBudget(e.deps.Options.Model, text, e.deps.Options.ContextBudget)
	}
	return text
}

// The last failure message rides in LLMMetadata so repair prompts survive
// checkpoint resumption.
const lastFailureKey = "last_failure"

func setFailure(s *models.QueryState, msg string) {
	if s.LLMMetadata == nil {
		s.LLMMetadata = make(map[string]any)
	}
	s.LLMMetadata[lastFailureKey] = msg
}

func lastFailure(s *models.QueryState) string {
	if s.LLMMetadata == nil {
		return ""
	}
	msg, _ := s.LLMMetadata[lastFailureKey].(string)
	return msg
}

func (e *Engine) understand(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	if strings.TrimSpace(s.UserQuery) == "" {
		s.SetError(NodeUnderstand, "query text is empty", "")
		return Terminal(models.StateError), nil
	}

	var out llm.UnderstandOutput
	system, user := llm.UnderstandPrompt(s.UserQuery, s.ClarificationHistory)
	if err := e.chat(ctx, &out, system, user); err != nil {
		return Outcome{}, err
	}
	s.Intent = out.Intent

	if out.NeedsClarification {
		msg := out.Clarification
		if msg == "" {
			msg = "Could you clarify what you are asking for?"
		}
		s.Clarification = msg
		s.RecordClarification(msg)
		return Terminal(models.StateFinished), nil
	}
	if !out.IsDataQuery {
		s.Clarification = "This question does not look answerable from the connected database."
		return Terminal(models.StateFinished), nil
	}
	return Continue(NodeRetrieveContext), nil
}

// retrieveContext is best-effort: a schema fetch failure leaves the context
// empty and generation proceeds without it.
func (e *Engine) retrieveContext(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	qc := &models.QueryContext{}
	schema, err := e.deps.Router.GetSchema(ctx, s.ConnectionName, s.DatabaseType)
	if err != nil {
		e.logger.Warn("Schema retrieval failed, continuing without context",
			"query_id", s.QueryID, "error", err)
	} else if schema != nil {
		meta := make(map[string]any, len(schema.Tables)+len(schema.Views))
		for name, cols := range schema.Tables {
			meta[name] = cols
		}
		for name, cols := range schema.Views {
			meta[name] = cols
		}
		qc.SchemaMetadata = meta
	}
	s.Context = qc
	return Continue(NodeDecompose), nil
}

// decompose is best-effort: a failed decomposition call leaves the question
// single-part.
func (e *Engine) decompose(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	var out llm.DecomposeOutput
	system, user := llm.DecomposePrompt(s.UserQuery)
	if err := e.chat(ctx, &out, system, user); err != nil {
		e.logger.Warn("Decomposition failed, treating question as single-part",
			"query_id", s.QueryID, "error", err)
		return Continue(NodeGenerateHypothesis), nil
	}
	if out.IsMultiPart && len(out.Parts) > 1 {
		dag := &models.QueryDAG{Parts: make([]models.QueryPart, 0, len(out.Parts))}
		for _, q := range out.Parts {
			dag.Parts = append(dag.Parts, models.QueryPart{Question: q})
		}
		s.QueryDAG = dag
	}
	return Continue(NodeGenerateHypothesis), nil
}

// generateHypothesis plans the query approach. On a fresh pass it works
// from the question and retrieved context; when a pivot looped back here
// the previous attempt's SQL and analysis are still in hand, and the
// hypothesis is a reformulation of the failed approach.
func (e *Engine) generateHypothesis(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	if s.ExecutionResult != nil {
		return e.pivotHypothesis(ctx, s)
	}

	var out llm.HypothesisOutput
	system, user := llm.HypothesisPrompt(s.UserQuery, s.Intent, e.contextText(s))
	if err := e.chat(ctx, &out, system, user); err != nil {
		return Outcome{}, err
	}
	s.Hypothesis = out.Hypothesis
	return Continue(NodeGenerateSQL), nil
}

// pivotHypothesis reframes the question after results came back empty or
// poor, then clears the execution scratch so the pipeline rejoins at SQL
// generation. A failed reformulation ships the last results instead.
func (e *Engine) pivotHypothesis(ctx context.Context, s *models.QueryState) (Outcome, error) {
	var out llm.HypothesisOutput
	system, user := llm.PivotPrompt(s.UserQuery, s.SQLQuery, s.ResultAnalysis)
	if err := e.chat(ctx, &out, system, user); err != nil {
		e.logger.Warn("Pivot failed, formatting what we have",
			"query_id", s.QueryID, "error", err)
		return Continue(NodeFormatResults), nil
	}
	s.Hypothesis = out.Hypothesis
	s.SQLQuery = ""
	s.ExecutionResult = nil
	s.ResultAnalysis = nil
	s.ValidationResult = nil
	s.Approved = false
	s.NeedsApproval = false
	return Continue(NodeGenerateSQL), nil
}

// pivotStrategy decides whether poor results earn another attempt. Within
// the pivot budget the run loops back to hypothesis generation; past it
// the last results ship as-is. Repair and fallback budgets are cumulative
// across pivots; the shared loop cap bounds the total.
func (e *Engine) pivotStrategy(_ context.Context, rt *run) (Outcome, error) {
	s := rt.s
	if s.PivotAttempts >= models.MaxPivotAttempts || s.LoopAttempts() >= models.MaxLoopAttempts {
		return Continue(NodeFormatResults), nil
	}
	s.PivotAttempts++
	return Continue(NodeGenerateHypothesis), nil
}
