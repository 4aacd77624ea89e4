package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/amila-ai/amila/pkg/dbrouter"
	"github.com/amila-ai/amila/pkg/llm"
	"github.com/amila-ai/amila/pkg/models"
)

// Statement keywords that are never allowed through validation.
var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"DROP": true, "ALTER": true, "TRUNCATE": true, "CREATE": true,
	"GRANT": true, "REVOKE": true, "CALL": true, "EXEC": true,
	"EXECUTE": true, "COMMIT": true, "ROLLBACK": true,
}

func (e *Engine) generateSQL(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	contextText := e.contextText(s)

	if s.QueryDAG != nil && len(s.QueryDAG.Parts) > 1 {
		// Multi-part: generate one statement per sub-question. Parts that
		// fail generation are skipped; the rest proceed.
		var display []string
		for i := range s.QueryDAG.Parts {
			part := &s.QueryDAG.Parts[i]
			if part.SQL != "" {
				display = append(display, part.SQL)
				continue
			}
			var out llm.SQLOutput
			system, user := llm.GenerateSQLPrompt(part.Question, s.Hypothesis, contextText, s.DatabaseType)
			if err := e.chat(ctx, &out, system, user); err != nil {
				e.logger.Warn("Sub-query generation failed, skipping part",
					"query_id", s.QueryID, "part", i, "error", err)
				continue
			}
			part.SQL = dbrouter.QuoteReservedIdentifiers(out.SQL, s.DatabaseType)
			display = append(display, part.SQL)
		}
		if len(display) == 0 {
			s.SetError(NodeGenerateSQL, "all sub-query generations failed", "")
			return Terminal(models.StateError), nil
		}
		s.SQLQuery = strings.Join(display, ";\n")
		return Continue(NodeValidate), nil
	}

	var out llm.SQLOutput
	system, user := llm.GenerateSQLPrompt(s.UserQuery, s.Hypothesis, contextText, s.DatabaseType)
	if err := e.chat(ctx, &out, system, user); err != nil {
		return Outcome{}, err
	}
	s.SQLQuery = dbrouter.QuoteReservedIdentifiers(out.SQL, s.DatabaseType)
	s.SQLConfidence = out.Confidence
	if out.Explanation != "" {
		if s.LLMMetadata == nil {
			s.LLMMetadata = make(map[string]any)
		}
		s.LLMMetadata["sql_explanation"] = out.Explanation
	}
	return Continue(NodeValidate), nil
}

// validateStatement applies the rule-based read-only checks to one statement
// and returns the failure message for the repair prompt when invalid.
func validateStatement(sql string) (result *models.ValidationResult, failure string) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &models.ValidationResult{RiskLevel: "high"}, "empty statement"
	}
	words := dbrouter.WordTokens(trimmed)
	if len(words) == 0 {
		return &models.ValidationResult{RiskLevel: "high"}, "no statement found"
	}
	if words[0] != "SELECT" && words[0] != "WITH" {
		return &models.ValidationResult{RiskLevel: "high"},
			fmt.Sprintf("only read-only SELECT statements are allowed, got %s", words[0])
	}
	for _, w := range words {
		if forbiddenKeywords[w] {
			return &models.ValidationResult{RiskLevel: "high"},
				fmt.Sprintf("forbidden keyword %s in statement", w)
		}
	}
	if i := strings.Index(trimmed, ";"); i >= 0 && strings.TrimSpace(trimmed[i+1:]) != "" {
		return &models.ValidationResult{RiskLevel: "high"}, "multiple statements are not allowed"
	}

	result = &models.ValidationResult{IsValid: true, RiskLevel: "low"}
	joins, hasWhere := 0, false
	for _, w := range words {
		switch w {
		case "JOIN":
			joins++
		case "WHERE":
			hasWhere = true
		}
	}
	upper := strings.ToUpper(trimmed)
	selectStar := strings.HasPrefix(upper, "SELECT *") || strings.HasPrefix(upper, "SELECT DISTINCT *")
	switch {
	case !hasWhere && joins > 0:
		result.RiskLevel = "high"
		result.Warnings = append(result.Warnings, "joins without a WHERE clause can scan entire tables")
	case !hasWhere || joins >= 3:
		result.RiskLevel = "medium"
		if !hasWhere {
			result.Warnings = append(result.Warnings, "no WHERE clause, full table scan likely")
		}
	}
	if selectStar {
		result.Warnings = append(result.Warnings, "SELECT * returns every column")
	}
	return result, ""
}

func (e *Engine) validate(_ context.Context, rt *run) (Outcome, error) {
	s := rt.s

	if s.QueryDAG != nil && len(s.QueryDAG.Parts) > 1 {
		// Multi-part: drop invalid parts, keep the rest. Worst risk level
		// across parts drives the approval decision.
		worst := "low"
		kept := 0
		for i := range s.QueryDAG.Parts {
			part := &s.QueryDAG.Parts[i]
			if part.SQL == "" {
				continue
			}
			res, failure := validateStatement(part.SQL)
			if failure != "" {
				e.logger.Warn("Sub-query failed validation, dropping part",
					"query_id", s.QueryID, "part", i, "failure", failure)
				part.SQL = ""
				continue
			}
			kept++
			if riskRank(res.RiskLevel) > riskRank(worst) {
				worst = res.RiskLevel
			}
		}
		if kept == 0 {
			setFailure(s, "no sub-query passed validation")
			return e.routeFailure(s, NodeValidate, "no sub-query passed validation"), nil
		}
		s.ValidationResult = &models.ValidationResult{IsValid: true, RiskLevel: worst}
		return e.afterValidation(s), nil
	}

	res, failure := validateStatement(s.SQLQuery)
	s.ValidationResult = res
	if failure != "" {
		setFailure(s, failure)
		return e.routeFailure(s, NodeValidate, failure), nil
	}
	return e.afterValidation(s), nil
}

// afterValidation decides the next hop for a valid statement: an Oracle
// probe when it is safe, otherwise straight to the approval gate.
func (e *Engine) afterValidation(s *models.QueryState) Outcome {
	s.ValidationResult.RequiresApproval = e.deps.Options.RequireApprovalForAll ||
		s.ValidationResult.RiskLevel == "high"
	s.NeedsApproval = s.ValidationResult.RequiresApproval

	if s.DatabaseType == models.DatabaseOracle &&
		(s.QueryDAG == nil || len(s.QueryDAG.Parts) <= 1) &&
		!dbrouter.ShouldSkipProbe(s.SQLQuery) {
		return Continue(NodeProbeSQL)
	}
	return Continue(NodeAwaitApproval)
}

func riskRank(level string) int {
	switch level {
	case "high":
		return 2
	case "medium":
		return 1
	}
	return 0
}

// probeSQL runs the statement with a single-row limit against Oracle to
// catch catalog errors before the approval gate.
func (e *Engine) probeSQL(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	if err := e.deps.Router.Probe(ctx, s.ConnectionName, s.DatabaseType, s.SQLQuery); err != nil {
		failure := err.Error()
		setFailure(s, failure)
		e.logger.Info("Probe failed", "query_id", s.QueryID, "error", failure)
		return e.routeFailure(s, NodeProbeSQL, failure), nil
	}
	return Continue(NodeAwaitApproval), nil
}

func (e *Engine) repairSQL(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	s.RepairAttempts++

	var out llm.SQLOutput
	system, user := llm.RepairSQLPrompt(s.UserQuery, s.SQLQuery, lastFailure(s), e.contextText(s), s.DatabaseType)
	if err := e.chat(ctx, &out, system, user); err != nil {
		return Outcome{}, err
	}
	s.SQLQuery = dbrouter.QuoteReservedIdentifiers(out.SQL, s.DatabaseType)
	s.SQLConfidence = out.Confidence
	s.Approved = false
	return Continue(NodeValidate), nil
}

func (e *Engine) generateFallbackSQL(ctx context.Context, rt *run) (Outcome, error) {
	s := rt.s
	s.FallbackAttempts++

	var out llm.SQLOutput
	system, user := llm.FallbackSQLPrompt(s.UserQuery, s.SQLQuery, lastFailure(s), e.contextText(s), s.DatabaseType)
	if err := e.chat(ctx, &out, system, user); err != nil {
		return Outcome{}, err
	}
	s.SQLQuery = dbrouter.QuoteReservedIdentifiers(out.SQL, s.DatabaseType)
	s.SQLConfidence = out.Confidence
	s.Approved = false
	return Continue(NodeValidate), nil
}

// routeFailure picks the recovery hop after a validation, probe, or
// execution failure: repair while the repair budget lasts, then one
// fallback, then give up. Giving up formats partial results when any exist,
// otherwise terminates in error.
func (e *Engine) routeFailure(s *models.QueryState, stage, failure string) Outcome {
	if s.LoopAttempts() < models.MaxLoopAttempts {
		if s.RepairAttempts < models.MaxRepairAttempts {
			return Continue(NodeRepairSQL)
		}
		if s.FallbackAttempts < models.MaxFallbackAttempts {
			return Continue(NodeGenerateFallbackSQL)
		}
	}
	if s.ExecutionResult != nil && s.ExecutionResult.RowCount > 0 {
		e.logger.Info("Recovery budget exhausted, formatting partial results",
			"query_id", s.QueryID, "stage", stage)
		return Continue(NodeFormatResults)
	}
	s.SetError(stage, failure, "")
	return Terminal(models.StateError)
}
