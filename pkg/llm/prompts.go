package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amila-ai/amila/pkg/models"
)

// Typed outputs for each node prompt. Prompts instruct the model to emit
// exactly these shapes; Decode parses them.

// UnderstandOutput is the intent analysis of the raw question.
type UnderstandOutput struct {
	Intent             string `json:"intent"`
	IsDataQuery        bool   `json:"is_data_query"`
	NeedsClarification bool   `json:"needs_clarification"`
	Clarification      string `json:"clarification,omitempty"`
}

// DecomposeOutput splits a multi-part question into independent parts.
type DecomposeOutput struct {
	IsMultiPart bool     `json:"is_multi_part"`
	Parts       []string `json:"parts,omitempty"`
}

// HypothesisOutput sketches the analytical approach before SQL generation.
type HypothesisOutput struct {
	Hypothesis string `json:"hypothesis"`
}

// SQLOutput is a generated (or repaired) statement with confidence 0..100.
type SQLOutput struct {
	SQL         string `json:"sql"`
	Confidence  int    `json:"confidence"`
	Explanation string `json:"explanation,omitempty"`
}

// AnalysisOutput scores executed results.
type AnalysisOutput struct {
	QualityScore float64  `json:"quality_score"`
	Issues       []string `json:"issues,omitempty"`
}

// FormatOutput is the final presentation layer.
type FormatOutput struct {
	Summary            string         `json:"summary"`
	VisualizationHints map[string]any `json:"visualization_hints,omitempty"`
}

func dialectName(t models.DatabaseType) string {
	switch t {
	case models.DatabaseOracle:
		return "Oracle SQL (use FETCH FIRST for limits, double quotes for reserved identifiers)"
	case models.DatabaseDoris:
		return "Apache Doris SQL (MySQL-compatible, backticks for reserved identifiers)"
	default:
		return "PostgreSQL"
	}
}

// renderContext flattens retrieved schema metadata and example hits into
// prompt text. Callers trim it to the provider budget first.
func RenderContext(qc *models.QueryContext) string {
	if qc == nil {
		return ""
	}
	var b strings.Builder
	if len(qc.SchemaMetadata) > 0 {
		b.WriteString("Schema:\n")
		raw, err := json.MarshalIndent(qc.SchemaMetadata, "", "  ")
		if err == nil {
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	if len(qc.SemanticHits) > 0 {
		b.WriteString("Similar past queries:\n")
		for _, hit := range qc.SemanticHits {
			b.WriteString("- ")
			b.WriteString(hit)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// UnderstandPrompt classifies the question and decides whether
// clarification is needed before anything else runs.
func UnderstandPrompt(userQuery string, clarificationHistory []string) (system, user string) {
	system = `You analyze natural-language questions aimed at a SQL database.
Respond with JSON: {"intent": string, "is_data_query": bool, "needs_clarification": bool, "clarification": string}.
Set needs_clarification only when the question cannot be answered without more information from the user.`
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(userQuery)
	if len(clarificationHistory) > 0 {
		b.WriteString("\n\nEarlier clarification exchanges:\n")
		for _, c := range clarificationHistory {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	return system, b.String()
}

// DecomposePrompt detects independent sub-questions.
func DecomposePrompt(userQuery string) (system, user string) {
	system = `You split compound analytical questions into independent parts that can each be answered with one SQL statement.
Respond with JSON: {"is_multi_part": bool, "parts": [string]}.
Only split when the parts are genuinely independent; most questions are single-part.`
	return system, "Question: " + userQuery
}

// HypothesisPrompt sketches the approach before generation.
func HypothesisPrompt(userQuery, intent, contextText string) (system, user string) {
	system = `You plan how to answer a data question with SQL.
Respond with JSON: {"hypothesis": string} describing tables, joins, filters, and aggregations to use.`
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nIntent: %s\n", userQuery, intent)
	if contextText != "" {
		b.WriteString("\n")
		b.WriteString(contextText)
	}
	return system, b.String()
}

// GenerateSQLPrompt produces the statement for one question or part.
func GenerateSQLPrompt(question, hypothesis, contextText string, dbType models.DatabaseType) (system, user string) {
	system = fmt.Sprintf(`You write a single read-only %s statement answering the user's question.
Respond with JSON: {"sql": string, "confidence": int 0-100, "explanation": string}.
Never emit DDL or DML. Use only tables and columns from the provided schema.`, dialectName(dbType))
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", question)
	if hypothesis != "" {
		fmt.Fprintf(&b, "Approach: %s\n", hypothesis)
	}
	if contextText != "" {
		b.WriteString("\n")
		b.WriteString(contextText)
	}
	return system, b.String()
}

// RepairSQLPrompt fixes a statement that failed validation or execution.
func RepairSQLPrompt(question, sql, failure, contextText string, dbType models.DatabaseType) (system, user string) {
	system = fmt.Sprintf(`You repair a failing %s statement.
Respond with JSON: {"sql": string, "confidence": int 0-100, "explanation": string}.
Fix the reported problem; keep the statement read-only and the intent unchanged.`, dialectName(dbType))
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nFailing SQL:\n%s\n\nFailure: %s\n", question, sql, failure)
	if contextText != "" {
		b.WriteString("\n")
		b.WriteString(contextText)
	}
	return system, b.String()
}

// FallbackSQLPrompt asks for a simpler alternative after repairs ran out.
func FallbackSQLPrompt(question, sql, failure, contextText string, dbType models.DatabaseType) (system, user string) {
	system = fmt.Sprintf(`You write a simpler, more conservative %s statement after a more ambitious one kept failing.
Respond with JSON: {"sql": string, "confidence": int 0-100, "explanation": string}.
Prefer fewer joins and broader filters over fidelity; a partial answer beats another failure.`, dialectName(dbType))
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nPrevious SQL:\n%s\n\nFailure: %s\n", question, sql, failure)
	if contextText != "" {
		b.WriteString("\n")
		b.WriteString(contextText)
	}
	return system, b.String()
}

// PivotPrompt reframes the question after results came back empty or poor.
func PivotPrompt(question, sql string, analysis *models.ResultAnalysis) (system, user string) {
	system = `You reformulate a data question whose SQL ran fine but produced empty or low-quality results.
Respond with JSON: {"hypothesis": string} describing a different approach (other tables, relaxed filters, different grouping).`
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nSQL that produced poor results:\n%s\n", question, sql)
	if analysis != nil {
		fmt.Fprintf(&b, "Quality score: %.0f\n", analysis.QualityScore)
		for _, issue := range analysis.Issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	return system, b.String()
}

// AnalyzeResultsPrompt scores executed results against the question.
func AnalyzeResultsPrompt(question, sql string, result *models.ExecutionResult) (system, user string) {
	system = `You assess whether query results plausibly answer the question.
Respond with JSON: {"quality_score": number 0-100, "issues": [string]}.
Empty results, all-null columns, and obviously wrong magnitudes are issues.`
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nSQL:\n%s\nRow count: %d\nColumns: %s\n",
		question, sql, result.RowCount, strings.Join(result.Columns, ", "))
	sample := result.Rows
	if len(sample) > 5 {
		sample = sample[:5]
	}
	if raw, err := json.Marshal(sample); err == nil {
		fmt.Fprintf(&b, "Sample rows: %s\n", raw)
	}
	return system, b.String()
}

// FormatResultsPrompt produces the final summary and visualization hints.
func FormatResultsPrompt(question, sql string, result *models.ExecutionResult) (system, user string) {
	system = `You summarize query results for a business user.
Respond with JSON: {"summary": string, "visualization_hints": {"chart_type": string, "x": string, "y": string}}.
Keep the summary to a few sentences grounded in the actual numbers.`
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nSQL:\n%s\nRow count: %d\nColumns: %s\n",
		question, sql, result.RowCount, strings.Join(result.Columns, ", "))
	sample := result.Rows
	if len(sample) > 10 {
		sample = sample[:10]
	}
	if raw, err := json.Marshal(sample); err == nil {
		fmt.Fprintf(&b, "Sample rows: %s\n", raw)
	}
	return system, b.String()
}
