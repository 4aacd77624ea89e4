package models

// ResponseStatus values for OrchestratorQueryResponse.Status.
const (
	ResponseSuccess         = "success"
	ResponseError           = "error"
	ResponsePendingApproval = "pending_approval"
)

// ResultsPayload is the transport shape of query results. Large results are
// truncated to a preview and accompanied by a ResultReference.
type ResultsPayload struct {
	Columns         []string       `json:"columns"`
	Rows            [][]any        `json:"rows"`
	RowCount        int            `json:"row_count"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	DataQuality     map[string]any `json:"data_quality,omitempty"`
}

// OrchestratorQueryResponse is the canonical body for query endpoints.
// HTTP status is always 200; failures are encoded here.
type OrchestratorQueryResponse struct {
	QueryID       string            `json:"query_id"`
	Status        string            `json:"status"` // success, error, pending_approval
	SQLQuery      string            `json:"sql_query,omitempty"`
	Results       *ResultsPayload   `json:"results,omitempty"`
	ResultRef     *ResultReference  `json:"result_ref,omitempty"`
	Validation    *ValidationResult `json:"validation,omitempty"`
	NeedsApproval bool              `json:"needs_approval,omitempty"`
	LLMMetadata   map[string]any    `json:"llm_metadata,omitempty"`
	Error         string            `json:"error,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
}

// ColumnInfo describes one column of a table or view.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// SchemaData is the response shape of the schema endpoint.
type SchemaData struct {
	Tables map[string][]ColumnInfo `json:"tables"`
	Views  map[string][]ColumnInfo `json:"views"`
}
