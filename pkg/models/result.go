package models

import "time"

// CachedResult is a full query result staged in the result store, keyed by
// sha256(normalize_sql(sql) || database_type).
type CachedResult struct {
	Columns         []string       `json:"columns"`
	Rows            [][]any        `json:"rows"`
	RowCount        int            `json:"row_count"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Timestamp       time.Time      `json:"timestamp"`
	Truncated       bool           `json:"truncated,omitempty"`
	DataQuality     map[string]any `json:"data_quality,omitempty"`
}

// ResultReference is the compact handle returned on transport when a result
// exceeds the inline row threshold. The full result is fetched by query_id.
type ResultReference struct {
	QueryID     string   `json:"query_id"`
	QueryHash   string   `json:"query_hash,omitempty"`
	RowCount    int      `json:"row_count"`
	Columns     []string `json:"columns"`
	CacheStatus string   `json:"cache_status,omitempty"` // cached, expired
}
