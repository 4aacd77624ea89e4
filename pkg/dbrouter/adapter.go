package dbrouter

import (
	"context"

	"github.com/amila-ai/amila/pkg/models"
)

// Adapter is the per-backend execution surface. Implementations return
// results in the canonical shape and classify failures with resilience
// error kinds; the router adds breaker, retry, and deadline on top.
type Adapter interface {
	Type() models.DatabaseType
	// GetSchema returns tables and views with their columns.
	GetSchema(ctx context.Context) (*models.SchemaData, error)
	// ExecuteSQL runs a read statement, returning at most maxRows rows.
	// maxRows <= 0 means no limit. Truncated is set when rows were dropped.
	ExecuteSQL(ctx context.Context, sql string, maxRows int) (*models.ExecutionResult, error)
}
