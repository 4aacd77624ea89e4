package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/amila-ai/amila/pkg/llm"
	"github.com/amila-ai/amila/pkg/models"
)

// SQLRouter is the execution surface the engine needs from the database
// router.
type SQLRouter interface {
	Execute(ctx context.Context, connectionName string, dbType models.DatabaseType, sql string, maxRows int) (*models.ExecutionResult, error)
	Probe(ctx context.Context, connectionName string, dbType models.DatabaseType, sql string) error
	GetSchema(ctx context.Context, connectionName string, dbType models.DatabaseType) (*models.SchemaData, error)
}

// ResultStore stages executed results and shapes transport payloads.
type ResultStore interface {
	Save(ctx context.Context, queryID, sql string, dbType models.DatabaseType, result *models.CachedResult) (*models.ResultsPayload, *models.ResultReference)
	Lookup(ctx context.Context, sql string, dbType models.DatabaseType) (*models.CachedResult, error)
}

// Options tune pipeline behavior.
type Options struct {
	// RequireApprovalForAll forces the approval gate for every query.
	RequireApprovalForAll bool
	// ExecuteMaxRows hard-caps rows fetched from a backend.
	ExecuteMaxRows int
	// QualityThreshold below which results trigger a pivot (0..100).
	QualityThreshold float64
	// Model and ContextBudget bound schema context in prompts.
	Model         string
	ContextBudget int
}

// Deps are the engine's collaborators.
type Deps struct {
	LLM         llm.Client
	Router      SQLRouter
	Results     ResultStore
	Checkpoints Checkpointer
	Events      EventSink
	Tokens      *llm.TokenCounter
	Options     Options
	Logger      *slog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.LLM == nil:
		return errors.New("engine: LLM client required")
	case d.Router == nil:
		return errors.New("engine: SQL router required")
	case d.Results == nil:
		return errors.New("engine: result store required")
	case d.Checkpoints == nil:
		return errors.New("engine: checkpointer required")
	case d.Events == nil:
		return errors.New("engine: event sink required")
	case d.Logger == nil:
		return errors.New("engine: logger required")
	}
	return nil
}
