package dbrouter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/resilience"
)

// Options bound router calls.
type Options struct {
	// ExecuteTimeout caps one statement execution.
	ExecuteTimeout time.Duration
	// SchemaTimeout caps schema retrieval.
	SchemaTimeout time.Duration
	// Retry applies to recoverable execution failures.
	Retry resilience.RetryPolicy
}

// Router resolves named connections to adapters and wraps every call in
// breaker, retry, and deadline. Breakers are named per connection so one
// flapping backend does not darken the others.
type Router struct {
	adapters map[string]Adapter
	defaults map[models.DatabaseType]string
	breakers *resilience.BreakerRegistry
	opts     Options
	logger   *slog.Logger
}

func NewRouter(breakers *resilience.BreakerRegistry, opts Options, logger *slog.Logger) *Router {
	return &Router{
		adapters: make(map[string]Adapter),
		defaults: make(map[models.DatabaseType]string),
		breakers: breakers,
		opts:     opts,
		logger:   logger.With("component", "dbrouter"),
	}
}

// Register adds a named connection. The first connection of each type
// becomes that type's default; isDefault overrides.
func (r *Router) Register(name string, adapter Adapter, isDefault bool) {
	r.adapters[name] = adapter
	if _, ok := r.defaults[adapter.Type()]; !ok || isDefault {
		r.defaults[adapter.Type()] = name
	}
}

// Resolve returns the connection name to use: the explicit name when given,
// otherwise the default for the database type.
func (r *Router) Resolve(connectionName string, dbType models.DatabaseType) (string, error) {
	if connectionName != "" {
		if _, ok := r.adapters[connectionName]; !ok {
			return "", resilience.NewError(resilience.KindValidation, "route",
				fmt.Errorf("unknown connection %q", connectionName))
		}
		return connectionName, nil
	}
	name, ok := r.defaults[dbType]
	if !ok {
		return "", resilience.NewError(resilience.KindValidation, "route",
			fmt.Errorf("no connection configured for database type %q", dbType))
	}
	return name, nil
}

// Execute runs a statement on the resolved connection with breaker, retry,
// and the execute deadline.
func (r *Router) Execute(ctx context.Context, connectionName string, dbType models.DatabaseType, sql string, maxRows int) (*models.ExecutionResult, error) {
	name, err := r.Resolve(connectionName, dbType)
	if err != nil {
		return nil, err
	}
	adapter := r.adapters[name]

	ctx, cancel := context.WithTimeout(ctx, r.opts.ExecuteTimeout)
	defer cancel()

	var result *models.ExecutionResult
	err = resilience.Retry(ctx, "db_execute", r.opts.Retry, func() error {
		out, err := r.breakers.Execute("db:"+name, func() (any, error) {
			return adapter.ExecuteSQL(ctx, sql, maxRows)
		})
		if err != nil {
			return err
		}
		result = out.(*models.ExecutionResult)
		return nil
	})
	if err != nil {
		r.logger.Warn("Statement execution failed",
			"connection", name, "database_type", dbType, "error", err)
		return nil, err
	}
	return result, nil
}

// Probe executes a statement with a single-row limit to surface runtime
// errors cheaply before the approval gate. Callers skip it for statements
// where a row limit changes semantics (ShouldSkipProbe).
func (r *Router) Probe(ctx context.Context, connectionName string, dbType models.DatabaseType, sql string) error {
	_, err := r.Execute(ctx, connectionName, dbType, sql, 1)
	return err
}

// GetSchema retrieves tables and views for the resolved connection.
func (r *Router) GetSchema(ctx context.Context, connectionName string, dbType models.DatabaseType) (*models.SchemaData, error) {
	name, err := r.Resolve(connectionName, dbType)
	if err != nil {
		return nil, err
	}
	adapter := r.adapters[name]

	ctx, cancel := context.WithTimeout(ctx, r.opts.SchemaTimeout)
	defer cancel()

	out, err := r.breakers.Execute("db:"+name, func() (any, error) {
		return adapter.GetSchema(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.(*models.SchemaData), nil
}

// BreakerStates reports breaker state per registered connection, for health.
func (r *Router) BreakerStates() map[string]string {
	states := make(map[string]string, len(r.adapters))
	for name := range r.adapters {
		states[name] = r.breakers.State("db:" + name)
	}
	return states
}
