package dbrouter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amila-ai/amila/pkg/models"
)

// PostgresAdapter executes statements in-process on a pgx pool.
type PostgresAdapter struct {
	pool *pgxpool.Pool
}

// NewPostgresAdapter connects a pool for one named connection.
func NewPostgresAdapter(ctx context.Context, dsn string) (*PostgresAdapter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresAdapter{pool: pool}, nil
}

// NewPostgresAdapterFromPool wraps an existing pool (tests).
func NewPostgresAdapterFromPool(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (a *PostgresAdapter) Type() models.DatabaseType { return models.DatabasePostgres }

func (a *PostgresAdapter) Close() { a.pool.Close() }

func (a *PostgresAdapter) GetSchema(ctx context.Context) (*models.SchemaData, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT c.table_name, t.table_type, c.column_name, c.data_type, c.is_nullable
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = current_schema()
		ORDER BY c.table_name, c.ordinal_position`)
	if err != nil {
		return nil, classifyGenericError("get_schema", err.Error())
	}
	defer rows.Close()

	schema := &models.SchemaData{
		Tables: make(map[string][]models.ColumnInfo),
		Views:  make(map[string][]models.ColumnInfo),
	}
	for rows.Next() {
		var table, tableType, column, dataType, nullable string
		if err := rows.Scan(&table, &tableType, &column, &dataType, &nullable); err != nil {
			return nil, classifyGenericError("get_schema", err.Error())
		}
		col := models.ColumnInfo{Name: column, Type: dataType, Nullable: nullable == "YES"}
		if tableType == "VIEW" {
			schema.Views[table] = append(schema.Views[table], col)
		} else {
			schema.Tables[table] = append(schema.Tables[table], col)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyGenericError("get_schema", err.Error())
	}
	return schema, nil
}

func (a *PostgresAdapter) ExecuteSQL(ctx context.Context, sql string, maxRows int) (*models.ExecutionResult, error) {
	start := time.Now()
	rows, err := a.pool.Query(ctx, sql)
	if err != nil {
		return nil, classifyGenericError("execute", err.Error())
	}
	defer rows.Close()

	var columns []string
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, fd.Name)
	}

	result := &models.ExecutionResult{Columns: columns}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, classifyGenericError("execute", err.Error())
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyGenericError("execute", err.Error())
	}
	result.RowCount = len(result.Rows)
	result.ExecutionTimeMS = time.Since(start).Milliseconds()
	return result, nil
}
