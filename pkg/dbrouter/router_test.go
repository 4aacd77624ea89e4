package dbrouter

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/resilience"
)

type fakeAdapter struct {
	dbType  models.DatabaseType
	calls   atomic.Int32
	failFor int32 // first N ExecuteSQL calls fail
	failErr error
	result  *models.ExecutionResult
	lastMax int
}

func (f *fakeAdapter) Type() models.DatabaseType { return f.dbType }

func (f *fakeAdapter) GetSchema(ctx context.Context) (*models.SchemaData, error) {
	return &models.SchemaData{Tables: map[string][]models.ColumnInfo{
		"orders": {{Name: "id", Type: "number", Nullable: false}},
	}}, nil
}

func (f *fakeAdapter) ExecuteSQL(ctx context.Context, sql string, maxRows int) (*models.ExecutionResult, error) {
	n := f.calls.Add(1)
	f.lastMax = maxRows
	if n <= f.failFor {
		return nil, f.failErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &models.ExecutionResult{Columns: []string{"id"}, Rows: [][]any{{1}}, RowCount: 1}, nil
}

func newTestRouter(retries uint64) *Router {
	return NewRouter(
		resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings()),
		Options{
			ExecuteTimeout: 10 * time.Second,
			SchemaTimeout:  5 * time.Second,
			Retry: resilience.RetryPolicy{
				MaxRetries:      retries,
				InitialInterval: time.Millisecond,
				MaxInterval:     5 * time.Millisecond,
			},
		},
		slog.Default(),
	)
}

func TestRouter_ResolveExplicitAndDefault(t *testing.T) {
	r := newTestRouter(0)
	r.Register("ora-main", &fakeAdapter{dbType: models.DatabaseOracle}, true)
	r.Register("ora-replica", &fakeAdapter{dbType: models.DatabaseOracle}, false)

	name, err := r.Resolve("", models.DatabaseOracle)
	require.NoError(t, err)
	assert.Equal(t, "ora-main", name)

	name, err = r.Resolve("ora-replica", models.DatabaseOracle)
	require.NoError(t, err)
	assert.Equal(t, "ora-replica", name)

	_, err = r.Resolve("nope", models.DatabaseOracle)
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))

	_, err = r.Resolve("", models.DatabaseDoris)
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}

func TestRouter_ExecuteRetriesRecoverable(t *testing.T) {
	r := newTestRouter(2)
	fake := &fakeAdapter{
		dbType:  models.DatabasePostgres,
		failFor: 2,
		failErr: resilience.NewError(resilience.KindDBRecoverable, "execute", errors.New("connection reset")),
	}
	r.Register("pg", fake, true)

	result, err := r.Execute(context.Background(), "", models.DatabasePostgres, "select 1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestRouter_ExecuteStopsOnNonRecoverable(t *testing.T) {
	r := newTestRouter(3)
	fake := &fakeAdapter{
		dbType:  models.DatabaseOracle,
		failFor: 100,
		failErr: NormalizeOracleError("execute", "ORA-00942: table or view does not exist"),
	}
	r.Register("ora", fake, true)

	_, err := r.Execute(context.Background(), "", models.DatabaseOracle, "select * from nope", 0)
	require.Error(t, err)
	assert.Equal(t, "ORA-00942", resilience.CodeOf(err))
	assert.Equal(t, int32(1), fake.calls.Load(), "non-recoverable errors are not retried")
}

func TestRouter_BreakerOpensPerConnection(t *testing.T) {
	r := NewRouter(
		resilience.NewBreakerRegistry(resilience.BreakerSettings{
			FailureThreshold: 2,
			RecoveryTimeout:  time.Minute,
			SuccessThreshold: 1,
		}),
		Options{ExecuteTimeout: time.Second, SchemaTimeout: time.Second,
			Retry: resilience.RetryPolicy{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}},
		slog.Default(),
	)
	failing := &fakeAdapter{
		dbType:  models.DatabaseOracle,
		failFor: 100,
		failErr: NormalizeOracleError("execute", "ORA-00942: table or view does not exist"),
	}
	healthy := &fakeAdapter{dbType: models.DatabaseDoris}
	r.Register("ora", failing, true)
	r.Register("doris", healthy, true)

	for i := 0; i < 2; i++ {
		_, err := r.Execute(context.Background(), "ora", models.DatabaseOracle, "select 1", 0)
		require.Error(t, err)
	}

	_, err := r.Execute(context.Background(), "ora", models.DatabaseOracle, "select 1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)

	_, err = r.Execute(context.Background(), "doris", models.DatabaseDoris, "select 1", 0)
	assert.NoError(t, err, "other connections stay usable")

	states := r.BreakerStates()
	assert.Equal(t, "open", states["ora"])
	assert.Equal(t, "closed", states["doris"])
}

func TestRouter_ProbeUsesSingleRowLimit(t *testing.T) {
	r := newTestRouter(0)
	fake := &fakeAdapter{dbType: models.DatabasePostgres}
	r.Register("pg", fake, true)

	require.NoError(t, r.Probe(context.Background(), "", models.DatabasePostgres, "select * from t"))
	assert.Equal(t, 1, fake.lastMax)
}

func TestRouter_GetSchema(t *testing.T) {
	r := newTestRouter(0)
	r.Register("pg", &fakeAdapter{dbType: models.DatabasePostgres}, true)

	schema, err := r.GetSchema(context.Background(), "", models.DatabasePostgres)
	require.NoError(t, err)
	require.Contains(t, schema.Tables, "orders")
}
