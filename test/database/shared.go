// Package database provisions disposable PostgreSQL databases for
// integration tests. One container is started for the whole test binary;
// each test gets its own schema with the migrations applied, so tests run
// in parallel without seeing each other's rows.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/amila-ai/amila/pkg/database"
)

var (
	sharedOnce sync.Once
	sharedDSN  string
	sharedErr  error
)

// baseDSN returns the connection string of the shared test server. Set
// TEST_DATABASE_URL to reuse an existing server instead of starting a
// container. The container itself is reaped by testcontainers when the
// test binary exits.
func baseDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	sharedOnce.Do(func() {
		ctx := context.Background()
		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("amila_test"),
			tcpostgres.WithUsername("amila"),
			tcpostgres.WithPassword("amila"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			sharedErr = err
			return
		}
		sharedDSN, sharedErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if sharedErr != nil {
		t.Skipf("postgres container unavailable: %v", sharedErr)
	}
	return sharedDSN
}

// NewTestDB creates a fresh schema on the shared server, applies the
// embedded migrations into it, and returns a client scoped to that schema.
// The schema is dropped when the test finishes.
func NewTestDB(t *testing.T) *database.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires a database")
	}

	dsn := baseDSN(t)
	schema := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	_, err = admin.Exec(fmt.Sprintf("CREATE SCHEMA %q", schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(fmt.Sprintf("DROP SCHEMA %q CASCADE", schema))
		_ = admin.Close()
	})

	// pgx passes unknown URL parameters through as server runtime
	// parameters, so search_path scopes every connection in the pool (and
	// the migration run) to the test schema.
	scopedDSN := withParam(dsn, "search_path", schema)
	db, err := sql.Open("pgx", scopedDSN)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, database.MigrateUp(db, schema))
	t.Cleanup(func() { _ = db.Close() })

	return database.NewClientFromDB(db, scopedDSN)
}

func withParam(dsn, key, value string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + value
}
