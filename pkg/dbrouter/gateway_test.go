package dbrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/resilience"
)

func TestGatewayAdapter_ExecuteSQL(t *testing.T) {
	var gotReq gatewayExecuteRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/execute", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(gatewayExecuteResponse{
			Status:          "success",
			Columns:         []string{"id", "total"},
			Rows:            [][]any{{float64(1), float64(99)}},
			RowCount:        1,
			ExecutionTimeMS: 42,
		})
	}))
	defer server.Close()

	adapter := NewGatewayAdapter(server.URL, models.DatabaseOracle, "ora-main", "tok", nil)
	result, err := adapter.ExecuteSQL(context.Background(), "select * from orders", 200)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "total"}, result.Columns)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, int64(42), result.ExecutionTimeMS)

	assert.Equal(t, "select * from orders", gotReq.SQL)
	assert.Equal(t, 200, gotReq.MaxRows)
	assert.Equal(t, "oracle", gotReq.Database)
	assert.Equal(t, "ora-main", gotReq.Connection)
}

func TestGatewayAdapter_OracleErrorNormalized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gatewayExecuteResponse{
			Status: "error",
			Error:  "ORA-00942: table or view does not exist",
		})
	}))
	defer server.Close()

	adapter := NewGatewayAdapter(server.URL, models.DatabaseOracle, "", "", nil)
	_, err := adapter.ExecuteSQL(context.Background(), "select * from nope", 0)
	require.Error(t, err)
	assert.Equal(t, "ORA-00942", resilience.CodeOf(err))
	assert.Equal(t, resilience.KindDBNonRecoverable, resilience.KindOf(err))
}

func TestGatewayAdapter_ServerErrorIsRecoverable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway overloaded", http.StatusBadGateway)
	}))
	defer server.Close()

	adapter := NewGatewayAdapter(server.URL, models.DatabaseDoris, "", "", nil)
	_, err := adapter.ExecuteSQL(context.Background(), "select 1", 0)
	require.Error(t, err)
	assert.Equal(t, resilience.KindDBRecoverable, resilience.KindOf(err))
}

func TestGatewayAdapter_ConnectionRefusedIsRecoverable(t *testing.T) {
	adapter := NewGatewayAdapter("http://127.0.0.1:1", models.DatabaseDoris, "", "", nil)
	_, err := adapter.ExecuteSQL(context.Background(), "select 1", 0)
	require.Error(t, err)
	assert.Equal(t, resilience.KindDBRecoverable, resilience.KindOf(err))
}

func TestGatewayAdapter_GetSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/schema", r.URL.Path)
		require.Equal(t, "doris", r.URL.Query().Get("database_type"))
		json.NewEncoder(w).Encode(models.SchemaData{
			Tables: map[string][]models.ColumnInfo{
				"orders": {{Name: "id", Type: "bigint", Nullable: false}},
			},
			Views: map[string][]models.ColumnInfo{},
		})
	}))
	defer server.Close()

	adapter := NewGatewayAdapter(server.URL, models.DatabaseDoris, "main", "", nil)
	schema, err := adapter.GetSchema(context.Background())
	require.NoError(t, err)
	require.Contains(t, schema.Tables, "orders")
	assert.Equal(t, "bigint", schema.Tables["orders"][0].Type)
}
