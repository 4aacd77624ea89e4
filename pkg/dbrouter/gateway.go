package dbrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/resilience"
)

// GatewayAdapter reaches Oracle and Doris through the SQL gateway sidecar
// over HTTP. The gateway owns drivers and credentials; this side only
// speaks the narrow execute/schema contract.
type GatewayAdapter struct {
	baseURL    string
	dbType     models.DatabaseType
	connection string
	authToken  string
	client     *http.Client
}

// NewGatewayAdapter creates an adapter for one named gateway connection.
func NewGatewayAdapter(baseURL string, dbType models.DatabaseType, connection, authToken string, client *http.Client) *GatewayAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &GatewayAdapter{
		baseURL:    baseURL,
		dbType:     dbType,
		connection: connection,
		authToken:  authToken,
		client:     client,
	}
}

func (a *GatewayAdapter) Type() models.DatabaseType { return a.dbType }

type gatewayExecuteRequest struct {
	SQL        string `json:"sql"`
	MaxRows    int    `json:"max_rows,omitempty"`
	Database   string `json:"database_type"`
	Connection string `json:"connection,omitempty"`
}

type gatewayExecuteResponse struct {
	Status          string   `json:"status"`
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"row_count"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	Truncated       bool     `json:"truncated"`
	Error           string   `json:"error,omitempty"`
}

func (a *GatewayAdapter) ExecuteSQL(ctx context.Context, sql string, maxRows int) (*models.ExecutionResult, error) {
	body := gatewayExecuteRequest{
		SQL:        sql,
		MaxRows:    maxRows,
		Database:   string(a.dbType),
		Connection: a.connection,
	}
	var resp gatewayExecuteResponse
	if err := a.post(ctx, "/v1/execute", body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, a.normalize("execute", resp.Error)
	}
	return &models.ExecutionResult{
		Columns:         resp.Columns,
		Rows:            resp.Rows,
		RowCount:        resp.RowCount,
		ExecutionTimeMS: resp.ExecutionTimeMS,
		Truncated:       resp.Truncated,
	}, nil
}

func (a *GatewayAdapter) GetSchema(ctx context.Context) (*models.SchemaData, error) {
	url := fmt.Sprintf("%s/v1/schema?database_type=%s&connection=%s", a.baseURL, a.dbType, a.connection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build schema request: %w", err)
	}
	a.setHeaders(req)

	httpResp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyGenericError("get_schema", err.Error())
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, a.normalize("get_schema", fmt.Sprintf("gateway status %d: %s", httpResp.StatusCode, raw))
	}
	var schema models.SchemaData
	if err := json.NewDecoder(httpResp.Body).Decode(&schema); err != nil {
		return nil, fmt.Errorf("decode schema response: %w", err)
	}
	return &schema, nil
}

func (a *GatewayAdapter) post(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	a.setHeaders(req)

	httpResp, err := a.client.Do(req)
	if err != nil {
		return classifyGenericError("execute", err.Error())
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return resilience.NewError(resilience.KindDBRecoverable, "execute",
			fmt.Errorf("gateway status %d: %s", httpResp.StatusCode, body))
	default:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return a.normalize("execute", fmt.Sprintf("gateway status %d: %s", httpResp.StatusCode, body))
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func (a *GatewayAdapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}
}

// normalize routes backend error text through the right catalog.
func (a *GatewayAdapter) normalize(stage, message string) error {
	if a.dbType == models.DatabaseOracle {
		return NormalizeOracleError(stage, message)
	}
	return classifyGenericError(stage, message)
}
