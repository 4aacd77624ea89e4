package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/amila-ai/amila/pkg/config"
	"github.com/amila-ai/amila/pkg/database"
	"github.com/amila-ai/amila/pkg/engine"
	"github.com/amila-ai/amila/pkg/events"
	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/queue"
	"github.com/amila-ai/amila/pkg/services"
)

const (
	testAuthToken = "test-token"
	testSigSecret = "test-secret"
)

type fakeQueryStore struct {
	mu        sync.Mutex
	runs      map[string]*services.QueryRun
	created   []*models.QueryState
	statuses  map[string]models.RunStatus
	finished  map[string]string
	createErr error
}

func newFakeQueryStore() *fakeQueryStore {
	return &fakeQueryStore{
		runs:     make(map[string]*services.QueryRun),
		statuses: make(map[string]models.RunStatus),
		finished: make(map[string]string),
	}
}

func (f *fakeQueryStore) CreateRun(_ context.Context, state *models.QueryState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, state)
	f.runs[state.QueryID] = &services.QueryRun{
		QueryID:      state.QueryID,
		ThreadID:     state.ThreadID,
		UserID:       state.UserID,
		DatabaseType: state.DatabaseType,
		UserQuery:    state.UserQuery,
		RunStatus:    models.RunPending,
		State:        state,
		TraceID:      state.TraceID,
		CreatedAt:    time.Now(),
	}
	return nil
}

func (f *fakeQueryStore) Get(_ context.Context, queryID string) (*services.QueryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[queryID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return run, nil
}

func (f *fakeQueryStore) List(_ context.Context, userID string, _ int) ([]*services.QueryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*services.QueryRun
	for _, run := range f.runs {
		if userID == "" || run.UserID == userID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeQueryStore) RecordApproval(_ context.Context, queryID string, decision services.ApprovalDecision) (*models.QueryState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[queryID]
	if !ok {
		return nil, services.ErrNotFound
	}
	if run.RunStatus != models.RunWaitingApproval {
		return run.State, nil
	}
	run.State.Approved = decision.Approved
	if decision.Approved && decision.EditedSQL != "" {
		run.State.SQLQuery = decision.EditedSQL
	}
	if !decision.Approved {
		run.State.RejectionReason = decision.Reason
	}
	run.RunStatus = models.RunResumable
	return run.State, nil
}

func (f *fakeQueryStore) SetRunStatus(_ context.Context, queryID string, status models.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[queryID] = status
	if run, ok := f.runs[queryID]; ok {
		run.RunStatus = status
	}
	return nil
}

func (f *fakeQueryStore) FinishRun(_ context.Context, queryID string, status models.RunStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[queryID] = errMsg
	if run, ok := f.runs[queryID]; ok {
		run.RunStatus = status
		run.ErrorMessage = errMsg
	}
	return nil
}

type fakeExecutor struct {
	run func(ctx context.Context, state *models.QueryState) (*engine.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, state *models.QueryState) (*engine.Result, error) {
	return f.run(ctx, state)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (f *fakePublisher) PublishLifecycle(_ context.Context, event models.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) states() []models.LifecycleState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.LifecycleState, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.State
	}
	return out
}

type fakeEventReader struct {
	mu     sync.Mutex
	latest map[string]*events.CatchupEvent
}

func (f *fakeEventReader) GetLatestEvent(_ context.Context, channel string) (*events.CatchupEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.latest[channel]
	if !ok {
		return nil, services.ErrNotFound
	}
	return ev, nil
}

type fakeStreams struct {
	mu           sync.Mutex
	sub          *events.Subscription
	replay       []events.CatchupEvent
	unsubscribed int
}

func (f *fakeStreams) Subscribe(_ context.Context, channel string, _ int64) (*events.Subscription, []events.CatchupEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub == nil {
		f.sub = &events.Subscription{Channel: channel, Events: make(chan []byte, 16)}
	}
	return f.sub, f.replay, nil
}

func (f *fakeStreams) Unsubscribe(_ context.Context, _ *events.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed++
}

type fakeWebhooks struct {
	mu   sync.Mutex
	subs map[string]*models.WebhookSubscription
}

func newFakeWebhooks() *fakeWebhooks {
	return &fakeWebhooks{subs: make(map[string]*models.WebhookSubscription)}
}

func (f *fakeWebhooks) Create(_ context.Context, sub *models.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.WebhookID == "" {
		sub.WebhookID = uuid.New().String()
	}
	if len(sub.Events) == 0 {
		sub.Events = []string{"*"}
	}
	f.subs[sub.WebhookID] = sub
	return nil
}

func (f *fakeWebhooks) Get(_ context.Context, webhookID string) (*models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[webhookID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return sub, nil
}

func (f *fakeWebhooks) ListByUser(_ context.Context, userID string) ([]*models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WebhookSubscription
	for _, sub := range f.subs {
		if userID == "" || sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeWebhooks) Update(_ context.Context, sub *models.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.subs[sub.WebhookID]
	if !ok {
		return services.ErrNotFound
	}
	if sub.URL != "" {
		current.URL = sub.URL
	}
	if len(sub.Events) > 0 {
		current.Events = sub.Events
	}
	if sub.Secret != "" {
		current.Secret = sub.Secret
	}
	current.Active = sub.Active
	return nil
}

func (f *fakeWebhooks) Delete(_ context.Context, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[webhookID]; !ok {
		return services.ErrNotFound
	}
	delete(f.subs, webhookID)
	return nil
}

type fakeTester struct {
	statusCode int
	err        error
	payloads   [][]byte
}

func (f *fakeTester) SendTest(_ context.Context, _ *models.WebhookSubscription, payload []byte) (int, error) {
	f.payloads = append(f.payloads, payload)
	return f.statusCode, f.err
}

type fakePool struct {
	mu        sync.Mutex
	cancelled []string
	cancelOK  bool
	health    *queue.PoolHealth
}

func (f *fakePool) CancelQuery(queryID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, queryID)
	return f.cancelOK
}

func (f *fakePool) Health() *queue.PoolHealth {
	if f.health != nil {
		return f.health
	}
	return &queue.PoolHealth{IsHealthy: true, DBReachable: true, TotalWorkers: 1}
}

type fakeSchemaSource struct {
	schema     *models.SchemaData
	err        error
	breakers   map[string]string
	connection string
}

func (f *fakeSchemaSource) GetSchema(_ context.Context, connection string, _ models.DatabaseType) (*models.SchemaData, error) {
	f.connection = connection
	return f.schema, f.err
}

func (f *fakeSchemaSource) BreakerStates() map[string]string {
	if f.breakers == nil {
		return map[string]string{"primary": "closed"}
	}
	return f.breakers
}

type fakeDBHealth struct {
	err error
}

func (f *fakeDBHealth) Health(_ context.Context) (*database.HealthStatus, error) {
	if f.err != nil {
		return &database.HealthStatus{Status: "unhealthy"}, f.err
	}
	return &database.HealthStatus{Status: "healthy"}, nil
}

type fakeCache struct {
	pingErr error
}

func (f *fakeCache) Get(_ context.Context, _ string) ([]byte, error)                  { return nil, nil }
func (f *fakeCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (f *fakeCache) Del(_ context.Context, _ string) error                            { return nil }
func (f *fakeCache) Ping(_ context.Context) error                                     { return f.pingErr }

type apiHarness struct {
	server    *Server
	router    *gin.Engine
	queries   *fakeQueryStore
	executor  *fakeExecutor
	publisher *fakePublisher
	reader    *fakeEventReader
	streams   *fakeStreams
	webhooks  *fakeWebhooks
	tester    *fakeTester
	pool      *fakePool
	sql       *fakeSchemaSource
	db        *fakeDBHealth
	cache     *fakeCache
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		queries:   newFakeQueryStore(),
		publisher: &fakePublisher{},
		reader:    &fakeEventReader{latest: make(map[string]*events.CatchupEvent)},
		streams:   &fakeStreams{},
		webhooks:  newFakeWebhooks(),
		tester:    &fakeTester{statusCode: http.StatusOK},
		pool:      &fakePool{},
		sql:       &fakeSchemaSource{schema: &models.SchemaData{Tables: map[string][]models.ColumnInfo{}}},
		db:        &fakeDBHealth{},
		cache:     &fakeCache{},
	}
	h.executor = &fakeExecutor{
		run: func(_ context.Context, state *models.QueryState) (*engine.Result, error) {
			return &engine.Result{
				Response: &models.OrchestratorQueryResponse{
					QueryID: state.QueryID,
					Status:  models.ResponseSuccess,
				},
				Terminal: models.StateFinished,
			}, nil
		},
	}

	cfg := config.Defaults()
	cfg.Server.AuthToken = testAuthToken
	cfg.Server.SignatureSecret = testSigSecret
	cfg.Streaming.KeepAliveInterval = 20 * time.Millisecond

	h.server = NewServer(Deps{
		Queries:   h.queries,
		Executor:  h.executor,
		Publisher: h.publisher,
		Events:    h.reader,
		Streams:   h.streams,
		Webhooks:  h.webhooks,
		Tester:    h.tester,
		Pool:      h.pool,
		SQL:       h.sql,
		DB:        h.db,
		Cache:     h.cache,
	}, cfg, slog.Default())
	h.router = h.server.Router()
	return h
}

// request performs an authenticated request; unsafe methods carry the CSRF
// pair and a valid signature.
func (h *apiHarness) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf []byte
	if body != nil {
		var err error
		buf, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !safeMethod(method) {
		req.AddCookie(&http.Cookie{Name: csrfCookie, Value: "csrf-token"})
		req.Header.Set(csrfHeader, "csrf-token")
		u, err := url.Parse(path)
		require.NoError(t, err)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(timestampHeader, ts)
		req.Header.Set(signatureHeader, SignRequest(testSigSecret, method, u.Path, ts, buf))
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}
