package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amila-ai/amila/pkg/models"
)

func TestQueryChannel(t *testing.T) {
	assert.Equal(t, "query:abc-123", QueryChannel("abc-123"))
}

func TestTruncateIfNeeded_SmallPayloadUnchanged(t *testing.T) {
	payload := `{"type":"query.lifecycle","query_id":"q1","state":"executing"}`
	out, err := truncateIfNeeded(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestTruncateIfNeeded_OversizedBecomesEnvelope(t *testing.T) {
	big := LifecyclePayload{
		Type:      EventTypeLifecycle,
		QueryID:   "q1",
		State:     models.StateFinished,
		Timestamp: "2026-08-24T00:00:00Z",
		Metadata:  map[string]any{"blob": strings.Repeat("x", 9000)},
	}
	raw, err := json.Marshal(big)
	require.NoError(t, err)

	out, err := truncateIfNeeded(string(raw))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), notifyLimit)

	var envelope LifecyclePayload
	require.NoError(t, json.Unmarshal([]byte(out), &envelope))
	assert.True(t, envelope.Truncated)
	assert.Equal(t, "q1", envelope.QueryID)
	assert.Equal(t, models.StateFinished, envelope.State)
	assert.Nil(t, envelope.Metadata, "envelope carries routing fields only")
}

func TestInjectDBEventID(t *testing.T) {
	payload := `{"type":"query.lifecycle","query_id":"q1","state":"planning"}`
	out, err := injectDBEventIDAndTruncate([]byte(payload), 42)
	require.NoError(t, err)

	var got LifecyclePayload
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.DBEventID)
	assert.Equal(t, int64(42), *got.DBEventID)
}

type fakeCatchup struct {
	events []CatchupEvent
	gotCh  string
	gotID  int64
}

func (f *fakeCatchup) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	f.gotCh, f.gotID = channel, sinceID
	return f.events, nil
}

type fakeListener struct {
	mu       sync.Mutex
	listens  []string
	unlisten []string
}

func (f *fakeListener) Subscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens = append(f.listens, channel)
	return nil
}

func (f *fakeListener) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlisten = append(f.unlisten, channel)
	return nil
}

func TestStreamManager_SubscribeBroadcastUnsubscribe(t *testing.T) {
	catchup := &fakeCatchup{events: []CatchupEvent{{ID: 7, Payload: []byte(`{"state":"planning"}`)}}}
	listener := &fakeListener{}
	m := NewStreamManager(catchup, 8)
	m.SetListener(listener)
	ctx := context.Background()

	sub, replay, err := m.Subscribe(ctx, "query:q1", 5)
	require.NoError(t, err)
	require.Len(t, replay, 1)
	assert.Equal(t, int64(7), replay[0].ID)
	assert.Equal(t, "query:q1", catchup.gotCh)
	assert.Equal(t, int64(5), catchup.gotID)
	assert.Equal(t, []string{"query:q1"}, listener.listens)
	assert.Equal(t, 1, m.SubscriberCount("query:q1"))

	m.Broadcast("query:q1", []byte(`{"state":"executing"}`))
	got := <-sub.Events
	assert.JSONEq(t, `{"state":"executing"}`, string(got))

	m.Broadcast("query:other", []byte(`{}`))
	select {
	case extra := <-sub.Events:
		t.Fatalf("unexpected event %s", extra)
	default:
	}

	m.Unsubscribe(ctx, sub)
	assert.Equal(t, 0, m.SubscriberCount("query:q1"))
	assert.Equal(t, []string{"query:q1"}, listener.unlisten)

	_, open := <-sub.Events
	assert.False(t, open, "events channel closed on unsubscribe")
}

func TestStreamManager_NegativeSinceSkipsCatchup(t *testing.T) {
	catchup := &fakeCatchup{events: []CatchupEvent{{ID: 1}}}
	m := NewStreamManager(catchup, 8)

	sub, replay, err := m.Subscribe(context.Background(), "queries", -1)
	require.NoError(t, err)
	assert.Empty(t, replay)
	m.Unsubscribe(context.Background(), sub)
}

func TestStreamManager_LastUnsubscribeDropsListen(t *testing.T) {
	listener := &fakeListener{}
	m := NewStreamManager(nil, 8)
	m.SetListener(listener)
	ctx := context.Background()

	a, _, err := m.Subscribe(ctx, "query:q1", -1)
	require.NoError(t, err)
	b, _, err := m.Subscribe(ctx, "query:q1", -1)
	require.NoError(t, err)

	m.Unsubscribe(ctx, a)
	assert.Empty(t, listener.unlisten, "LISTEN kept while subscribers remain")

	m.Unsubscribe(ctx, b)
	assert.Equal(t, []string{"query:q1"}, listener.unlisten)
}

func TestStreamManager_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := NewStreamManager(nil, 1)
	sub, _, err := m.Subscribe(context.Background(), "query:q1", -1)
	require.NoError(t, err)

	m.Broadcast("query:q1", []byte("one"))
	m.Broadcast("query:q1", []byte("two")) // buffer full, dropped

	assert.Equal(t, "one", string(<-sub.Events))
	select {
	case extra := <-sub.Events:
		t.Fatalf("unexpected buffered event %s", extra)
	default:
	}
	m.Unsubscribe(context.Background(), sub)
}
