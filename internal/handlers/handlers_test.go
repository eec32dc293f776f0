package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
	"vigil/internal/storage"
)

// memStore is an in-memory Store
type memStore struct {
	mu      sync.Mutex
	rules   []models.Rule
	alerts  []models.Alert
	events  map[string]models.Event
	err     error
	pingErr error
}

func newMemStore() *memStore {
	return &memStore{events: map[string]models.Event{}}
}

func (m *memStore) CreateRule(ctx context.Context, r models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rules = append(m.rules, r)
	return nil
}

func (m *memStore) ListRules(ctx context.Context, deviceID string, limit int) ([]models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Rule
	for _, r := range m.rules {
		if deviceID == "" || r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out, m.err
}

func (m *memStore) EnabledRules(ctx context.Context, deviceID, metric string) ([]models.Rule, error) {
	return nil, nil
}

func (m *memStore) InsertAlert(ctx context.Context, a models.Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return true, nil
}

func (m *memStore) ListAlerts(ctx context.Context, deviceID string, limit int) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []models.Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if deviceID == "" || m.alerts[i].DeviceID == deviceID {
			out = append(out, m.alerts[i])
		}
	}
	return out, nil
}

func (m *memStore) PurgeExpiredAlerts(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) InsertEvent(ctx context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.events[e.EventID]; ok {
		return storage.ErrDuplicateEvent
	}
	m.events[e.EventID] = e
	return nil
}

func (m *memStore) ListEvents(ctx context.Context, q storage.EventQuery) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.DeviceID == q.DeviceID && (q.FromTS == 0 || e.TS >= q.FromTS) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Ping(ctx context.Context) error { return m.pingErr }

type enqueued struct {
	key  string
	body []byte
}

type fakeQueue struct {
	mu   sync.Mutex
	sent []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, key string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, enqueued{key: key, body: body})
	return nil
}

func newTestRouter(store *memStore, q *fakeQueue, keys ...string) http.Handler {
	return NewRouter(Deps{Store: store, Queue: q, DB: store, APIKeys: keys})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateRule(t *testing.T) {
	store := newMemStore()
	h := newTestRouter(store, &fakeQueue{})

	w := do(t, h, http.MethodPost, "/rules",
		`{"device_id":"dev-1","metric":"temperature","operator":">=","threshold":60.5}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"operator":">="`)

	var rule models.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	assert.NotEmpty(t, rule.RuleID)
	assert.Equal(t, models.OpGreaterEqual, rule.Operator)
	assert.Equal(t, 60.5, rule.Threshold)
	assert.True(t, rule.Enabled)

	require.Len(t, store.rules, 1)
	assert.Equal(t, rule.RuleID, store.rules[0].RuleID)
}

func TestCreateRule_Disabled(t *testing.T) {
	store := newMemStore()
	h := newTestRouter(store, &fakeQueue{})

	w := do(t, h, http.MethodPost, "/rules",
		`{"device_id":"dev-1","metric":"temperature","operator":"<","threshold":0,"enabled":false}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.False(t, store.rules[0].Enabled)
}

func TestCreateRule_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown operator", `{"device_id":"d","metric":"m","operator":"!=","threshold":1}`, "operator must be one of"},
		{"missing threshold", `{"device_id":"d","metric":"m","operator":">"}`, "threshold is required"},
		{"missing device", `{"metric":"m","operator":">","threshold":1}`, "device_id is required"},
		{"device separator", `{"device_id":"a#b","metric":"m","operator":">","threshold":1}`, "device_id must not contain"},
		{"blank device", `{"device_id":"  ","metric":"m","operator":">","threshold":1}`, "device_id must not be blank"},
		{"blank metric", `{"device_id":"d","metric":" ","operator":">","threshold":1}`, "metric must not be blank"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			w := do(t, newTestRouter(store, &fakeQueue{}), http.MethodPost, "/rules", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
			assert.Empty(t, store.rules)
		})
	}

	w := do(t, newTestRouter(newMemStore(), &fakeQueue{}), http.MethodPost, "/rules", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRules(t *testing.T) {
	store := newMemStore()
	store.rules = []models.Rule{
		{RuleID: "r1", DeviceID: "dev-1", Metric: "temperature", Operator: models.OpGreater, Threshold: 1, Enabled: true},
		{RuleID: "r2", DeviceID: "dev-2", Metric: "temperature", Operator: models.OpLess, Threshold: 1, Enabled: true},
	}
	h := newTestRouter(store, &fakeQueue{})

	w := do(t, h, http.MethodGet, "/rules?device_id=dev-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = do(t, h, http.MethodGet, "/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = do(t, h, http.MethodGet, "/rules?device_id=dev-1&limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAlerts(t *testing.T) {
	store := newMemStore()
	store.alerts = []models.Alert{
		{AlertID: "a1", DeviceID: "dev-1", Operator: models.OpGreater, ActualValue: "61.2"},
		{AlertID: "a2", DeviceID: "dev-1", Operator: models.OpGreater, ActualValue: "70"},
	}
	h := newTestRouter(store, &fakeQueue{})

	w := do(t, h, http.MethodGet, "/alerts?device_id=dev-1&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	first := body["alerts"].([]any)[0].(map[string]any)
	assert.Equal(t, "a2", first["alert_id"])
	assert.Equal(t, float64(70), first["actual_value"])

	store.alerts = append(store.alerts, models.Alert{AlertID: "a3", DeviceID: "dev-2", Operator: models.OpLess, ActualValue: "1"})
	for _, path := range []string{"/alerts", "/alerts?limit=10"} {
		w = do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, float64(3), decode(t, w)["count"], path)
	}

	store.err = errors.New("db down")
	w = do(t, h, http.MethodGet, "/alerts?device_id=dev-1", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestIngestEvent(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	h := newTestRouter(store, q)

	body := `{"device_id":"dev-1","type":"temperature","value":61.20,"ts":1700000000000,"raw":{"fw":"1.2"}}`
	w := do(t, h, http.MethodPost, "/events", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, "DEVICE#dev-1:TS#1700000000000", resp["event_id"])
	assert.NotEmpty(t, resp["request_id"])
	assert.NotZero(t, resp["ingested_at"])

	stored := store.events["DEVICE#dev-1:TS#1700000000000"]
	assert.JSONEq(t, `{"fw":"1.2"}`, string(stored.Raw))
	assert.Positive(t, stored.IngestedAt)

	require.Len(t, q.sent, 1)
	assert.Equal(t, "dev-1", q.sent[0].key)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(q.sent[0].body, &msg))
	assert.Equal(t, "DEVICE#dev-1:TS#1700000000000", msg["event_id"])
	assert.Equal(t, resp["request_id"], msg["request_id"])
	assert.Contains(t, string(q.sent[0].body), `"value":61.20`)
	assert.NotContains(t, msg, "raw")
	assert.NotContains(t, msg, "ingested_at")

	w = do(t, h, http.MethodPost, "/events", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Len(t, q.sent, 1)
}

func TestIngestEvent_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"device_id":`},
		{"array", `[]`},
		{"zero ts", `{"device_id":"d","type":"t","value":1,"ts":0}`},
		{"string value", `{"device_id":"d","type":"t","value":"1","ts":1}`},
		{"missing type", `{"device_id":"d","value":1,"ts":1}`},
		{"raw not an object", `{"device_id":"d","type":"t","value":1,"ts":1,"raw":[1]}`},
		{"raw string", `{"device_id":"d","type":"t","value":1,"ts":1,"raw":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			w := do(t, newTestRouter(newMemStore(), q), http.MethodPost, "/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, q.sent)
		})
	}
}

func TestIngestEvent_EnqueueFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("broker down")}
	w := do(t, newTestRouter(newMemStore(), q), http.MethodPost, "/events",
		`{"device_id":"d","type":"t","value":1,"ts":1}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListDeviceEvents(t *testing.T) {
	store := newMemStore()
	h := newTestRouter(store, &fakeQueue{})
	for _, ts := range []string{"1000", "2000"} {
		w := do(t, h, http.MethodPost, "/events",
			`{"device_id":"dev-1","type":"t","value":1,"ts":`+ts+`,"raw":{"seq":`+ts+`}}`)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, h, http.MethodGet, "/devices/dev-1/events?from_ts=1500", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(1), resp["count"])

	events := resp["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, map[string]any{"seq": float64(2000)}, ev["raw"])
	assert.NotZero(t, ev["ingested_at"])

	w = do(t, h, http.MethodGet, "/devices/dev-1/events?to_ts=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestEvent_NullRawIsOmitted(t *testing.T) {
	store := newMemStore()
	w := do(t, newTestRouter(store, &fakeQueue{}), http.MethodPost, "/events",
		`{"device_id":"d","type":"t","value":1,"ts":1,"raw":null}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Nil(t, store.events["DEVICE#d:TS#1"].Raw)
}

func TestAPIKeyProtectsRoutes(t *testing.T) {
	h := newTestRouter(newMemStore(), &fakeQueue{}, "k1")

	w := do(t, h, http.MethodGet, "/rules?device_id=dev-1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReady(t *testing.T) {
	store := newMemStore()
	h := newTestRouter(store, &fakeQueue{})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ready", "").Code)

	store.pingErr = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/ready", "").Code)
}

func TestReady_ChecksEveryDependency(t *testing.T) {
	store := newMemStore()
	var brokerErr error
	h := Ready(Pingers{store, PingFunc(func(ctx context.Context) error { return brokerErr })})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	brokerErr = errors.New("topic telemetry-events unavailable")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "telemetry-events")
}
