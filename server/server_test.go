package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/replay"
	"github.com/petal-labs/toolkit/tool"
	"github.com/petal-labs/toolkit/webhook"
)

type testEnv struct {
	srv      *Server
	logs     *calllog.MemStore
	webhooks *webhook.SQLiteStore
	received *atomic.Int32
	receiver *httptest.Server
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()

	var clock atomic.Int64
	now := func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(clock.Add(1)) * time.Second)
	}
	reg, err := tool.NewRegistry(tool.NewCalculator(), tool.NewCreateExpense(now))
	require.NoError(t, err)

	logs := calllog.NewMemStore()
	hooks, err := webhook.NewSQLiteStore(webhook.SQLiteStoreConfig{DSN: filepath.Join(t.TempDir(), "tools.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = hooks.Close() })

	received := &atomic.Int32{}
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(receiver.Close)

	dispatcher, err := webhook.NewDispatcher(webhook.DispatcherConfig{Registrations: hooks, Deliveries: hooks})
	require.NoError(t, err)
	exec, err := tool.NewExecutor(tool.ExecutorConfig{Resolver: reg.Get, Store: logs, Notifier: dispatcher})
	require.NoError(t, err)
	engine, err := replay.NewEngine(replay.EngineConfig{Store: logs, Resolver: reg.Get})
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Registry:   reg,
		Executor:   exec,
		Logs:       logs,
		Replay:     engine,
		Webhooks:   hooks,
		Deliveries: hooks,
		Dispatcher: dispatcher,
	})
	t.Cleanup(dispatcher.Wait)
	return testEnv{srv: srv, logs: logs, webhooks: hooks, received: received, receiver: receiver}
}

func (e testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodOptions, "/api/logs", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestManifest(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/manifest.json", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[ManifestResponse](t, w)
	assert.Equal(t, 2, body.TotalTools)
	names := []string{body.Tools[0].Name, body.Tools[1].Name}
	assert.ElementsMatch(t, []string{"calculator", "create_expense"}, names)
}

func TestRunTool_LogsAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.webhooks.Add(context.Background(), webhook.Registration{URL: env.receiver.URL})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/run/calculator", RunRequest{
		Inputs: map[string]any{"operation": "multiply", "a": 6, "b": 7},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, float64(42), body["result"].(map[string]any)["result"])
	callID := body["call_id"].(string)

	_, err = env.logs.Get(context.Background(), callID)
	require.NoError(t, err)

	env.srv.dispatcher.Wait()
	assert.Equal(t, int32(2), env.received.Load(), "tool.call and tool.success")
}

func TestRunTool_Errors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/run/missing", RunRequest{})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, tool.ToolErrorCodeNotFound, decode[apiError](t, w).Error.Code)

	w = env.do(t, http.MethodPost, "/run/calculator", RunRequest{
		Inputs: map[string]any{"operation": "divide", "a": 1, "b": 0},
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode[apiError](t, w)
	assert.Equal(t, tool.ToolErrorCodeInvocationFailed, body.Error.Code)
	assert.Equal(t, "division by zero", body.Error.Message)
	assert.NotEmpty(t, body.Error.CallID)

	r := httptest.NewRequest(http.MethodPost, "/run/calculator", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogs_ListAndGet(t *testing.T) {
	env := newTestEnv(t)
	for _, op := range []string{"add", "subtract", "divide"} {
		env.do(t, http.MethodPost, "/run/calculator", RunRequest{
			Inputs: map[string]any{"operation": op, "a": 1, "b": 0},
		})
	}

	w := env.do(t, http.MethodGet, "/api/logs?tool=calculator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[LogsResponse](t, w)
	require.Len(t, all.Logs, 3)
	assert.Equal(t, "division by zero", all.Logs[0].Error, "newest first")

	w = env.do(t, http.MethodGet, "/api/logs?status=error", nil)
	require.Len(t, decode[LogsResponse](t, w).Logs, 1)

	w = env.do(t, http.MethodGet, "/api/logs?limit=1&offset=1", nil)
	page := decode[LogsResponse](t, w)
	require.Len(t, page.Logs, 1)
	assert.Equal(t, all.Logs[1].CallID, page.Logs[0].CallID)

	w = env.do(t, http.MethodGet, "/api/logs/"+all.Logs[2].CallID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, all.Logs[2].CallID, decode[calllog.CallRecord](t, w).CallID)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/logs/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/logs?status=weird", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/logs?limit=-2", nil).Code)
}

func TestReplay(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/run/create_expense", RunRequest{
		Inputs: map[string]any{"amount": 12.5, "category": "food", "description": "lunch", "date": "2026-03-01"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	callID := decode[map[string]any](t, w)["call_id"].(string)

	w = env.do(t, http.MethodPost, "/api/replay/"+callID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["matches"])
	assert.Equal(t, callID, body["original_call"].(map[string]any)["call_id"])
	assert.NotNil(t, body["replay_result"])

	assert.Equal(t, 1, env.logs.Len(), "replays are not logged")
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/replay/nope", nil).Code)
}

func TestWebhooks_CRUD(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/webhooks", WebhookRequest{URL: "https://example.com/a", Secret: "k"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]any](t, w)
	assert.NotContains(t, created, "secret")
	assert.Equal(t, float64(webhook.DefaultRetries), created["retries"])

	w = env.do(t, http.MethodPost, "/api/webhooks", WebhookRequest{URL: "https://example.com/b", ToolName: "calculator"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodPost, "/api/webhooks", WebhookRequest{URL: "not a url"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/webhooks", nil)
	require.Len(t, decode[[]webhook.Registration](t, w), 2)

	w = env.do(t, http.MethodDelete, "/api/webhooks?url=https://example.com/b&tool=calculator", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/api/webhooks", WebhookRequest{URL: "https://example.com/a"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/webhooks", nil)
	assert.Empty(t, decode[[]webhook.Registration](t, w))

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/api/webhooks", nil).Code)
}

func TestWebhooks_TestSequenceAndDeliveries(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.webhooks.Add(context.Background(), webhook.Registration{URL: env.receiver.URL, ToolName: "calculator"})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/webhooks/test/calculator", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	steps := decode[[]TestStepResponse](t, w)
	require.Len(t, steps, 3)
	for _, step := range steps {
		require.Len(t, step.Deliveries, 1)
		assert.True(t, step.Deliveries[0].OK)
	}

	w = env.do(t, http.MethodGet, "/api/webhooks/deliveries?tool=calculator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]webhook.Delivery](t, w), 3)

	w = env.do(t, http.MethodGet, "/api/webhooks/deliveries?event=tool.error", nil)
	assert.Len(t, decode[[]webhook.Delivery](t, w), 1)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/webhooks/deliveries?event=bogus", nil).Code)
}

func TestUnconfiguredServer(t *testing.T) {
	srv := NewServer(ServerConfig{})
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/run/calculator"},
		{http.MethodGet, "/api/logs"},
		{http.MethodGet, "/api/logs/stream"},
		{http.MethodPost, "/api/replay/x"},
		{http.MethodGet, "/api/webhooks"},
		{http.MethodGet, "/api/webhooks/deliveries"},
		{http.MethodPost, "/api/webhooks/test/calculator"},
	} {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(route.method, route.path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, route.path)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/manifest.json", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tools":[]`)
}
