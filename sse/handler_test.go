package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/sse"
)

type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// readMessages reads SSE messages until n have arrived or the stream ends.
func readMessages(t *testing.T, resp *http.Response, n int) []sseMessage {
	t.Helper()
	var (
		msgs    []sseMessage
		current sseMessage
	)
	scanner := bufio.NewScanner(resp.Body)
	for len(msgs) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.ID != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
		case strings.HasPrefix(line, ": "):
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

func setupTestServer(store calllog.Store) *httptest.Server {
	handler := sse.NewTailHandler(store, sse.HandlerConfig{PollInterval: 10 * time.Millisecond})
	mux := http.NewServeMux()
	mux.Handle("GET /api/logs/stream", handler)
	return httptest.NewServer(mux)
}

func openStream(t *testing.T, ctx context.Context, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func insert(t *testing.T, store calllog.Store, toolName string) calllog.CallRecord {
	t.Helper()
	rec, err := store.Insert(context.Background(), calllog.CallRecord{
		ToolName: toolName,
		Inputs:   map[string]any{"n": 1},
		Outputs:  map[string]any{"ok": true},
	})
	require.NoError(t, err)
	return rec
}

func TestTailHandler_StreamsNewRecords(t *testing.T) {
	store := calllog.NewMemStore()
	insert(t, store, "calculator")

	ts := setupTestServer(store)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/logs/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	fresh := insert(t, store, "calculator")

	msgs := readMessages(t, resp, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, sse.EventName, msgs[0].Event)
	assert.Equal(t, sse.FormatEventID(fresh.Cursor()), msgs[0].ID)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Data), &got))
	assert.Equal(t, fresh.CallID, got["call_id"])
}

func TestTailHandler_FiltersByTool(t *testing.T) {
	store := calllog.NewMemStore()
	ts := setupTestServer(store)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/logs/stream?tool=create_expense", nil)

	insert(t, store, "calculator")
	want := insert(t, store, "create_expense")

	msgs := readMessages(t, resp, 1)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Data, want.CallID)
}

func TestTailHandler_ResumesFromLastEventID(t *testing.T) {
	store := calllog.NewMemStore()
	first := insert(t, store, "calculator")
	second := insert(t, store, "calculator")
	third := insert(t, store, "calculator")

	ts := setupTestServer(store)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/logs/stream", http.Header{
		"Last-Event-Id": []string{sse.FormatEventID(first.Cursor())},
	})

	msgs := readMessages(t, resp, 2)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Data, second.CallID)
	assert.Contains(t, msgs[1].Data, third.CallID)
}

func TestTailHandler_RejectsBadCursor(t *testing.T) {
	ts := setupTestServer(calllog.NewMemStore())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/logs/stream?after=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventIDRoundTrip(t *testing.T) {
	c := calllog.Cursor{Timestamp: calllog.FormatTimestamp(time.Date(2026, 3, 1, 9, 0, 0, 5, time.UTC)), Seq: 42}
	got, err := sse.ParseEventID(sse.FormatEventID(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	legacy, err := sse.ParseEventID("2025-01-01 10:00:00/3")
	require.NoError(t, err)
	assert.Equal(t, calllog.FormatTimestamp(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)), legacy.Timestamp)
	assert.Equal(t, uint64(3), legacy.Seq)

	for _, bad := range []string{"", "42", "/42", "2026-03-01T09:00:00.000000005Z/x", "nope/1"} {
		_, err := sse.ParseEventID(bad)
		assert.Error(t, err, bad)
	}
}

func TestTailHandler_CloseEndsOpenStreams(t *testing.T) {
	store := calllog.NewMemStore()
	handler := sse.NewTailHandler(store, sse.HandlerConfig{PollInterval: 10 * time.Millisecond})
	mux := http.NewServeMux()
	mux.Handle("GET /api/logs/stream", handler)
	ts := httptest.NewServer(mux)
	defer ts.Close()
	ts.Config.RegisterOnShutdown(handler.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/api/logs/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, ts.Config.Shutdown(shutdownCtx))

	// The stream ends instead of hanging until the client gives up.
	assert.Empty(t, readMessages(t, resp, 1))

	late := httptest.NewRecorder()
	handler.ServeHTTP(late, httptest.NewRequest(http.MethodGet, "/api/logs/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, late.Code)
}
