// Package sse streams newly logged tool calls to HTTP clients as
// Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petal-labs/toolkit/calllog"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// EventName is the SSE event name of every streamed record.
const EventName = "tool_call"

// TailHandler serves a live tail of the call log.
//
// Query parameters:
//
//	tool   restrict to one tool name
//	after  resume after an event id previously sent by this handler
//
// A Last-Event-ID header takes precedence over after. Without either, the
// stream starts at the newest record present when the request arrives.
//
// SSE format:
//
//	id: {timestamp}/{seq}
//	event: tool_call
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval. The
// stream ends when the client disconnects or Close is called.
type TailHandler struct {
	store     calllog.Store
	cfg       calllog.TailConfig
	heartbeat time.Duration
	logger    zerolog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// HandlerConfig configures a TailHandler.
type HandlerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Heartbeat defaults to HeartbeatInterval.
	Heartbeat time.Duration
	Logger    zerolog.Logger
}

// NewTailHandler creates a TailHandler over store.
func NewTailHandler(store calllog.Store, cfg HandlerConfig) *TailHandler {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}
	return &TailHandler{
		store: store,
		cfg: calllog.TailConfig{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
			Logger:       cfg.Logger,
		},
		heartbeat: heartbeat,
		logger:    cfg.Logger,
		closing:   make(chan struct{}),
	}
}

// Close ends every open stream and rejects new ones with 503. Register it
// with http.Server.RegisterOnShutdown; Shutdown does not cancel in-flight
// requests on its own.
func (h *TailHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// ServeHTTP implements http.Handler.
func (h *TailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	select {
	case <-h.closing:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	cfg := h.cfg
	cfg.Filter = calllog.Filter{ToolName: strings.TrimSpace(r.URL.Query().Get("tool"))}

	resume := r.Header.Get("Last-Event-ID")
	if resume == "" {
		resume = r.URL.Query().Get("after")
	}
	if resume != "" {
		cursor, err := ParseEventID(resume)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		cfg.Start = &cursor
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	tail, err := calllog.Follow(ctx, h.store, cfg)
	if err != nil {
		h.logger.Error().Err(err).Msg("start log stream")
		http.Error(w, "failed to start stream", http.StatusInternalServerError)
		return
	}
	defer tail.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case rec, ok := <-tail.Records():
			if !ok {
				return
			}
			if err := writeRecord(w, rec); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// FormatEventID renders a cursor as an SSE event id.
func FormatEventID(c calllog.Cursor) string {
	return c.Timestamp + "/" + strconv.FormatUint(c.Seq, 10)
}

// ParseEventID is the inverse of FormatEventID. Legacy timestamp layouts
// are rewritten to the stored fixed-width form so the cursor compares
// correctly.
func ParseEventID(id string) (calllog.Cursor, error) {
	i := strings.LastIndex(id, "/")
	if i <= 0 {
		return calllog.Cursor{}, errors.New("sse: malformed event id")
	}
	parsed, err := calllog.ParseTimestamp(id[:i])
	if err != nil {
		return calllog.Cursor{}, fmt.Errorf("sse: event id timestamp: %w", err)
	}
	ts := calllog.FormatTimestamp(parsed)
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return calllog.Cursor{}, fmt.Errorf("sse: event id seq: %w", err)
	}
	return calllog.Cursor{Timestamp: ts, Seq: seq}, nil
}

func writeRecord(w http.ResponseWriter, rec calllog.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", FormatEventID(rec.Cursor()), EventName, data)
	return err
}
