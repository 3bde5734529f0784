// Package server exposes tool execution, the call log, replay and webhook
// management over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/replay"
	"github.com/petal-labs/toolkit/sse"
	"github.com/petal-labs/toolkit/tool"
	"github.com/petal-labs/toolkit/webhook"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Registry   *tool.Registry
	Executor   *tool.Executor
	Logs       calllog.Store
	Replay     *replay.Engine
	Webhooks   webhook.Store
	Deliveries webhook.DeliveryLog

	// Dispatcher backs POST /api/webhooks/test/{tool}; nil disables it.
	Dispatcher *webhook.Dispatcher

	// Stream serves GET /api/logs/stream. Nil uses an sse.TailHandler over
	// Logs.
	Stream http.Handler

	CORSOrigin string
	MaxBody    int64
	Logger     zerolog.Logger
}

// Server is the toolkit HTTP API server.
type Server struct {
	registry   *tool.Registry
	executor   *tool.Executor
	logs       calllog.Store
	replay     *replay.Engine
	compare    replay.Comparator
	webhooks   webhook.Store
	deliveries webhook.DeliveryLog
	dispatcher *webhook.Dispatcher
	stream     http.Handler
	corsOrigin string
	maxBody    int64
	logger     zerolog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	stream := cfg.Stream
	if stream == nil && cfg.Logs != nil {
		stream = sse.NewTailHandler(cfg.Logs, sse.HandlerConfig{Logger: cfg.Logger})
	}
	return &Server{
		registry:   cfg.Registry,
		executor:   cfg.Executor,
		logs:       cfg.Logs,
		replay:     cfg.Replay,
		webhooks:   cfg.Webhooks,
		deliveries: cfg.Deliveries,
		dispatcher: cfg.Dispatcher,
		stream:     stream,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     cfg.Logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.accessLogMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /manifest.json", s.handleManifest)
	mux.HandleFunc("POST /run/{tool}", s.handleRunTool)

	mux.HandleFunc("GET /api/logs", s.handleListLogs)
	mux.HandleFunc("GET /api/logs/stream", s.handleStreamLogs)
	mux.HandleFunc("GET /api/logs/{call_id}", s.handleGetLog)
	mux.HandleFunc("POST /api/replay/{call_id}", s.handleReplay)

	mux.HandleFunc("GET /api/webhooks", s.handleListWebhooks)
	mux.HandleFunc("POST /api/webhooks", s.handleAddWebhook)
	mux.HandleFunc("DELETE /api/webhooks", s.handleRemoveWebhook)
	mux.HandleFunc("GET /api/webhooks/deliveries", s.handleListDeliveries)
	mux.HandleFunc("POST /api/webhooks/test/{tool}", s.handleTestWebhooks)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(started)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	CallID  string   `json:"call_id,omitempty"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
