package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/replay"
	"github.com/petal-labs/toolkit/tool"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ManifestResponse is the body of GET /manifest.json.
type ManifestResponse struct {
	TotalTools int             `json:"total_tools"`
	Tools      []tool.Manifest `json:"tools"`
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	var manifests []tool.Manifest
	if s.registry != nil {
		manifests = s.registry.Manifests()
	}
	if manifests == nil {
		manifests = []tool.Manifest{}
	}
	writeJSON(w, http.StatusOK, ManifestResponse{TotalTools: len(manifests), Tools: manifests})
}

// RunRequest is the body of POST /run/{tool}.
type RunRequest struct {
	Inputs        map[string]any `json:"inputs"`
	AgentMetadata map[string]any `json:"agent_metadata,omitempty"`
}

// RunResponse is returned for a successful tool run.
type RunResponse struct {
	Result     any     `json:"result"`
	CallID     string  `json:"call_id"`
	DurationMS float64 `json:"duration_ms"`
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "tool execution is not configured")
		return
	}
	var req RunRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", err.Error())
		return
	}

	rec, err := s.executor.Execute(r.Context(), tool.Request{
		Tool:          r.PathValue("tool"),
		Inputs:        req.Inputs,
		AgentMetadata: req.AgentMetadata,
	})
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Result: rec.Outputs, CallID: rec.CallID, DurationMS: rec.DurationMS})
}

func writeToolError(w http.ResponseWriter, err error) {
	var toolErr *tool.ToolError
	if !errors.As(err, &toolErr) {
		writeError(w, http.StatusInternalServerError, tool.ToolErrorCodeInvocationFailed, err.Error())
		return
	}
	status := http.StatusInternalServerError
	if toolErr.Code == tool.ToolErrorCodeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, apiError{Error: apiErrorBody{
		Code:    toolErr.Code,
		Message: toolErr.Message,
		CallID:  toolErr.CallID,
	}})
}

// LogsResponse is the body of GET /api/logs.
type LogsResponse struct {
	Logs   []calllog.CallRecord `json:"logs"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "call log is not configured")
		return
	}
	q := r.URL.Query()
	status, err := calllog.ParseStatus(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	limit, err := intParam(q.Get("limit"), calllog.DefaultQueryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid offset")
		return
	}

	records, err := s.logs.Query(r.Context(), calllog.Query{
		ToolName: strings.TrimSpace(q.Get("tool")),
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("query call log")
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to query call log")
		return
	}
	if records == nil {
		records = []calllog.CallRecord{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{Logs: records, Limit: limit, Offset: offset})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "call log is not configured")
		return
	}
	callID := r.PathValue("call_id")
	rec, err := s.logs.Get(r.Context(), callID)
	if errors.Is(err, calllog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "call "+callID+" not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("call_id", callID).Msg("load call")
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to load call")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "call log is not configured")
		return
	}
	s.stream.ServeHTTP(w, r)
}

// ReplayResponse is the body of POST /api/replay/{call_id}.
type ReplayResponse struct {
	replay.Outcome
	Matches bool   `json:"matches"`
	Diff    string `json:"diff,omitempty"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.replay == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "replay is not configured")
		return
	}
	callID := r.PathValue("call_id")
	out, err := s.replay.Replay(r.Context(), callID)
	switch {
	case errors.Is(err, calllog.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "call "+callID+" not found")
		return
	case errors.Is(err, replay.ErrToolNotFound):
		writeError(w, http.StatusNotFound, tool.ToolErrorCodeNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("call_id", callID).Msg("replay call")
		writeError(w, http.StatusInternalServerError, "REPLAY_FAILED", err.Error())
		return
	}

	resp := ReplayResponse{Outcome: out}
	if !out.Failed() {
		resp.Matches = s.compare.Equal(out.OriginalCall.Outputs, out.ReplayResult)
		if !resp.Matches && r.URL.Query().Get("diff") != "" {
			resp.Diff, _ = s.compare.Diff(out.OriginalCall.Outputs, out.ReplayResult)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
