package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/petal-labs/toolkit/webhook"
)

// WebhookRequest is the body of POST and DELETE /api/webhooks.
type WebhookRequest struct {
	URL      string `json:"url"`
	ToolName string `json:"tool_name,omitempty"`
	Secret   string `json:"secret,omitempty"`
	Retries  int    `json:"retries,omitempty"`
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "webhooks are not configured")
		return
	}
	regs, err := s.webhooks.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("list webhooks")
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to list webhooks")
		return
	}
	if regs == nil {
		regs = []webhook.Registration{}
	}
	writeJSON(w, http.StatusOK, regs)
}

func (s *Server) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "webhooks are not configured")
		return
	}
	var req WebhookRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", err.Error())
		return
	}
	reg, err := s.webhooks.Add(r.Context(), webhook.Registration{
		URL:      req.URL,
		ToolName: req.ToolName,
		Secret:   req.Secret,
		Retries:  req.Retries,
	})
	if errors.Is(err, webhook.ErrInvalidRegistration) {
		writeError(w, http.StatusBadRequest, "INVALID_REGISTRATION", err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("url", req.URL).Msg("add webhook")
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to add webhook")
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleRemoveWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "webhooks are not configured")
		return
	}
	req := WebhookRequest{
		URL:      r.URL.Query().Get("url"),
		ToolName: r.URL.Query().Get("tool"),
	}
	if strings.TrimSpace(req.URL) == "" {
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "url is required")
			return
		}
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "url is required")
		return
	}
	if err := s.webhooks.Remove(r.Context(), req.URL, req.ToolName); err != nil {
		s.logger.Error().Err(err).Str("url", req.URL).Msg("remove webhook")
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to remove webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deliveries == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "delivery history is not configured")
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), webhook.DefaultDeliveryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
		return
	}
	var event webhook.Event
	if raw := strings.TrimSpace(q.Get("event")); raw != "" {
		event, err = webhook.ParseEvent(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	deliveries, err := s.deliveries.Deliveries(r.Context(), webhook.DeliveryQuery{
		URL:        q.Get("url"),
		ToolName:   q.Get("tool"),
		Event:      event,
		FailedOnly: q.Get("failed") == "true",
		Limit:      limit,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("list deliveries")
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []webhook.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// TestStepResponse reports one event of a webhook test sequence.
type TestStepResponse struct {
	Event      webhook.Event      `json:"event"`
	Deliveries []webhook.Delivery `json:"deliveries"`
}

func (s *Server) handleTestWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "webhook dispatch is not configured")
		return
	}
	steps, err := webhook.SendTestSequence(r.Context(), s.dispatcher, r.PathValue("tool"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "DISPATCH_FAILED", err.Error())
		return
	}
	out := make([]TestStepResponse, 0, len(steps))
	for _, step := range steps {
		deliveries := step.Results
		if deliveries == nil {
			deliveries = []webhook.Delivery{}
		}
		out = append(out, TestStepResponse{Event: step.Event, Deliveries: deliveries})
	}
	writeJSON(w, http.StatusOK, out)
}
