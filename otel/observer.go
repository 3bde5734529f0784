// Package otel records tool calls and webhook deliveries as OpenTelemetry
// metrics and spans.
package otel

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolkit/tool"
	"github.com/petal-labs/toolkit/webhook"
)

// Observer implements tool.Observer and webhook.Observer.
type Observer struct {
	tracer trace.Tracer
	inst   *instruments
}

// NewObserver creates an observer bound to the provided meter and tracer.
// A nil tracer disables spans.
func NewObserver(meter metric.Meter, tracer trace.Tracer) (*Observer, error) {
	inst, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}
	return &Observer{tracer: tracer, inst: inst}, nil
}

// ObserveCall records one executed tool call.
func (o *Observer) ObserveCall(c tool.CallObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", c.ToolName),
		attribute.Bool("success", c.Success),
	}
	if c.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", c.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.inst.toolCalls.Add(ctx, 1, options)
	o.inst.toolLatency.Record(ctx, seconds(c.DurationMS), options)

	spanAttrs := append([]attribute.KeyValue{attribute.String("call_id", c.CallID)}, attrs...)
	recordSpan(o.tracer, "tool.call", c.StartedAt, c.DurationMS, spanAttrs, c.ErrorCode)
}

// ObserveAttempt records one webhook POST attempt.
func (o *Observer) ObserveAttempt(a webhook.AttemptObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("event", string(a.Event)),
		attribute.String("tool_name", a.ToolName),
		attribute.Int("attempt", a.Attempt),
		attribute.Bool("success", a.Success),
	}
	if a.StatusCode != 0 {
		attrs = append(attrs, attribute.String("status_code", strconv.Itoa(a.StatusCode)))
	}
	o.inst.attempts.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveDelivery records one settled webhook delivery.
func (o *Observer) ObserveDelivery(d webhook.DeliveryObservation) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("event", string(d.Event)),
		attribute.String("tool_name", d.ToolName),
		attribute.Bool("success", d.Success),
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.inst.deliveries.Add(ctx, 1, options)
	o.inst.webhookLatency.Record(ctx, seconds(d.DurationMS), options)

	errMsg := ""
	if !d.Success {
		errMsg = "delivery failed"
	}
	spanAttrs := append([]attribute.KeyValue{
		attribute.String("url", d.URL),
		attribute.Int("attempts", d.Attempts),
		attribute.Int("status_code", d.StatusCode),
	}, attrs...)
	recordSpan(o.tracer, "webhook.deliver", d.StartedAt, d.DurationMS, spanAttrs, errMsg)
}

var (
	_ tool.Observer    = (*Observer)(nil)
	_ webhook.Observer = (*Observer)(nil)
)
