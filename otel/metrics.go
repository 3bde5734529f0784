package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// Metric instrument names.
const (
	MetricToolCalls         = "toolkit.tool.calls"
	MetricToolLatency       = "toolkit.tool.latency"
	MetricWebhookDeliveries = "toolkit.webhook.deliveries"
	MetricWebhookAttempts   = "toolkit.webhook.attempts"
	MetricWebhookLatency    = "toolkit.webhook.latency"
)

// instruments holds the counters and histograms recorded by Observer.
type instruments struct {
	toolCalls      metric.Int64Counter
	toolLatency    metric.Float64Histogram
	deliveries     metric.Int64Counter
	attempts       metric.Int64Counter
	webhookLatency metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	toolCalls, err := meter.Int64Counter(MetricToolCalls,
		metric.WithDescription("Number of logged tool calls"),
	)
	if err != nil {
		return nil, err
	}

	toolLatency, err := meter.Float64Histogram(MetricToolLatency,
		metric.WithDescription("Tool call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(MetricWebhookDeliveries,
		metric.WithDescription("Number of settled webhook deliveries"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter(MetricWebhookAttempts,
		metric.WithDescription("Number of webhook POST attempts"),
	)
	if err != nil {
		return nil, err
	}

	webhookLatency, err := meter.Float64Histogram(MetricWebhookLatency,
		metric.WithDescription("Webhook delivery latency in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{
		toolCalls:      toolCalls,
		toolLatency:    toolLatency,
		deliveries:     deliveries,
		attempts:       attempts,
		webhookLatency: webhookLatency,
	}, nil
}
