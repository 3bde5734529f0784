package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// recordSpan emits an already-finished span covering [start, start+ms].
func recordSpan(tracer trace.Tracer, name string, start time.Time, ms float64, attrs []attribute.KeyValue, errMsg string) {
	if tracer == nil {
		return
	}
	if start.IsZero() {
		start = time.Now().Add(-msDuration(ms))
	}
	_, span := tracer.Start(context.Background(), name,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(start),
	)
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(start.Add(msDuration(ms))))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(start.Add(msDuration(ms))))
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func seconds(ms float64) float64 {
	return ms / 1000
}

type spanError string

func (e spanError) Error() string { return string(e) }
