package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/webhook"
)

// Notifier receives call lifecycle events. webhook.Dispatcher satisfies it.
type Notifier interface {
	Notify(event webhook.Event, toolName string, data map[string]any)
}

// Resolver looks a tool up by name.
type Resolver func(name string) (Tool, bool)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Resolver Resolver
	Store    calllog.Store

	// Notifier is optional; nil disables lifecycle notifications.
	Notifier Notifier
	Observer Observer
	Logger   zerolog.Logger

	// Now overrides the clock used for timestamps and durations.
	Now func() time.Time
}

// Request is one invocation of a named tool.
type Request struct {
	Tool          string
	Inputs        map[string]any
	AgentMetadata map[string]any
}

// Executor invokes tools, records every call and emits lifecycle events.
type Executor struct {
	resolve  Resolver
	store    calllog.Store
	notifier Notifier
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewExecutor validates cfg and returns an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("tool: executor requires a resolver")
	}
	if cfg.Store == nil {
		return nil, errors.New("tool: executor requires a call log store")
	}
	e := &Executor{
		resolve:  cfg.Resolver,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Execute runs the named tool and records the call before returning.
//
// When the tool fails the returned record carries the error text and the
// returned error is a *ToolError with code INVOCATION_FAILED or PANIC. An
// unknown tool returns TOOL_NOT_FOUND and is not recorded. A failure to
// record the call returns LOG_FAILURE.
func (e *Executor) Execute(ctx context.Context, req Request) (calllog.CallRecord, error) {
	name := strings.TrimSpace(req.Tool)
	t, ok := e.resolve(name)
	if !ok {
		return calllog.CallRecord{}, NotFoundError(name)
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	// The tool may mutate its inputs; the record keeps what it was called with.
	recorded := snapshotInputs(inputs)

	e.notify(webhook.EventToolCall, name, map[string]any{"inputs": snapshotInputs(recorded)})

	started := e.now().UTC()
	outputs, invokeErr := invoke(ctx, t, inputs)
	duration := float64(e.now().Sub(started)) / float64(time.Millisecond)
	if duration < 0 {
		duration = 0
	}

	rec := calllog.CallRecord{
		CallID:        calllog.NewCallID(),
		ToolName:      name,
		Timestamp:     started,
		Inputs:        recorded,
		DurationMS:    duration,
		AgentMetadata: req.AgentMetadata,
	}
	errorCode := ""
	if invokeErr != nil {
		rec.Error = errorText(invokeErr)
		errorCode = ToolErrorCodeInvocationFailed
		var panicErr *PanicError
		if errors.As(invokeErr, &panicErr) {
			errorCode = ToolErrorCodePanic
		}
	} else {
		rec.Outputs = outputs
	}

	// The call already happened; record it even if the caller went away.
	stored, err := e.store.Insert(context.WithoutCancel(ctx), rec)
	if err != nil {
		e.logger.Error().Err(err).
			Str("tool", name).
			Str("call_id", rec.CallID).
			Msg("failed to record tool call")
		e.observe(rec, started, false, ToolErrorCodeLogFailure)
		logErr := newToolError(ToolErrorCodeLogFailure, name, "", fmt.Errorf("tool: record call: %w", err))
		logErr.CallID = rec.CallID
		return rec, logErr
	}

	e.logger.Debug().
		Str("tool", name).
		Str("call_id", stored.CallID).
		Float64("duration_ms", stored.DurationMS).
		Bool("ok", invokeErr == nil).
		Msg("tool call recorded")

	e.observe(stored, started, invokeErr == nil, errorCode)

	data := map[string]any{
		"call_id":     stored.CallID,
		"inputs":      snapshotInputs(recorded),
		"duration_ms": stored.DurationMS,
	}
	if invokeErr != nil {
		data["error"] = stored.Error
		e.notify(webhook.EventToolError, name, data)

		callErr := newToolError(errorCode, name, stored.Error, invokeErr)
		callErr.CallID = stored.CallID
		return stored, callErr
	}
	data["outputs"] = outputs
	e.notify(webhook.EventToolSuccess, name, data)
	return stored, nil
}

func (e *Executor) notify(event webhook.Event, toolName string, data map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(event, toolName, data)
}

func (e *Executor) observe(rec calllog.CallRecord, started time.Time, success bool, code string) {
	e.observer.ObserveCall(CallObservation{
		ToolName:   rec.ToolName,
		CallID:     rec.CallID,
		StartedAt:  started,
		DurationMS: rec.DurationMS,
		Success:    success,
		ErrorCode:  code,
	})
}

// invoke calls t and converts a panic into a *PanicError.
func invoke(ctx context.Context, t Tool, inputs map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &PanicError{Value: r}
		}
	}()
	return t.Invoke(ctx, inputs)
}

// Invoke runs t directly with panic recovery and no recording.
func Invoke(ctx context.Context, t Tool, inputs map[string]any) (any, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return invoke(ctx, t, inputs)
}

// snapshotInputs deep-copies in through JSON. Values that do not marshal
// fall back to a shallow copy.
func snapshotInputs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	raw, err := json.Marshal(in)
	if err == nil && json.Unmarshal(raw, &out) == nil {
		return out
	}
	out = make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func errorText(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	return msg
}
