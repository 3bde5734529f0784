// Package replay re-executes logged tool calls against current tool code and
// compares the fresh result with the recorded one.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/tool"
)

// ErrToolNotFound is returned when the logged tool is not resolvable.
var ErrToolNotFound = errors.New("replay: tool not found")

// Resolver looks a tool up by name. tool.Registry.Get satisfies it.
type Resolver func(name string) (tool.Tool, bool)

// EngineConfig configures an Engine.
type EngineConfig struct {
	Store    calllog.Store
	Resolver Resolver
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Engine replays logged calls. Replays are not themselves logged.
type Engine struct {
	store   calllog.Store
	resolve Resolver
	logger  zerolog.Logger
	now     func() time.Time
}

// Outcome is the result of one replay. Exactly one of ReplayResult and
// ReplayError is meaningful: ReplayError is set when the tool failed.
type Outcome struct {
	OriginalCall calllog.CallRecord `json:"original_call"`
	ReplayResult any                `json:"replay_result"`
	ReplayError  string             `json:"replay_error,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
	DurationMS   float64            `json:"duration_ms"`
}

// Failed reports whether the replayed invocation returned an error.
func (o Outcome) Failed() bool {
	return o.ReplayError != ""
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("replay: engine requires a call log store")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("replay: engine requires a tool resolver")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{store: cfg.Store, resolve: cfg.Resolver, logger: cfg.Logger, now: now}, nil
}

// GetCall loads a logged call. Missing ids wrap calllog.ErrNotFound.
func (e *Engine) GetCall(ctx context.Context, callID string) (calllog.CallRecord, error) {
	rec, err := e.store.Get(ctx, callID)
	if err != nil {
		return calllog.CallRecord{}, fmt.Errorf("replay: load call: %w", err)
	}
	return rec, nil
}

// Replay re-invokes the logged tool with the original inputs. Failures of
// the tool itself, including panics, are reported in Outcome.ReplayError;
// the returned error is reserved for lookup failures.
func (e *Engine) Replay(ctx context.Context, callID string) (Outcome, error) {
	rec, err := e.GetCall(ctx, callID)
	if err != nil {
		return Outcome{}, err
	}

	t, ok := e.resolve(rec.ToolName)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q (call %s)", ErrToolNotFound, rec.ToolName, callID)
	}

	started := e.now()
	result, invokeErr := tool.Invoke(ctx, t, cloneInputs(rec.Inputs))
	finished := e.now()

	out := Outcome{
		OriginalCall: rec,
		Timestamp:    finished.UTC(),
		DurationMS:   float64(finished.Sub(started)) / float64(time.Millisecond),
	}
	if invokeErr != nil {
		out.ReplayError = invokeErr.Error()
		if out.ReplayError == "" {
			out.ReplayError = "unknown error"
		}
	} else {
		out.ReplayResult = result
	}

	e.logger.Debug().
		Str("call_id", callID).
		Str("tool", rec.ToolName).
		Bool("ok", invokeErr == nil).
		Msg("replayed call")
	return out, nil
}

// cloneInputs keeps the tool from mutating the stored record's map.
func cloneInputs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
