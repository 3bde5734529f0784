package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/tool"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestEngine(t *testing.T, store calllog.Store, tools ...tool.Tool) *Engine {
	t.Helper()
	reg, err := tool.NewRegistry(tools...)
	require.NoError(t, err)
	engine, err := NewEngine(EngineConfig{Store: store, Resolver: reg.Get})
	require.NoError(t, err)
	return engine
}

// logCall runs t once through an executor so the record looks like a real
// logged call.
func logCall(t *testing.T, store calllog.Store, tt tool.Tool, inputs map[string]any) calllog.CallRecord {
	t.Helper()
	reg, err := tool.NewRegistry(tt)
	require.NoError(t, err)
	exec, err := tool.NewExecutor(tool.ExecutorConfig{Resolver: reg.Get, Store: store})
	require.NoError(t, err)
	rec, _ := exec.Execute(context.Background(), tool.Request{Tool: tt.Name(), Inputs: inputs})
	require.NotEmpty(t, rec.CallID)
	return rec
}

func TestEngine_ReplayMatchesDespiteVolatileFields(t *testing.T) {
	store := calllog.NewMemStore()
	original := logCall(t, store,
		tool.NewCreateExpense(fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		map[string]any{"amount": 42.5, "category": "travel", "description": "taxi", "date": "2026-01-01"},
	)

	engine := newTestEngine(t, store, tool.NewCreateExpense(fixedClock(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))))
	out, err := engine.Replay(context.Background(), original.CallID)
	require.NoError(t, err)
	assert.False(t, out.Failed())
	assert.Equal(t, original.CallID, out.OriginalCall.CallID)
	assert.False(t, out.Timestamp.IsZero())

	replayed := out.ReplayResult.(map[string]any)
	logged := out.OriginalCall.Outputs.(map[string]any)
	assert.NotEqual(t, logged["created_at"], replayed["created_at"])
	assert.True(t, CompareOutputs(out.OriginalCall.Outputs, out.ReplayResult))
}

func TestEngine_ReplayDoesNotLog(t *testing.T) {
	store := calllog.NewMemStore()
	original := logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})

	engine := newTestEngine(t, store, tool.NewCalculator())
	_, err := engine.Replay(context.Background(), original.CallID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestEngine_ReplayReportsToolErrors(t *testing.T) {
	store := calllog.NewMemStore()
	original := logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})

	broken := tool.NewFunc(tool.NewManifest("calculator", ""), func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("service unavailable")
	})
	engine := newTestEngine(t, store, broken)

	out, err := engine.Replay(context.Background(), original.CallID)
	require.NoError(t, err)
	assert.True(t, out.Failed())
	assert.Equal(t, "service unavailable", out.ReplayError)
	assert.Nil(t, out.ReplayResult)
}

func TestEngine_ReplayRecoversPanics(t *testing.T) {
	store := calllog.NewMemStore()
	original := logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})

	panicky := tool.NewFunc(tool.NewManifest("calculator", ""), func(context.Context, map[string]any) (any, error) {
		panic("boom")
	})
	engine := newTestEngine(t, store, panicky)

	out, err := engine.Replay(context.Background(), original.CallID)
	require.NoError(t, err)
	assert.Contains(t, out.ReplayError, "boom")
}

func TestEngine_ReplayUnknownCall(t *testing.T) {
	engine := newTestEngine(t, calllog.NewMemStore(), tool.NewCalculator())

	_, err := engine.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, calllog.ErrNotFound)

	_, err = engine.GetCall(context.Background(), "missing")
	assert.ErrorIs(t, err, calllog.ErrNotFound)
}

func TestEngine_ReplayUnregisteredTool(t *testing.T) {
	store := calllog.NewMemStore()
	original := logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})

	engine := newTestEngine(t, store)
	_, err := engine.Replay(context.Background(), original.CallID)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestEngine_ReplayDoesNotMutateLoggedInputs(t *testing.T) {
	store := calllog.NewMemStore()
	original := logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})

	mutating := tool.NewFunc(tool.NewManifest("calculator", ""), func(_ context.Context, in map[string]any) (any, error) {
		in["operation"] = "changed"
		return "ok", nil
	})
	engine := newTestEngine(t, store, mutating)
	_, err := engine.Replay(context.Background(), original.CallID)
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), original.CallID)
	require.NoError(t, err)
	assert.Equal(t, "add", stored.Inputs["operation"])
}

func TestNewEngine_Validates(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.Error(t, err)
	_, err = NewEngine(EngineConfig{Store: calllog.NewMemStore()})
	assert.Error(t, err)
}
