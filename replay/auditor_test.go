package replay

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/tool"
)

func TestAuditor_RunOnceReportsDrift(t *testing.T) {
	store := calllog.NewMemStore()
	logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})
	logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "multiply", "a": 3, "b": 3})
	logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "divide", "a": 1, "b": 0})

	var calls atomic.Int32
	drifting := tool.NewFunc(tool.NewCalculator().Manifest(), func(ctx context.Context, in map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			return map[string]any{"result": -1}, nil
		}
		return tool.NewCalculator().Invoke(ctx, in)
	})
	engine := newTestEngine(t, store, drifting)

	var logs bytes.Buffer
	auditor, err := NewAuditor(AuditorConfig{
		Engine: engine,
		Store:  store,
		Logger: zerolog.New(&logs),
	})
	require.NoError(t, err)

	report, err := auditor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked, "failed calls are not audited")
	assert.Equal(t, 1, report.Matched)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, "calculator", report.Mismatches[0].ToolName)
	assert.NotEmpty(t, report.Mismatches[0].Diff)
	assert.False(t, report.OK())
	assert.Contains(t, logs.String(), "replay audit finished")

	last, ok := auditor.Last()
	require.True(t, ok)
	assert.Equal(t, report.Checked, last.Checked)
}

func TestAuditor_RestrictsToTools(t *testing.T) {
	store := calllog.NewMemStore()
	logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})
	logCall(t, store,
		tool.NewCreateExpense(nil),
		map[string]any{"amount": 10, "category": "food", "description": "lunch", "date": "2026-03-01"},
	)

	engine := newTestEngine(t, store, tool.NewCalculator(), tool.NewCreateExpense(nil))
	auditor, err := NewAuditor(AuditorConfig{Engine: engine, Store: store, Tools: []string{"create_expense"}})
	require.NoError(t, err)

	report, err := auditor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.True(t, report.OK())
}

func TestAuditor_SampleLimitsPass(t *testing.T) {
	store := calllog.NewMemStore()
	logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})
	logCall(t, store,
		tool.NewCreateExpense(nil),
		map[string]any{"amount": 10, "category": "food", "description": "lunch", "date": "2026-03-01"},
	)
	engine := newTestEngine(t, store, tool.NewCalculator(), tool.NewCreateExpense(nil))

	all, err := NewAuditor(AuditorConfig{Engine: engine, Store: store, Sample: 1})
	require.NoError(t, err)
	report, err := all.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)

	perTool, err := NewAuditor(AuditorConfig{
		Engine: engine,
		Store:  store,
		Sample: 1,
		Tools:  []string{"calculator", "create_expense"},
	})
	require.NoError(t, err)
	report, err = perTool.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
}

func TestAuditor_UnregisteredToolIsMismatch(t *testing.T) {
	store := calllog.NewMemStore()
	logCall(t, store, tool.NewCalculator(), map[string]any{"operation": "add", "a": 1, "b": 2})

	auditor, err := NewAuditor(AuditorConfig{Engine: newTestEngine(t, store), Store: store})
	require.NoError(t, err)

	report, err := auditor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	assert.Contains(t, report.Mismatches[0].Error, "tool not found")
}

func TestAuditor_StartStop(t *testing.T) {
	store := calllog.NewMemStore()
	auditor, err := NewAuditor(AuditorConfig{
		Engine:   newTestEngine(t, store),
		Store:    store,
		Schedule: "0 3 * * *",
	})
	require.NoError(t, err)

	auditor.Start()
	auditor.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, auditor.Stop(ctx))
	require.NoError(t, auditor.Stop(ctx))
}

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("*/5 * * * *")
	assert.NoError(t, err)

	for _, expr := range []string{"", "CRON_TZ=UTC 0 * * * *", "not cron", "* * * * * *"} {
		_, err := ParseSchedule(expr)
		assert.Error(t, err, expr)
	}

	_, err = NewAuditor(AuditorConfig{Engine: &Engine{}, Store: calllog.NewMemStore(), Schedule: "bad"})
	assert.Error(t, err)
}
