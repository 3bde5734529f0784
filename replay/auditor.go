package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/petal-labs/toolkit/calllog"
)

const defaultAuditSample = 20

var auditCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a five-field UTC cron expression. Timezone prefixes
// are rejected.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("replay: cron expression is required")
	}
	if strings.Contains(strings.ToUpper(clean), "TZ=") {
		return nil, errors.New("replay: cron expression must be UTC-only")
	}
	schedule, err := auditCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("replay: invalid cron expression: %w", err)
	}
	return schedule, nil
}

// AuditorConfig configures an Auditor.
type AuditorConfig struct {
	Engine     *Engine
	Store      calllog.Store
	Comparator Comparator

	// Schedule is a cron expression; empty means RunOnce only.
	Schedule string
	// Sample is the number of recent successful calls replayed per pass
	// (default 20). With Tools set the limit applies to each listed tool.
	Sample int
	// Tools restricts audits to these tool names; empty samples the most
	// recent successful calls across all tools.
	Tools []string

	Logger zerolog.Logger
	Now    func() time.Time
}

// Mismatch describes a replay whose output differs from the log.
type Mismatch struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Error    string `json:"error,omitempty"`
	Diff     string `json:"diff,omitempty"`
}

// AuditReport summarizes one audit pass.
type AuditReport struct {
	StartedAt  time.Time  `json:"started_at"`
	Checked    int        `json:"checked"`
	Matched    int        `json:"matched"`
	Mismatches []Mismatch `json:"mismatches,omitempty"`
}

// OK reports whether every replay matched.
func (r AuditReport) OK() bool {
	return len(r.Mismatches) == 0
}

// Auditor periodically replays recent successful calls to detect drift
// between logged and current tool behavior.
type Auditor struct {
	engine   *Engine
	store    calllog.Store
	compare  Comparator
	schedule cron.Schedule
	sample   int
	tools    []string
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	last   *AuditReport
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAuditor validates cfg and returns an Auditor.
func NewAuditor(cfg AuditorConfig) (*Auditor, error) {
	if cfg.Engine == nil {
		return nil, errors.New("replay: auditor requires an engine")
	}
	if cfg.Store == nil {
		return nil, errors.New("replay: auditor requires a call log store")
	}
	a := &Auditor{
		engine:  cfg.Engine,
		store:   cfg.Store,
		compare: cfg.Comparator,
		sample:  cfg.Sample,
		tools:   cfg.Tools,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if strings.TrimSpace(cfg.Schedule) != "" {
		schedule, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		a.schedule = schedule
	}
	if a.sample <= 0 {
		a.sample = defaultAuditSample
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// RunOnce replays the most recent successful calls and compares outputs.
// Calls whose tool is no longer registered are reported as mismatches.
func (a *Auditor) RunOnce(ctx context.Context) (AuditReport, error) {
	report := AuditReport{StartedAt: a.now().UTC()}

	names := a.tools
	if len(names) == 0 {
		names = []string{""}
	}
	for _, name := range names {
		calls, err := a.store.Query(ctx, calllog.Query{
			ToolName: name,
			Status:   calllog.StatusSuccess,
			Limit:    a.sample,
		})
		if err != nil {
			return report, fmt.Errorf("replay: audit query: %w", err)
		}
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			a.check(ctx, call, &report)
		}
	}

	a.mu.Lock()
	last := report
	a.last = &last
	a.mu.Unlock()

	event := a.logger.Info()
	if !report.OK() {
		event = a.logger.Warn()
	}
	event.Int("checked", report.Checked).
		Int("matched", report.Matched).
		Int("mismatched", len(report.Mismatches)).
		Msg("replay audit finished")
	return report, nil
}

func (a *Auditor) check(ctx context.Context, call calllog.CallRecord, report *AuditReport) {
	report.Checked++
	out, err := a.engine.Replay(ctx, call.CallID)
	if err != nil {
		report.Mismatches = append(report.Mismatches, Mismatch{CallID: call.CallID, ToolName: call.ToolName, Error: err.Error()})
		return
	}
	if out.Failed() {
		report.Mismatches = append(report.Mismatches, Mismatch{CallID: call.CallID, ToolName: call.ToolName, Error: out.ReplayError})
		return
	}
	if a.compare.Equal(call.Outputs, out.ReplayResult) {
		report.Matched++
		return
	}
	diff, err := a.compare.Diff(call.Outputs, out.ReplayResult)
	if err != nil {
		diff = ""
	}
	report.Mismatches = append(report.Mismatches, Mismatch{CallID: call.CallID, ToolName: call.ToolName, Diff: diff})
}

// Last returns the most recent report, if any.
func (a *Auditor) Last() (AuditReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return AuditReport{}, false
	}
	return *a.last, true
}

// Start runs audits on the configured schedule until Stop. Without a
// schedule it is a no-op.
func (a *Auditor) Start() {
	if a.schedule == nil {
		return
	}
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		for {
			now := a.now().UTC()
			timer := time.NewTimer(a.schedule.Next(now).Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error().Err(err).Msg("replay audit failed")
			}
		}
	}()
}

// Stop halts scheduled audits and waits for the loop to exit.
func (a *Auditor) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
