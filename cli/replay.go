package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/replay"
)

// replayOutput is the JSON form of a replay.
type replayOutput struct {
	replay.Outcome
	Matches bool   `json:"matches"`
	Diff    string `json:"diff,omitempty"`
}

// NewReplayCmd creates the "replay" subcommand.
func NewReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <call_id>",
		Short: "Re-run a logged call with its original inputs",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}

	cmd.Flags().Bool("diff", false, "Print a unified diff when outputs differ")
	cmd.Flags().Bool("strict", false, "Exit non-zero when the replay differs from the original")
	cmd.Flags().String("format", formatText, "Output format: text or json")

	cmd.AddCommand(newReplayAuditCmd())
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	showDiff, _ := cmd.Flags().GetBool("diff")
	strict, _ := cmd.Flags().GetBool("strict")
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	svc, err := loadServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	outcome, err := svc.engine.Replay(cmd.Context(), args[0])
	switch {
	case errors.Is(err, calllog.ErrNotFound):
		return exitError(exitNotFound, "call %s not found", args[0])
	case errors.Is(err, replay.ErrToolNotFound):
		return exitError(exitToolNotFound, "%v", err)
	case err != nil:
		return exitError(exitStorage, "replaying %s: %v", args[0], err)
	}

	var compare replay.Comparator
	matches := !outcome.Failed() && compare.Equal(outcome.OriginalCall.Outputs, outcome.ReplayResult)
	var diff string
	if showDiff && !matches && !outcome.Failed() {
		if diff, err = compare.Diff(outcome.OriginalCall.Outputs, outcome.ReplayResult); err != nil {
			return exitError(exitRuntime, "diffing outputs: %v", err)
		}
	}

	out := cmd.OutOrStdout()
	if format == formatJSON {
		if err := writeJSON(out, replayOutput{Outcome: outcome, Matches: matches, Diff: diff}); err != nil {
			return err
		}
	} else {
		printOutcome(cmd, outcome, matches, diff)
	}

	if strict && !matches {
		return exitError(exitMismatch, "replay of %s differs from the original", args[0])
	}
	return nil
}

func printOutcome(cmd *cobra.Command, outcome replay.Outcome, matches bool, diff string) {
	out := cmd.OutOrStdout()
	orig := outcome.OriginalCall
	fmt.Fprintf(out, "Replaying %s (%s)\n", orig.CallID, orig.ToolName)
	fmt.Fprintf(out, "  Inputs: %s\n", indentJSON(orig.Inputs))
	fmt.Fprintf(out, "  Original: %s\n", indentJSON(orig.Outputs))
	if outcome.Failed() {
		fmt.Fprintf(out, "  Replay error: %s\n", outcome.ReplayError)
	} else {
		fmt.Fprintf(out, "  Replay: %s\n", indentJSON(outcome.ReplayResult))
	}
	fmt.Fprintf(out, "  Duration: %.0fms\n", outcome.DurationMS)
	if matches {
		fmt.Fprintln(out, "✓ Outputs match")
		return
	}
	fmt.Fprintln(out, "✗ Outputs differ")
	if diff != "" {
		fmt.Fprint(out, diff)
	}
}

func newReplayAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay recent successful calls and report drift",
		Args:  cobra.NoArgs,
		RunE:  runReplayAudit,
	}
	cmd.Flags().StringArray("tool", nil, "Restrict the audit to a tool (repeatable)")
	cmd.Flags().Int("last", 0, "Recent successful calls replayed per tool (default from config)")
	cmd.Flags().String("format", formatText, "Output format: text or json")
	return cmd
}

func runReplayAudit(cmd *cobra.Command, _ []string) error {
	tools, _ := cmd.Flags().GetStringArray("tool")
	last, _ := cmd.Flags().GetInt("last")
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	svc, err := loadServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if len(tools) == 0 {
		tools = svc.cfg.Audit.Tools
	}
	if last <= 0 {
		last = svc.cfg.Audit.Sample
	}
	auditor, err := replay.NewAuditor(replay.AuditorConfig{
		Engine: svc.engine,
		Store:  svc.logs,
		Sample: last,
		Tools:  tools,
		Logger: svc.logger,
	})
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	report, err := auditor.RunOnce(cmd.Context())
	if err != nil {
		return exitError(exitStorage, "audit failed: %v", err)
	}

	out := cmd.OutOrStdout()
	if format == formatJSON {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Checked %d call(s): %d matched, %d differed\n", report.Checked, report.Matched, len(report.Mismatches))
		for _, m := range report.Mismatches {
			fmt.Fprintf(out, "  ✗ %s (%s)", m.CallID, m.ToolName)
			if m.Error != "" {
				fmt.Fprintf(out, ": %s", m.Error)
			}
			fmt.Fprintln(out)
			if m.Diff != "" {
				fmt.Fprint(out, m.Diff)
			}
		}
	}
	if !report.OK() {
		return exitError(exitMismatch, "%d replay(s) differ from the log", len(report.Mismatches))
	}
	return nil
}
