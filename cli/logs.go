package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/config"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// NewLogsCmd creates the "logs" subcommand.
func NewLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View tool call logs",
		Args:  cobra.NoArgs,
		RunE:  runLogs,
	}

	cmd.Flags().StringP("tool", "t", "", "Filter by tool name")
	cmd.Flags().String("status", "", "Filter by outcome: success or error")
	cmd.Flags().IntP("limit", "n", calllog.DefaultQueryLimit, "Number of logs to show")
	cmd.Flags().Int("offset", 0, "Number of logs to skip")
	cmd.Flags().BoolP("follow", "f", false, "Follow new tool calls")
	cmd.Flags().String("format", formatText, "Output format: text or json")

	return cmd
}

func runLogs(cmd *cobra.Command, _ []string) error {
	toolName, _ := cmd.Flags().GetString("tool")
	rawStatus, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	follow, _ := cmd.Flags().GetBool("follow")
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	status, err := calllog.ParseStatus(rawStatus)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openLogStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if follow {
		return followLogs(cmd, store, toolName, format, cfg.Tail)
	}

	records, err := store.Query(cmd.Context(), calllog.Query{
		ToolName: toolName,
		Status:   status,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return exitError(exitStorage, "querying logs: %v", err)
	}
	if format == formatJSON {
		return writeJSONLines(out, records)
	}
	if len(records) == 0 {
		if toolName != "" {
			fmt.Fprintf(out, "No logs found for tool '%s'\n", toolName)
		} else {
			fmt.Fprintln(out, "No logs found. Run some tools first!")
		}
		return nil
	}
	for _, rec := range records {
		printRecord(out, rec)
	}
	return nil
}

func followLogs(cmd *cobra.Command, store calllog.Store, toolName, format string, tuning config.TailConfig) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tail, err := calllog.Follow(ctx, store, calllog.TailConfig{
		Filter:       calllog.Filter{ToolName: toolName},
		PollInterval: tuning.PollInterval,
		BatchSize:    tuning.BatchSize,
	})
	if err != nil {
		return exitError(exitStorage, "following logs: %v", err)
	}
	defer tail.Close()

	out := cmd.OutOrStdout()
	if format == formatText {
		fmt.Fprintln(out, "Watching for new tool calls... (Ctrl+C to exit)")
	}
	for rec := range tail.Records() {
		if format == formatJSON {
			if err := writeJSONLines(out, []calllog.CallRecord{rec}); err != nil {
				return err
			}
			continue
		}
		printRecord(out, rec)
	}
	return nil
}

// NewShowCmd creates the "show" subcommand.
func NewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <call_id>",
		Short: "Show a single tool call",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	cmd.Flags().String("format", formatText, "Output format: text or json")
	return cmd
}

func runShow(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openLogStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(cmd.Context(), args[0])
	if errors.Is(err, calllog.ErrNotFound) {
		return exitError(exitNotFound, "call %s not found", args[0])
	}
	if err != nil {
		return exitError(exitStorage, "loading call %s: %v", args[0], err)
	}
	if format == formatJSON {
		return writeJSON(cmd.OutOrStdout(), rec)
	}
	printRecord(cmd.OutOrStdout(), rec)
	return nil
}

// NewInspectCmd creates the "inspect" subcommand.
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <tool>",
		Short: "Inspect recent calls to a tool",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	cmd.Flags().Int("last", 5, "Number of recent calls to show")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	last, _ := cmd.Flags().GetInt("last")
	toolName := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openLogStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Query(cmd.Context(), calllog.Query{ToolName: toolName, Limit: last})
	if err != nil {
		return exitError(exitStorage, "querying logs: %v", err)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintf(out, "No recent calls found for tool '%s'\n", toolName)
		return nil
	}
	fmt.Fprintf(out, "Recent calls to %s:\n\n", toolName)
	for _, rec := range records {
		printRecord(out, rec)
	}
	return nil
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", formatText:
		return formatText, nil
	case formatJSON:
		return formatJSON, nil
	default:
		return "", exitError(exitValidation, "unknown format %q (want text or json)", format)
	}
}

// printRecord renders one call in the human-readable log layout.
func printRecord(w io.Writer, rec calllog.CallRecord) {
	mark := "✓"
	if !rec.Succeeded() {
		mark = "✗"
	}
	fmt.Fprintf(w, "[%s] %s %s (%.0fms)\n", calllog.FormatTimestamp(rec.Timestamp), mark, rec.ToolName, rec.DurationMS)
	fmt.Fprintf(w, "  ID: %s\n", rec.CallID)
	fmt.Fprintf(w, "  Inputs: %s\n", indentJSON(rec.Inputs))
	if rec.Succeeded() {
		fmt.Fprintf(w, "  Outputs: %s\n", indentJSON(rec.Outputs))
	} else {
		fmt.Fprintf(w, "  Error: %s\n", rec.Error)
	}
	fmt.Fprintln(w)
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(exitRuntime, "encoding output: %v", err)
	}
	return nil
}

// writeJSONLines writes one compact JSON document per record.
func writeJSONLines(w io.Writer, records []calllog.CallRecord) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return exitError(exitRuntime, "encoding output: %v", err)
		}
	}
	return nil
}
