package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolkit/tool"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and run the registered tools",
	}
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsRunCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tool manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			manifests := tool.NewBuiltinRegistry().Manifests()
			out := cmd.OutOrStdout()
			if format == formatJSON {
				return writeJSON(out, manifests)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tINPUTS\tDESCRIPTION")
			for _, m := range manifests {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, m.Version, strings.Join(m.InputNames(), ","), m.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("format", formatText, "Output format: text or json")
	return cmd
}

func newToolsRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <tool>",
		Short: "Run a tool and record the call",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsRun,
	}
	cmd.Flags().StringArrayP("input", "i", nil, "Input as key=value; JSON values are decoded (repeatable)")
	cmd.Flags().String("inputs-json", "", "Inputs as a JSON object")
	cmd.Flags().String("metadata-json", "", "Agent metadata as a JSON object")
	return cmd
}

func runToolsRun(cmd *cobra.Command, args []string) error {
	pairs, _ := cmd.Flags().GetStringArray("input")
	inputsJSON, _ := cmd.Flags().GetString("inputs-json")
	metadataJSON, _ := cmd.Flags().GetString("metadata-json")

	inputs, err := parseObject(inputsJSON)
	if err != nil {
		return exitError(exitValidation, "invalid --inputs-json: %v", err)
	}
	if err := applyInputPairs(inputs, pairs); err != nil {
		return exitError(exitValidation, "%v", err)
	}
	metadata, err := parseObject(metadataJSON)
	if err != nil {
		return exitError(exitValidation, "invalid --metadata-json: %v", err)
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	svc, err := loadServices(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	rec, err := svc.executor.Execute(cmd.Context(), tool.Request{
		Tool:          args[0],
		Inputs:        inputs,
		AgentMetadata: metadata,
	})
	if err != nil {
		var toolErr *tool.ToolError
		if errors.As(err, &toolErr) && toolErr.Code == tool.ToolErrorCodeNotFound {
			return exitError(exitToolNotFound, "%v", err)
		}
		if rec.CallID != "" {
			return exitError(exitRuntime, "call %s failed: %v", rec.CallID, err)
		}
		return exitError(exitRuntime, "%v", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "call_id: %s\n", rec.CallID)
	return writeJSON(cmd.OutOrStdout(), map[string]any{"result": rec.Outputs})
}

func parseObject(raw string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// applyInputPairs sets key=value pairs on inputs. Values that parse as JSON
// keep their JSON type; anything else is a string.
func applyInputPairs(inputs map[string]any, pairs []string) error {
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return fmt.Errorf("invalid --input %q (want key=value)", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			inputs[key] = decoded
			continue
		}
		inputs[key] = value
	}
	return nil
}
