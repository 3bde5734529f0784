package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolkit/config"
	"github.com/petal-labs/toolkit/webhook"
)

// NewWebhookCmd creates the "webhook" command group.
func NewWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhook notifications for tool calls",
	}
	cmd.AddCommand(newWebhookAddCmd())
	cmd.AddCommand(newWebhookListCmd())
	cmd.AddCommand(newWebhookRemoveCmd())
	cmd.AddCommand(newWebhookDeliveriesCmd())
	cmd.AddCommand(newWebhookTestCmd())
	return cmd
}

func newWebhookAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolName, _ := cmd.Flags().GetString("tool")
			secret, _ := cmd.Flags().GetString("secret")
			retries, _ := cmd.Flags().GetInt("retries")

			resolved, err := config.ResolveSecret(secret)
			if err != nil {
				return exitError(exitValidation, "%v", err)
			}
			store, err := webhookStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := store.Add(cmd.Context(), webhook.Registration{
				URL:      args[0],
				ToolName: toolName,
				Secret:   resolved,
				Retries:  retries,
			})
			if errors.Is(err, webhook.ErrInvalidRegistration) {
				return exitError(exitValidation, "%v", err)
			}
			if err != nil {
				return exitError(exitStorage, "adding webhook: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered webhook %s for %s\n", reg.URL, scopeLabel(reg.ToolName))
			return nil
		},
	}
	cmd.Flags().StringP("tool", "t", "", "Only notify for this tool (default: all tools)")
	cmd.Flags().String("secret", "", "HMAC signing secret (accepts env:NAME)")
	cmd.Flags().Int("retries", webhook.DefaultRetries, "Delivery attempts per event")
	return cmd
}

func newWebhookListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			store, err := webhookStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			regs, err := store.List(cmd.Context())
			if err != nil {
				return exitError(exitStorage, "listing webhooks: %v", err)
			}
			out := cmd.OutOrStdout()
			if format == formatJSON {
				if regs == nil {
					regs = []webhook.Registration{}
				}
				return writeJSON(out, regs)
			}
			if len(regs) == 0 {
				fmt.Fprintln(out, "No webhooks registered.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "URL\tTOOL\tRETRIES\tSIGNED")
			for _, reg := range regs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", reg.URL, scopeLabel(reg.ToolName), reg.Retries, reg.Signed())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("format", formatText, "Output format: text or json")
	return cmd
}

func newWebhookRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <url>",
		Short: "Remove a webhook registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolName, _ := cmd.Flags().GetString("tool")
			store, err := webhookStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Remove(cmd.Context(), args[0], toolName); err != nil {
				return exitError(exitStorage, "removing webhook: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed webhook %s for %s\n", args[0], scopeLabel(toolName))
			return nil
		},
	}
	cmd.Flags().StringP("tool", "t", "", "Tool scope of the registration (default: the global one)")
	return cmd
}

func newWebhookDeliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show recent webhook delivery outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, _ := cmd.Flags().GetString("url")
			toolName, _ := cmd.Flags().GetString("tool")
			rawEvent, _ := cmd.Flags().GetString("event")
			failed, _ := cmd.Flags().GetBool("failed")
			limit, _ := cmd.Flags().GetInt("limit")
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}

			q := webhook.DeliveryQuery{URL: url, ToolName: toolName, FailedOnly: failed, Limit: limit}
			if rawEvent != "" {
				if q.Event, err = webhook.ParseEvent(rawEvent); err != nil {
					return exitError(exitValidation, "%v", err)
				}
			}
			store, err := webhookStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			deliveries, err := store.Deliveries(cmd.Context(), q)
			if err != nil {
				return exitError(exitStorage, "listing deliveries: %v", err)
			}
			out := cmd.OutOrStdout()
			if format == formatJSON {
				if deliveries == nil {
					deliveries = []webhook.Delivery{}
				}
				return writeJSON(out, deliveries)
			}
			if len(deliveries) == 0 {
				fmt.Fprintln(out, "No deliveries recorded.")
				return nil
			}
			printDeliveries(cmd, deliveries)
			return nil
		},
	}
	cmd.Flags().String("url", "", "Filter by webhook URL")
	cmd.Flags().StringP("tool", "t", "", "Filter by tool name")
	cmd.Flags().String("event", "", "Filter by event (tool.call, tool.success, tool.error)")
	cmd.Flags().Bool("failed", false, "Only show deliveries that exhausted their retries")
	cmd.Flags().IntP("limit", "n", webhook.DefaultDeliveryLimit, "Number of deliveries to show")
	cmd.Flags().String("format", formatText, "Output format: text or json")
	return cmd
}

func newWebhookTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <tool>",
		Short: "Send a sample call, success and error event to matching webhooks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := loadServices(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			steps, err := webhook.SendTestSequence(cmd.Context(), svc.dispatcher, args[0])
			if err != nil {
				return exitError(exitRuntime, "sending test events: %v", err)
			}
			out := cmd.OutOrStdout()
			var failed int
			for _, step := range steps {
				if len(step.Results) == 0 {
					fmt.Fprintf(out, "%s: no matching webhooks\n", step.Event)
					continue
				}
				fmt.Fprintf(out, "%s:\n", step.Event)
				for _, d := range step.Results {
					fmt.Fprintf(out, "  %s %s (%d attempt(s))\n", deliveryMark(d), d.URL, d.Attempts)
					if !d.OK {
						failed++
					}
				}
			}
			if failed > 0 {
				return exitError(exitRuntime, "%d test deliveries failed", failed)
			}
			return nil
		},
	}
}

func webhookStore(cmd *cobra.Command) (*webhook.SQLiteStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openWebhookStore(cfg)
}

func printDeliveries(cmd *cobra.Command, deliveries []webhook.Delivery) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tEVENT\tTOOL\tURL\tATTEMPTS\tSTATUS")
	for _, d := range deliveries {
		status := fmt.Sprintf("%s %d", deliveryMark(d), d.StatusCode)
		if d.Error != "" && d.StatusCode == 0 {
			status = fmt.Sprintf("%s %s", deliveryMark(d), d.Error)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			d.ID, d.CreatedAt.Format("2006-01-02 15:04:05"), d.Event, d.ToolName, d.URL, d.Attempts, status)
	}
	_ = tw.Flush()
}

func deliveryMark(d webhook.Delivery) string {
	if d.OK {
		return "✓"
	}
	return "✗"
}

func scopeLabel(toolName string) string {
	if toolName == "" {
		return "all tools"
	}
	return toolName
}
