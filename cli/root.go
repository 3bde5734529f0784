// Package cli implements the toolkit command line.
package cli

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/config"
	"github.com/petal-labs/toolkit/logging"
	"github.com/petal-labs/toolkit/webhook"
)

// NewRootCmd builds the toolkit command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "toolkit",
		Short: "Tool call audit log, replay and webhook notifications",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to toolkit.yaml or toolkit.toml")
	root.PersistentFlags().String("db", "", "Path to the SQLite database (default: ~/.toolkit/logs/tools.db)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	root.PersistentFlags().Bool("no-color", false, "Disable colored log output")

	if version != "" {
		root.Version = version
		root.SetVersionTemplate(fmt.Sprintf("toolkit version %s\n", version))
	}

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewLogsCmd())
	root.AddCommand(NewShowCmd())
	root.AddCommand(NewInspectCmd())
	root.AddCommand(NewReplayCmd())
	root.AddCommand(NewWebhookCmd())
	root.AddCommand(NewToolsCmd())
	return root
}

// loadConfig resolves the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Resolve(explicit)
	if err != nil {
		return config.Config{}, exitError(exitValidation, "%v", err)
	}
	if db, _ := cmd.Flags().GetString("db"); strings.TrimSpace(db) != "" {
		cfg.Storage.Path = strings.TrimSpace(db)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
		cfg.Logging.NoColor = true
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) zerolog.Logger {
	return logging.New(cmd.ErrOrStderr(), "toolkit", cfg.Logging)
}

func openLogStore(cfg config.Config) (*calllog.SQLiteStore, error) {
	path, err := cfg.DBPath()
	if err != nil {
		return nil, exitError(exitStorage, "%v", err)
	}
	// Open failures are *calllog.StorageInitError.
	store, err := calllog.NewSQLiteStore(calllog.SQLiteStoreConfig{DSN: path})
	if err != nil {
		return nil, exitError(exitStorage, "%v", err)
	}
	return store, nil
}

func openWebhookStore(cfg config.Config) (*webhook.SQLiteStore, error) {
	path, err := cfg.DBPath()
	if err != nil {
		return nil, exitError(exitStorage, "%v", err)
	}
	store, err := webhook.NewSQLiteStore(webhook.SQLiteStoreConfig{
		DSN:             path,
		RefreshInterval: cfg.Webhooks.RefreshInterval,
	})
	if err != nil {
		return nil, exitError(exitStorage, "opening webhook store: %v", err)
	}
	return store, nil
}

func newDispatcher(cfg config.Config, store *webhook.SQLiteStore, observer webhook.Observer, logger zerolog.Logger) (*webhook.Dispatcher, error) {
	d, err := webhook.NewDispatcher(webhook.DispatcherConfig{
		Registrations:  store,
		Deliveries:     store,
		Timeout:        cfg.Webhooks.Timeout,
		Backoff:        cfg.Webhooks.Backoff,
		MaxBackoff:     cfg.Webhooks.MaxBackoff,
		MaxConcurrency: cfg.Webhooks.MaxConcurrency,
		Observer:       observer,
		Logger:         logger,
	})
	if err != nil {
		return nil, exitError(exitRuntime, "creating webhook dispatcher: %v", err)
	}
	return d, nil
}
