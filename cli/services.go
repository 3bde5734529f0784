package cli

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/config"
	"github.com/petal-labs/toolkit/replay"
	"github.com/petal-labs/toolkit/tool"
	"github.com/petal-labs/toolkit/webhook"
)

// services holds the components shared by commands that execute or replay
// tools.
type services struct {
	cfg        config.Config
	logger     zerolog.Logger
	logs       *calllog.SQLiteStore
	webhooks   *webhook.SQLiteStore
	dispatcher *webhook.Dispatcher
	registry   *tool.Registry
	executor   *tool.Executor
	engine     *replay.Engine
}

type serviceOptions struct {
	callObserver tool.Observer
	hookObserver webhook.Observer
}

// openServices opens the stores and builds the executor and replay engine
// for cfg. Callers must Close the result.
func openServices(cmd *cobra.Command, cfg config.Config, opts serviceOptions) (*services, error) {
	s := &services{
		cfg:      cfg,
		logger:   newLogger(cmd, cfg),
		registry: tool.NewBuiltinRegistry(),
	}

	var err error
	if s.logs, err = openLogStore(cfg); err != nil {
		return nil, err
	}
	if s.webhooks, err = openWebhookStore(cfg); err != nil {
		s.Close()
		return nil, err
	}
	if s.dispatcher, err = newDispatcher(cfg, s.webhooks, opts.hookObserver, s.logger); err != nil {
		s.Close()
		return nil, err
	}

	s.executor, err = tool.NewExecutor(tool.ExecutorConfig{
		Resolver: s.registry.Get,
		Store:    s.logs,
		Notifier: s.dispatcher,
		Observer: opts.callObserver,
		Logger:   s.logger,
	})
	if err != nil {
		s.Close()
		return nil, exitError(exitRuntime, "creating executor: %v", err)
	}
	s.engine, err = replay.NewEngine(replay.EngineConfig{
		Store:    s.logs,
		Resolver: replay.Resolver(s.registry.Get),
		Logger:   s.logger,
	})
	if err != nil {
		s.Close()
		return nil, exitError(exitRuntime, "creating replay engine: %v", err)
	}
	return s, nil
}

// applyDeclaredWebhooks upserts the registrations listed in the config file.
func (s *services) applyDeclaredWebhooks(ctx context.Context) error {
	var errs []error
	for _, decl := range s.cfg.Webhooks.Register {
		reg, err := s.webhooks.Add(ctx, webhook.Registration{
			URL:      decl.URL,
			ToolName: decl.Tool,
			Secret:   decl.Secret,
			Retries:  decl.Retries,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug().Str("url", reg.URL).Str("tool", reg.ToolName).Msg("webhook registered from config")
	}
	return errors.Join(errs...)
}

// loadServices resolves the config and opens services without telemetry.
func loadServices(cmd *cobra.Command) (*services, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openServices(cmd, cfg, serviceOptions{})
}

// Close drains pending notifications and closes both stores.
func (s *services) Close() {
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	if s.webhooks != nil {
		_ = s.webhooks.Close()
	}
	if s.logs != nil {
		_ = s.logs.Close()
	}
}
