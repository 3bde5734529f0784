package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolkit/config"
	toolkitotel "github.com/petal-labs/toolkit/otel"
	"github.com/petal-labs/toolkit/replay"
	"github.com/petal-labs/toolkit/server"
	"github.com/petal-labs/toolkit/sse"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tool server with the log API and live tail",
		RunE:  runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default 127.0.0.1:8000)")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	telemetry, err := toolkitotel.Setup(cmd.Context(), toolkitotel.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	defer func() {
		_ = telemetry.Shutdown(context.Background())
	}()
	observer, err := telemetry.Observer()
	if err != nil {
		return exitError(exitRuntime, "initializing observability: %v", err)
	}

	svc, err := openServices(cmd, cfg, serviceOptions{callObserver: observer, hookObserver: observer})
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.applyDeclaredWebhooks(cmd.Context()); err != nil {
		return exitError(exitValidation, "registering configured webhooks: %v", err)
	}

	if strings.TrimSpace(cfg.Audit.Schedule) != "" {
		auditor, err := replay.NewAuditor(replay.AuditorConfig{
			Engine:   svc.engine,
			Store:    svc.logs,
			Schedule: cfg.Audit.Schedule,
			Sample:   cfg.Audit.Sample,
			Tools:    cfg.Audit.Tools,
			Logger:   svc.logger,
		})
		if err != nil {
			return exitError(exitValidation, "creating replay auditor: %v", err)
		}
		auditor.Start()
		defer func() {
			_ = auditor.Stop(context.Background())
		}()
	}

	stream := sse.NewTailHandler(svc.logs, sse.HandlerConfig{
		PollInterval: cfg.Tail.PollInterval,
		BatchSize:    cfg.Tail.BatchSize,
		Logger:       svc.logger,
	})
	api := server.NewServer(server.ServerConfig{
		Registry:   svc.registry,
		Executor:   svc.executor,
		Logs:       svc.logs,
		Replay:     svc.engine,
		Webhooks:   svc.webhooks,
		Deliveries: svc.webhooks,
		Dispatcher: svc.dispatcher,
		Stream:     stream,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     svc.logger,
	})

	addr := serveAddr(cmd, cfg)
	// No WriteTimeout: the live tail holds responses open.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     api.Handler(),
		ReadTimeout: readTimeout,
	}
	// Live tails would otherwise hold Shutdown until its deadline.
	httpServer.RegisterOnShutdown(stream.Close)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Toolkit server listening on http://%s\n", addr)
		fmt.Fprintf(cmd.OutOrStdout(), "Manifest available at http://%s/manifest.json\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func serveAddr(cmd *cobra.Command, cfg config.Config) string {
	if addr, _ := cmd.Flags().GetString("addr"); strings.TrimSpace(addr) != "" {
		return strings.TrimSpace(addr)
	}
	return cfg.Server.Addr
}
