// Package main implements the orchestrator service: the workflow
// orchestration core behind the platform's HTTP admission surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/engineersedge/orchestrator/config"
)

// Build information (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		embeddedBus bool
	)

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Workflow orchestration core",
		Long: `The orchestrator accepts requests over HTTP, decomposes them into
workflows, dispatches steps to worker services over the message bus and
reconciles asynchronous responses back into request state.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), configPath, embeddedBus)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().BoolVar(&embeddedBus, "embedded-bus", false, "Start an in-process bus (development)")

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func runService(ctx context.Context, configPath string, embeddedBus bool) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	loader := config.NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if embeddedBus {
		cfg.Bus.Embedded = true
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown(10 * time.Second)

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	logger.Info("Orchestrator running",
		"service", cfg.Service.Name,
		"listen", cfg.HTTP.Listen,
		"discovery_mode", cfg.Workers.DiscoveryMode)

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
