// Package cmd defines and implements the CLI commands for the crawlsvc executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-ingest/internal/config"
	"github.com/JakeFAU/crawl-ingest/internal/logging"
	"github.com/JakeFAU/crawl-ingest/internal/server"
)

// version is overridden at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries the loaded configuration and logger to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRuntime is a variable so tests can replace config loading.
var newRuntime = func(cfgFile string) (*runtime, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return &runtime{cfg: cfg, logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlsvc",
		Short: "Submit, run and track crawl jobs.",
		Long: `crawlsvc accepts crawl requests over HTTP, runs the external crawl
process for each job on a pool of workers, and stores the records it emits
exactly once per (title, link).`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.Version = version

	cmd.AddCommand(
		newRunCmd("serve", "Run the HTTP API only", server.ModeAPI),
		newRunCmd("worker", "Run the worker pool only", server.ModeWorker),
		newRunCmd("standalone", "Run the HTTP API and the worker pool in one process", server.ModeStandalone),
		newMigrateCmd(),
	)
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
