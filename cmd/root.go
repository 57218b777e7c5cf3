// Package cmd defines and implements the CLI commands for the rcproxy executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcproxy/internal/config"
	"github.com/JakeFAU/rcproxy/internal/logging"
	"github.com/JakeFAU/rcproxy/internal/server"
)

var cfgFile string

// runner is what a subcommand builds and runs until the context ends.
type runner interface {
	Run(ctx context.Context) error
}

// builders are variables so tests can swap in fakes.
var (
	buildLocal = func(cfg config.Config, logger *zap.Logger) (runner, error) {
		return server.BuildLocal(cfg, logger)
	}
	buildRemote = func(cfg config.Config, logger *zap.Logger) (runner, error) {
		return server.BuildRemote(cfg, logger)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rcproxy",
		Short: "A two-tier caching proxy for slow and intermittent links.",
		Long: `rcproxy serves web pages from a local cache and queues misses for a
remote proxy, which crawls each page with its embedded resources and ships
them back as one compressed package when the link allows.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")

	cmd.AddCommand(newServeCmd("local", "Runs the user-facing caching proxy",
		func(cfg config.Config, logger *zap.Logger) (runner, error) { return buildLocal(cfg, logger) }))
	cmd.AddCommand(newServeCmd("remote", "Runs the crawling proxy on the well-connected side",
		func(cfg config.Config, logger *zap.Logger) (runner, error) { return buildRemote(cfg, logger) }))

	return cmd
}

// newServeCmd creates a subcommand that loads config, builds one proxy tier
// and serves it until SIGINT or SIGTERM.
func newServeCmd(role, short string, build func(config.Config, *zap.Logger) (runner, error)) *cobra.Command {
	return &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, role)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			restore := zap.ReplaceGlobals(logger)
			defer restore()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := build(cfg, logger)
			if err != nil {
				logger.Error("build failed", zap.Error(err))
				return fmt.Errorf("build %s proxy: %w", role, err)
			}
			if err := app.Run(ctx); err != nil {
				return fmt.Errorf("run %s proxy: %w", role, err)
			}
			return nil
		},
	}
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
