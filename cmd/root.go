// Package cmd defines and implements the CLI commands for the citefetch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/citefetch/internal/app"
	"github.com/JakeFAU/citefetch/internal/config"
	"github.com/JakeFAU/citefetch/internal/fetch"
	"github.com/JakeFAU/citefetch/internal/storage"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject their own services.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetFetcher() *fetch.Fetcher
	Exporter(ctx context.Context, target string) (storage.BlobStore, error)
}

// AppFactory builds the App from loaded configuration.
type AppFactory func(cfg config.Config) (App, error)

func defaultAppFactory(cfg config.Config) (App, error) {
	return app.NewApp(cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd(factory AppFactory) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "citefetch",
		Short: "Fetch scholarly documents through publisher soft redirects.",
		Long: `citefetch retrieves one document per call. It bounds how much of a body is
read, retries transient failures in two tiers, and follows publisher-specific
soft redirects (JavaScript location.href, Ovid tokens, meta refresh).`,
		SilenceUsage: true,

		// Runs before any subcommand: load configuration and build the services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := factory(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultAppFactory).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
