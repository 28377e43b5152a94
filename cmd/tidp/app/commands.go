// Package app provides the entry point for the tidp command-line application.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AKlaus/transparent-oidc/pkg/authserver"
	"github.com/AKlaus/transparent-oidc/pkg/config"
	"github.com/AKlaus/transparent-oidc/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "tidp",
	DisableAutoGenTag: true,
	Short:             "Transparent OIDC - single-client authorization server federating to an upstream IdP",
	Long: `Transparent OIDC (tidp) is an OAuth 2.0 / OIDC authorization server that
serves exactly one pre-registered client and delegates all authentication to a
single upstream identity provider. It issues its own signed JWT access tokens
and refresh tokens, keeping the upstream's tokens server-side.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the tidp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to tidp configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server. The server reads the configuration file
specified by --config (with TIDP_ environment overrides) and serves the OAuth
and discovery endpoints until interrupted.`,
		RunE: runServe,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the tidp configuration file.

This command checks:
- YAML syntax validity
- Required fields presence
- Signing key and secret material loadability`,
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			logger.Infof("Validating configuration: %s", configPath)

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			asCfg, err := cfg.AuthServer()
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("Configuration is valid")
			logger.Infof("  Issuer: %s", asCfg.Issuer)
			logger.Infof("  Client: %s", asCfg.Client.ID)
			logger.Infof("  Upstream: %s", asCfg.Upstream.Issuer)
			logger.Infof("  Storage: %s", cfg.Storage.Type)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("tidp version: %s", getVersion())
		},
	}
}

// getVersion returns the version string (set at build time via ldflags)
func getVersion() string {
	return version
}

var version = "dev"

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	asCfg, err := cfg.AuthServer()
	if err != nil {
		return fmt.Errorf("configuration resolution failed: %w", err)
	}

	stor, err := cfg.NewStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	srv, err := authserver.New(ctx, asCfg, stor)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnf("Error closing authorization server: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting authorization server at %s (issuer %s)", cfg.ListenAddr(), asCfg.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down authorization server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
