// Package cmd provides the CLI commands for localwiki.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/localwiki/internal/config"
	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
	"github.com/Aman-CERP/localwiki/internal/logging"
	"github.com/Aman-CERP/localwiki/internal/storage"
	"github.com/Aman-CERP/localwiki/pkg/version"
)

var (
	cfgFile   string
	dataDir   string
	debugMode bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the localwiki CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "localwiki",
		Short: "Offline Wikipedia corpus with local search and generation",
		Long: `localwiki downloads a self-contained knowledge package (inference
runtime, quantized model, article corpus), stores it locally, and serves
ranked full-text search over the articles without any network access.

Run 'localwiki packages' to see the available package sizes, then
'localwiki fetch <package>' to acquire one.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("localwiki version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.localwiki/logs/")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newArticlesCmd())
	cmd.AddCommand(newPackagesCmd())
	cmd.AddCommand(newClearCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, apperrors.FormatForCLI(err))
		return err
	}
	return nil
}

func startLogging(_ *cobra.Command, _ []string) error {
	if !debugMode {
		return nil
	}
	logger, cleanup, err := logging.Setup(logging.DebugConfig())
	if err != nil {
		return fmt.Errorf("failed to setup debug logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Info("debug logging enabled",
		slog.String("log_file", logging.DefaultLogPath()),
		slog.String("version", version.Version))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// loadConfig resolves configuration from defaults, file, environment,
// and the persistent flags.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the single persistent store for this data directory.
func openStore(cfg *config.Config) (*storage.Store, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, err)
	}
	return storage.Open(cfg.StorePath(), storage.Options{
		QuotaBytes: int64(cfg.Storage.QuotaMB) << 20,
		CacheSize:  cfg.Storage.ArticleCacheSize,
	})
}
