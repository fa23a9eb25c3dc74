// Package commands defines the Cobra CLI commands of the vfs binary.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"vfscore/internal/config"
	"vfscore/internal/contextutil"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vfs",
		Short: "Virtual file system with hybrid semantic search",
		Long: `vfs stores notes, documents, exams, essays, mind-maps and translations
in a folder tree, keeps their blobs content-addressed on disk, and indexes
them for hybrid vector and keyword search.

Configuration is read from a YAML file (--config, VFS_CONFIG or ./vfs.yaml),
then .env, then environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ./vfs.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewMigrateCmd(),
		NewStatusCmd(),
		NewRebuildCmd(),
		NewReconcileCmd(),
		NewSweepCmd(),
		NewGCCmd(),
	)

	return root
}

// loadConfig loads configuration and installs the process logger.
func loadConfig(ctx context.Context) (context.Context, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ctx, nil, nil, err
	}
	log := contextutil.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)
	if cfg.Path != "" {
		log.Debug("config loaded", "path", cfg.Path)
	}
	return contextutil.WithLogger(ctx, log), cfg, log, nil
}

// withApp runs fn against a wired app that is closed afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cfg, log, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil {
			log.Warn("shutdown error", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
