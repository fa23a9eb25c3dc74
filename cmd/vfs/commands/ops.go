package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vfscore/internal/index"
)

// NewMigrateCmd constructs the `vfs migrate` command. Opening the database
// applies pending schema migrations.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", a.cfg.Storage.DBPath)
				return err
			})
		},
	}
}

// NewStatusCmd constructs the `vfs status` command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print index coverage and state counts as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.vfs.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

// NewRebuildCmd constructs the `vfs rebuild [resource-id]` command.
func NewRebuildCmd() *cobra.Command {
	var force bool
	var process int

	cmd := &cobra.Command{
		Use:   "rebuild [resource-id]",
		Short: "Schedule resources for re-indexing",
		Long: `Schedule one resource, or every live resource when no id is given, for
indexing in all enabled modalities. Disabled and failed rows are revived.

Examples:
  vfs rebuild
  vfs rebuild note_0f6c... --force
  vfs rebuild --process 500`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.vfs.RebuildIndex(ctx, id, force)
				if err != nil {
					return err
				}
				if process <= 0 {
					return printJSON(cmd.OutOrStdout(), res)
				}
				out := map[string]any{"rebuild": res}
				for _, m := range modalities(a.cfg) {
					batch, err := a.vfs.BatchProcessPending(ctx, m, process)
					if err != nil {
						return fmt.Errorf("process %s: %w", m, err)
					}
					out[string(m)] = batch
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Drop existing units and segments before re-indexing")
	cmd.Flags().IntVar(&process, "process", 0, "Index up to N pending resources per modality before exiting")

	return cmd
}

// NewReconcileCmd constructs the `vfs reconcile` command.
func NewReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Drop vector rows without a registered segment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rep, err := a.vfs.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

// NewSweepCmd constructs the `vfs sweep` command.
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove unreferenced blobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rep, err := a.vfs.SweepBlobs(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

// NewGCCmd constructs the `vfs gc` command.
func NewGCCmd() *cobra.Command {
	var disable string
	var reason string

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run one garbage collection pass",
		Long: `Run one full collection pass: orphaned index rows, vector rows without a
segment, and unreferenced blobs.

With --disable the named resource is excluded from text indexing instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if disable != "" {
					if err := a.vfs.Disable(ctx, disable, index.ModalityText, reason); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s disabled\n", disable)
					return err
				}
				rep, err := a.vfs.CollectGarbage(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}

	cmd.Flags().StringVar(&disable, "disable", "", "Resource id to exclude from text indexing")
	cmd.Flags().StringVar(&reason, "reason", "disabled from cli", "Reason recorded with --disable")

	return cmd
}
