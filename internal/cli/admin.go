package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/possync/internal/app"
)

// withApp opens the engine over the configured data directory for a
// one-shot command. Background tasks are not started.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "open engine", err)
	}
	defer a.Stop()
	return fn(ctx, a)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var withErrors int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print queue, ledger and connectivity state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				a.Monitor().Probe(ctx)
				st, err := a.Status(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "collect status", err)
				}
				out := map[string]interface{}{"status": st}
				if withErrors > 0 {
					records, err := a.ErrorRecords(ctx, withErrors)
					if err != nil {
						return WrapExitError(ExitFailure, "list error records", err)
					}
					out["errors"] = records
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().IntVar(&withErrors, "errors", 0, "include the N most recent error records")
	return cmd
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	var retryFailed bool
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver every ready queued operation now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if retryFailed {
					n, err := a.RetryFailed(ctx)
					if err != nil {
						return WrapExitError(ExitFailure, "requeue failed items", err)
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "requeued %d failed item(s)\n", n)
				}
				report, err := a.SyncNow(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "drain", err)
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "return failed items to pending first")
	return cmd
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Run every retention sweep once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				rep, err := a.Maintenance(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "maintenance", err)
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

// NewPINCommand creates the pin command.
func NewPINCommand(opts *RootOptions) *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "pin <user-id>",
		Short: "Set the offline PIN of a user on this terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pin == "" {
				return NewExitError(ExitCommandError, "--pin is required")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				if err := a.SetOfflinePIN(ctx, args[0], pin); err != nil {
					return WrapExitError(ExitFailure, "set offline PIN", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "offline PIN set for %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "the new PIN")
	return cmd
}
