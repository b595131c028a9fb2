package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"lifecycle-engine/internal/engine"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSweepCommand runs one sweep pass and prints the report.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve expired auctions and offer selections once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, func(ctx context.Context, e *engine.Engine) error {
				return printJSON(cmd.OutOrStdout(), e.Scheduler.Sweep(ctx))
			})
		},
	}
}

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Backfill missing revenue totals and report drift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Ledger.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and rewrite legacy statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, func(ctx context.Context, e *engine.Engine) error {
				rewritten, err := e.Store.Migrate(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"legacyStatusesRewritten": rewritten})
			})
		},
	}
}

// NewCatalogCommand writes the handler subscription catalog.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print or write the event handler catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, func(ctx context.Context, e *engine.Engine) error {
				if output != "" {
					return e.Catalog.WriteFile(output)
				}
				return printJSON(cmd.OutOrStdout(), e.Catalog)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the catalog to this file instead of stdout")
	return cmd
}

func withEngine(opts *RootOptions, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, zapLog, err := opts.load()
	if err != nil {
		return err
	}
	defer zapLog.Sync()

	ctx := context.Background()
	e, err := engine.Build(ctx, cfg, zapLog)
	if err != nil {
		zapLog.Error("engine build failed", zap.Error(err))
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func printJSON(w io.Writer, v interface{}) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
