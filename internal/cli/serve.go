package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"lifecycle-engine/internal/engine"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type ServeOptions struct {
	*RootOptions
	Migrate bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP surface until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply the schema before starting")
	return cmd
}

func serve(opts *ServeOptions) error {
	cfg, zapLog, err := opts.load()
	if err != nil {
		return err
	}
	defer zapLog.Sync()

	zapLog.Info("Starting lifecycle engine...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("store", cfg.Database.Driver),
		zap.String("eventBus", cfg.EventBus.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := engine.Build(ctx, cfg, zapLog)
	if err != nil {
		return err
	}
	defer e.Close()

	if opts.Migrate {
		rewritten, err := e.Store.Migrate(ctx)
		if err != nil {
			return err
		}
		zapLog.Info("schema applied", zap.Int64("legacyStatusesRewritten", rewritten))
	}

	return e.Run(ctx)
}
