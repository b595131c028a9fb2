// Package cli is the command line of the lifecycle engine.
package cli

import (
	"fmt"

	"lifecycle-engine/internal/common/config"
	"lifecycle-engine/internal/common/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "lifecycle-engine",
		Short: "POS financing application lifecycle engine",
		Long: `Runs the application state machine, the deadline scheduler, the revenue
ledger and the event bus with its webhook ingress.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default: ./configs/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewCatalogCommand(opts))

	return cmd
}

// load reads the configuration and builds the zap logger it asks for.
func (o *RootOptions) load() (*config.Config, *zap.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigFile != "" {
		cfg, err = config.LoadFromFile(o.ConfigFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("config load failed: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	return cfg, logger.New(cfg.Logging.Level, cfg.Logging.Format), nil
}
