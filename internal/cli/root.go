// Package cli implements creditctl, the operator tool for balances, manual
// grants, payment reconciliation and order tokens.
package cli

import (
	"context"
	"fmt"

	"PeachCredit/internal/app"
	"PeachCredit/internal/config"
	"PeachCredit/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRootCmd builds a fresh command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate the PeachCredit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default $CONFIG_PATH or configs/config.yaml)")

	root.AddCommand(
		newBalanceCmd(),
		newGrantCmd(),
		newHistoryCmd(),
		newReconcileCmd(),
		newSettleCmd(),
		newSweepCmd(),
		newTokenCmd(),
		newJWTCmd(),
	)
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// withApp loads config, opens the store and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, log *zap.Logger) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, log)
}
