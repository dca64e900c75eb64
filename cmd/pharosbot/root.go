package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ligun0805/pharos-autobot/internal/config"
	"github.com/ligun0805/pharos-autobot/internal/logx"
)

// app is what every subcommand gets after the root pre-run.
type app struct {
	cfg *config.Settings
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "pharosbot",
		Short: "Pharos testnet runner: daily check-in and swaps for a list of wallets",
		Long: `pharosbot logs every wallet from the key file into the Pharos testnet API,
performs the daily check-in, then runs a batch of router swaps, and repeats every 24 hours.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logx.New(cfg.LogLevel, true)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	run := newRunCmd(a)
	root.RunE = run.RunE
	root.AddCommand(run, newOnceCmd(a), newWalletsCmd(a))
	return root
}
