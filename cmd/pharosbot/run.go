package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ligun0805/pharos-autobot/internal/bot"
	"github.com/ligun0805/pharos-autobot/internal/chain"
	"github.com/ligun0805/pharos-autobot/internal/metrics"
	"github.com/ligun0805/pharos-autobot/internal/pharos"
	"github.com/ligun0805/pharos-autobot/internal/swap"
	"github.com/ligun0805/pharos-autobot/internal/wallet"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run cycles every interval until interrupted (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			runner, keys, closeFn, err := a.setup(ctx)
			if err != nil {
				return a.unlessInterrupted(ctx, err)
			}
			defer closeFn()

			if err := runner.Run(ctx, keys); err != nil {
				return err
			}
			a.log.Info("terminated")
			return nil
		},
	}
}

// unlessInterrupted drops a startup error caused by a shutdown signal.
func (a *app) unlessInterrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		a.log.Info("terminated", zap.NamedError("cause", err))
		return nil
	}
	return err
}

func newOnceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle over all wallets and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			runner, keys, closeFn, err := a.setup(ctx)
			if err != nil {
				return a.unlessInterrupted(ctx, err)
			}
			defer closeFn()

			runner.RunCycle(ctx, keys)
			if ctx.Err() != nil {
				a.log.Info("terminated")
			}
			return nil
		},
	}
}

// setup loads keys, dials the RPC and wires the runner. closeFn releases the
// RPC connection and the metrics server.
func (a *app) setup(ctx context.Context) (*bot.Runner, []string, func(), error) {
	cfg, log := a.cfg, a.log

	keys, err := wallet.LoadKeys(cfg.KeysFile)
	if err != nil {
		return nil, nil, nil, err
	}

	lo, hi, err := cfg.Amounts()
	if err != nil {
		return nil, nil, nil, err
	}
	mode, err := swap.ParseMode(cfg.Swap.Mode)
	if err != nil {
		return nil, nil, nil, err
	}

	rpc, err := chain.Dial(ctx, cfg.RPCURL, big.NewInt(cfg.ChainID), log.Named("chain"))
	if err != nil {
		return nil, nil, nil, err
	}

	api := pharos.NewClient(pharos.Options{
		BaseURL:     cfg.API.BaseURL,
		Origin:      cfg.API.Origin,
		Referer:     cfg.API.Referer,
		UserAgent:   cfg.API.UserAgent,
		SignMessage: cfg.SignMessage,
		RatePerSec:  cfg.API.RatePerSec,
		Logger:      log.Named("api"),
	})

	executor := swap.NewExecutor(rpc, swap.Config{
		Mode:         mode,
		Router:       common.HexToAddress(cfg.Contracts.Router),
		WETH:         common.HexToAddress(cfg.Contracts.WETH),
		USDC:         common.HexToAddress(cfg.Contracts.USDC),
		USDT:         common.HexToAddress(cfg.Contracts.USDT),
		MinAmount:    lo,
		MaxAmount:    hi,
		GasMarginPct: cfg.Swap.GasMarginPct,
		Deadline:     cfg.Swap.Deadline,
	}, swap.WithLogger(log.Named("swap")))

	runner := bot.NewRunner(bot.Config{
		TxCount:        cfg.Swap.TxCount,
		TxDelay:        cfg.TxDelay(),
		WalletDelay:    cfg.WalletDelay(),
		Interval:       cfg.Cycle.Interval,
		RetryBase:      cfg.Retry.Base,
		LoginRetries:   cfg.Retry.Login,
		CheckInRetries: cfg.Retry.CheckIn,
		SwapRetries:    cfg.Retry.Swap,
	}, api, executor, bot.WithLogger(log))

	closeFn := func() { rpc.Close() }
	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr, log)
		closeFn = func() {
			_ = srv.Close()
			rpc.Close()
		}
	}

	a.printConfig(len(keys), mode)
	return runner, keys, closeFn, nil
}

func (a *app) printConfig(wallets int, mode swap.Mode) {
	cfg := a.cfg
	a.log.Info("=== CONFIG ===",
		zap.String("rpc", cfg.RPCURL),
		zap.Int64("chainId", cfg.ChainID),
		zap.String("api", cfg.API.BaseURL),
		zap.String("keysFile", cfg.KeysFile),
		zap.Int("wallets", wallets))
	a.log.Info("swaps",
		zap.String("mode", string(mode)),
		zap.Int("perWallet", cfg.Swap.TxCount),
		zap.String("amount", fmt.Sprintf("%s..%s", cfg.Swap.MinAmount, cfg.Swap.MaxAmount)),
		zap.Int64("gasMarginPct", cfg.Swap.GasMarginPct))
	a.log.Info("pacing",
		zap.Stringer("txDelay", cfg.TxDelay()),
		zap.Stringer("walletDelay", cfg.WalletDelay()),
		zap.Duration("interval", cfg.Cycle.Interval))
}
