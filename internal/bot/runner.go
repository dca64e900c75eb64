package bot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/ligun0805/pharos-autobot/internal/metrics"
	"github.com/ligun0805/pharos-autobot/internal/pharos"
	"github.com/ligun0805/pharos-autobot/internal/retry"
	"github.com/ligun0805/pharos-autobot/internal/schedule"
	"github.com/ligun0805/pharos-autobot/internal/swap"
	"github.com/ligun0805/pharos-autobot/internal/wallet"
)

// Authenticator is the remote API side of a pass. *pharos.Client implements it.
type Authenticator interface {
	Login(ctx context.Context, w *wallet.Wallet) (pharos.Session, error)
	CheckIn(ctx context.Context, s pharos.Session) (pharos.CheckInStatus, error)
}

// Swapper executes swap number index for a wallet. *swap.Executor implements it.
type Swapper interface {
	Execute(ctx context.Context, w *wallet.Wallet, index int) (swap.Outcome, error)
}

type Config struct {
	TxCount     int
	TxDelay     schedule.Bounds
	WalletDelay schedule.Bounds
	Interval    time.Duration

	RetryBase      time.Duration
	LoginRetries   int
	CheckInRetries int
	SwapRetries    int
}

func DefaultConfig() Config {
	return Config{
		TxCount:        10,
		TxDelay:        schedule.Bounds{Min: time.Minute, Max: 3 * time.Minute},
		WalletDelay:    schedule.Bounds{Min: 10 * time.Second, Max: 20 * time.Second},
		Interval:       24 * time.Hour,
		RetryBase:      5 * time.Second,
		LoginRetries:   5,
		CheckInRetries: 5,
		SwapRetries:    3,
	}
}

// Tally counts wallets whose login and check-in succeeded in one cycle.
type Tally struct {
	Total     int
	Succeeded int
}

func (t Tally) String() string {
	return fmt.Sprintf("%d/%d wallets completed successfully", t.Succeeded, t.Total)
}

type Runner struct {
	cfg   Config
	auth  Authenticator
	swaps Swapper
	log   *zap.Logger
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option { return func(r *Runner) { r.log = l } }
func WithRand(rng *rand.Rand) Option  { return func(r *Runner) { r.rng = rng } }
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithSleep replaces every wait of the runner, retry backoff included.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

func NewRunner(cfg Config, auth Authenticator, swaps Swapper, opts ...Option) *Runner {
	r := &Runner{
		cfg:   cfg,
		auth:  auth,
		swaps: swaps,
		log:   zap.NewNop(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: schedule.Sleep,
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) retryOpts(name string, retries int, log *zap.Logger) retry.Options {
	return retry.Options{
		Name:       name,
		MaxRetries: retries,
		BaseDelay:  r.cfg.RetryBase,
		Logger:     log,
		Sleep:      r.sleep,
		OnRetry: func(int, error) {
			metrics.RetriesTotal.WithLabelValues(name).Inc()
		},
	}
}

// Pass runs login, check-in and the swap batch for one wallet key.
// It reports whether login and check-in succeeded; swap failures do not fail the pass.
func (r *Runner) Pass(ctx context.Context, key string) bool {
	var w *wallet.Wallet
	log := r.log

	session, err := retry.DoValue(ctx, r.retryOpts("login", r.cfg.LoginRetries, log),
		func(ctx context.Context) (pharos.Session, error) {
			if w == nil {
				parsed, err := wallet.FromHex(key)
				if err != nil {
					return pharos.Session{}, retry.Permanent(err)
				}
				w = parsed
				log = r.log.With(zap.String("wallet", w.Address.Hex()))
			}
			return r.auth.Login(ctx, w)
		})
	if err != nil {
		log.Error("login failed", zap.Error(err))
		metrics.WalletsTotal.WithLabelValues("login_failed").Inc()
		return false
	}
	log.Info("logged in")

	status, err := retry.DoValue(ctx, r.retryOpts("check-in", r.cfg.CheckInRetries, log),
		func(ctx context.Context) (pharos.CheckInStatus, error) {
			return r.auth.CheckIn(ctx, session)
		})
	if err != nil {
		log.Error("check-in failed", zap.Error(err))
		metrics.WalletsTotal.WithLabelValues("checkin_failed").Inc()
		return false
	}
	log.Info(status.String())
	metrics.CheckInsTotal.WithLabelValues(status.String()).Inc()

	r.swapBatch(ctx, w, log)
	if ctx.Err() != nil {
		return false
	}
	metrics.WalletsTotal.WithLabelValues("ok").Inc()
	return true
}

func (r *Runner) swapBatch(ctx context.Context, w *wallet.Wallet, log *zap.Logger) {
	var done, skipped, failed int
	for i := 0; i < r.cfg.TxCount; i++ {
		if i > 0 {
			d := r.cfg.TxDelay.Random(r.rng)
			log.Debug("waiting before next swap", zap.Duration("delay", d))
			if err := r.sleep(ctx, d); err != nil {
				return
			}
		}

		swapLog := log.With(zap.Int("swap", i+1), zap.Int("of", r.cfg.TxCount))
		var out swap.Outcome
		err := retry.Do(ctx, r.retryOpts("swap", r.cfg.SwapRetries, swapLog), func(ctx context.Context) error {
			var err error
			out, err = r.swaps.Execute(ctx, w, i)
			return err
		})
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			failed++
			metrics.SwapsTotal.WithLabelValues("failed").Inc()
			swapLog.Error("swap failed", zap.String("pair", out.Pair), zap.Error(err))
		case out.Skipped:
			skipped++
			metrics.SwapsTotal.WithLabelValues("skipped").Inc()
			swapLog.Warn("swap skipped", zap.String("pair", out.Pair), zap.String("reason", out.Reason))
		default:
			done++
			metrics.SwapsTotal.WithLabelValues("submitted").Inc()
			swapLog.Info("swap confirmed",
				zap.String("pair", out.Pair),
				zap.String("amount", out.Amount.String()),
				zap.String("tx", out.SwapTx.Hex()))
		}
	}
	log.Info("swaps finished", zap.Int("confirmed", done), zap.Int("skipped", skipped), zap.Int("failed", failed))
}

// RunCycle processes keys one after another with a random wait between wallets.
func (r *Runner) RunCycle(ctx context.Context, keys []string) Tally {
	t := Tally{Total: len(keys)}
	metrics.CyclesTotal.Inc()
	for i, key := range keys {
		if i > 0 {
			d := r.cfg.WalletDelay.Random(r.rng)
			r.log.Info("waiting before next wallet", zap.Duration("delay", d))
			if err := r.sleep(ctx, d); err != nil {
				break
			}
		}
		r.log.Info("processing wallet", zap.Int("n", i+1), zap.Int("of", len(keys)))
		if r.Pass(ctx, key) {
			t.Succeeded++
		}
		if ctx.Err() != nil {
			break
		}
	}
	r.log.Info(t.String())
	return t
}

// Run repeats cycles every Interval until ctx is cancelled.
// A cycle that overruns the interval is followed immediately.
func (r *Runner) Run(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return wallet.ErrNoKeys
	}
	cycle := schedule.NewCycle(r.now())
	for {
		r.log.Info("cycle started", zap.String("cycle", cycle.ID), zap.Int("wallets", len(keys)))
		r.RunCycle(ctx, keys)
		if ctx.Err() != nil {
			return nil
		}

		r.log.Info("next cycle scheduled", zap.String("at", schedule.FormatTime(cycle.Next(r.cfg.Interval))))
		if err := r.sleep(ctx, cycle.Until(r.now(), r.cfg.Interval)); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		cycle = cycle.Following(r.now(), r.cfg.Interval)
	}
}
