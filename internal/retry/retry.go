package retry

// Exponential backoff without jitter: the wait before retry k (0-based) is BaseDelay * 2^k.
// MaxRetries counts retries after the first call, so fn runs at most MaxRetries+1 times.

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
)

type Options struct {
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *zap.Logger

	// Sleep waits between attempts; nil means a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the inner error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Backoff returns the wait before retry number attempt, saturating at the largest Duration.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 0 {
		return 0
	}
	if attempt >= 63 || base > time.Duration(math.MaxInt64>>attempt) {
		return time.Duration(math.MaxInt64)
	}
	return base << attempt
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds or the retry budget is spent.
// The last error is returned unchanged.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			opts.Logger.Debug(opts.Name+" failed, not retryable", zap.Error(perm.err))
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= opts.MaxRetries {
			opts.Logger.Error(opts.Name+" failed, retries exhausted",
				zap.Int("attempts", attempt+1), zap.Error(err))
			return err
		}

		wait := Backoff(opts.BaseDelay, attempt)
		opts.Logger.Warn("retrying "+opts.Name,
			zap.Int("attempt", attempt+1),
			zap.Int("max", opts.MaxRetries),
			zap.Duration("in", wait),
			zap.Error(err))
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err)
		}
		if serr := opts.Sleep(ctx, wait); serr != nil {
			return serr
		}
	}
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, opts, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
