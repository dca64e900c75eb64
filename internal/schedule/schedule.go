// Package schedule holds the pacing primitives of the runner: randomized
// delays, context-aware sleeps and the daily cycle state.
package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ligun0805/pharos-autobot/internal/retry"
)

// Bounds is an inclusive [Min, Max] delay range.
type Bounds struct {
	Min time.Duration
	Max time.Duration
}

func (b Bounds) Validate() error {
	if b.Min < 0 || b.Max < 0 {
		return fmt.Errorf("negative delay bound %s..%s", b.Min, b.Max)
	}
	if b.Min > b.Max {
		return fmt.Errorf("delay min %s is above max %s", b.Min, b.Max)
	}
	return nil
}

func (b Bounds) String() string {
	return fmt.Sprintf("%s..%s", b.Min, b.Max)
}

// Random draws a delay uniformly from the bounds at millisecond granularity.
// Only whole milliseconds inside [Min, Max] are drawn; a range holding at most one returns Min.
func (b Bounds) Random(r *rand.Rand) time.Duration {
	lo := (b.Min + time.Millisecond - 1).Milliseconds()
	hi := b.Max.Milliseconds()
	if hi <= lo {
		return b.Min
	}
	return time.Duration(lo+r.Int63n(hi-lo+1)) * time.Millisecond
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	return retry.Sleep(ctx, d)
}

// Cycle marks one pass over all wallets.
type Cycle struct {
	ID    string
	Start time.Time
}

func NewCycle(start time.Time) Cycle {
	return Cycle{ID: uuid.NewString(), Start: start}
}

// Next is the scheduled start of the following cycle.
func (c Cycle) Next(interval time.Duration) time.Time {
	return c.Start.Add(interval)
}

// Until returns how long to wait from now for the following cycle; never negative.
func (c Cycle) Until(now time.Time, interval time.Duration) time.Duration {
	d := c.Next(interval).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Following builds the next cycle. An overrunning cycle starts the next one at now.
func (c Cycle) Following(now time.Time, interval time.Duration) Cycle {
	next := c.Next(interval)
	if now.After(next) {
		next = now
	}
	return NewCycle(next)
}

// FormatTime renders a timestamp the way progress lines show it.
func FormatTime(t time.Time) string {
	return t.Format("Jan 2, 3:04:05 PM")
}
