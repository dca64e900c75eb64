package bot

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/pharos-autobot/internal/pharos"
	"github.com/ligun0805/pharos-autobot/internal/schedule"
	"github.com/ligun0805/pharos-autobot/internal/swap"
	"github.com/ligun0805/pharos-autobot/internal/wallet"
)

var keys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
}

var (
	addr0 = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	addr1 = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	addr2 = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

type fakeAuth struct {
	failLogin   map[common.Address]bool
	checkInErr  error
	checkInCode pharos.CheckInStatus

	logins   map[common.Address]int
	checkIns int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{failLogin: map[common.Address]bool{}, logins: map[common.Address]int{}}
}

func (f *fakeAuth) Login(_ context.Context, w *wallet.Wallet) (pharos.Session, error) {
	f.logins[w.Address]++
	if f.failLogin[w.Address] {
		return pharos.Session{}, errors.New("login: 503")
	}
	return pharos.Session{Address: w.Address.Hex(), Token: "jwt"}, nil
}

func (f *fakeAuth) CheckIn(context.Context, pharos.Session) (pharos.CheckInStatus, error) {
	f.checkIns++
	if f.checkInErr != nil {
		return 0, f.checkInErr
	}
	return f.checkInCode, nil
}

type fakeSwapper struct {
	err     error
	skip    bool
	calls   map[common.Address][]int
	ordered []common.Address
}

func newFakeSwapper() *fakeSwapper {
	return &fakeSwapper{calls: map[common.Address][]int{}}
}

func (f *fakeSwapper) Execute(_ context.Context, w *wallet.Wallet, index int) (swap.Outcome, error) {
	f.calls[w.Address] = append(f.calls[w.Address], index)
	f.ordered = append(f.ordered, w.Address)
	out := swap.Outcome{Pair: "USDC → USDT", Amount: decimal.RequireFromString("0.5")}
	if f.err != nil {
		return out, f.err
	}
	if f.skip {
		out.Skipped = true
		out.Reason = "balance too low"
	}
	return out, nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func (s *sleepRecorder) within(b schedule.Bounds) int {
	n := 0
	for _, d := range s.waits {
		if d >= b.Min && d <= b.Max {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TxCount = 3
	return cfg
}

func newTestRunner(cfg Config, auth Authenticator, sw Swapper, rec *sleepRecorder) *Runner {
	return NewRunner(cfg, auth, sw, WithSleep(rec.sleep), WithRand(rand.New(rand.NewSource(7))))
}

func TestRunCycleContinuesAfterFailedWallet(t *testing.T) {
	auth := newFakeAuth()
	auth.failLogin[addr1] = true
	sw := newFakeSwapper()
	rec := &sleepRecorder{}
	cfg := testConfig()

	tally := newTestRunner(cfg, auth, sw, rec).RunCycle(context.Background(), keys)

	assert.Equal(t, Tally{Total: 3, Succeeded: 2}, tally)
	assert.Equal(t, "2/3 wallets completed successfully", tally.String())
	assert.Equal(t, cfg.LoginRetries+1, auth.logins[addr1])
	assert.Equal(t, 1, auth.logins[addr2])
	assert.Equal(t, []int{0, 1, 2}, sw.calls[addr0])
	assert.Empty(t, sw.calls[addr1])
	assert.Equal(t, []int{0, 1, 2}, sw.calls[addr2])
	assert.Equal(t, []common.Address{addr0, addr0, addr0, addr2, addr2, addr2}, sw.ordered)
}

func TestRunCycleWaitsBetweenWalletsOnly(t *testing.T) {
	cfg := testConfig()
	cfg.TxCount = 1
	rec := &sleepRecorder{}

	newTestRunner(cfg, newFakeAuth(), newFakeSwapper(), rec).RunCycle(context.Background(), keys)

	require.Len(t, rec.waits, 2)
	assert.Equal(t, 2, rec.within(cfg.WalletDelay))
}

func TestPassBacksOffOnLoginFailure(t *testing.T) {
	auth := newFakeAuth()
	auth.failLogin[addr0] = true
	rec := &sleepRecorder{}
	cfg := testConfig()

	ok := newTestRunner(cfg, auth, newFakeSwapper(), rec).Pass(context.Background(), keys[0])

	assert.False(t, ok)
	assert.Equal(t, 0, auth.checkIns)
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second,
	}, rec.waits)
}

func TestPassAlreadyCheckedInCountsAsSuccess(t *testing.T) {
	auth := newFakeAuth()
	auth.checkInCode = pharos.AlreadyCheckedIn
	sw := newFakeSwapper()

	ok := newTestRunner(testConfig(), auth, sw, &sleepRecorder{}).Pass(context.Background(), keys[0])

	assert.True(t, ok)
	assert.Equal(t, 1, auth.checkIns)
	assert.Len(t, sw.calls[addr0], 3)
}

func TestPassCheckInExhausted(t *testing.T) {
	auth := newFakeAuth()
	auth.checkInErr = &pharos.APIError{Op: "check-in", Code: 2, Msg: "busy"}
	sw := newFakeSwapper()
	cfg := testConfig()

	ok := newTestRunner(cfg, auth, sw, &sleepRecorder{}).Pass(context.Background(), keys[0])

	assert.False(t, ok)
	assert.Equal(t, cfg.CheckInRetries+1, auth.checkIns)
	assert.Empty(t, sw.ordered)
}

func TestPassSwapFailuresDoNotFailPass(t *testing.T) {
	sw := newFakeSwapper()
	sw.err = errors.New("estimate gas: execution reverted")
	cfg := testConfig()

	ok := newTestRunner(cfg, newFakeAuth(), sw, &sleepRecorder{}).Pass(context.Background(), keys[0])

	assert.True(t, ok)
	assert.Len(t, sw.calls[addr0], cfg.TxCount*(cfg.SwapRetries+1))
}

func TestPassSkippedSwapIsNotRetried(t *testing.T) {
	sw := newFakeSwapper()
	sw.skip = true
	rec := &sleepRecorder{}
	cfg := testConfig()

	ok := newTestRunner(cfg, newFakeAuth(), sw, rec).Pass(context.Background(), keys[0])

	assert.True(t, ok)
	assert.Equal(t, []int{0, 1, 2}, sw.calls[addr0])
	require.Len(t, rec.waits, cfg.TxCount-1)
	assert.Equal(t, cfg.TxCount-1, rec.within(cfg.TxDelay))
}

func TestPassInvalidKey(t *testing.T) {
	auth := newFakeAuth()
	rec := &sleepRecorder{}

	ok := newTestRunner(testConfig(), auth, newFakeSwapper(), rec).Pass(context.Background(), "not-a-key")

	assert.False(t, ok)
	assert.Empty(t, auth.logins)
	assert.Empty(t, rec.waits)
}

func TestPassStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sw := newFakeSwapper()
	rec := &sleepRecorder{}
	r := NewRunner(testConfig(), newFakeAuth(), sw, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return rec.sleep(ctx, d)
	}))

	ok := r.Pass(ctx, keys[0])

	assert.False(t, ok)
	assert.Equal(t, []int{0}, sw.calls[addr0])
}

// slowSwapper moves a fake clock forward on every swap.
type slowSwapper struct {
	*fakeSwapper
	now  *time.Time
	step time.Duration
}

func (s slowSwapper) Execute(ctx context.Context, w *wallet.Wallet, index int) (swap.Outcome, error) {
	*s.now = s.now.Add(s.step)
	return s.fakeSwapper.Execute(ctx, w, index)
}

func runTwoCycles(t *testing.T, interval, cycleTook time.Duration) (*fakeAuth, []time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.TxCount = 1
	cfg.Interval = interval

	auth := newFakeAuth()
	var waits []time.Duration
	r := NewRunner(cfg, auth, slowSwapper{fakeSwapper: newFakeSwapper(), now: &now, step: cycleTook},
		WithClock(func() time.Time { return now }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			if len(waits) == 2 {
				cancel()
				return ctx.Err()
			}
			now = now.Add(d)
			return nil
		}))

	require.NoError(t, r.Run(ctx, keys[:1]))
	return auth, waits
}

func TestRunSchedulesNextCycle(t *testing.T) {
	auth, waits := runTwoCycles(t, 24*time.Hour, 30*time.Minute)

	assert.Equal(t, 2, auth.logins[addr0])
	assert.Equal(t, []time.Duration{23*time.Hour + 30*time.Minute, 23*time.Hour + 30*time.Minute}, waits)
}

func TestRunOverrunStartsImmediately(t *testing.T) {
	auth, waits := runTwoCycles(t, time.Hour, 90*time.Minute)

	assert.Equal(t, 2, auth.logins[addr0])
	assert.Equal(t, []time.Duration{0, 0}, waits)
}

func TestRunWithoutKeys(t *testing.T) {
	r := NewRunner(testConfig(), newFakeAuth(), newFakeSwapper())
	assert.ErrorIs(t, r.Run(context.Background(), nil), wallet.ErrNoKeys)
}
