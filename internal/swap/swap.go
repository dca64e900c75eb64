package swap

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ligun0805/pharos-autobot/internal/chain"
	"github.com/ligun0805/pharos-autobot/internal/wallet"
)

type Mode string

const (
	// ModeStable alternates USDC -> USDT and USDT -> USDC.
	ModeStable Mode = "stable"
	// ModeNative swaps the native coin into USDC / USDT.
	ModeNative Mode = "native"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStable, ModeNative:
		return m, nil
	case "":
		return ModeStable, nil
	default:
		return "", fmt.Errorf("unknown swap mode %q (want stable or native)", s)
	}
}

// Backend is the chain surface a swap needs. *chain.Client implements it.
type Backend interface {
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call chain.Call) (uint64, error)
	Send(ctx context.Context, key *ecdsa.PrivateKey, call chain.Call) (*types.Receipt, error)
}

type Config struct {
	Mode         Mode
	Router       common.Address
	WETH         common.Address
	USDC         common.Address
	USDT         common.Address
	MinAmount    decimal.Decimal
	MaxAmount    decimal.Decimal
	GasMarginPct int64
	Deadline     time.Duration
}

// Outcome describes one swap attempt that did not fail.
type Outcome struct {
	Skipped   bool
	Reason    string
	Pair      string
	Amount    decimal.Decimal
	ApproveTx common.Hash
	SwapTx    common.Hash
}

type Executor struct {
	backend Backend
	cfg     Config
	rng     *rand.Rand
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Executor)

func WithRand(r *rand.Rand) Option          { return func(e *Executor) { e.rng = r } }
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }
func WithLogger(l *zap.Logger) Option       { return func(e *Executor) { e.log = l } }

func NewExecutor(backend Backend, cfg Config, opts ...Option) *Executor {
	e := &Executor{
		backend: backend,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.Mode == "" {
		e.cfg.Mode = ModeStable
	}
	if e.cfg.Deadline <= 0 {
		e.cfg.Deadline = 10 * time.Minute
	}
	return e
}

// RandomAmount draws uniformly from [MinAmount, MaxAmount], rounded to 6 decimals.
func (e *Executor) RandomAmount() decimal.Decimal {
	span := e.cfg.MaxAmount.Sub(e.cfg.MinAmount)
	return e.cfg.MinAmount.Add(span.Mul(decimal.NewFromFloat(e.rng.Float64()))).Round(6)
}

func (e *Executor) symbol(token common.Address) string {
	switch token {
	case e.cfg.USDC:
		return "USDC"
	case e.cfg.USDT:
		return "USDT"
	case e.cfg.WETH:
		return "PHRS"
	}
	return token.Hex()
}

func (e *Executor) deadline() *big.Int {
	return big.NewInt(e.now().Add(e.cfg.Deadline).Unix())
}

// Execute performs swap number index for w. Pre-check failures return a skipped
// Outcome and no error; RPC and transaction failures return an error.
func (e *Executor) Execute(ctx context.Context, w *wallet.Wallet, index int) (Outcome, error) {
	amount := e.RandomAmount()
	if !amount.IsPositive() {
		return Outcome{Skipped: true, Reason: "invalid amount " + amount.StringFixed(6), Amount: amount}, nil
	}
	if e.cfg.Mode == ModeNative {
		return e.nativeToToken(ctx, w, index, amount)
	}
	return e.tokenToToken(ctx, w, index, amount)
}

func (e *Executor) tokenToToken(ctx context.Context, w *wallet.Wallet, index int, amount decimal.Decimal) (Outcome, error) {
	from, to := e.cfg.USDC, e.cfg.USDT
	if index%2 == 1 {
		from, to = e.cfg.USDT, e.cfg.USDC
	}
	out := Outcome{Pair: e.symbol(from) + " → " + e.symbol(to), Amount: amount}
	owner := w.Address

	dec, err := e.backend.TokenDecimals(ctx, from)
	if err != nil {
		return out, err
	}
	amountIn := chain.ToBaseUnits(amount, dec)

	bal, err := e.backend.TokenBalance(ctx, from, owner)
	if err != nil {
		return out, err
	}
	if bal.Cmp(amountIn) < 0 {
		return skip(out, "balance too low: have %s %s, need %s", chain.FormatUnits(bal, dec), e.symbol(from), amount.StringFixed(6)), nil
	}

	gasPrice, err := e.backend.GasPrice(ctx)
	if err != nil {
		return out, fmt.Errorf("gas price: %w", err)
	}

	allowance, err := e.backend.Allowance(ctx, from, owner, e.cfg.Router)
	if err != nil {
		return out, err
	}
	if allowance.Cmp(amountIn) < 0 {
		data, err := chain.EncodeApprove(e.cfg.Router, amountIn)
		if err != nil {
			return out, err
		}
		call := chain.Call{From: owner, To: from, Data: data, GasPrice: gasPrice}
		receipt, skipped, err := e.submit(ctx, w, call, big.NewInt(0))
		if err != nil {
			return out, fmt.Errorf("approve %s: %w", e.symbol(from), err)
		}
		if skipped != "" {
			return skip(out, "approve: %s", skipped), nil
		}
		out.ApproveTx = receipt.TxHash
		e.log.Info("approved",
			zap.String("wallet", owner.Hex()),
			zap.String("token", e.symbol(from)),
			zap.String("tx", receipt.TxHash.Hex()))
	}

	data, err := chain.EncodeSwapExactTokensForTokens(amountIn, big.NewInt(0), []common.Address{from, to}, owner, e.deadline())
	if err != nil {
		return out, err
	}
	call := chain.Call{From: owner, To: e.cfg.Router, Data: data, GasPrice: gasPrice}
	receipt, skipped, err := e.submit(ctx, w, call, big.NewInt(0))
	if err != nil {
		return out, fmt.Errorf("swap: %w", err)
	}
	if skipped != "" {
		return skip(out, "%s", skipped), nil
	}
	out.SwapTx = receipt.TxHash
	return out, nil
}

func (e *Executor) nativeToToken(ctx context.Context, w *wallet.Wallet, index int, amount decimal.Decimal) (Outcome, error) {
	to := e.cfg.USDC
	if index%2 == 1 {
		to = e.cfg.USDT
	}
	out := Outcome{Pair: e.symbol(e.cfg.WETH) + " → " + e.symbol(to), Amount: amount}
	owner := w.Address
	amountIn := chain.ToBaseUnits(amount, chain.NativeDecimals)

	bal, err := e.backend.NativeBalance(ctx, owner)
	if err != nil {
		return out, err
	}
	if bal.Cmp(amountIn) < 0 {
		return skip(out, "balance too low: have %s, need %s", chain.FormatUnits(bal, chain.NativeDecimals), amount.StringFixed(6)), nil
	}

	gasPrice, err := e.backend.GasPrice(ctx)
	if err != nil {
		return out, fmt.Errorf("gas price: %w", err)
	}
	data, err := chain.EncodeSwapExactETHForTokens(big.NewInt(0), []common.Address{e.cfg.WETH, to}, owner, e.deadline())
	if err != nil {
		return out, err
	}
	call := chain.Call{From: owner, To: e.cfg.Router, Value: amountIn, Data: data, GasPrice: gasPrice}
	receipt, skipped, err := e.submit(ctx, w, call, amountIn)
	if err != nil {
		return out, fmt.Errorf("swap: %w", err)
	}
	if skipped != "" {
		return skip(out, "%s", skipped), nil
	}
	out.SwapTx = receipt.TxHash
	return out, nil
}

// submit estimates gas with the safety margin, checks the native balance covers
// value plus fees, then sends and waits. A non-empty reason means nothing was sent.
func (e *Executor) submit(ctx context.Context, w *wallet.Wallet, call chain.Call, value *big.Int) (*types.Receipt, string, error) {
	est, err := e.backend.EstimateGas(ctx, call)
	if err != nil {
		return nil, "", fmt.Errorf("estimate gas: %w", err)
	}
	call.Gas = chain.WithMargin(est, e.cfg.GasMarginPct)

	fee := new(big.Int).Mul(new(big.Int).SetUint64(call.Gas), call.GasPrice)
	need := new(big.Int).Add(fee, value)
	native, err := e.backend.NativeBalance(ctx, call.From)
	if err != nil {
		return nil, "", err
	}
	if native.Cmp(need) < 0 {
		return nil, fmt.Sprintf("insufficient native balance for gas: have %s, need %s",
			chain.FormatUnits(native, chain.NativeDecimals), chain.FormatUnits(need, chain.NativeDecimals)), nil
	}

	receipt, err := e.backend.Send(ctx, w.PrivateKey(), call)
	if err != nil {
		return nil, "", err
	}
	return receipt, "", nil
}

func skip(out Outcome, format string, a ...any) Outcome {
	out.Skipped = true
	out.Reason = fmt.Sprintf(format, a...)
	return out
}
