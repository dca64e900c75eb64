package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the chain's native coin.
const NativeDecimals = 18

// ToBaseUnits scales a human amount to integer base units, truncating extra precision.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FormatUnits renders base units as a human amount.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// Human-readable native amount, 6 decimals.
func fmtETH(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -NativeDecimals).StringFixed(6)
}

func fmtGwei(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -9).StringFixed(2)
}

// WithMargin pads a gas estimate by pct percent.
func WithMargin(gas uint64, pct int64) uint64 {
	if pct <= 0 {
		return gas
	}
	return gas * uint64(100+pct) / 100
}
