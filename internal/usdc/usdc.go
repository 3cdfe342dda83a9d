// Package usdc provides fixed-precision USDC money arithmetic.
//
// All amounts are carried as int64 micro-units (1 USDC = 1,000,000 units),
// which keeps every value on the 6-decimal grid and makes settlement sums
// exact. Fee rates use a separate 4-decimal grid (1.0 = 10,000 units).
package usdc

import (
	"math/big"
	"strings"
)

const (
	// Decimals is the number of fractional digits in a USDC amount.
	Decimals = 6
	// Micro is the number of micro-units per whole USDC.
	Micro = 1_000_000
	// RateScale is the denominator of the 4-decimal fee-rate grid.
	RateScale = 10_000
)

// Parse converts a decimal string (e.g. "1.50") to micro-units (1500000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string parses to 0
//   - Negative amounts are rejected
//   - Fractional parts beyond 6 digits are rejected
func Parse(s string) (int64, bool) {
	return parseScaled(s, Decimals, -1)
}

// Format converts micro-units to a decimal string with exactly six
// fractional digits (e.g. 1500000 → "1.500000").
func Format(amount int64) string {
	return formatScaled(amount, Decimals)
}

// ParseRate converts a decimal fee rate (e.g. "0.12") to 4-decimal rate
// units (1200). Rates outside [0, 1] are rejected.
func ParseRate(s string) (int64, bool) {
	return parseScaled(s, 4, RateScale)
}

// FormatRate converts 4-decimal rate units to a decimal string
// (1200 → "0.1200").
func FormatRate(rate int64) string {
	return formatScaled(rate, 4)
}

// ClampRate constrains a rate to [0, RateScale].
func ClampRate(rate int64) int64 {
	if rate < 0 {
		return 0
	}
	if rate > RateScale {
		return RateScale
	}
	return rate
}

// MulDiv computes round(a*b/d) with half-away-from-zero rounding. The
// intermediate product is taken in big.Int so micro-unit products cannot
// overflow. d must be non-zero.
func MulDiv(a, b, d int64) int64 {
	num := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	num.Mul(num, big.NewInt(2))
	if num.Sign() < 0 {
		num.Sub(num, big.NewInt(d))
	} else {
		num.Add(num, big.NewInt(d))
	}
	return new(big.Int).Quo(num, big.NewInt(2*d)).Int64()
}

// ApplyRate computes round6(amount × rate) where rate is on the 4-decimal
// grid, rounding half away from zero.
func ApplyRate(amount, rate int64) int64 {
	return MulDiv(amount, rate, RateScale)
}

// Split decomposes a price into (platformFee, providerAmount) at the given
// fee rate. The identity price == fee + provider holds exactly on the grid.
func Split(price, rate int64) (fee, provider int64) {
	fee = ApplyRate(price, rate)
	return fee, price - fee
}

func parseScaled(s string, decimals int, max int64) (int64, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		return 0, false
	}
	for len(frac) < decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || !v.IsInt64() {
		return 0, false
	}
	n := v.Int64()
	if max >= 0 && n > max {
		return 0, false
	}
	return n, true
}

func formatScaled(amount int64, decimals int) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := big.NewInt(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	cut := len(s) - decimals
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}
