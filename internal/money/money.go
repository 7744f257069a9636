// Package money implements fixed-point USD arithmetic for the spending
// ledger. Amounts are microdollars (1e-6 USD) held in an int64, matching
// internal/usdc's smallest-unit convention but for a distinct unit: the
// ledger's cap/spend bookkeeping is USD, not a specific token's decimals.
package money

import (
	"fmt"
	"strings"
)

// Decimals is the fixed scale of a microdollar: 1 USD == 1_000_000 Micros.
const Decimals = 6

// Micros is an amount of USD in 1e-6 units. Never use float64 for these.
type Micros int64

// Scale is 10^Decimals, exported for callers doing their own truncation.
const Scale int64 = 1_000_000

// Parse converts a decimal USD string (e.g. "12.50") to Micros. As in
// usdc.Parse, fractional digits beyond Decimals are truncated, never
// rounded, per the spec's "truncated, not rounded" rule for conversions
// entering the ledger.
func Parse(s string) (Micros, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.SplitN(s, ".", 2)
	if strings.Contains(s, "..") || len(strings.Split(s, ".")) > 2 {
		return 0, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, false
		}
	}

	if len(frac) > Decimals {
		frac = frac[:Decimals] // truncate, never round
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var wholeVal, fracVal int64
	if _, err := fmt.Sscanf(whole, "%d", &wholeVal); err != nil && whole != "0" {
		return 0, false
	}
	if frac != "" {
		if _, err := fmt.Sscanf(frac, "%d", &fracVal); err != nil {
			return 0, false
		}
	}

	return Micros(wholeVal*Scale + fracVal), true
}

// FromSmallestUnit truncates a token amount already expressed in the
// token's smallest unit into microdollars, given the token's decimals.
// For a 6-decimal stablecoin this is a direct one-for-one copy.
func FromSmallestUnit(amount int64, tokenDecimals int) Micros {
	if tokenDecimals == Decimals {
		return Micros(amount)
	}
	if tokenDecimals > Decimals {
		div := pow10(tokenDecimals - Decimals)
		return Micros(amount / div) // truncated
	}
	return Micros(amount * pow10(Decimals-tokenDecimals))
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

// String formats Micros as a decimal USD string with exactly 6 places.
func (m Micros) String() string {
	neg := m < 0
	abs := int64(m)
	if neg {
		abs = -abs
	}
	whole := abs / Scale
	frac := abs % Scale
	s := fmt.Sprintf("%d.%06d", whole, frac)
	if neg {
		s = "-" + s
	}
	return s
}
