// Package money converts between decimal strings and integer minor units.
//
// Every amount past this boundary is an int64 in the currency's minor unit.
// Rounding is always half to even.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultMinorDigits is used when a currency code is unknown.
const DefaultMinorDigits = 2

// ToMinorUnits parses a decimal string with two minor digits.
//
//	ToMinorUnits("10.005") // 1000
//	ToMinorUnits("10.015") // 1002
func ToMinorUnits(s string) (int64, error) {
	return toMinor(s, DefaultMinorDigits)
}

// ToMinorUnitsIn parses a decimal string using the ISO 4217 minor digits of
// the given currency (0 for JPY, 3 for KWD).
func ToMinorUnitsIn(s, code string) (int64, error) {
	return toMinor(s, MinorDigits(code))
}

func toMinor(s string, digits int32) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.Shift(digits).RoundBank(0).IntPart(), nil
}

// FromMinorUnits renders an amount in minor units as a fixed decimal string.
func FromMinorUnits(amount int64, code string) string {
	digits := MinorDigits(code)
	return decimal.New(amount, -digits).StringFixed(digits)
}

// MinorDigits returns the number of minor digits for an ISO currency code.
func MinorDigits(code string) int32 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return DefaultMinorDigits
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// Convert multiplies an amount by an exchange rate and rounds half to even.
// Callers validate rate > 0.
func Convert(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).RoundBank(0).IntPart()
}

// Percent returns round(amount * pct / 100).
func Percent(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(decimal.NewFromInt(100)).RoundBank(0).IntPart()
}

// ParseRate parses an exchange rate and rejects non-positive values.
func ParseRate(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate %q must be positive", s)
	}
	return d, nil
}
