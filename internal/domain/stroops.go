package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// StroopsPerUnit is 10^7: one asset unit is ten million stroops.
const StroopsPerUnit = 7

var (
	ErrAmountNotPositive    = errors.New("amount must be greater than zero")
	ErrAmountExcessDecimals = errors.New("amount has more than 7 fractional digits")
)

// ToStroops converts a decimal amount string to an integer stroop count,
// also as a string. The conversion is exact: amounts with more than seven
// fractional digits are rejected rather than rounded, as are zero and
// negative values.
func ToStroops(amount string) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("parse amount %q: %w", amount, err)
	}

	shifted := d.Shift(StroopsPerUnit)
	if !shifted.IsInteger() {
		return "", ErrAmountExcessDecimals
	}
	if shifted.Sign() <= 0 {
		return "", ErrAmountNotPositive
	}
	return shifted.String(), nil
}

// FromStroops renders an integer stroop string back into a decimal amount.
func FromStroops(stroops string) (string, error) {
	d, err := decimal.NewFromString(stroops)
	if err != nil {
		return "", fmt.Errorf("parse stroops %q: %w", stroops, err)
	}
	if !d.IsInteger() {
		return "", fmt.Errorf("stroops %q is not an integer", stroops)
	}
	return d.Shift(-StroopsPerUnit).String(), nil
}
