package money

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RoundUp rounds an amount up to the given number of decimal places.
// Due amounts always round in the merchant's favour.
func RoundUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.RoundUp(places)
}

func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid amount %q", s)
	}
	return d, nil
}

// MustParse is for constants and config values validated at startup.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
