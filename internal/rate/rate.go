package rate

import (
	"context"
	"fmt"

	"invoice-service/internal/money"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Pair is a currency pair: Base is the payment currency, Quote the
// invoice's face currency. A rate is Quote units per one Base unit
// (50000 for BTC_USD means 50,000 USD per BTC).
type Pair struct {
	Base  string
	Quote string
}

func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Base, p.Quote)
}

func ParsePair(s string) (Pair, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '_' {
			return Pair{Base: s[:i], Quote: s[i+1:]}, nil
		}
	}
	return Pair{}, errors.Errorf("invalid currency pair %q", s)
}

// Source is the pluggable rate provider consulted exactly once per
// pair at invoice creation.
type Source interface {
	GetRate(ctx context.Context, pair Pair) (decimal.Decimal, error)
}

// Lock is the frozen set of conversion rates an invoice was created
// with. It is immutable after capture and safe for concurrent reads.
type Lock struct {
	rates map[Pair]decimal.Decimal
}

// Capture locks one rate per pair. Any source error or non-positive
// rate fails the whole capture: no invoice without a usable rate.
func Capture(ctx context.Context, src Source, pairs []Pair) (*Lock, error) {
	rates := make(map[Pair]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		r, err := src.GetRate(ctx, pair)
		if err != nil {
			return nil, errors.Wrapf(err, "locking rate for %s", pair)
		}
		if r.Sign() <= 0 {
			return nil, errors.Errorf("unusable rate %s for %s", r, pair)
		}
		rates[pair] = r
	}
	return &Lock{rates: rates}, nil
}

// FromRates rebuilds a lock from persisted rates.
func FromRates(rates map[Pair]decimal.Decimal) *Lock {
	copied := make(map[Pair]decimal.Decimal, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &Lock{rates: copied}
}

func (l *Lock) Rate(pair Pair) (decimal.Decimal, bool) {
	r, ok := l.rates[pair]
	return r, ok
}

// Pairs returns a copy of the locked rates for persistence.
func (l *Lock) Pairs() map[Pair]decimal.Decimal {
	out := make(map[Pair]decimal.Decimal, len(l.rates))
	for k, v := range l.rates {
		out[k] = v
	}
	return out
}

// AmountDue converts a face amount into the pair's base currency,
// rounded up to the given divisibility.
func (l *Lock) AmountDue(face decimal.Decimal, pair Pair, divisibility int32) (decimal.Decimal, error) {
	r, ok := l.rates[pair]
	if !ok {
		return decimal.Zero, errors.Errorf("no locked rate for %s", pair)
	}
	return money.RoundUp(face.DivRound(r, divisibility+4), divisibility), nil
}

// ToFace converts a native amount back into the face currency.
func (l *Lock) ToFace(native decimal.Decimal, pair Pair) (decimal.Decimal, error) {
	r, ok := l.rates[pair]
	if !ok {
		return decimal.Zero, errors.Errorf("no locked rate for %s", pair)
	}
	return native.Mul(r), nil
}
