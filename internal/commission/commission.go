// Package commission splits gross yield into the platform commission and
// the net amount credited to participants.
//
// Commission is truncated to model.Scale digits and net is gross minus
// commission, so gross == commission + net holds exactly for every split
// and for any sum of splits.
package commission

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/model"
)

var (
	// ErrNothingToSplit is returned for non-positive gross yield. Callers
	// treat it as a no-op, not a failure.
	ErrNothingToSplit = errors.New("commission: gross yield is not positive")

	// ErrInvalidRate is returned when the commission rate is outside [0, 1).
	ErrInvalidRate = errors.New("commission: rate must be in [0, 1)")

	// DefaultRate is the platform commission (12%).
	DefaultRate = decimal.RequireFromString("0.12")
)

// Split is one gross amount divided into commission and net.
type Split struct {
	Gross      decimal.Decimal `json:"gross"`
	Commission decimal.Decimal `json:"commission"`
	Net        decimal.Decimal `json:"net"`
}

// Extractor applies a fixed commission rate.
type Extractor struct {
	rate decimal.Decimal
}

// NewExtractor validates the rate and returns an extractor.
func NewExtractor(rate decimal.Decimal) (*Extractor, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidRate
	}
	return &Extractor{rate: rate}, nil
}

// Rate returns the commission rate.
func (e *Extractor) Rate() decimal.Decimal {
	return e.rate
}

// Split divides gross into commission and net.
func (e *Extractor) Split(gross decimal.Decimal) (Split, error) {
	if !gross.IsPositive() {
		return Split{}, ErrNothingToSplit
	}
	commission := model.Quantize(gross.Mul(e.rate))
	return Split{
		Gross:      gross,
		Commission: commission,
		Net:        gross.Sub(commission),
	}, nil
}

// Totals accumulates splits across a run.
type Totals struct {
	Gross      decimal.Decimal `json:"gross"`
	Commission decimal.Decimal `json:"commission"`
	Net        decimal.Decimal `json:"net"`
}

// Add folds s into the totals.
func (t *Totals) Add(s Split) {
	t.Gross = t.Gross.Add(s.Gross)
	t.Commission = t.Commission.Add(s.Commission)
	t.Net = t.Net.Add(s.Net)
}

// Balanced reports whether commission + net equals gross exactly.
func (t Totals) Balanced() bool {
	return t.Commission.Add(t.Net).Equal(t.Gross)
}
