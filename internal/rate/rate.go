// Package rate resolves the effective annual yield rate for a staking
// account: the standard rate, or the premium rate while an account's
// premium subscription is active.
package rate

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/model"
)

// ErrInvalidRate is returned when a policy rate is negative.
var ErrInvalidRate = errors.New("rate: annual rates must be non-negative")

var (
	// DefaultStandard is the standard annual rate (8.7%).
	DefaultStandard = decimal.RequireFromString("0.087")

	// DefaultPremium is the premium annual rate (10.5%).
	DefaultPremium = decimal.RequireFromString("0.105")
)

// Policy holds the annual rates offered by the pool.
type Policy struct {
	Standard decimal.Decimal
	Premium  decimal.Decimal
}

// NewPolicy validates and returns a rate policy.
func NewPolicy(standard, premium decimal.Decimal) (Policy, error) {
	if standard.IsNegative() || premium.IsNegative() {
		return Policy{}, ErrInvalidRate
	}
	return Policy{Standard: standard, Premium: premium}, nil
}

// DefaultPolicy returns the standard 8.7% / premium 10.5% policy.
func DefaultPolicy() Policy {
	return Policy{Standard: DefaultStandard, Premium: DefaultPremium}
}

// Resolution is the outcome of resolving one account's rate at an instant.
type Resolution struct {
	// Rate is the effective annual rate.
	Rate decimal.Decimal
	// PremiumActive reports whether the premium tier applied.
	PremiumActive bool
	// Downgrade is set when the account still carries premium status that
	// has expired. The caller must persist it with Apply in the same write
	// that credits the reward.
	Downgrade bool
}

// Resolve determines the rate for acct at now. It does not mutate acct.
func (p Policy) Resolve(acct model.Account, now time.Time) Resolution {
	if !acct.IsPremium {
		return Resolution{Rate: p.Standard}
	}
	if acct.PremiumExpiresAt != nil && !acct.PremiumExpiresAt.After(now) {
		return Resolution{Rate: p.Standard, Downgrade: true}
	}

	r := p.Premium
	if acct.PremiumRate.IsPositive() {
		r = acct.PremiumRate
	}
	return Resolution{Rate: r, PremiumActive: true}
}

// Apply writes the resolution's state transition onto acct.
func (r Resolution) Apply(acct *model.Account) {
	if !r.Downgrade {
		return
	}
	acct.IsPremium = false
	acct.PremiumRate = decimal.Zero
	acct.PremiumExpiresAt = nil
}
