// Package allocation computes each staking account's reward for one
// distribution period.
//
// The canonical policy is rate-based daily accrual with per-account
// commission:
//
//	gross      = stake × annualRate / 365   (truncated to model.Scale)
//	commission = gross × commissionRate     (truncated to model.Scale)
//	net        = gross − commission
//
// Allocation is pure: it reads account snapshots and returns a plan.
// Nothing is written here.
package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/commission"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/rate"
)

// ErrDataIntegrity is returned for account data the engine refuses to pay
// against, such as a negative stake or a self-referral. It is fatal for the
// account only.
var ErrDataIntegrity = errors.New("allocation: data integrity violation")

// DaysPerYear converts annual rates to the daily accrual rate.
var DaysPerYear = decimal.NewFromInt(365)

// AccountReward is the in-memory result of allocating one account.
type AccountReward struct {
	AccountID     string          `json:"account_id"`
	Version       int64           `json:"version"` // snapshot version the reward was computed from
	Stake         decimal.Decimal `json:"stake"`
	Rate          decimal.Decimal `json:"rate"`
	PremiumActive bool            `json:"premium_active"`
	Downgrade     bool            `json:"downgrade"`
	ReferredBy    string          `json:"referred_by,omitempty"`
	commission.Split
}

// Rejection is an account excluded from the plan with its reason.
type Rejection struct {
	AccountID string
	Err       error
}

// Plan is the full allocation for one run.
type Plan struct {
	Rewards     []AccountReward
	Rejected    []Rejection
	Skipped     []string        // staking accounts whose reward rounds to zero
	Downgrades  []AccountReward // skipped accounts whose premium has expired
	TotalStaked decimal.Decimal
	Totals      commission.Totals
}

// Empty reports whether the plan credits nothing.
func (p Plan) Empty() bool {
	return len(p.Rewards) == 0 || !p.Totals.Gross.IsPositive()
}

// Allocator computes rewards from a rate policy and a commission extractor.
type Allocator struct {
	rates      rate.Policy
	commission *commission.Extractor
}

// NewAllocator creates an allocator.
func NewAllocator(rates rate.Policy, extractor *commission.Extractor) *Allocator {
	return &Allocator{rates: rates, commission: extractor}
}

// Rates returns the allocator's rate policy.
func (a *Allocator) Rates() rate.Policy {
	return a.rates
}

// DailyGross returns stake × annualRate / 365 truncated to model.Scale.
func DailyGross(stake, annualRate decimal.Decimal) decimal.Decimal {
	q, _ := stake.Mul(annualRate).QuoRem(DaysPerYear, model.Scale)
	return q
}

// ValidateStake rejects stakes the engine cannot pay against.
func ValidateStake(acct model.Account) error {
	if acct.StakedAmount.IsNegative() {
		return fmt.Errorf("%w: account %s has negative stake %s",
			ErrDataIntegrity, acct.ID, acct.StakedAmount)
	}
	if acct.ReferredBy != "" && acct.ReferredBy == acct.ID {
		return fmt.Errorf("%w: account %s refers itself", ErrDataIntegrity, acct.ID)
	}
	return nil
}

// Allocate computes the reward for acct at now. A zero-valued reward with
// commission.ErrNothingToSplit means the account earns nothing this period.
func (a *Allocator) Allocate(acct model.Account, now time.Time) (AccountReward, error) {
	if err := ValidateStake(acct); err != nil {
		return AccountReward{}, err
	}

	res := a.rates.Resolve(acct, now)
	reward := AccountReward{
		AccountID:     acct.ID,
		Version:       acct.Version,
		Stake:         acct.StakedAmount,
		Rate:          res.Rate,
		PremiumActive: res.PremiumActive,
		Downgrade:     res.Downgrade,
		ReferredBy:    acct.ReferredBy,
	}

	split, err := a.commission.Split(DailyGross(acct.StakedAmount, res.Rate))
	if err != nil {
		return reward, err
	}
	reward.Split = split
	return reward, nil
}

// Plan allocates every account in the snapshot. Accounts without stake are
// ignored; rejected accounts are reported, never fatal to the plan.
func (a *Allocator) Plan(accounts []model.Account, now time.Time) Plan {
	var plan Plan
	for _, acct := range accounts {
		if acct.StakedAmount.IsZero() {
			continue
		}
		reward, err := a.Allocate(acct, now)
		switch {
		case errors.Is(err, commission.ErrNothingToSplit):
			plan.TotalStaked = plan.TotalStaked.Add(acct.StakedAmount)
			plan.Skipped = append(plan.Skipped, acct.ID)
			if reward.Downgrade {
				plan.Downgrades = append(plan.Downgrades, reward)
			}
		case err != nil:
			plan.Rejected = append(plan.Rejected, Rejection{AccountID: acct.ID, Err: err})
		default:
			plan.TotalStaked = plan.TotalStaked.Add(acct.StakedAmount)
			plan.Rewards = append(plan.Rewards, reward)
			plan.Totals.Add(reward.Split)
		}
	}
	return plan
}

// PoolShare returns stake / totalStaked, the account's fraction of the
// pool. Reported alongside rewards; not the distribution basis.
func PoolShare(stake, totalStaked decimal.Decimal) decimal.Decimal {
	if !totalStaked.IsPositive() {
		return decimal.Zero
	}
	return stake.DivRound(totalStaked, model.Scale)
}

// CommissionRate returns the rate the allocator's extractor applies.
func (a *Allocator) CommissionRate() decimal.Decimal {
	return a.commission.Rate()
}
