// Package model defines the core domain types shared across the staking engine.
// All monetary values use shopspring/decimal. Never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of fraction digits every persisted amount carries.
// It matches the smallest on-chain unit used elsewhere in the platform.
const Scale int32 = 9

// Quantize truncates v to Scale fraction digits. Truncation never credits
// more than was computed, so sums of quantized parts stay bounded by the
// unquantized total.
func Quantize(v decimal.Decimal) decimal.Decimal {
	return v.RoundDown(Scale)
}

// Format renders v with exactly Scale fraction digits for storage.
func Format(v decimal.Decimal) string {
	return v.StringFixed(Scale)
}

// TxType is the business reason for a ledger transaction.
type TxType string

const (
	TxDeposit       TxType = "deposit"
	TxWithdraw      TxType = "withdraw"
	TxReward        TxType = "reward"
	TxReferralBonus TxType = "referral_bonus"
	TxCommission    TxType = "commission"
)

// TxStatus is the lifecycle state of a ledger transaction.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusFailed    TxStatus = "failed"
)

// Account is one participant in the custodial pool.
// Accounts are only ever mutated through the store's conditional update;
// Version is the optimistic-concurrency token that update checks.
type Account struct {
	ID               string          `json:"id" db:"id"`
	StakedAmount     decimal.Decimal `json:"staked_amount" db:"staked_amount"`
	RewardsBalance   decimal.Decimal `json:"rewards_balance" db:"rewards_balance"` // liquid credit, separate from principal
	TotalEarned      decimal.Decimal `json:"total_earned" db:"total_earned"`       // monotonically non-decreasing
	ReferredBy       string          `json:"referred_by,omitempty" db:"referred_by"`
	IsPremium        bool            `json:"is_premium" db:"is_premium"`
	PremiumRate      decimal.Decimal `json:"premium_rate" db:"premium_rate"` // zero → policy premium rate
	PremiumExpiresAt *time.Time      `json:"premium_expires_at,omitempty" db:"premium_expires_at"`
	LastRewardPeriod string          `json:"last_reward_period,omitempty" db:"last_reward_period"`
	Version          int64           `json:"version" db:"version"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an append-only audit record. Once completed it is never
// modified. Amount is always non-negative; the sign is implied by Type.
type Transaction struct {
	ID              string          `json:"id" db:"id"`
	AccountID       string          `json:"account_id" db:"account_id"`
	Type            TxType          `json:"type" db:"type"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Status          TxStatus        `json:"status" db:"status"`
	Period          string          `json:"period,omitempty" db:"period"`
	SourceAccountID string          `json:"source_account_id,omitempty" db:"source_account_id"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	Description     string          `json:"description" db:"description"`
}

// Referral records a single referral bonus event. The relationship itself
// lives on Account.ReferredBy.
type Referral struct {
	ID       string          `json:"id" db:"id"`
	Referrer string          `json:"referrer" db:"referrer"`
	Referred string          `json:"referred" db:"referred"`
	Basis    decimal.Decimal `json:"basis" db:"basis"` // referred account's net reward
	Bonus    decimal.Decimal `json:"bonus" db:"bonus"`
	Period   string          `json:"period" db:"period"`
	Date     time.Time       `json:"date" db:"date"`
}

// PoolState is the singleton pool aggregate. It is written once per
// distribution run as the run's durability checkpoint; InFlightPeriod marks
// a run that has claimed a period but not finalized it.
type PoolState struct {
	TotalStaked             decimal.Decimal  `json:"total_staked" db:"total_staked"`
	TotalRewardsDistributed decimal.Decimal  `json:"total_rewards_distributed" db:"total_rewards_distributed"`
	LastPeriod              string           `json:"last_period,omitempty" db:"last_period"`
	LastPayoutAt            *time.Time       `json:"last_payout_at,omitempty" db:"last_payout_at"`
	LastGrossYield          decimal.Decimal  `json:"last_gross_yield" db:"last_gross_yield"`
	LastCommission          decimal.Decimal  `json:"last_commission" db:"last_commission"`
	LastExternalYield       *decimal.Decimal `json:"last_external_yield,omitempty" db:"last_external_yield"`
	CommissionRate          decimal.Decimal  `json:"commission_rate" db:"commission_rate"`
	ReferralRate            decimal.Decimal  `json:"referral_rate" db:"referral_rate"`
	InFlightPeriod          string           `json:"in_flight_period,omitempty" db:"in_flight_period"`
	InFlightSince           *time.Time       `json:"in_flight_since,omitempty" db:"in_flight_since"`
	Version                 int64            `json:"version" db:"version"`
}

// EventType identifies a notification emitted by the engine.
type EventType string

const (
	EventReferralBonusCredited EventType = "referral_bonus_credited"
	EventMilestoneReached      EventType = "milestone_reached"
	EventDailyRewardCredited   EventType = "daily_reward_credited"
)

// Event is a notification handed to the notification sink. Delivery and
// retry are the sink's responsibility.
type Event struct {
	Type            EventType       `json:"type"`
	AccountID       string          `json:"account_id"`
	SourceAccountID string          `json:"source_account_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Milestone       int             `json:"milestone,omitempty"`
	Period          string          `json:"period,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// periodLayout is the distribution period format: one UTC calendar day.
const periodLayout = "2006-01-02"

// PeriodFor returns the distribution period containing t.
func PeriodFor(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// ParsePeriod validates a period string and returns the start of that day in UTC.
func ParsePeriod(period string) (time.Time, error) {
	t, err := time.Parse(periodLayout, period)
	if err != nil {
		return time.Time{}, fmt.Errorf("model: invalid period %q (expected YYYY-MM-DD)", period)
	}
	return t, nil
}
