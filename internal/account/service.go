// Package account provides the account ledger operations (creation,
// deposits, withdrawals, referrer assignment, premium activation) and their
// HTTP handlers.
//
// Every balance change is a version-conditioned write that carries its audit
// transaction, so a concurrent reward credit is never overwritten and no
// balance moves without its record.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/retry"
	"github.com/atmx/staking-engine/internal/store"
)

var (
	ErrSelfReferral       = errors.New("account: an account cannot refer itself")
	ErrReferralCycle      = store.ErrReferralCycle
	ErrReferrerAlreadySet = store.ErrReferrerSet
	ErrInsufficientFunds  = errors.New("account: insufficient funds")
	ErrInvalidAmount      = errors.New("account: amount must be positive")
	ErrInvalidDuration    = errors.New("account: premium duration must be positive")
	ErrInvalidSource      = errors.New("account: unknown withdrawal source")
)

// maxReferralDepth bounds the referrer chain walked by the cycle check.
const maxReferralDepth = 64

// Source selects which balance a withdrawal debits.
type Source string

const (
	SourceRewards Source = "rewards"
	SourceStake   Source = "stake"
)

// Service handles account operations.
type Service struct {
	store store.Store
	retry retry.Policy
	now   func() time.Time
	log   *slog.Logger
}

// NewService creates an account service. A nil logger uses slog.Default().
func NewService(st store.Store, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: st,
		retry: policy,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger,
	}
}

// SetClock replaces the service's time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetOrCreate returns the account with id, creating an empty one on first
// sight. created reports whether this call created it.
func (s *Service) GetOrCreate(ctx context.Context, id string) (acct *model.Account, created bool, err error) {
	acct, err = s.store.GetAccount(ctx, id)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := s.now()
	acct = &model.Account{ID: id, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a creation race; the winner's record is authoritative.
			acct, err = s.store.GetAccount(ctx, id)
			return acct, false, err
		}
		return nil, false, err
	}
	s.log.Info("account created", "id", id)
	return acct, true, nil
}

// update applies mutate to the current version of the account, retrying on
// version conflicts, and posts entry (if any) in the same write. Errors
// returned by mutate are not retried.
func (s *Service) update(ctx context.Context, op, id string, mutate store.AccountMutation, entry *model.Transaction) (*model.Account, error) {
	var posting store.Posting
	if entry != nil {
		posting.Append = []*model.Transaction{entry}
	}
	var updated *model.Account
	err := s.retry.Do(ctx, func(int) error {
		acct, err := s.store.GetAccount(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		var rejected error
		posted, err := s.store.PostAccount(ctx, id, acct.Version, func(a *model.Account) error {
			if err := mutate(a); err != nil {
				rejected = err
				return err
			}
			return nil
		}, posting)
		if rejected != nil {
			return retry.Permanent(rejected)
		}
		if errors.Is(err, store.ErrConflict) {
			metrics.WriteConflicts.WithLabelValues("account").Inc()
		}
		updated = posted.Account
		return err
	})
	s.observe(op, err)
	return updated, err
}

func (s *Service) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.LedgerOperations.WithLabelValues(op, result).Inc()
}

func (s *Service) entry(id string, typ model.TxType, amount decimal.Decimal, description string) *model.Transaction {
	return &model.Transaction{
		AccountID:   id,
		Type:        typ,
		Amount:      amount,
		Status:      model.StatusCompleted,
		Timestamp:   s.now(),
		Description: description,
	}
}

// Deposit adds amount to the account's staked principal.
func (s *Service) Deposit(ctx context.Context, id string, amount decimal.Decimal) (*model.Account, error) {
	amount = model.Quantize(amount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	acct, err := s.update(ctx, string(model.TxDeposit), id, func(a *model.Account) error {
		a.StakedAmount = a.StakedAmount.Add(amount)
		return nil
	}, s.entry(id, model.TxDeposit, amount, "stake deposit"))
	if err != nil {
		return nil, err
	}
	s.log.Info("deposit", "account", id, "amount", amount.String(), "staked", acct.StakedAmount.String())
	return acct, nil
}

// Withdraw debits amount from the chosen balance.
func (s *Service) Withdraw(ctx context.Context, id string, amount decimal.Decimal, from Source) (*model.Account, error) {
	amount = model.Quantize(amount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if from == "" {
		from = SourceRewards
	}
	if from != SourceRewards && from != SourceStake {
		return nil, fmt.Errorf("%w %q", ErrInvalidSource, from)
	}

	acct, err := s.update(ctx, string(model.TxWithdraw), id, func(a *model.Account) error {
		balance := &a.RewardsBalance
		if from == SourceStake {
			balance = &a.StakedAmount
		}
		if balance.LessThan(amount) {
			return fmt.Errorf("%w: %s balance %s, requested %s", ErrInsufficientFunds, from, balance.String(), amount)
		}
		*balance = balance.Sub(amount)
		return nil
	}, s.entry(id, model.TxWithdraw, amount, fmt.Sprintf("withdrawal from %s", from)))
	if err != nil {
		return nil, err
	}
	s.log.Info("withdrawal", "account", id, "amount", amount.String(), "source", from)
	return acct, nil
}

// SetReferrer assigns the account's referrer. The relationship can be set
// once, never to the account itself, and never so that the referrer chain
// loops back to the account. The store serializes assignments, so two
// concurrent assignments cannot close a loop between them.
func (s *Service) SetReferrer(ctx context.Context, id, referrer string) (*model.Account, error) {
	if referrer == id {
		return nil, ErrSelfReferral
	}
	acct, err := s.store.SetReferrer(ctx, id, referrer, maxReferralDepth)
	s.observe("set_referrer", err)
	if err != nil {
		return nil, err
	}
	s.log.Info("referrer set", "account", id, "referrer", referrer)
	return acct, nil
}

// ActivatePremium grants the premium tier for d. An active subscription is
// extended from its current expiry. A positive customRate overrides the
// policy premium rate for this account.
func (s *Service) ActivatePremium(ctx context.Context, id string, d time.Duration, customRate decimal.Decimal) (*model.Account, error) {
	if d <= 0 {
		return nil, ErrInvalidDuration
	}
	if customRate.IsNegative() {
		return nil, fmt.Errorf("account: premium rate %s is negative", customRate)
	}
	now := s.now()
	acct, err := s.update(ctx, "activate_premium", id, func(a *model.Account) error {
		start := now
		if a.IsPremium && a.PremiumExpiresAt != nil && a.PremiumExpiresAt.After(now) {
			start = *a.PremiumExpiresAt
		}
		expires := start.Add(d)
		a.IsPremium = true
		a.PremiumExpiresAt = &expires
		if customRate.IsPositive() {
			a.PremiumRate = customRate
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	s.log.Info("premium activated", "account", id, "expires_at", acct.PremiumExpiresAt)
	return acct, nil
}
