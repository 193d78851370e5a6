// Package referral pays the single-level referral bonus that follows an
// account's daily reward.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/allocation"
	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/notify"
	"github.com/atmx/staking-engine/internal/retry"
	"github.com/atmx/staking-engine/internal/store"
)

// ErrInvalidRate is returned when the referral rate is outside [0, 1].
var ErrInvalidRate = errors.New("referral: rate must be in [0, 1]")

// DefaultRate is the share of a referred account's net reward paid to its referrer.
var DefaultRate = decimal.RequireFromString("0.10")

// DefaultMilestones are the lifetime referral counts that trigger a notification.
var DefaultMilestones = []int{5, 10, 25, 50, 100}

// Config configures a Cascader.
type Config struct {
	Rate       decimal.Decimal
	Milestones []int
	Retry      retry.Policy
}

// Outcome reports what a cascade did for one rewarded account.
type Outcome struct {
	Referrer  string          `json:"referrer,omitempty"`
	Bonus     decimal.Decimal `json:"bonus"`
	Credited  bool            `json:"credited"`
	Milestone int             `json:"milestone,omitempty"`
}

// Cascader credits referrers. It never cascades further than one level and
// never takes commission from a bonus.
type Cascader struct {
	store      store.Store
	rate       decimal.Decimal
	milestones map[int]struct{}
	retry      retry.Policy
	notifier   notify.Notifier
	now        func() time.Time
	log        *slog.Logger
}

// NewCascader creates a cascader. A nil notifier discards events and a nil
// logger uses slog.Default().
func NewCascader(st store.Store, cfg Config, notifier notify.Notifier, logger *slog.Logger) (*Cascader, error) {
	if cfg.Rate.IsNegative() || cfg.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidRate
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ms := make(map[int]struct{}, len(cfg.Milestones))
	for _, m := range cfg.Milestones {
		if m > 0 {
			ms[m] = struct{}{}
		}
	}
	return &Cascader{
		store:      st,
		rate:       cfg.Rate,
		milestones: ms,
		retry:      cfg.Retry,
		notifier:   notifier,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logger,
	}, nil
}

// SetClock replaces the cascader's time source.
func (c *Cascader) SetClock(now func() time.Time) {
	c.now = now
}

// Rate returns the referral rate.
func (c *Cascader) Rate() decimal.Decimal {
	return c.rate
}

// Bonus returns net × rate truncated to model.Scale.
func (c *Cascader) Bonus(net decimal.Decimal) decimal.Decimal {
	return model.Quantize(net.Mul(c.rate))
}

// IsMilestone reports whether a lifetime referral count is a milestone.
func (c *Cascader) IsMilestone(count int) bool {
	_, ok := c.milestones[count]
	return ok
}

// Owed builds the pending referral_bonus transaction that reward earns its
// referrer, or nil when no bonus is due. It is meant to be posted in the
// same write that credits reward, so a bonus is owed exactly when the
// reward is paid.
func (c *Cascader) Owed(period string, reward allocation.AccountReward, at time.Time) (*model.Transaction, error) {
	referrer := reward.ReferredBy
	if referrer == "" {
		return nil, nil
	}
	if referrer == reward.AccountID {
		return nil, fmt.Errorf("%w: account %s refers itself", allocation.ErrDataIntegrity, reward.AccountID)
	}
	bonus := c.Bonus(reward.Net)
	if !bonus.IsPositive() {
		return nil, nil
	}
	return &model.Transaction{
		AccountID:       referrer,
		Type:            model.TxReferralBonus,
		Amount:          bonus,
		Status:          model.StatusPending,
		Period:          period,
		SourceAccountID: reward.AccountID,
		Timestamp:       at,
		Description:     fmt.Sprintf("referral bonus from %s for %s", reward.AccountID, period),
	}, nil
}

// Cascade credits the referrer of reward.AccountID with the bonus on
// reward.Net. It must only be called after the account's own reward has
// been written. A missing referrer is logged and skipped.
func (c *Cascader) Cascade(ctx context.Context, period string, reward allocation.AccountReward) (Outcome, error) {
	owed, err := c.Owed(period, reward, c.now())
	if err != nil || owed == nil {
		return Outcome{Referrer: reward.ReferredBy}, err
	}
	if _, err := c.store.AppendTransaction(ctx, owed); err != nil {
		return Outcome{Referrer: owed.AccountID}, fmt.Errorf("referral: record owed bonus for %s: %w", owed.AccountID, err)
	}
	return c.Pay(ctx, *owed, reward.Net)
}

// Pay credits the referrer of an owed bonus and settles it in the same
// write, together with the Referral record. basis is the referred
// account's net reward. A bonus settled earlier is not paid again.
//
// When the credit fails the owed transaction stays pending for Recover and
// a failed referral_bonus record documents the attempt.
func (c *Cascader) Pay(ctx context.Context, owed model.Transaction, basis decimal.Decimal) (Outcome, error) {
	referrer := owed.AccountID
	out := Outcome{Referrer: referrer, Bonus: owed.Amount}
	now := c.now()

	settled := owed
	settled.Status = model.StatusCompleted
	settled.Timestamp = now

	var posted store.Posted
	var missing bool
	err := c.retry.Do(ctx, func(attempt int) error {
		acct, err := c.store.GetAccount(ctx, referrer)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				missing = true
				return retry.Permanent(err)
			}
			return err
		}
		posted, err = c.store.PostAccount(ctx, referrer, acct.Version, func(a *model.Account) error {
			a.RewardsBalance = a.RewardsBalance.Add(owed.Amount)
			a.TotalEarned = a.TotalEarned.Add(owed.Amount)
			return nil
		}, store.Posting{
			Settle: &settled,
			Referral: &model.Referral{
				Referrer: referrer,
				Referred: owed.SourceAccountID,
				Basis:    basis,
				Bonus:    owed.Amount,
				Period:   owed.Period,
				Date:     now,
			},
		})
		switch {
		case errors.Is(err, store.ErrConflict):
			metrics.WriteConflicts.WithLabelValues("referrer").Inc()
		case errors.Is(err, store.ErrSettled), errors.Is(err, store.ErrNotFound):
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
	case missing:
		c.log.Warn("referrer not found, skipping bonus",
			"account", owed.SourceAccountID, "referrer", referrer, "period", owed.Period)
		if serr := c.store.SettleTransaction(ctx, owed.ID, model.StatusFailed, "referrer not found"); serr != nil {
			c.log.Error("owed bonus not closed", "transaction", owed.ID, "err", serr)
		}
		return Outcome{Referrer: referrer}, nil
	case errors.Is(err, store.ErrSettled):
		c.log.Info("referral bonus already settled", "transaction", owed.ID, "referrer", referrer)
		return Outcome{Referrer: referrer}, nil
	default:
		c.recordFailure(ctx, owed, err)
		return Outcome{Referrer: referrer}, fmt.Errorf("referral: credit %s: %w", referrer, err)
	}

	out.Credited = true
	metrics.ReferralBonuses.Inc()
	c.notifier.Notify(model.Event{
		Type:            model.EventReferralBonusCredited,
		AccountID:       referrer,
		SourceAccountID: owed.SourceAccountID,
		Amount:          owed.Amount,
		Period:          owed.Period,
		Timestamp:       now,
	})

	if c.IsMilestone(posted.ReferralCount) {
		out.Milestone = posted.ReferralCount
		c.notifier.Notify(model.Event{
			Type:      model.EventMilestoneReached,
			AccountID: referrer,
			Milestone: posted.ReferralCount,
			Period:    owed.Period,
			Timestamp: now,
		})
		c.log.Info("referral milestone reached", "referrer", referrer, "count", posted.ReferralCount)
	}
	return out, nil
}

func (c *Cascader) recordFailure(ctx context.Context, owed model.Transaction, cause error) {
	if _, err := c.store.AppendTransaction(context.WithoutCancel(ctx), &model.Transaction{
		AccountID:       owed.AccountID,
		Type:            model.TxReferralBonus,
		Amount:          owed.Amount,
		Status:          model.StatusFailed,
		Period:          owed.Period,
		SourceAccountID: owed.SourceAccountID,
		Timestamp:       c.now(),
		Description:     fmt.Sprintf("owed %s retried later: %v", owed.ID, cause),
	}); err != nil {
		c.log.Error("failed referral bonus not recorded", "referrer", owed.AccountID, "err", err)
	}
}

// Recovered summarizes a Recover pass.
type Recovered struct {
	Paid   int
	Failed int
	Bonus  decimal.Decimal
}

// Recover pays every owed bonus still pending, such as those left by a
// crash or by a referrer write that kept failing.
func (c *Cascader) Recover(ctx context.Context) (Recovered, error) {
	var rec Recovered
	owed, err := c.store.PendingTransactions(ctx, model.TxReferralBonus)
	if err != nil {
		return rec, fmt.Errorf("referral: list owed bonuses: %w", err)
	}
	for _, tx := range owed {
		if err := ctx.Err(); err != nil {
			return rec, err
		}
		out, err := c.Pay(ctx, tx, c.basisOf(ctx, tx))
		switch {
		case err != nil:
			rec.Failed++
		case out.Credited:
			rec.Paid++
			rec.Bonus = rec.Bonus.Add(out.Bonus)
		}
	}
	if len(owed) > 0 {
		c.log.Info("owed referral bonuses recovered",
			"owed", len(owed), "paid", rec.Paid, "failed", rec.Failed, "bonus", rec.Bonus.String())
	}
	return rec, nil
}

// basisOf finds the completed reward the owed bonus was computed from.
func (c *Cascader) basisOf(ctx context.Context, owed model.Transaction) decimal.Decimal {
	txs, err := c.store.TransactionsByAccount(ctx, owed.SourceAccountID)
	if err != nil {
		return decimal.Zero
	}
	for _, tx := range txs {
		if tx.Type == model.TxReward && tx.Status == model.StatusCompleted && tx.Period == owed.Period {
			return tx.Amount
		}
	}
	return decimal.Zero
}
