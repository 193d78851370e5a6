// Package distribution runs the once-per-period reward distribution: it
// claims the period on the pool, snapshots the staking accounts, allocates
// rewards, applies them with bounded parallelism, and checkpoints the pool.
//
// The pool state is the run's durability checkpoint. Account writes are
// version-conditioned and marked with the period they paid, so a run that
// crashed or was cancelled can be resumed without paying anyone twice.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/staking-engine/internal/allocation"
	"github.com/atmx/staking-engine/internal/commission"
	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/notify"
	"github.com/atmx/staking-engine/internal/rate"
	"github.com/atmx/staking-engine/internal/referral"
	"github.com/atmx/staking-engine/internal/retry"
	"github.com/atmx/staking-engine/internal/store"
	"github.com/atmx/staking-engine/internal/yield"
)

var (
	// ErrAlreadyDistributed is returned when the period was already
	// finalized, or is claimed by a run that is still live. Nothing is written.
	ErrAlreadyDistributed = errors.New("distribution: period already distributed")

	// ErrRunInProgress is returned when another period holds a live claim.
	ErrRunInProgress = errors.New("distribution: another run is in progress")

	// ErrRunCancelled is returned with a partial summary when the run was
	// cancelled before every account was applied.
	ErrRunCancelled = errors.New("distribution: run cancelled")

	// ErrClaimLost is returned when the period was finalized by another run
	// while this one was applying.
	ErrClaimLost = errors.New("distribution: claim lost to another run")

	errAlreadyCredited = errors.New("distribution: account already credited for period")
)

// State is the orchestrator's position in a run.
type State string

const (
	StateIdle             State = "idle"
	StateFetchingAccounts State = "fetching_accounts"
	StateAllocating       State = "allocating"
	StateApplying         State = "applying"
	StateFinalizing       State = "finalizing"
	StateFailed           State = "failed"
)

// Outcome classifies a finished run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeNoop      Outcome = "noop"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Summary is the externally visible result of a run.
type Summary struct {
	RunID                  string           `json:"run_id"`
	Period                 string           `json:"period"`
	Outcome                Outcome          `json:"outcome"`
	AccountsProcessed      int              `json:"accounts_processed"`
	AccountsFailed         int              `json:"accounts_failed"`
	AccountsSkipped        int              `json:"accounts_skipped"`
	TotalStaked            decimal.Decimal  `json:"total_staked"`
	TotalGross             decimal.Decimal  `json:"total_gross"`
	TotalNetDistributed    decimal.Decimal  `json:"total_net_distributed"`
	TotalCommission        decimal.Decimal  `json:"total_commission"`
	TotalReferralBonus     decimal.Decimal  `json:"total_referral_bonus"`
	ReferralsFailed        int              `json:"referrals_failed"`
	// Bonuses owed by earlier runs and paid by this one.
	ReferralsRecovered     int              `json:"referrals_recovered"`
	RecoveredReferralBonus decimal.Decimal  `json:"recovered_referral_bonus"`
	ExternalYield          *decimal.Decimal `json:"external_yield,omitempty"`
	StartedAt              time.Time        `json:"started_at"`
	FinishedAt             time.Time        `json:"finished_at"`
}

// Config tunes the orchestrator.
type Config struct {
	// Workers bounds how many accounts are applied concurrently.
	Workers int
	// Retry governs conditional writes to accounts and the pool.
	Retry retry.Policy
	// StaleClaimAfter is how old an unfinished claim must be before another
	// run may take it over.
	StaleClaimAfter time.Duration
	// PlatformAccountID receives the per-run commission transaction.
	PlatformAccountID string
	// YieldTimeout bounds the external yield cross-check.
	YieldTimeout time.Duration
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           8,
		Retry:             retry.DefaultPolicy(),
		StaleClaimAfter:   time.Hour,
		PlatformAccountID: "platform",
		YieldTimeout:      5 * time.Second,
	}
}

// Orchestrator runs distributions. Only one run per process is expected at
// a time; concurrent runs across processes are serialized by the pool claim.
type Orchestrator struct {
	store    store.Store
	alloc    *allocation.Allocator
	cascader *referral.Cascader // nil disables referral bonuses
	yield    yield.Source       // nil skips the cross-check
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
	log      *slog.Logger

	mu    sync.RWMutex
	state State
	last  *Summary
}

// New creates an orchestrator. cascader, source and notifier may be nil.
func New(st store.Store, alloc *allocation.Allocator, cascader *referral.Cascader, source yield.Source, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = def.Retry
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = def.StaleClaimAfter
	}
	if cfg.YieldTimeout <= 0 {
		cfg.YieldTimeout = def.YieldTimeout
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		alloc:    alloc,
		cascader: cascader,
		yield:    source,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger,
		state:    StateIdle,
	}
}

// SetClock replaces the orchestrator's time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// State returns the current run state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastSummary returns the summary of the most recent run, if any.
func (o *Orchestrator) LastSummary() (Summary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Summary{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// accountResult is the outcome of applying one account.
type accountResult struct {
	split          commission.Split
	bonus          decimal.Decimal
	applied        bool
	skipped        bool
	referralFailed bool
	err            error
}

// tally accumulates per-account results from concurrent workers.
type tally struct {
	mu      sync.Mutex
	totals  commission.Totals
	bonus   decimal.Decimal
	applied int
	failed  int
	skipped int
	refFail int
}

func (t *tally) add(r accountResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case r.err != nil:
		t.failed++
	case r.skipped:
		t.skipped++
	case r.applied:
		t.applied++
		t.totals.Add(r.split)
		t.bonus = t.bonus.Add(r.bonus)
	}
	if r.referralFailed {
		t.refFail++
	}
}

// RunDistribution distributes rewards for period ("YYYY-MM-DD").
//
// Run-level failures (already distributed, unreadable account set) return
// before any account is written. Per-account failures are recorded as
// failed transactions and counted in the summary. On cancellation the
// claim is released and ErrRunCancelled is returned with the partial
// summary; a later run for the same period resumes where it stopped.
func (o *Orchestrator) RunDistribution(ctx context.Context, period string) (Summary, error) {
	if _, err := model.ParsePeriod(period); err != nil {
		return Summary{}, err
	}

	timer := prometheus.NewTimer(metrics.DistributionDuration)
	defer timer.ObserveDuration()

	at := o.now()
	sum := Summary{RunID: uuid.New().String(), Period: period, StartedAt: at}
	log := o.log.With("period", period, "run_id", sum.RunID)

	sum, err := o.run(ctx, period, at, sum, log)
	sum.FinishedAt = o.now()

	outcome := string(sum.Outcome)
	switch {
	case errors.Is(err, ErrAlreadyDistributed):
		outcome = "already_distributed"
	case errors.Is(err, ErrRunInProgress):
		outcome = "in_progress"
	case err != nil && sum.Outcome == "":
		sum.Outcome = OutcomeFailed
		outcome = string(OutcomeFailed)
	}
	metrics.DistributionRuns.WithLabelValues(outcome).Inc()

	if sum.Outcome == OutcomeFailed {
		o.setState(StateFailed)
	} else {
		o.setState(StateIdle)
	}
	o.mu.Lock()
	o.last = &sum
	o.mu.Unlock()

	log.Info("distribution finished",
		"outcome", outcome,
		"processed", sum.AccountsProcessed,
		"failed", sum.AccountsFailed,
		"skipped", sum.AccountsSkipped,
		"gross", sum.TotalGross.String(),
		"net", sum.TotalNetDistributed.String(),
		"commission", sum.TotalCommission.String(),
		"referral_bonus", sum.TotalReferralBonus.String(),
		"referrals_recovered", sum.ReferralsRecovered,
		"duration", sum.FinishedAt.Sub(sum.StartedAt).String(),
	)
	return sum, err
}

func (o *Orchestrator) run(ctx context.Context, period string, at time.Time, sum Summary, log *slog.Logger) (Summary, error) {
	if _, err := o.claim(ctx, period, log); err != nil {
		return sum, err
	}

	if o.cascader != nil {
		rec, err := o.cascader.Recover(ctx)
		if err != nil {
			log.Warn("owed referral bonuses not recovered", "err", err)
		}
		sum.ReferralsRecovered = rec.Paid
		sum.RecoveredReferralBonus = rec.Bonus
	}

	// --- FetchingAccounts ---
	o.setState(StateFetchingAccounts)
	var accounts []model.Account
	err := o.store.StakingAccounts(ctx, func(a model.Account) error {
		accounts = append(accounts, a)
		return nil
	})
	if err != nil {
		o.release(ctx, period, sum.RecoveredReferralBonus, log)
		return sum, fmt.Errorf("distribution: read staking accounts: %w", err)
	}

	sum.ExternalYield = o.fetchYield(ctx, period, log)

	// --- Allocating ---
	o.setState(StateAllocating)
	pending := accounts[:0:0]
	resumed := 0
	for _, a := range accounts {
		sum.TotalStaked = sum.TotalStaked.Add(a.StakedAmount)
		if credited(a, period) {
			resumed++
			continue
		}
		pending = append(pending, a)
	}
	if resumed > 0 {
		log.Info("resuming period, accounts already credited are skipped", "accounts", resumed)
	}
	plan := o.alloc.Plan(pending, at)
	sum.AccountsSkipped = resumed + len(plan.Skipped)

	for _, rej := range plan.Rejected {
		o.recordFailure(ctx, period, rej.AccountID, decimal.Zero, rej.Err, log)
		sum.AccountsFailed++
	}

	// Expired premiums whose reward rounds to zero are still downgraded.
	for _, r := range plan.Downgrades {
		o.downgrade(ctx, r.AccountID, at, log)
	}

	if plan.Empty() && resumed == 0 {
		log.Info("nothing to distribute", "accounts", len(accounts), "total_staked", sum.TotalStaked.String())
		o.release(ctx, period, sum.RecoveredReferralBonus, log)
		sum.Outcome = OutcomeNoop
		return sum, nil
	}
	if sum.ExternalYield != nil {
		log.Info("external yield cross-check",
			"external", sum.ExternalYield.String(), "accrued_gross", plan.Totals.Gross.String())
	}

	// --- Applying ---
	o.setState(StateApplying)
	var t tally
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, reward := range plan.Rewards {
		reward := reward
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Cooperative cancellation point: never start a new account
			// once the run is cancelled.
			if ctx.Err() != nil {
				return nil
			}
			t.add(o.applyAccount(ctx, period, at, reward, log))
			return nil
		})
	}
	_ = g.Wait()

	sum.AccountsProcessed = t.applied
	sum.AccountsFailed += t.failed
	sum.AccountsSkipped += t.skipped
	sum.ReferralsFailed = t.refFail
	sum.TotalGross = t.totals.Gross
	sum.TotalCommission = t.totals.Commission
	sum.TotalNetDistributed = t.totals.Net
	sum.TotalReferralBonus = t.bonus
	metrics.AccountsProcessed.Add(float64(t.applied))

	if err := ctx.Err(); err != nil {
		log.Warn("distribution cancelled, partial distribution kept",
			"processed", t.applied, "planned", len(plan.Rewards))
		o.release(ctx, period, sum.RecoveredReferralBonus, log)
		sum.Outcome = OutcomeCancelled
		return sum, fmt.Errorf("%w: %v", ErrRunCancelled, err)
	}

	// --- Finalizing ---
	o.setState(StateFinalizing)
	if err := o.finalize(context.WithoutCancel(ctx), period, &sum, log); err != nil {
		return sum, err
	}
	sum.Outcome = OutcomeCompleted
	return sum, nil
}

// credited reports whether a has already been paid for period or a later one.
func credited(a model.Account, period string) bool {
	return a.LastRewardPeriod != "" && a.LastRewardPeriod >= period
}

// claim marks period as in flight on the pool state.
func (o *Orchestrator) claim(ctx context.Context, period string, log *slog.Logger) (*model.PoolState, error) {
	var claimed *model.PoolState
	err := o.cfg.Retry.Do(ctx, func(int) error {
		pool, err := o.store.GetPoolState(ctx)
		if err != nil {
			return err
		}
		if pool.LastPeriod != "" && period <= pool.LastPeriod {
			return retry.Permanent(fmt.Errorf("%w: %s (last finalized %s)", ErrAlreadyDistributed, period, pool.LastPeriod))
		}

		now := o.now()
		if pool.InFlightPeriod != "" {
			if !o.claimStale(pool, now) {
				if pool.InFlightPeriod == period {
					return retry.Permanent(fmt.Errorf("%w: %s is in flight", ErrAlreadyDistributed, period))
				}
				return retry.Permanent(fmt.Errorf("%w: %s is in flight", ErrRunInProgress, pool.InFlightPeriod))
			}
			log.Warn("taking over stale claim",
				"claimed_period", pool.InFlightPeriod, "claimed_at", pool.InFlightSince)
		}

		claimed, err = o.store.UpdatePoolState(ctx, pool.Version, func(p *model.PoolState) error {
			p.InFlightPeriod = period
			p.InFlightSince = &now
			return nil
		})
		if errors.Is(err, store.ErrConflict) {
			metrics.WriteConflicts.WithLabelValues("pool").Inc()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("period claimed", "pool_version", claimed.Version)
	return claimed, nil
}

func (o *Orchestrator) claimStale(pool *model.PoolState, now time.Time) bool {
	if pool.InFlightSince == nil {
		return true
	}
	return now.Sub(*pool.InFlightSince) >= o.cfg.StaleClaimAfter
}

// release clears this run's claim and adds bonuses recovered by the run to
// the pool total. It runs detached from ctx so a cancelled run still gives
// the period back.
func (o *Orchestrator) release(ctx context.Context, period string, recovered decimal.Decimal, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := o.cfg.Retry.Do(ctx, func(int) error {
		pool, err := o.store.GetPoolState(ctx)
		if err != nil {
			return err
		}
		if pool.InFlightPeriod != period {
			return nil
		}
		_, err = o.store.UpdatePoolState(ctx, pool.Version, func(p *model.PoolState) error {
			p.TotalRewardsDistributed = p.TotalRewardsDistributed.Add(recovered)
			p.InFlightPeriod = ""
			p.InFlightSince = nil
			return nil
		})
		return err
	})
	if err != nil {
		log.Error("failed to release claim, it will go stale", "err", err)
	}
}

// fetchYield reads the external gross yield for the cross-check. Failures
// are informational.
func (o *Orchestrator) fetchYield(ctx context.Context, period string, log *slog.Logger) *decimal.Decimal {
	if o.yield == nil {
		return nil
	}
	yctx, cancel := context.WithTimeout(ctx, o.cfg.YieldTimeout)
	defer cancel()

	v, err := o.yield.FetchGrossYield(yctx, period)
	if err != nil {
		metrics.YieldFetchFailures.Inc()
		log.Info("external yield cross-check miss", "err", err)
		return nil
	}
	return &v
}

// applyAccount credits one account. The first attempt writes against the
// snapshot version; retries re-read the account and re-plan its reward.
// The credit, its reward transaction and the bonus it owes the referrer
// are posted in one write.
func (o *Orchestrator) applyAccount(ctx context.Context, period string, at time.Time, planned allocation.AccountReward, log *slog.Logger) accountResult {
	reward := planned
	var skipped, downgrade bool
	var owed *model.Transaction

	err := o.cfg.Retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			acct, err := o.store.GetAccount(ctx, planned.AccountID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return retry.Permanent(err)
				}
				return err
			}
			if credited(*acct, period) {
				skipped = true
				return nil
			}
			next, err := o.alloc.Allocate(*acct, at)
			if errors.Is(err, commission.ErrNothingToSplit) {
				skipped, downgrade = true, next.Downgrade
				return nil
			}
			if err != nil {
				return retry.Permanent(err)
			}
			reward = next
		}

		now := o.now()
		var err error
		if owed, err = o.owed(period, reward, now); err != nil {
			return retry.Permanent(err)
		}
		posting := store.Posting{Append: []*model.Transaction{{
			AccountID: reward.AccountID,
			Type:      model.TxReward,
			Amount:    reward.Net,
			Status:    model.StatusCompleted,
			Period:    period,
			Timestamp: now,
			Description: fmt.Sprintf("daily reward %s: gross %s, commission %s, rate %s",
				period, model.Format(reward.Gross), model.Format(reward.Commission), reward.Rate),
		}}}
		if owed != nil {
			posting.Append = append(posting.Append, owed)
		}

		_, err = o.store.PostAccount(ctx, reward.AccountID, reward.Version, func(a *model.Account) error {
			if credited(*a, period) {
				return errAlreadyCredited
			}
			if reward.Downgrade {
				rate.Resolution{Downgrade: true}.Apply(a)
			}
			a.RewardsBalance = a.RewardsBalance.Add(reward.Net)
			a.TotalEarned = a.TotalEarned.Add(reward.Net)
			a.LastRewardPeriod = period
			return nil
		}, posting)
		switch {
		case errors.Is(err, errAlreadyCredited):
			skipped = true
			return nil
		case errors.Is(err, store.ErrConflict):
			metrics.WriteConflicts.WithLabelValues("account").Inc()
		}
		return err
	})
	if err != nil {
		o.recordFailure(ctx, period, planned.AccountID, planned.Net, err, log)
		return accountResult{err: err}
	}
	if skipped {
		if downgrade {
			o.downgrade(ctx, planned.AccountID, at, log)
		}
		return accountResult{skipped: true}
	}

	// The credit is durable; finish the referral even if the run is
	// cancelled meanwhile.
	ctx = context.WithoutCancel(ctx)
	res := accountResult{split: reward.Split, applied: true}
	if reward.Downgrade {
		log.Info("premium expired, account downgraded", "account", reward.AccountID)
	}

	o.notifier.Notify(model.Event{
		Type:      model.EventDailyRewardCredited,
		AccountID: reward.AccountID,
		Amount:    reward.Net,
		Period:    period,
		Timestamp: o.now(),
	})

	if owed != nil {
		out, err := o.cascader.Pay(ctx, *owed, reward.Net)
		if out.Credited {
			res.bonus = out.Bonus
		}
		if err != nil {
			res.referralFailed = true
			log.Warn("referral bonus failed, left owed for the next run",
				"account", reward.AccountID, "referrer", reward.ReferredBy, "err", err)
		}
	}
	return res
}

// owed returns the referral bonus reward owes, if referrals are enabled.
func (o *Orchestrator) owed(period string, reward allocation.AccountReward, at time.Time) (*model.Transaction, error) {
	if o.cascader == nil {
		return nil, nil
	}
	return o.cascader.Owed(period, reward, at)
}

// downgrade clears an expired premium on an account that earned nothing
// this period. Failures are logged; the next run retries.
func (o *Orchestrator) downgrade(ctx context.Context, id string, at time.Time, log *slog.Logger) {
	err := o.cfg.Retry.Do(ctx, func(int) error {
		acct, err := o.store.GetAccount(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		res := o.alloc.Rates().Resolve(*acct, at)
		if !res.Downgrade {
			return nil
		}
		_, err = o.store.UpdateAccountConditional(ctx, id, acct.Version, func(a *model.Account) error {
			res.Apply(a)
			return nil
		})
		if errors.Is(err, store.ErrConflict) {
			metrics.WriteConflicts.WithLabelValues("account").Inc()
		}
		return err
	})
	if err != nil {
		log.Warn("expired premium not downgraded", "account", id, "err", err)
		return
	}
	log.Info("premium expired, account downgraded", "account", id)
}

// recordFailure writes a failed reward transaction for an account that
// could not be credited.
func (o *Orchestrator) recordFailure(ctx context.Context, period, accountID string, amount decimal.Decimal, cause error, log *slog.Logger) {
	metrics.AccountsFailed.WithLabelValues(failureReason(cause)).Inc()
	log.Warn("account reward failed", "account", accountID, "err", cause)

	_, err := o.store.AppendTransaction(context.WithoutCancel(ctx), &model.Transaction{
		AccountID:   accountID,
		Type:        model.TxReward,
		Amount:      amount,
		Status:      model.StatusFailed,
		Period:      period,
		Timestamp:   o.now(),
		Description: cause.Error(),
	})
	if err != nil {
		log.Error("failed to record failed transaction", "account", accountID, "err", err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, allocation.ErrDataIntegrity):
		return "data_integrity"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "persistence"
	}
}

// finalize records the run's commission and writes the pool checkpoint,
// clearing the claim.
func (o *Orchestrator) finalize(ctx context.Context, period string, sum *Summary, log *slog.Logger) error {
	finished := o.now()

	if sum.TotalCommission.IsPositive() && o.cfg.PlatformAccountID != "" {
		if _, err := o.store.AppendTransaction(ctx, &model.Transaction{
			AccountID:   o.cfg.PlatformAccountID,
			Type:        model.TxCommission,
			Amount:      sum.TotalCommission,
			Status:      model.StatusCompleted,
			Period:      period,
			Timestamp:   finished,
			Description: fmt.Sprintf("commission for %s at rate %s", period, o.alloc.CommissionRate()),
		}); err != nil {
			log.Error("commission transaction not recorded",
				"amount", sum.TotalCommission.String(), "err", err)
		}
	}

	referralRate := decimal.Zero
	if o.cascader != nil {
		referralRate = o.cascader.Rate()
	}
	distributed := sum.TotalNetDistributed.Add(sum.TotalReferralBonus).Add(sum.RecoveredReferralBonus)

	err := o.cfg.Retry.Do(ctx, func(int) error {
		pool, err := o.store.GetPoolState(ctx)
		if err != nil {
			return err
		}
		if pool.LastPeriod != "" && period <= pool.LastPeriod {
			return retry.Permanent(fmt.Errorf("%w: %s finalized as %s", ErrClaimLost, period, pool.LastPeriod))
		}
		_, err = o.store.UpdatePoolState(ctx, pool.Version, func(p *model.PoolState) error {
			p.LastPeriod = period
			p.LastPayoutAt = &finished
			p.LastGrossYield = sum.TotalGross
			p.LastCommission = sum.TotalCommission
			p.LastExternalYield = sum.ExternalYield
			p.TotalStaked = sum.TotalStaked
			p.TotalRewardsDistributed = p.TotalRewardsDistributed.Add(distributed)
			p.CommissionRate = o.alloc.CommissionRate()
			p.ReferralRate = referralRate
			// A stale takeover by another period keeps its claim.
			if p.InFlightPeriod == period {
				p.InFlightPeriod = ""
				p.InFlightSince = nil
			}
			return nil
		})
		if errors.Is(err, store.ErrConflict) {
			metrics.WriteConflicts.WithLabelValues("pool").Inc()
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("distribution: checkpoint pool state: %w", err)
	}

	net, _ := sum.TotalNetDistributed.Float64()
	fee, _ := sum.TotalCommission.Float64()
	metrics.LastNetDistributed.Set(net)
	metrics.LastCommission.Set(fee)
	return nil
}
