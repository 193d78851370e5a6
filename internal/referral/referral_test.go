package referral_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/allocation"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/notify"
	"github.com/atmx/staking-engine/internal/referral"
	"github.com/atmx/staking-engine/internal/retry"
	"github.com/atmx/staking-engine/internal/store"
)

const period = "2026-03-01"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, st store.Store, id, referredBy string) {
	t.Helper()
	a := &model.Account{ID: id, StakedAmount: d("100"), ReferredBy: referredBy}
	if err := st.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func newCascader(t *testing.T, st store.Store, rec *notify.Recorder) *referral.Cascader {
	t.Helper()
	return newCascaderWithRetry(t, st, rec, retry.Policy{MaxAttempts: 3})
}

func newCascaderWithRetry(t *testing.T, st store.Store, rec *notify.Recorder, policy retry.Policy) *referral.Cascader {
	t.Helper()
	c, err := referral.NewCascader(st, referral.Config{
		Rate:       d("0.10"),
		Milestones: referral.DefaultMilestones,
		Retry:      policy,
	}, rec, nil)
	if err != nil {
		t.Fatalf("new cascader: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return fixed })
	return c
}

func rewardFor(account, referrer, net string) allocation.AccountReward {
	r := allocation.AccountReward{AccountID: account, ReferredBy: referrer}
	r.Net = d(net)
	return r
}

func TestCascade_CreditsExactBonus(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "bob", "")
	seed(t, ms, "alice", "bob")
	rec := &notify.Recorder{}
	c := newCascader(t, ms, rec)
	ctx := context.Background()

	out, err := c.Cascade(ctx, period, rewardFor("alice", "bob", "10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Credited || !out.Bonus.Equal(d("1")) {
		t.Fatalf("expected credited bonus of 1.0, got %+v", out)
	}

	bob, _ := ms.GetAccount(ctx, "bob")
	if !bob.RewardsBalance.Equal(d("1")) || !bob.TotalEarned.Equal(d("1")) {
		t.Errorf("expected bob rewards=1 earned=1, got %s / %s", bob.RewardsBalance, bob.TotalEarned)
	}
	if !bob.StakedAmount.Equal(d("100")) {
		t.Errorf("bonus must not touch principal, got stake %s", bob.StakedAmount)
	}

	refs, _ := ms.ReferralsByReferrer(ctx, "bob")
	if len(refs) != 1 {
		t.Fatalf("expected exactly one referral record, got %d", len(refs))
	}
	if refs[0].Referred != "alice" || !refs[0].Basis.Equal(d("10")) || refs[0].Period != period {
		t.Errorf("unexpected referral record %+v", refs[0])
	}

	txs, _ := ms.TransactionsByAccount(ctx, "bob")
	if len(txs) != 1 {
		t.Fatalf("expected exactly one transaction for bob, got %d", len(txs))
	}
	tx := txs[0]
	if tx.Type != model.TxReferralBonus || tx.Status != model.StatusCompleted || tx.SourceAccountID != "alice" {
		t.Errorf("unexpected bonus transaction %+v", tx)
	}

	if evs := rec.OfType(model.EventReferralBonusCredited); len(evs) != 1 || evs[0].SourceAccountID != "alice" {
		t.Errorf("expected one referral_bonus_credited event from alice, got %+v", evs)
	}
}

func TestCascade_NoReferrer(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "alice", "")
	rec := &notify.Recorder{}
	c := newCascader(t, ms, rec)

	out, err := c.Cascade(context.Background(), period, rewardFor("alice", "", "10"))
	if err != nil || out.Credited {
		t.Errorf("expected no-op, got %+v err=%v", out, err)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("expected no events, got %d", len(rec.Events()))
	}
}

func TestCascade_SelfReferralIsDataIntegrity(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "alice", "")
	c := newCascader(t, ms, &notify.Recorder{})

	_, err := c.Cascade(context.Background(), period, rewardFor("alice", "alice", "10"))
	if !errors.Is(err, allocation.ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity, got %v", err)
	}
}

func TestCascade_MissingReferrerSkipped(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "alice", "ghost")
	rec := &notify.Recorder{}
	c := newCascader(t, ms, rec)
	ctx := context.Background()

	out, err := c.Cascade(ctx, period, rewardFor("alice", "ghost", "10"))
	if err != nil {
		t.Fatalf("missing referrer must not fail, got %v", err)
	}
	if out.Credited {
		t.Error("expected no credit for a missing referrer")
	}
	if refs, _ := ms.ReferralsByReferrer(ctx, "ghost"); len(refs) != 0 {
		t.Errorf("expected no referral records, got %d", len(refs))
	}
	if len(rec.Events()) != 0 {
		t.Errorf("expected no events, got %d", len(rec.Events()))
	}
}

func TestCascade_SingleLevelOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "carol", "")
	seed(t, ms, "bob", "carol")
	seed(t, ms, "alice", "bob")
	c := newCascader(t, ms, &notify.Recorder{})
	ctx := context.Background()

	if _, err := c.Cascade(ctx, period, rewardFor("alice", "bob", "10")); err != nil {
		t.Fatal(err)
	}
	carol, _ := ms.GetAccount(ctx, "carol")
	if !carol.RewardsBalance.IsZero() {
		t.Errorf("bonus must not cascade to carol, got %s", carol.RewardsBalance)
	}
}

func TestCascade_BonusTruncates(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "bob", "")
	c := newCascader(t, ms, &notify.Recorder{})

	out, err := c.Cascade(context.Background(), period, rewardFor("alice", "bob", "0.253150685"))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Bonus.Equal(d("0.025315068")) {
		t.Errorf("expected truncated bonus 0.025315068, got %s", out.Bonus)
	}
}

func TestCascade_MilestoneOnExactCount(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "bob", "")
	rec := &notify.Recorder{}
	c := newCascader(t, ms, rec)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := ms.AppendReferral(ctx, &model.Referral{Referrer: "bob", Referred: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := c.Cascade(ctx, period, rewardFor("alice", "bob", "10"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Milestone != 5 {
		t.Errorf("expected milestone 5, got %d", out.Milestone)
	}
	evs := rec.OfType(model.EventMilestoneReached)
	if len(evs) != 1 || evs[0].Milestone != 5 || evs[0].AccountID != "bob" {
		t.Fatalf("expected one milestone event for bob at 5, got %+v", evs)
	}

	out, err = c.Cascade(ctx, period, rewardFor("dave", "bob", "10"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Milestone != 0 || len(rec.OfType(model.EventMilestoneReached)) != 1 {
		t.Error("count 6 must not emit a milestone")
	}
}

func TestCascade_ConcurrentReferralsReachMilestoneOnce(t *testing.T) {
	referees := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	for round := 0; round < 20; round++ {
		ms := store.NewMemoryStore()
		seed(t, ms, "bob", "")
		rec := &notify.Recorder{}
		// Every loss to a competing credit means another referee landed, so
		// len(referees) attempts always suffice.
		c := newCascaderWithRetry(t, ms, rec, retry.Policy{MaxAttempts: len(referees)})
		ctx := context.Background()

		var start, done sync.WaitGroup
		start.Add(1)
		errs := make(chan error, len(referees))
		for _, id := range referees {
			done.Add(1)
			go func(id string) {
				defer done.Done()
				start.Wait()
				_, err := c.Cascade(ctx, period, rewardFor(id, "bob", "10"))
				errs <- err
			}(id)
		}
		start.Done()
		done.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
		}

		evs := rec.OfType(model.EventMilestoneReached)
		if len(evs) != 1 || evs[0].Milestone != 5 {
			t.Fatalf("round %d: expected exactly one milestone event at 5, got %+v", round, evs)
		}
		bob, _ := ms.GetAccount(ctx, "bob")
		if !bob.RewardsBalance.Equal(d("6")) {
			t.Fatalf("round %d: expected six bonuses credited, got %s", round, bob.RewardsBalance)
		}
	}
}

func TestPay_SettledBonusNotPaidTwice(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "bob", "")
	c := newCascader(t, ms, &notify.Recorder{})
	ctx := context.Background()

	owed, err := c.Owed(period, rewardFor("alice", "bob", "10"), time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC))
	if err != nil || owed == nil {
		t.Fatalf("expected an owed bonus, got %+v err=%v", owed, err)
	}
	if owed.Status != model.StatusPending || owed.AccountID != "bob" || !owed.Amount.Equal(d("1")) {
		t.Fatalf("unexpected owed bonus %+v", owed)
	}
	if _, err := ms.AppendTransaction(ctx, owed); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.Pay(ctx, *owed, d("10")); err != nil {
			t.Fatalf("pay %d: %v", i, err)
		}
	}
	bob, _ := ms.GetAccount(ctx, "bob")
	if !bob.RewardsBalance.Equal(d("1")) {
		t.Errorf("expected one bonus paid, got %s", bob.RewardsBalance)
	}
	if refs, _ := ms.ReferralsByReferrer(ctx, "bob"); len(refs) != 1 {
		t.Errorf("expected one referral record, got %d", len(refs))
	}
}

// conflictingStore fails the first n account writes with ErrConflict.
type conflictingStore struct {
	*store.MemoryStore
	remaining int
}

func (s *conflictingStore) PostAccount(ctx context.Context, id string, v int64, m store.AccountMutation, p store.Posting) (store.Posted, error) {
	if s.remaining > 0 {
		s.remaining--
		return store.Posted{}, store.ErrConflict
	}
	return s.MemoryStore.PostAccount(ctx, id, v, m, p)
}

func TestCascade_RetriesConflicts(t *testing.T) {
	cs := &conflictingStore{MemoryStore: store.NewMemoryStore(), remaining: 2}
	seed(t, cs, "bob", "")
	c := newCascader(t, cs, &notify.Recorder{})

	out, err := c.Cascade(context.Background(), period, rewardFor("alice", "bob", "10"))
	if err != nil || !out.Credited {
		t.Fatalf("expected credit after retries, got %+v err=%v", out, err)
	}
}

func TestCascade_ConflictsExhausted(t *testing.T) {
	cs := &conflictingStore{MemoryStore: store.NewMemoryStore(), remaining: 10}
	seed(t, cs, "bob", "")
	c := newCascader(t, cs, &notify.Recorder{})

	out, err := c.Cascade(context.Background(), period, rewardFor("alice", "bob", "10"))
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict after bounded attempts, got %v", err)
	}
	if out.Credited {
		t.Error("expected no credit")
	}
	ctx := context.Background()
	txs, _ := cs.TransactionsByAccount(ctx, "bob")
	var pending, failed int
	for _, tx := range txs {
		switch tx.Status {
		case model.StatusPending:
			pending++
		case model.StatusFailed:
			failed++
		}
	}
	if pending != 1 || failed != 1 {
		t.Fatalf("expected the bonus left owed with a failed record, got pending=%d failed=%d", pending, failed)
	}

	cs.remaining = 0
	rec, err := c.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Paid != 1 || !rec.Bonus.Equal(d("1")) {
		t.Errorf("expected the owed bonus recovered, got %+v", rec)
	}
	bob, _ := cs.GetAccount(ctx, "bob")
	if !bob.RewardsBalance.Equal(d("1")) {
		t.Errorf("expected bob paid once, got %s", bob.RewardsBalance)
	}
	if again, _ := c.Recover(ctx); again.Paid != 0 {
		t.Errorf("a second recovery must find nothing owed, got %+v", again)
	}
}

func TestNewCascader_RejectsInvalidRate(t *testing.T) {
	for _, r := range []string{"-0.01", "1.5"} {
		if _, err := referral.NewCascader(store.NewMemoryStore(), referral.Config{Rate: d(r)}, nil, nil); !errors.Is(err, referral.ErrInvalidRate) {
			t.Errorf("rate %s: expected ErrInvalidRate, got %v", r, err)
		}
	}
}
