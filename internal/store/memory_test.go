package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, s *MemoryStore, id, stake string) *model.Account {
	t.Helper()
	a := &model.Account{ID: id, StakedAmount: d(stake), CreatedAt: time.Now().UTC()}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return a
}

func TestCreateAccount_StartsAtVersionOne(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "alice", "100")

	a, err := s.GetAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("expected version 1, got %d", a.Version)
	}
}

func TestCreateAccount_Duplicate(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "alice", "100")

	err := s.CreateAccount(context.Background(), &model.Account{ID: "alice"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetAccount(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetAccount_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	exp := time.Now().Add(time.Hour)
	a := &model.Account{ID: "alice", StakedAmount: d("1"), PremiumExpiresAt: &exp}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetAccount(context.Background(), "alice")
	got.StakedAmount = d("999")
	*got.PremiumExpiresAt = time.Time{}

	again, _ := s.GetAccount(context.Background(), "alice")
	if !again.StakedAmount.Equal(d("1")) {
		t.Errorf("stored stake mutated through returned copy: %s", again.StakedAmount)
	}
	if again.PremiumExpiresAt.IsZero() {
		t.Error("stored expiry mutated through returned pointer")
	}
}

func TestUpdateAccountConditional_BumpsVersion(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "alice", "100")

	updated, err := s.UpdateAccountConditional(context.Background(), "alice", 1, func(a *model.Account) error {
		a.RewardsBalance = a.RewardsBalance.Add(d("5"))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
	if !updated.RewardsBalance.Equal(d("5")) {
		t.Errorf("expected rewards 5, got %s", updated.RewardsBalance)
	}
}

func TestUpdateAccountConditional_StaleVersionConflicts(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "alice", "100")
	ctx := context.Background()

	if _, err := s.UpdateAccountConditional(ctx, "alice", 1, func(*model.Account) error { return nil }); err != nil {
		t.Fatal(err)
	}

	called := false
	_, err := s.UpdateAccountConditional(ctx, "alice", 1, func(*model.Account) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if called {
		t.Error("mutation must not run on version conflict")
	}
}

func TestUpdateAccountConditional_MutationErrorAborts(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "alice", "100")
	boom := errors.New("boom")

	_, err := s.UpdateAccountConditional(context.Background(), "alice", 1, func(a *model.Account) error {
		a.StakedAmount = d("0")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	a, _ := s.GetAccount(context.Background(), "alice")
	if a.Version != 1 || !a.StakedAmount.Equal(d("100")) {
		t.Errorf("aborted mutation leaked: version=%d stake=%s", a.Version, a.StakedAmount)
	}
}

func TestStakingAccounts_OnlyPositiveStake(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "carol", "0")
	seed(t, s, "bob", "10")
	seed(t, s, "alice", "5")

	var ids []string
	err := s.StakingAccounts(context.Background(), func(a model.Account) error {
		ids = append(ids, a.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(ids, ",") != "alice,bob" {
		t.Errorf("expected alice,bob got %v", ids)
	}
}

func TestStakingAccounts_StopsOnError(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "alice", "5")
	seed(t, s, "bob", "10")
	stop := errors.New("stop")

	n := 0
	err := s.StakingAccounts(context.Background(), func(model.Account) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("expected one call and stop error, got n=%d err=%v", n, err)
	}
}

func TestReferrals_CountAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.AppendReferral(ctx, &model.Referral{Referrer: "bob", Referred: "alice", Bonus: d("1")}); err != nil {
			t.Fatal(err)
		}
	}
	s.AppendReferral(ctx, &model.Referral{Referrer: "carol", Referred: "dave"})

	n, _ := s.CountReferrals(ctx, "bob")
	if n != 3 {
		t.Errorf("expected 3 referrals for bob, got %d", n)
	}
	refs, _ := s.ReferralsByReferrer(ctx, "bob")
	if len(refs) != 3 || refs[0].ID == "" {
		t.Errorf("expected 3 referral records with IDs, got %+v", refs)
	}
}

func TestPostAccount_CommitsPostingWithWrite(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "bob", "0")
	ctx := context.Background()

	owed := &model.Transaction{AccountID: "bob", Type: model.TxReferralBonus, Amount: d("1"), Status: model.StatusPending}
	if _, err := s.AppendTransaction(ctx, owed); err != nil {
		t.Fatal(err)
	}
	settled := *owed
	settled.Status = model.StatusCompleted
	posted, err := s.PostAccount(ctx, "bob", 1, func(a *model.Account) error {
		a.RewardsBalance = a.RewardsBalance.Add(d("1"))
		return nil
	}, Posting{
		Append:   []*model.Transaction{{AccountID: "bob", Type: model.TxDeposit, Amount: d("5"), Status: model.StatusCompleted}},
		Settle:   &settled,
		Referral: &model.Referral{Referrer: "bob", Referred: "alice", Bonus: d("1")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if posted.Account.Version != 2 || !posted.Account.RewardsBalance.Equal(d("1")) || posted.ReferralCount != 1 {
		t.Errorf("unexpected posting result %+v count=%d", posted.Account, posted.ReferralCount)
	}
	txs, _ := s.TransactionsByAccount(ctx, "bob")
	if len(txs) != 2 || txs[0].Status != model.StatusCompleted || txs[1].ID == "" {
		t.Errorf("expected the owed bonus settled and the deposit appended, got %+v", txs)
	}
	if pending, _ := s.PendingTransactions(ctx, model.TxReferralBonus); len(pending) != 0 {
		t.Errorf("expected nothing pending, got %+v", pending)
	}

	// Settling again fails and leaves the account untouched.
	_, err = s.PostAccount(ctx, "bob", 2, func(a *model.Account) error {
		a.RewardsBalance = a.RewardsBalance.Add(d("1"))
		return nil
	}, Posting{Settle: &settled, Referral: &model.Referral{Referrer: "bob", Referred: "alice"}})
	if !errors.Is(err, ErrSettled) {
		t.Fatalf("expected ErrSettled, got %v", err)
	}
	a, _ := s.GetAccount(ctx, "bob")
	if a.Version != 2 || !a.RewardsBalance.Equal(d("1")) {
		t.Errorf("rejected posting must not write, got version %d balance %s", a.Version, a.RewardsBalance)
	}
	if n, _ := s.CountReferrals(ctx, "bob"); n != 1 {
		t.Errorf("rejected posting must not add a referral, got %d", n)
	}
}

func TestPostAccount_ConflictWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "alice", "100")
	ctx := context.Background()

	_, err := s.PostAccount(ctx, "alice", 7, func(*model.Account) error { return nil }, Posting{
		Append: []*model.Transaction{{AccountID: "alice", Type: model.TxReward, Amount: d("1"), Status: model.StatusCompleted}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if txs, _ := s.TransactionsByAccount(ctx, "alice"); len(txs) != 0 {
		t.Errorf("conflicting posting must not append, got %+v", txs)
	}
}

func TestSettleTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, _ := s.AppendTransaction(ctx, &model.Transaction{AccountID: "ghost", Type: model.TxReferralBonus, Status: model.StatusPending, Description: "owed"})

	if err := s.SettleTransaction(ctx, id, model.StatusFailed, "referrer not found"); err != nil {
		t.Fatal(err)
	}
	txs, _ := s.TransactionsByAccount(ctx, "ghost")
	if txs[0].Status != model.StatusFailed || txs[0].Description != "referrer not found" {
		t.Errorf("unexpected settled transaction %+v", txs[0])
	}
	if err := s.SettleTransaction(ctx, id, model.StatusCompleted, ""); !errors.Is(err, ErrSettled) {
		t.Errorf("expected ErrSettled, got %v", err)
	}
	if err := s.SettleTransaction(ctx, "nope", model.StatusCompleted, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetReferrer_Rules(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"alice", "bob", "carol"} {
		seed(t, s, id, "0")
	}
	ctx := context.Background()

	if _, err := s.SetReferrer(ctx, "alice", "ghost", 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	a, err := s.SetReferrer(ctx, "alice", "bob", 8)
	if err != nil || a.ReferredBy != "bob" || a.Version != 2 {
		t.Fatalf("expected alice referred by bob at version 2, got %+v err=%v", a, err)
	}
	if _, err := s.SetReferrer(ctx, "alice", "carol", 8); !errors.Is(err, ErrReferrerSet) {
		t.Errorf("expected ErrReferrerSet, got %v", err)
	}
	if _, err := s.SetReferrer(ctx, "bob", "carol", 8); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetReferrer(ctx, "carol", "alice", 8); !errors.Is(err, ErrReferralCycle) {
		t.Errorf("expected ErrReferralCycle, got %v", err)
	}
	seed(t, s, "dave", "0")
	if _, err := s.SetReferrer(ctx, "dave", "alice", 1); !errors.Is(err, ErrReferralCycle) {
		t.Errorf("chains deeper than maxDepth must be refused, got %v", err)
	}
}

func TestUpdatePoolState_Conditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p, _ := s.GetPoolState(ctx)
	updated, err := s.UpdatePoolState(ctx, p.Version, func(p *model.PoolState) error {
		p.LastPeriod = "2026-03-01"
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Version != p.Version+1 || updated.LastPeriod != "2026-03-01" {
		t.Errorf("unexpected pool state %+v", updated)
	}

	_, err = s.UpdatePoolState(ctx, p.Version, func(*model.PoolState) error { return nil })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for stale pool version, got %v", err)
	}
}

func TestMigrations_CreateEveryTable(t *testing.T) {
	joined := strings.Join(Migrations(), "\n")
	for _, table := range []string{"accounts", "transactions", "referrals", "pool_state"} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("missing migration for %s", table)
		}
	}
}
