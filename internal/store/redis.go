package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/staking-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for accounts and the pool state. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
//
// A stale cached account is harmless for balance writes: the conditional
// update is checked against the primary, and a conflict evicts the entry so
// the caller's retry reads through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) UpdateAccountConditional(ctx context.Context, id string, expectedVersion int64, mutate AccountMutation) (*model.Account, error) {
	a, err := s.primary.UpdateAccountConditional(ctx, id, expectedVersion, mutate)
	// Evict on every outcome; on conflict the cached copy is what was stale.
	s.rdb.Del(ctx, accountKey(id))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *CachedStore) PostAccount(ctx context.Context, id string, expectedVersion int64, mutate AccountMutation, posting Posting) (Posted, error) {
	posted, err := s.primary.PostAccount(ctx, id, expectedVersion, mutate, posting)
	s.rdb.Del(ctx, accountKey(id))
	if err != nil {
		return Posted{}, err
	}
	if posting.Referral != nil {
		s.rdb.Del(ctx, referralCountKey(posting.Referral.Referrer))
	}
	return posted, nil
}

func (s *CachedStore) SetReferrer(ctx context.Context, id, referrer string, maxDepth int) (*model.Account, error) {
	a, err := s.primary.SetReferrer(ctx, id, referrer, maxDepth)
	s.rdb.Del(ctx, accountKey(id))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *CachedStore) UpdatePoolState(ctx context.Context, expectedVersion int64, mutate PoolMutation) (*model.PoolState, error) {
	p, err := s.primary.UpdatePoolState(ctx, expectedVersion, mutate)
	s.rdb.Del(ctx, poolKey)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *CachedStore) AppendReferral(ctx context.Context, ref *model.Referral) (string, error) {
	id, err := s.primary.AppendReferral(ctx, ref)
	if err != nil {
		return "", err
	}
	s.rdb.Del(ctx, referralCountKey(ref.Referrer))
	return id, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.load(ctx, accountKey(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(id), acct)
	return acct, nil
}

func (s *CachedStore) GetPoolState(ctx context.Context) (*model.PoolState, error) {
	var p model.PoolState
	if s.load(ctx, poolKey, &p) {
		return &p, nil
	}

	pool, err := s.primary.GetPoolState(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, poolKey, pool)
	return pool, nil
}

func (s *CachedStore) CountReferrals(ctx context.Context, referrer string) (int, error) {
	n, err := s.rdb.Get(ctx, referralCountKey(referrer)).Int()
	if err == nil {
		return n, nil
	}

	n, err = s.primary.CountReferrals(ctx, referrer)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, referralCountKey(referrer), n, s.ttl)
	return n, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) StakingAccounts(ctx context.Context, fn func(model.Account) error) error {
	return s.primary.StakingAccounts(ctx, fn)
}

func (s *CachedStore) AppendTransaction(ctx context.Context, tx *model.Transaction) (string, error) {
	return s.primary.AppendTransaction(ctx, tx)
}

func (s *CachedStore) TransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.primary.TransactionsByAccount(ctx, accountID)
}

func (s *CachedStore) PendingTransactions(ctx context.Context, typ model.TxType) ([]model.Transaction, error) {
	return s.primary.PendingTransactions(ctx, typ)
}

func (s *CachedStore) SettleTransaction(ctx context.Context, id string, status model.TxStatus, description string) error {
	return s.primary.SettleTransaction(ctx, id, status, description)
}

func (s *CachedStore) ReferralsByReferrer(ctx context.Context, referrer string) ([]model.Referral, error) {
	return s.primary.ReferralsByReferrer(ctx, referrer)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// load reports whether key was cached and decoded into dst.
func (s *CachedStore) load(ctx context.Context, key string, dst interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		// redis.Nil or an unreachable Redis both fall back to the primary.
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

const poolKey = "pool:state"

func accountKey(id string) string       { return fmt.Sprintf("account:%s", id) }
func referralCountKey(id string) string { return fmt.Sprintf("referrals:count:%s", id) }
