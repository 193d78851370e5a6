package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/staking-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account
	transactions []model.Transaction
	referrals    []model.Referral
	pool         model.PoolState
}

// NewMemoryStore creates a new in-memory store with an empty pool at version 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		pool:     model.PoolState{Version: 1},
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrAlreadyExists)
	}
	if a.Version == 0 {
		a.Version = 1
	}
	// Store a copy to avoid external mutation.
	s.accounts[a.ID] = copyAccount(a)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) StakingAccounts(ctx context.Context, fn func(model.Account) error) error {
	s.mu.RLock()
	snapshot := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.StakedAmount.IsPositive() {
			snapshot = append(snapshot, *copyAccount(a))
		}
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	for _, a := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) UpdateAccountConditional(_ context.Context, id string, expectedVersion int64, mutate AccountMutation) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.mutateLocked(id, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	s.accounts[id] = next
	return copyAccount(next), nil
}

func (s *MemoryStore) PostAccount(_ context.Context, id string, expectedVersion int64, mutate AccountMutation, posting Posting) (Posted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settle := -1
	if posting.Settle != nil {
		i, err := s.pendingLocked(posting.Settle.ID)
		if err != nil {
			return Posted{}, err
		}
		settle = i
	}
	next, err := s.mutateLocked(id, expectedVersion, mutate)
	if err != nil {
		return Posted{}, err
	}

	// Nothing below can fail, so the posting commits as a unit.
	s.accounts[id] = next
	for _, tx := range posting.Append {
		if tx.ID == "" {
			tx.ID = newID()
		}
		s.transactions = append(s.transactions, *tx)
	}
	if settle >= 0 {
		st := &s.transactions[settle]
		st.Status = posting.Settle.Status
		st.Amount = posting.Settle.Amount
		st.Timestamp = posting.Settle.Timestamp
		st.Description = posting.Settle.Description
	}
	posted := Posted{Account: copyAccount(next)}
	if ref := posting.Referral; ref != nil {
		if ref.ID == "" {
			ref.ID = newID()
		}
		s.referrals = append(s.referrals, *ref)
		posted.ReferralCount = s.countLocked(ref.Referrer)
	}
	return posted, nil
}

// mutateLocked returns the next version of account id without storing it.
func (s *MemoryStore) mutateLocked(id string, expectedVersion int64, mutate AccountMutation) (*model.Account, error) {
	current, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("account %s at version %d, expected %d: %w",
			id, current.Version, expectedVersion, ErrConflict)
	}

	next := copyAccount(current)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

func (s *MemoryStore) SetReferrer(_ context.Context, id, referrer string, maxDepth int) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if _, ok := s.accounts[referrer]; !ok {
		return nil, fmt.Errorf("referrer %s: %w", referrer, ErrNotFound)
	}
	if current.ReferredBy != "" {
		return nil, fmt.Errorf("%w: %s already referred by %s", ErrReferrerSet, id, current.ReferredBy)
	}
	next := referrer
	for depth := 0; next != ""; depth++ {
		if next == id || depth >= maxDepth {
			return nil, fmt.Errorf("%w: %s through %s", ErrReferralCycle, id, referrer)
		}
		a, ok := s.accounts[next]
		if !ok {
			break
		}
		next = a.ReferredBy
	}

	updated := copyAccount(current)
	updated.ReferredBy = referrer
	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now().UTC()
	s.accounts[id] = updated
	return copyAccount(updated), nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = newID()
	}
	s.transactions = append(s.transactions, *tx)
	return tx.ID, nil
}

func (s *MemoryStore) TransactionsByAccount(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) PendingTransactions(_ context.Context, typ model.TxType) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.Type == typ && tx.Status == model.StatusPending {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) SettleTransaction(_ context.Context, id string, status model.TxStatus, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.pendingLocked(id)
	if err != nil {
		return err
	}
	s.transactions[i].Status = status
	if description != "" {
		s.transactions[i].Description = description
	}
	return nil
}

// pendingLocked returns the index of pending transaction id.
func (s *MemoryStore) pendingLocked(id string) (int, error) {
	for i := range s.transactions {
		if s.transactions[i].ID != id {
			continue
		}
		if s.transactions[i].Status != model.StatusPending {
			return -1, fmt.Errorf("transaction %s is %s: %w", id, s.transactions[i].Status, ErrSettled)
		}
		return i, nil
	}
	return -1, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) AppendReferral(_ context.Context, ref *model.Referral) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref.ID == "" {
		ref.ID = newID()
	}
	s.referrals = append(s.referrals, *ref)
	return ref.ID, nil
}

func (s *MemoryStore) CountReferrals(_ context.Context, referrer string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countLocked(referrer), nil
}

func (s *MemoryStore) countLocked(referrer string) int {
	n := 0
	for _, r := range s.referrals {
		if r.Referrer == referrer {
			n++
		}
	}
	return n
}

func (s *MemoryStore) ReferralsByReferrer(_ context.Context, referrer string) ([]model.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Referral
	for _, r := range s.referrals {
		if r.Referrer == referrer {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPoolState(_ context.Context) (*model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyPool(&s.pool), nil
}

func (s *MemoryStore) UpdatePoolState(_ context.Context, expectedVersion int64, mutate PoolMutation) (*model.PoolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool.Version != expectedVersion {
		return nil, fmt.Errorf("pool at version %d, expected %d: %w",
			s.pool.Version, expectedVersion, ErrConflict)
	}
	next := copyPool(&s.pool)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = s.pool.Version + 1
	s.pool = *next
	return copyPool(next), nil
}

func newID() string { return uuid.New().String() }

// copyAccount returns a deep copy so callers never alias stored pointers.
func copyAccount(a *model.Account) *model.Account {
	c := *a
	if a.PremiumExpiresAt != nil {
		t := *a.PremiumExpiresAt
		c.PremiumExpiresAt = &t
	}
	return &c
}

func copyPool(p *model.PoolState) *model.PoolState {
	c := *p
	if p.LastPayoutAt != nil {
		t := *p.LastPayoutAt
		c.LastPayoutAt = &t
	}
	if p.InFlightSince != nil {
		t := *p.InFlightSince
		c.InFlightSince = &t
	}
	if p.LastExternalYield != nil {
		y := *p.LastExternalYield
		c.LastExternalYield = &y
	}
	return &c
}
