// Package store defines the ledger persistence interface for the staking
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/staking-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned by conditional updates when the stored version
	// no longer matches the expected version.
	ErrConflict = errors.New("store: version conflict")

	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrSettled is returned when a pending transaction has already been
	// moved to a final status.
	ErrSettled = errors.New("store: transaction already settled")

	// ErrReferralCycle is returned when a referrer assignment would make the
	// referral chain loop back to the account.
	ErrReferralCycle = errors.New("store: referrer would create a referral cycle")

	// ErrReferrerSet is returned when an account's referrer is already set.
	ErrReferrerSet = errors.New("store: referrer is already set")
)

// AccountMutation edits a fresh copy of an account inside a conditional
// update. Returning an error aborts the update without writing.
type AccountMutation func(*model.Account) error

// PoolMutation edits a fresh copy of the pool state inside a conditional update.
type PoolMutation func(*model.PoolState) error

// Posting is the audit side of an account write. It commits atomically with
// the account mutation or not at all.
type Posting struct {
	// Append is written as new transactions.
	Append []*model.Transaction
	// Settle names a pending transaction by ID and carries its final Status,
	// Amount, Timestamp and Description. The write fails with ErrSettled when
	// the transaction is no longer pending.
	Settle *model.Transaction
	// Referral is appended to the posted account's referral records.
	Referral *model.Referral
}

// Posted reports what a posting wrote.
type Posted struct {
	Account *model.Account
	// ReferralCount is the referrer's lifetime referral count including
	// Posting.Referral, counted inside the same write.
	ReferralCount int
}

// Store is the ledger persistence interface. The store exclusively owns
// persisted state; callers hold snapshots only.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account at version 1.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// StakingAccounts streams every account with a positive stake to fn.
	// Iteration stops at the first error fn returns.
	StakingAccounts(ctx context.Context, fn func(model.Account) error) error

	// UpdateAccountConditional applies mutate to the stored account if its
	// version equals expectedVersion, then bumps the version. Returns
	// ErrConflict on version mismatch and ErrNotFound for unknown IDs.
	UpdateAccountConditional(ctx context.Context, id string, expectedVersion int64, mutate AccountMutation) (*model.Account, error)

	// PostAccount is UpdateAccountConditional plus the posting's audit
	// records, all committed in one write.
	PostAccount(ctx context.Context, id string, expectedVersion int64, mutate AccountMutation, posting Posting) (Posted, error)

	// SetReferrer assigns referrer to id. Assignments are serialized so the
	// referral graph stays a forest: ErrReferrerSet when id already has one,
	// ErrReferralCycle when referrer descends from id (or the chain above
	// referrer is deeper than maxDepth), ErrNotFound when either is unknown.
	SetReferrer(ctx context.Context, id, referrer string, maxDepth int) (*model.Account, error)

	// --- Append-only audit trail ---

	// AppendTransaction appends an immutable transaction record and returns its ID.
	AppendTransaction(ctx context.Context, tx *model.Transaction) (string, error)

	// TransactionsByAccount returns an account's transactions, oldest first.
	TransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error)

	// PendingTransactions returns every pending transaction of typ, oldest first.
	PendingTransactions(ctx context.Context, typ model.TxType) ([]model.Transaction, error)

	// SettleTransaction moves a pending transaction to status. Returns
	// ErrSettled when it is no longer pending.
	SettleTransaction(ctx context.Context, id string, status model.TxStatus, description string) error

	// AppendReferral appends a referral bonus record and returns its ID.
	AppendReferral(ctx context.Context, ref *model.Referral) (string, error)

	// CountReferrals returns how many referral bonus records a referrer has.
	CountReferrals(ctx context.Context, referrer string) (int, error)

	// ReferralsByReferrer returns a referrer's bonus records, oldest first.
	ReferralsByReferrer(ctx context.Context, referrer string) ([]model.Referral, error)

	// --- Pool aggregate ---

	// GetPoolState returns the pool singleton.
	GetPoolState(ctx context.Context) (*model.PoolState, error)

	// UpdatePoolState applies mutate if the pool version equals
	// expectedVersion, then bumps the version. Returns ErrConflict otherwise.
	UpdatePoolState(ctx context.Context, expectedVersion int64, mutate PoolMutation) (*model.PoolState, error)
}
