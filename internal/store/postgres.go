package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC(38,9) and round-trip as text
// for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrations returns the schema statements, one statement per string.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id                 TEXT PRIMARY KEY,
			staked_amount      NUMERIC(38,9) NOT NULL DEFAULT 0 CHECK (staked_amount >= 0),
			rewards_balance    NUMERIC(38,9) NOT NULL DEFAULT 0 CHECK (rewards_balance >= 0),
			total_earned       NUMERIC(38,9) NOT NULL DEFAULT 0,
			referred_by        TEXT NOT NULL DEFAULT '' CHECK (referred_by <> id),
			is_premium         BOOLEAN NOT NULL DEFAULT FALSE,
			premium_rate       NUMERIC(38,9) NOT NULL DEFAULT 0,
			premium_expires_at TIMESTAMPTZ,
			last_reward_period TEXT NOT NULL DEFAULT '',
			version            BIGINT NOT NULL DEFAULT 1,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_staking ON accounts(id) WHERE staked_amount > 0`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id                TEXT PRIMARY KEY,
			account_id        TEXT NOT NULL,
			type              TEXT NOT NULL,
			amount            NUMERIC(38,9) NOT NULL CHECK (amount >= 0),
			status            TEXT NOT NULL,
			period            TEXT NOT NULL DEFAULT '',
			source_account_id TEXT NOT NULL DEFAULT '',
			timestamp         TIMESTAMPTZ NOT NULL,
			description       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_pending ON transactions(type, timestamp) WHERE status = 'pending'`,
		// At most one completed reward per account per period.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_transactions_reward_period
			ON transactions(account_id, period) WHERE type = 'reward' AND status = 'completed'`,

		`CREATE TABLE IF NOT EXISTS referrals (
			id       TEXT PRIMARY KEY,
			referrer TEXT NOT NULL,
			referred TEXT NOT NULL,
			basis    NUMERIC(38,9) NOT NULL,
			bonus    NUMERIC(38,9) NOT NULL,
			period   TEXT NOT NULL,
			date     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer, date)`,

		`CREATE TABLE IF NOT EXISTS pool_state (
			id                        SMALLINT PRIMARY KEY CHECK (id = 1),
			total_staked              NUMERIC(38,9) NOT NULL DEFAULT 0,
			total_rewards_distributed NUMERIC(38,9) NOT NULL DEFAULT 0,
			last_period               TEXT NOT NULL DEFAULT '',
			last_payout_at            TIMESTAMPTZ,
			last_gross_yield          NUMERIC(38,9) NOT NULL DEFAULT 0,
			last_commission           NUMERIC(38,9) NOT NULL DEFAULT 0,
			last_external_yield       NUMERIC(38,9),
			commission_rate           NUMERIC(38,9) NOT NULL DEFAULT 0,
			referral_rate             NUMERIC(38,9) NOT NULL DEFAULT 0,
			in_flight_period          TEXT NOT NULL DEFAULT '',
			in_flight_since           TIMESTAMPTZ,
			version                   BIGINT NOT NULL DEFAULT 1
		)`,
		`INSERT INTO pool_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
	}
}

// Migrate applies the schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range Migrations() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

const accountColumns = `id, staked_amount::TEXT, rewards_balance::TEXT, total_earned::TEXT,
	referred_by, is_premium, premium_rate::TEXT, premium_expires_at,
	last_reward_period, version, created_at, updated_at`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.Version == 0 {
		a.Version = 1
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, staked_amount, rewards_balance, total_earned, referred_by,
		                       is_premium, premium_rate, premium_expires_at, last_reward_period,
		                       version, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $11)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, model.Format(a.StakedAmount), model.Format(a.RewardsBalance), model.Format(a.TotalEarned),
		a.ReferredBy, a.IsPremium, model.Format(a.PremiumRate), a.PremiumExpiresAt, a.LastRewardPeriod,
		a.Version, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) StakingAccounts(ctx context.Context, fn func(model.Account) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE staked_amount > 0 ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query staking accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return fmt.Errorf("scan staking account: %w", err)
		}
		if err := fn(*a); err != nil {
			return err
		}
	}
	return rows.Err()
}

// UpdateAccountConditional locks the row, checks the version, applies the
// mutation and writes it back guarded by the same version.
func (s *PostgresStore) UpdateAccountConditional(ctx context.Context, id string, expectedVersion int64, mutate AccountMutation) (*model.Account, error) {
	posted, err := s.PostAccount(ctx, id, expectedVersion, mutate, Posting{})
	if err != nil {
		return nil, err
	}
	return posted.Account, nil
}

// PostAccount runs the account write and the posting's inserts in one
// transaction. The account row lock also serializes referral counting for
// the posted account.
func (s *PostgresStore) PostAccount(ctx context.Context, id string, expectedVersion int64, mutate AccountMutation, posting Posting) (Posted, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Posted{}, fmt.Errorf("begin account update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	current, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Posted{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Posted{}, fmt.Errorf("lock account %s: %w", id, err)
	}
	if current.Version != expectedVersion {
		return Posted{}, fmt.Errorf("account %s at version %d, expected %d: %w",
			id, current.Version, expectedVersion, ErrConflict)
	}

	next := *current
	if err := mutate(&next); err != nil {
		return Posted{}, err
	}
	next.ID = id
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	tag, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET staked_amount = $3::NUMERIC, rewards_balance = $4::NUMERIC, total_earned = $5::NUMERIC,
		     referred_by = $6, is_premium = $7, premium_rate = $8::NUMERIC, premium_expires_at = $9,
		     last_reward_period = $10, version = $11, updated_at = $12
		 WHERE id = $1 AND version = $2`,
		id, expectedVersion,
		model.Format(next.StakedAmount), model.Format(next.RewardsBalance), model.Format(next.TotalEarned),
		next.ReferredBy, next.IsPremium, model.Format(next.PremiumRate), next.PremiumExpiresAt,
		next.LastRewardPeriod, next.Version, next.UpdatedAt,
	)
	if err != nil {
		return Posted{}, fmt.Errorf("update account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return Posted{}, fmt.Errorf("account %s: %w", id, ErrConflict)
	}

	for _, t := range posting.Append {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return Posted{}, err
		}
	}
	if st := posting.Settle; st != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE transactions SET status = $2, amount = $3::NUMERIC, timestamp = $4, description = $5
			 WHERE id = $1 AND status = 'pending'`,
			st.ID, string(st.Status), model.Format(st.Amount), st.Timestamp, st.Description)
		if err != nil {
			return Posted{}, fmt.Errorf("settle transaction %s: %w", st.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return Posted{}, settleMiss(ctx, tx, st.ID)
		}
	}

	posted := Posted{Account: &next}
	if ref := posting.Referral; ref != nil {
		if err := insertReferral(ctx, tx, ref); err != nil {
			return Posted{}, err
		}
		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM referrals WHERE referrer = $1`, ref.Referrer).
			Scan(&posted.ReferralCount); err != nil {
			return Posted{}, fmt.Errorf("count referrals for %s: %w", ref.Referrer, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Posted{}, fmt.Errorf("commit account %s: %w", id, err)
	}
	return posted, nil
}

// referrerLockKey is the advisory lock taken by every referrer assignment.
const referrerLockKey = 7_301_001

// SetReferrer serializes assignments under a transaction-scoped advisory
// lock and walks the referrer's ancestors with a recursive query.
func (s *PostgresStore) SetReferrer(ctx context.Context, id, referrer string, maxDepth int) (*model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin referrer update: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, referrerLockKey); err != nil {
		return nil, fmt.Errorf("lock referral graph: %w", err)
	}

	current, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", id, err)
	}
	if current.ReferredBy != "" {
		return nil, fmt.Errorf("%w: %s already referred by %s", ErrReferrerSet, id, current.ReferredBy)
	}

	var found, loops bool
	var depth int
	err = tx.QueryRow(ctx,
		`WITH RECURSIVE chain(id, referred_by, depth) AS (
			SELECT id, referred_by, 1 FROM accounts WHERE id = $1
			UNION ALL
			SELECT a.id, a.referred_by, c.depth + 1
			FROM accounts a JOIN chain c ON a.id = c.referred_by
			WHERE c.referred_by <> '' AND c.id <> $2 AND c.depth <= $3
		)
		SELECT COUNT(1) > 0, COALESCE(BOOL_OR(id = $2), FALSE), COALESCE(MAX(depth), 0) FROM chain`,
		referrer, id, maxDepth,
	).Scan(&found, &loops, &depth)
	if err != nil {
		return nil, fmt.Errorf("walk referrer chain of %s: %w", referrer, err)
	}
	if !found {
		return nil, fmt.Errorf("referrer %s: %w", referrer, ErrNotFound)
	}
	if loops || depth > maxDepth {
		return nil, fmt.Errorf("%w: %s through %s", ErrReferralCycle, id, referrer)
	}

	next := *current
	next.ReferredBy = referrer
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET referred_by = $2, version = $3, updated_at = $4 WHERE id = $1`,
		id, referrer, next.Version, next.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update referrer of %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit referrer of %s: %w", id, err)
	}
	return &next, nil
}

// execer is the part of pgxpool.Pool and pgx.Tx the insert helpers need.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, t *model.Transaction) (string, error) {
	if err := insertTransaction(ctx, s.pool, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

func insertTransaction(ctx context.Context, q execer, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = newID()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, status, period, source_account_id, timestamp, description)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)`,
		t.ID, t.AccountID, string(t.Type), model.Format(t.Amount), string(t.Status),
		t.Period, t.SourceAccountID, t.Timestamp, t.Description,
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, account_id, type, amount::TEXT, status, period, source_account_id, timestamp, description`

func (s *PostgresStore) TransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 ORDER BY timestamp, id`, accountID)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) PendingTransactions(ctx context.Context, typ model.TxType) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE type = $1 AND status = 'pending' ORDER BY timestamp, id`, string(typ))
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) SettleTransaction(ctx context.Context, id string, status model.TxStatus, description string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET status = $2, description = CASE WHEN $3 = '' THEN description ELSE $3 END
		 WHERE id = $1 AND status = 'pending'`, id, string(status), description)
	if err != nil {
		return fmt.Errorf("settle transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return settleMiss(ctx, s.pool, id)
	}
	return nil
}

// settleMiss explains why no pending transaction id was updated.
func settleMiss(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}, id string) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read transaction %s: %w", id, err)
	}
	return fmt.Errorf("transaction %s is %s: %w", id, status, ErrSettled)
}

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ, status, amount string
		if err := rows.Scan(&t.ID, &t.AccountID, &typ, &amount, &status,
			&t.Period, &t.SourceAccountID, &t.Timestamp, &t.Description); err != nil {
			return nil, err
		}
		t.Type = model.TxType(typ)
		t.Status = model.TxStatus(status)
		t.Amount, _ = decimal.NewFromString(amount)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) AppendReferral(ctx context.Context, r *model.Referral) (string, error) {
	if err := insertReferral(ctx, s.pool, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

func insertReferral(ctx context.Context, q execer, r *model.Referral) error {
	if r.ID == "" {
		r.ID = newID()
	}
	_, err := q.Exec(ctx,
		`INSERT INTO referrals (id, referrer, referred, basis, bonus, period, date)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		r.ID, r.Referrer, r.Referred, model.Format(r.Basis), model.Format(r.Bonus), r.Period, r.Date,
	)
	if err != nil {
		return fmt.Errorf("append referral: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountReferrals(ctx context.Context, referrer string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(1) FROM referrals WHERE referrer = $1`, referrer).Scan(&n)
	return n, err
}

func (s *PostgresStore) ReferralsByReferrer(ctx context.Context, referrer string) ([]model.Referral, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, referrer, referred, basis::TEXT, bonus::TEXT, period, date
		 FROM referrals WHERE referrer = $1 ORDER BY date, id`, referrer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Referral
	for rows.Next() {
		var r model.Referral
		var basis, bonus string
		if err := rows.Scan(&r.ID, &r.Referrer, &r.Referred, &basis, &bonus, &r.Period, &r.Date); err != nil {
			return nil, err
		}
		r.Basis, _ = decimal.NewFromString(basis)
		r.Bonus, _ = decimal.NewFromString(bonus)
		result = append(result, r)
	}
	return result, rows.Err()
}

const poolColumns = `total_staked::TEXT, total_rewards_distributed::TEXT, last_period, last_payout_at,
	last_gross_yield::TEXT, last_commission::TEXT, last_external_yield::TEXT,
	commission_rate::TEXT, referral_rate::TEXT, in_flight_period, in_flight_since, version`

func (s *PostgresStore) GetPoolState(ctx context.Context) (*model.PoolState, error) {
	p, err := scanPool(s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pool_state WHERE id = 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool state: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePoolState(ctx context.Context, expectedVersion int64, mutate PoolMutation) (*model.PoolState, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin pool update: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanPool(tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pool_state WHERE id = 1 FOR UPDATE`))
	if err != nil {
		return nil, fmt.Errorf("lock pool state: %w", err)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("pool at version %d, expected %d: %w",
			current.Version, expectedVersion, ErrConflict)
	}

	next := *current
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1

	var external *string
	if next.LastExternalYield != nil {
		v := model.Format(*next.LastExternalYield)
		external = &v
	}

	_, err = tx.Exec(ctx,
		`UPDATE pool_state
		 SET total_staked = $2::NUMERIC, total_rewards_distributed = $3::NUMERIC,
		     last_period = $4, last_payout_at = $5,
		     last_gross_yield = $6::NUMERIC, last_commission = $7::NUMERIC, last_external_yield = $8::NUMERIC,
		     commission_rate = $9::NUMERIC, referral_rate = $10::NUMERIC,
		     in_flight_period = $11, in_flight_since = $12, version = $13
		 WHERE id = 1 AND version = $1`,
		expectedVersion,
		model.Format(next.TotalStaked), model.Format(next.TotalRewardsDistributed),
		next.LastPeriod, next.LastPayoutAt,
		model.Format(next.LastGrossYield), model.Format(next.LastCommission), external,
		model.Format(next.CommissionRate), model.Format(next.ReferralRate),
		next.InFlightPeriod, next.InFlightSince, next.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update pool state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit pool state: %w", err)
	}
	return &next, nil
}

// pgxRow is the subset of pgx.Row / pgx.Rows used by the scanners.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row pgxRow) (*model.Account, error) {
	var a model.Account
	var staked, rewards, earned, premiumRate string
	if err := row.Scan(&a.ID, &staked, &rewards, &earned,
		&a.ReferredBy, &a.IsPremium, &premiumRate, &a.PremiumExpiresAt,
		&a.LastRewardPeriod, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.StakedAmount, _ = decimal.NewFromString(staked)
	a.RewardsBalance, _ = decimal.NewFromString(rewards)
	a.TotalEarned, _ = decimal.NewFromString(earned)
	a.PremiumRate, _ = decimal.NewFromString(premiumRate)
	return &a, nil
}

func scanPool(row pgxRow) (*model.PoolState, error) {
	var p model.PoolState
	var staked, distributed, gross, commission, commissionRate, referralRate string
	var external *string
	if err := row.Scan(&staked, &distributed, &p.LastPeriod, &p.LastPayoutAt,
		&gross, &commission, &external, &commissionRate, &referralRate,
		&p.InFlightPeriod, &p.InFlightSince, &p.Version); err != nil {
		return nil, err
	}
	p.TotalStaked, _ = decimal.NewFromString(staked)
	p.TotalRewardsDistributed, _ = decimal.NewFromString(distributed)
	p.LastGrossYield, _ = decimal.NewFromString(gross)
	p.LastCommission, _ = decimal.NewFromString(commission)
	p.CommissionRate, _ = decimal.NewFromString(commissionRate)
	p.ReferralRate, _ = decimal.NewFromString(referralRate)
	if external != nil {
		y, err := decimal.NewFromString(*external)
		if err == nil {
			p.LastExternalYield = &y
		}
	}
	return &p, nil
}
