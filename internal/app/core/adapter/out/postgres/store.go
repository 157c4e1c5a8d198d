package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/clock"
)

const recordColumns = `seq, transaction_id, group_id, kind, status, account_id, counterparty_account_id,
	amount, balance_before, balance_after, request_token, reason, method, account_details, created_at`

// Store 以 PostgreSQL (pgx) 實作帳戶、稽核紀錄與冪等保護
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
	ttl   time.Duration
	lease time.Duration
}

// Option 定義 Store 的配置選項函數
type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithIdempotencyTTL 設定冪等紀錄保存時間與處理中租約
func WithIdempotencyTTL(ttl, lease time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
		if lease > 0 {
			s.lease = lease
		}
	}
}

func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:  pool,
		clock: clock.NewSystem(),
		ttl:   24 * time.Hour,
		lease: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	acc := domain.Account{ID: accountID}
	err := s.q(ctx).QueryRow(ctx,
		`SELECT balance, version, updated_at FROM accounts WHERE id = $1`, accountID,
	).Scan(&acc.Balance, &acc.Version, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewAccount(accountID), nil
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

// CompareAndSwap expectedVersion 為 0 時 INSERT，否則 UPDATE ... WHERE version = $n
func (s *Store) CompareAndSwap(ctx context.Context, accountID string, expectedVersion int64, newBalance int64) (domain.Account, error) {
	now := s.clock.Now()
	if expectedVersion == 0 {
		_, err := s.q(ctx).Exec(ctx,
			`INSERT INTO accounts (id, balance, version, updated_at) VALUES ($1, $2, 1, $3)`,
			accountID, newBalance, now)
		if isUniqueViolation(err) {
			return domain.Account{}, domain.ErrVersionConflict
		}
		if err != nil {
			return domain.Account{}, fmt.Errorf("insert account: %w", err)
		}
		return domain.Account{ID: accountID, Balance: newBalance, Version: 1, UpdatedAt: now}, nil
	}

	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
		 WHERE id = $3 AND version = $4`,
		newBalance, now, accountID, expectedVersion)
	if err != nil {
		return domain.Account{}, fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Account{}, domain.ErrVersionConflict
	}
	return domain.Account{ID: accountID, Balance: newBalance, Version: expectedVersion + 1, UpdatedAt: now}, nil
}

func (s *Store) Append(ctx context.Context, records ...*domain.TransactionRecord) error {
	for _, rec := range records {
		err := s.q(ctx).QueryRow(ctx, `
INSERT INTO transactions (transaction_id, group_id, kind, status, account_id, counterparty_account_id,
	amount, balance_before, balance_after, request_token, reason, method, account_details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING seq`,
			rec.TransactionID, rec.GroupID, int16(rec.Kind), string(rec.Status), rec.AccountID, rec.CounterpartyAccountID,
			rec.Amount, rec.BalanceBefore, rec.BalanceAfter, rec.RequestToken, rec.Reason, rec.Method, rec.AccountDetails, rec.CreatedAt,
		).Scan(&rec.Sequence)
		if err != nil {
			return fmt.Errorf("append transaction %s: %w", rec.TransactionID, err)
		}
	}
	return nil
}

func (s *Store) UpdateGroupStatus(ctx context.Context, groupID string, from, to domain.Status) error {
	tag, err := s.q(ctx).Exec(ctx,
		`UPDATE transactions SET status = $1 WHERE group_id = $2 AND status = $3`,
		string(to), groupID, string(from))
	if err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStatusTransition
	}
	return nil
}

func (s *Store) ListByAccount(ctx context.Context, accountID string, after uint64, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		return s.list(ctx, `SELECT `+recordColumns+` FROM transactions
WHERE account_id = $1 AND seq > $2 ORDER BY seq`, accountID, int64(after))
	}
	return s.list(ctx, `SELECT `+recordColumns+` FROM transactions
WHERE account_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`, accountID, int64(after), limit)
}

// ListGroup 在交易內以 FOR UPDATE 鎖定群組，與同時進行的沖正或提交互斥
func (s *Store) ListGroup(ctx context.Context, groupID string) ([]domain.TransactionRecord, error) {
	sql := `SELECT ` + recordColumns + ` FROM transactions WHERE group_id = $1 ORDER BY seq`
	if txFromContext(ctx) != nil {
		sql += ` FOR UPDATE`
	}
	return s.list(ctx, sql, groupID)
}

func (s *Store) FindByRequestToken(ctx context.Context, requestToken string) ([]domain.TransactionRecord, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM transactions WHERE request_token = $1 ORDER BY seq`, requestToken)
}

func (s *Store) ListStalePending(ctx context.Context, kind domain.TransactionKind, olderThan time.Time, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.list(ctx, `SELECT `+recordColumns+` FROM transactions
WHERE kind = $1 AND status = $2 AND created_at < $3 ORDER BY seq LIMIT $4`,
		int16(kind), string(domain.StatusPending), olderThan, limit)
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]domain.TransactionRecord, error) {
	rows, err := s.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.TransactionRecord
	for rows.Next() {
		var (
			rec    domain.TransactionRecord
			seq    int64
			kind   int16
			status string
		)
		if err := rows.Scan(&seq, &rec.TransactionID, &rec.GroupID, &kind, &status, &rec.AccountID, &rec.CounterpartyAccountID,
			&rec.Amount, &rec.BalanceBefore, &rec.BalanceAfter, &rec.RequestToken, &rec.Reason, &rec.Method, &rec.AccountDetails,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.Kind = domain.TransactionKind(kind)
		rec.Status = domain.Status(status)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ usecase.Store = (*Store)(nil)
