package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/clock"
	"github.com/JoeShih716/go-wallet-ledger/pkg/mysql"
)

// sqlAccount 對應資料庫的 accounts 表
type sqlAccount struct {
	ID        string `gorm:"primaryKey;size:64"`
	Balance   int64
	Version   int64
	UpdatedAt int64 `gorm:"autoUpdateTime:milli"` // 自動更新時間
}

func (*sqlAccount) TableName() string {
	return "accounts"
}

// sqlTransaction 對應資料庫的 transactions 表 (稽核紀錄)
type sqlTransaction struct {
	Seq                   uint64    `gorm:"primaryKey;autoIncrement"`
	TransactionID         string    `gorm:"size:64;uniqueIndex"`
	GroupID               string    `gorm:"size:64;index"`
	Kind                  uint8     `gorm:"index:idx_kind_status"`
	Status                string    `gorm:"size:16;index:idx_kind_status"`
	AccountID             string    `gorm:"size:64;index"`
	CounterpartyAccountID string    `gorm:"size:64"`
	Amount                int64
	BalanceBefore         int64
	BalanceAfter          int64
	RequestToken          string    `gorm:"size:128;index"`
	Reason                string    `gorm:"size:255"`
	Method                string    `gorm:"size:32"`
	AccountDetails        string    `gorm:"size:255"`
	CreatedAt             time.Time `gorm:"precision:6;index"`
}

func (*sqlTransaction) TableName() string {
	return "transactions"
}

func toSQLTransaction(rec *domain.TransactionRecord) sqlTransaction {
	return sqlTransaction{
		TransactionID:         rec.TransactionID,
		GroupID:               rec.GroupID,
		Kind:                  uint8(rec.Kind),
		Status:                string(rec.Status),
		AccountID:             rec.AccountID,
		CounterpartyAccountID: rec.CounterpartyAccountID,
		Amount:                rec.Amount,
		BalanceBefore:         rec.BalanceBefore,
		BalanceAfter:          rec.BalanceAfter,
		RequestToken:          rec.RequestToken,
		Reason:                rec.Reason,
		Method:                rec.Method,
		AccountDetails:        rec.AccountDetails,
		CreatedAt:             rec.CreatedAt,
	}
}

func (t sqlTransaction) toDomain() domain.TransactionRecord {
	return domain.TransactionRecord{
		Sequence:              t.Seq,
		TransactionID:         t.TransactionID,
		GroupID:               t.GroupID,
		Kind:                  domain.TransactionKind(t.Kind),
		Status:                domain.Status(t.Status),
		AccountID:             t.AccountID,
		CounterpartyAccountID: t.CounterpartyAccountID,
		Amount:                t.Amount,
		BalanceBefore:         t.BalanceBefore,
		BalanceAfter:          t.BalanceAfter,
		RequestToken:          t.RequestToken,
		Reason:                t.Reason,
		Method:                t.Method,
		AccountDetails:        t.AccountDetails,
		CreatedAt:             t.CreatedAt.UTC(),
	}
}

type txKey struct{}

// MySQLLedger 以 MySQL (GORM) 實作帳戶、稽核紀錄與冪等保護
type MySQLLedger struct {
	client *mysql.Client
	clock  clock.Clock
	ttl    time.Duration
	lease  time.Duration
}

// Option 定義 MySQLLedger 的配置選項函數
type Option func(*MySQLLedger)

// WithClock 設定時間來源
func WithClock(c clock.Clock) Option {
	return func(l *MySQLLedger) {
		l.clock = c
	}
}

// WithIdempotencyTTL 設定冪等紀錄保存時間與處理中租約
func WithIdempotencyTTL(ttl, lease time.Duration) Option {
	return func(l *MySQLLedger) {
		if ttl > 0 {
			l.ttl = ttl
		}
		if lease > 0 {
			l.lease = lease
		}
	}
}

func NewMySQLLedger(client *mysql.Client, opts ...Option) *MySQLLedger {
	l := &MySQLLedger{
		client: client,
		clock:  clock.NewSystem(),
		ttl:    24 * time.Hour,
		lease:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Migrate 建立或更新資料表
func (l *MySQLLedger) Migrate(ctx context.Context) error {
	return l.client.DB().WithContext(ctx).AutoMigrate(&sqlAccount{}, &sqlTransaction{}, &sqlIdempotency{})
}

// db 交易中回傳交易的連線，否則回傳連線池
func (l *MySQLLedger) db(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return l.client.DB().WithContext(ctx)
}

// WithTx 以單一 DB Transaction 執行 fn，巢狀呼叫沿用外層交易
func (l *MySQLLedger) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return l.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// GetAccount 取得帳戶，不存在時回傳未實體化的帳戶
func (l *MySQLLedger) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	var row sqlAccount
	err := l.db(ctx).Where("id = ?", accountID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NewAccount(accountID), nil
	}
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{
		ID:        row.ID,
		Balance:   row.Balance,
		Version:   row.Version,
		UpdatedAt: time.UnixMilli(row.UpdatedAt).UTC(),
	}, nil
}

// CompareAndSwap 樂觀鎖更新：UPDATE ... WHERE version = expectedVersion
// expectedVersion 為 0 時 INSERT，主鍵重複代表其他請求已先實體化
func (l *MySQLLedger) CompareAndSwap(ctx context.Context, accountID string, expectedVersion int64, newBalance int64) (domain.Account, error) {
	now := l.clock.Now()
	db := l.db(ctx)

	if expectedVersion == 0 {
		row := sqlAccount{ID: accountID, Balance: newBalance, Version: 1, UpdatedAt: now.UnixMilli()}
		if err := db.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.Account{}, domain.ErrVersionConflict
			}
			return domain.Account{}, err
		}
		return domain.Account{ID: accountID, Balance: newBalance, Version: 1, UpdatedAt: now}, nil
	}

	res := db.Model(&sqlAccount{}).
		Where("id = ? AND version = ?", accountID, expectedVersion).
		Updates(map[string]any{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now.UnixMilli(),
		})
	if res.Error != nil {
		return domain.Account{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Account{}, domain.ErrVersionConflict
	}
	return domain.Account{ID: accountID, Balance: newBalance, Version: expectedVersion + 1, UpdatedAt: now}, nil
}

// Append 寫入稽核紀錄，Sequence 為自增主鍵
func (l *MySQLLedger) Append(ctx context.Context, records ...*domain.TransactionRecord) error {
	db := l.db(ctx)
	for _, rec := range records {
		row := toSQLTransaction(rec)
		if err := db.Create(&row).Error; err != nil {
			return err
		}
		rec.Sequence = row.Seq
	}
	return nil
}

// UpdateGroupStatus 只更新狀態為 from 的紀錄
func (l *MySQLLedger) UpdateGroupStatus(ctx context.Context, groupID string, from, to domain.Status) error {
	res := l.db(ctx).Model(&sqlTransaction{}).
		Where("group_id = ? AND status = ?", groupID, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStatusTransition
	}
	return nil
}

func (l *MySQLLedger) ListByAccount(ctx context.Context, accountID string, after uint64, limit int) ([]domain.TransactionRecord, error) {
	q := l.db(ctx).Where("account_id = ? AND seq > ?", accountID, after).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return l.find(q)
}

// ListGroup 在交易內以 FOR UPDATE 鎖定群組，與同時進行的沖正或提交互斥
func (l *MySQLLedger) ListGroup(ctx context.Context, groupID string) ([]domain.TransactionRecord, error) {
	q := l.db(ctx).Where("group_id = ?", groupID).Order("seq ASC")
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return l.find(q)
}

func (l *MySQLLedger) FindByRequestToken(ctx context.Context, requestToken string) ([]domain.TransactionRecord, error) {
	return l.find(l.db(ctx).Where("request_token = ?", requestToken).Order("seq ASC"))
}

func (l *MySQLLedger) ListStalePending(ctx context.Context, kind domain.TransactionKind, olderThan time.Time, limit int) ([]domain.TransactionRecord, error) {
	q := l.db(ctx).
		Where("kind = ? AND status = ? AND created_at < ?", uint8(kind), string(domain.StatusPending), olderThan).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return l.find(q)
}

func (l *MySQLLedger) find(q *gorm.DB) ([]domain.TransactionRecord, error) {
	var rows []sqlTransaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.TransactionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

var _ usecase.Store = (*MySQLLedger)(nil)
