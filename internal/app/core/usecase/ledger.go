package usecase

import (
	"context"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// AccountStore 帳戶儲存，只提供讀取與 CAS，不負責檢查餘額
type AccountStore interface {
	// GetAccount 取得帳戶，不存在時回傳 balance 0 / version 0 且不建立資料
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
	// CompareAndSwap 版本相符時更新餘額並回傳新的帳戶 (version+1)
	// expectedVersion 為 0 代表第一次寫入 (實體化)，版本不符回傳 domain.ErrVersionConflict
	CompareAndSwap(ctx context.Context, accountID string, expectedVersion int64, newBalance int64) (domain.Account, error)
}

// AuditLog 只能新增的稽核紀錄
type AuditLog interface {
	// Append 寫入紀錄並回填 Sequence
	Append(ctx context.Context, records ...*domain.TransactionRecord) error
	// ListByAccount 依寫入順序 (舊到新) 列出 Sequence 大於 after 的紀錄
	ListByAccount(ctx context.Context, accountID string, after uint64, limit int) ([]domain.TransactionRecord, error)
	// ListGroup 列出同一群組的紀錄，交易內呼叫時會鎖定群組直到交易結束
	ListGroup(ctx context.Context, groupID string) ([]domain.TransactionRecord, error)
	// FindByRequestToken 依冪等 token 查詢紀錄
	FindByRequestToken(ctx context.Context, requestToken string) ([]domain.TransactionRecord, error)
	// UpdateGroupStatus 群組內所有紀錄狀態 from -> to，沒有符合的紀錄回傳 domain.ErrStatusTransition
	UpdateGroupStatus(ctx context.Context, groupID string, from, to domain.Status) error
	// ListStalePending 列出建立時間早於 olderThan 且仍為 pending 的紀錄
	ListStalePending(ctx context.Context, kind domain.TransactionKind, olderThan time.Time, limit int) ([]domain.TransactionRecord, error)
}

// TxRunner 以同一個儲存層交易執行 fn，交易放在 ctx 中，巢狀呼叫沿用同一交易
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store 帳務儲存：帳戶與稽核紀錄必須在同一個交易內提交
type Store interface {
	AccountStore
	AuditLog
	TxRunner
}

// IdempotencyGuard 冪等保護
type IdempotencyGuard interface {
	// Reserve 以單次原子寫入保留 token
	Reserve(ctx context.Context, requestToken, fingerprint string) (domain.Reservation, error)
	// Complete 保存結果 (成功或確定性失敗)
	Complete(ctx context.Context, requestToken string, result domain.Result) error
	// Release 釋放保留，讓可重試的失敗能用同一個 token 重送
	Release(ctx context.Context, requestToken string) error
	// Purge 刪除過期紀錄，回傳刪除筆數
	Purge(ctx context.Context, now time.Time) (int, error)
}

// IdentityResolver 外部 auth：token -> 呼叫者
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (domain.Caller, error)
}

// Directory 外部使用者目錄
type Directory interface {
	AccountExists(ctx context.Context, accountID string) (bool, error)
}

// Notifier 外部通知，fire-and-forget
type Notifier interface {
	Notify(ctx context.Context, accountID string, kind string, payload map[string]any) error
}

// NotifierFunc 讓一般函式實作 Notifier
type NotifierFunc func(ctx context.Context, accountID string, kind string, payload map[string]any) error

func (f NotifierFunc) Notify(ctx context.Context, accountID string, kind string, payload map[string]any) error {
	return f(ctx, accountID, kind, payload)
}
