package usecase

import (
	"context"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

const defaultValidateTimeout = 2 * time.Second

// CoreUseCase 是對外的 Ledger API
// 只負責身分檢查與請求逾時，業務邏輯都在 Processor
type CoreUseCase struct {
	processor       *Processor
	validateTimeout time.Duration
}

// CoreOption 定義 CoreUseCase 的配置選項函數
type CoreOption func(*CoreUseCase)

// WithValidateTimeout 設定讀取/驗證階段的逾時
func WithValidateTimeout(d time.Duration) CoreOption {
	return func(c *CoreUseCase) {
		if d > 0 {
			c.validateTimeout = d
		}
	}
}

func NewCoreUseCase(processor *Processor, opts ...CoreOption) *CoreUseCase {
	c := &CoreUseCase{
		processor:       processor,
		validateTimeout: defaultValidateTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreditRequest 入帳請求
type CreditRequest struct {
	AccountID    string
	Amount       int64
	Reason       string
	RequestToken string
}

// DebitRequest 扣款請求
type DebitRequest struct {
	AccountID    string
	Amount       int64
	Reason       string
	RequestToken string
}

// TransferRequest 轉帳請求
type TransferRequest struct {
	FromAccountID string
	ToAccountID   string
	Amount        int64
	Reason        string
	RequestToken  string
}

// WithdrawRequest 提領請求
type WithdrawRequest struct {
	AccountID      string
	Amount         int64
	Method         string
	AccountDetails string
	RequestToken   string
}

// SettleRequest 提領結算請求
type SettleRequest struct {
	TransactionID string
	Approved      bool
	Reason        string
}

// GetBalance 取得帳戶餘額
func (c *CoreUseCase) GetBalance(ctx context.Context, caller domain.Caller, accountID string) (domain.Balance, error) {
	if err := caller.CanActOn(accountID); err != nil {
		return domain.Balance{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()
	return c.processor.GetBalance(ctx, accountID)
}

// Credit 入帳，系統呼叫者可入帳到任何帳戶
func (c *CoreUseCase) Credit(ctx context.Context, caller domain.Caller, req CreditRequest) (domain.Result, error) {
	if err := caller.CanCredit(req.AccountID); err != nil {
		return domain.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()
	return c.processor.Credit(ctx, req.AccountID, req.Amount, req.Reason, req.RequestToken)
}

// Debit 扣款，只有帳戶本人可以
func (c *CoreUseCase) Debit(ctx context.Context, caller domain.Caller, req DebitRequest) (domain.Result, error) {
	if err := caller.CanActOn(req.AccountID); err != nil {
		return domain.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()
	return c.processor.Debit(ctx, req.AccountID, req.Amount, req.Reason, req.RequestToken)
}

// Transfer 轉帳，呼叫者必須是轉出方
func (c *CoreUseCase) Transfer(ctx context.Context, caller domain.Caller, req TransferRequest) (domain.Result, error) {
	if err := caller.CanActOn(req.FromAccountID); err != nil {
		return domain.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()
	return c.processor.Transfer(ctx, req.FromAccountID, req.ToAccountID, req.Amount, req.Reason, req.RequestToken)
}

// Withdraw 提領，只有帳戶本人可以
func (c *CoreUseCase) Withdraw(ctx context.Context, caller domain.Caller, req WithdrawRequest) (domain.Result, error) {
	if err := caller.CanActOn(req.AccountID); err != nil {
		return domain.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()
	return c.processor.Withdraw(ctx, req.AccountID, req.Amount, req.Method, req.AccountDetails, req.RequestToken)
}

// SettleWithdrawal 只有系統呼叫者 (金流回呼) 可以結算提領
func (c *CoreUseCase) SettleWithdrawal(ctx context.Context, caller domain.Caller, req SettleRequest) (domain.Result, error) {
	if !caller.System {
		return domain.Result{}, domain.ErrForbidden
	}
	ctx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()
	return c.processor.SettleWithdrawal(ctx, req.TransactionID, req.Approved, req.Reason)
}

// History 分頁查詢交易紀錄
func (c *CoreUseCase) History(ctx context.Context, caller domain.Caller, accountID, cursor string, limit int) (domain.RecordPage, error) {
	if err := caller.CanActOn(accountID); err != nil {
		return domain.RecordPage{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.validateTimeout)
	defer cancel()
	return c.processor.History(ctx, accountID, cursor, limit)
}

// Reconcile 對帳
func (c *CoreUseCase) Reconcile(ctx context.Context, caller domain.Caller, accountID string) (ReconcileReport, error) {
	if err := caller.CanAudit(accountID); err != nil {
		return ReconcileReport{}, err
	}
	return c.processor.Reconcile(ctx, accountID)
}
