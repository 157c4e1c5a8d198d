package usecase

import (
	"context"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// Withdraw 提領：扣款並建立 pending 的提領紀錄，實際出款由外部金流處理
func (p *Processor) Withdraw(ctx context.Context, accountID string, amount int64, method, accountDetails, requestToken string) (domain.Result, error) {
	if err := validateSingle(accountID, amount, requestToken); err != nil {
		return domain.Result{}, err
	}
	fp := fingerprint("withdraw", accountID, amount, method, accountDetails)
	return p.idempotent(ctx, requestToken, fp, func(ctx context.Context) (domain.Result, error) {
		return p.single(ctx, domain.KindWithdraw, domain.StatusPending, accountID, amount, requestToken, func(rec *domain.TransactionRecord) {
			rec.Method = method
			rec.AccountDetails = accountDetails
		})
	})
}

// SettleWithdrawal 外部金流回報提領結果
//
// 參數:
//
//	ctx: 上下文
//	transactionID: 提領交易 ID
//	approved: true 出款成功 (committed)，false 出款被拒 (沖正入帳並標記 failed)
//	reason: 結算說明
//
// 回傳:
//
//	domain.Result: 提領帳戶的最新狀態
//	error: 找不到交易、已結算過 (ErrStatusTransition) 或儲存層錯誤
func (p *Processor) SettleWithdrawal(ctx context.Context, transactionID string, approved bool, reason string) (domain.Result, error) {
	rec, err := p.findWithdrawal(ctx, transactionID)
	if err != nil {
		return domain.Result{}, err
	}
	if rec.Status != domain.StatusPending {
		return domain.Result{}, domain.ErrStatusTransition
	}

	if !approved {
		reversal, err := p.compensate(context.WithoutCancel(ctx), rec, "withdrawal rejected: "+reason)
		if err != nil {
			return domain.Result{}, err
		}
		rec.Status = domain.StatusFailed
		return domain.Result{
			TransactionID: reversal.TransactionID,
			GroupID:       rec.GroupID,
			AccountID:     rec.AccountID,
			BalanceAfter:  reversal.BalanceAfter,
			Records:       []domain.TransactionRecord{rec, reversal},
		}, nil
	}

	if err := p.store.UpdateGroupStatus(context.WithoutCancel(ctx), rec.GroupID, domain.StatusPending, domain.StatusCommitted); err != nil {
		return domain.Result{}, p.storageError("settle withdrawal", err)
	}
	rec.Status = domain.StatusCommitted
	balance, err := p.GetBalance(ctx, rec.AccountID)
	if err != nil {
		return domain.Result{}, err
	}
	p.notify(ctx, rec.AccountID, "WithdrawSettled", map[string]any{
		"transactionId": rec.TransactionID,
		"amount":        rec.Amount,
	})
	return domain.Result{
		TransactionID: rec.TransactionID,
		GroupID:       rec.GroupID,
		AccountID:     rec.AccountID,
		BalanceAfter:  balance.Balance,
		Records:       []domain.TransactionRecord{rec},
	}, nil
}

func (p *Processor) findWithdrawal(ctx context.Context, transactionID string) (domain.TransactionRecord, error) {
	if transactionID == "" {
		return domain.TransactionRecord{}, domain.ErrTransactionNotFound
	}
	// 提領紀錄的 GroupID 等於自己的 TransactionID
	records, err := p.store.ListGroup(ctx, transactionID)
	if err != nil {
		return domain.TransactionRecord{}, p.storageError("list group", err)
	}
	for _, rec := range records {
		if rec.TransactionID == transactionID && rec.Kind == domain.KindWithdraw {
			return rec, nil
		}
	}
	return domain.TransactionRecord{}, domain.ErrTransactionNotFound
}
