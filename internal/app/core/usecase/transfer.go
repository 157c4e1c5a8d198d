package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// Transfer 兩階段轉帳
//
// (a) 扣款轉出方，紀錄為 pending
// (b) 入帳轉入方，紀錄為 pending
// (c) 整個群組標記為 committed
//
// (b) 失敗時以沖正入帳退回轉出方並將群組標記為 failed。
// 沖正也失敗時群組維持 pending，交由 Recover 處理
func (p *Processor) Transfer(ctx context.Context, fromAccountID, toAccountID string, amount int64, reason, requestToken string) (domain.Result, error) {
	if err := validateSingle(fromAccountID, amount, requestToken); err != nil {
		return domain.Result{}, err
	}
	if toAccountID == "" {
		return domain.Result{}, domain.ErrUnknownAccount
	}
	if fromAccountID == toAccountID {
		return domain.Result{}, domain.ErrSelfTransfer
	}
	if err := p.resolveRecipient(ctx, toAccountID); err != nil {
		return domain.Result{}, err
	}

	fp := fingerprint("transfer", fromAccountID, toAccountID, amount, reason)
	return p.idempotent(ctx, requestToken, fp, func(ctx context.Context) (domain.Result, error) {
		return p.transfer(ctx, fromAccountID, toAccountID, amount, reason, requestToken)
	})
}

func (p *Processor) transfer(ctx context.Context, fromAccountID, toAccountID string, amount int64, reason, requestToken string) (domain.Result, error) {
	groupID := domain.NewGroupID()
	outID := domain.NewTransactionID()
	inID := domain.NewTransactionID()

	// (a) 轉出
	var out domain.TransactionRecord
	_, err := p.apply(ctx, fromAccountID, func(acc domain.Account) (int64, error) {
		return acc.Debit(amount)
	}, func(ctx context.Context, before, after domain.Account) error {
		out = domain.TransactionRecord{
			TransactionID:         outID,
			GroupID:               groupID,
			Kind:                  domain.KindTransferOut,
			Status:                domain.StatusPending,
			AccountID:             fromAccountID,
			CounterpartyAccountID: toAccountID,
			Amount:                amount,
			BalanceBefore:         before.Balance,
			BalanceAfter:          after.Balance,
			RequestToken:          requestToken,
			Reason:                reason,
			CreatedAt:             p.clock.Now(),
		}
		return p.store.Append(ctx, &out)
	})
	if err != nil {
		return domain.Result{}, err
	}

	// 轉出已提交，之後的步驟不受呼叫端取消影響
	ctx = context.WithoutCancel(ctx)

	// (b) 轉入
	var in domain.TransactionRecord
	_, err = p.apply(ctx, toAccountID, func(acc domain.Account) (int64, error) {
		return acc.Credit(amount)
	}, func(ctx context.Context, before, after domain.Account) error {
		// Recover 可能已在 (a)(b) 之間沖正轉出，此時不可再入帳
		if err := p.requireGroupStatus(ctx, groupID, outID, domain.StatusPending); err != nil {
			return err
		}
		in = domain.TransactionRecord{
			TransactionID:         inID,
			GroupID:               groupID,
			Kind:                  domain.KindTransferIn,
			Status:                domain.StatusPending,
			AccountID:             toAccountID,
			CounterpartyAccountID: fromAccountID,
			Amount:                amount,
			BalanceBefore:         before.Balance,
			BalanceAfter:          after.Balance,
			RequestToken:          requestToken,
			Reason:                reason,
			CreatedAt:             p.clock.Now(),
		}
		return p.store.Append(ctx, &in)
	})
	if errors.Is(err, domain.ErrStatusTransition) {
		p.logger.Warn("transfer group resolved by recovery before credit, aborting",
			slog.String("group_id", groupID),
		)
		return domain.Result{}, domain.ErrConflict
	}
	if err != nil {
		p.logger.Warn("transfer credit failed, compensating",
			slog.String("group_id", groupID),
			slog.Any("error", err),
		)
		if _, cerr := p.compensate(ctx, out, "transfer to "+toAccountID+" failed"); cerr != nil {
			p.logger.Error("transfer compensation failed, left pending for recovery",
				slog.String("group_id", groupID),
				slog.Any("error", cerr),
			)
			return domain.Result{}, &outcomePendingError{err: err}
		}
		return domain.Result{}, err
	}

	// (c) 提交
	if err := p.store.UpdateGroupStatus(ctx, groupID, domain.StatusPending, domain.StatusCommitted); err != nil {
		p.logger.Error("transfer commit failed, left pending for recovery",
			slog.String("group_id", groupID),
			slog.Any("error", err),
		)
		return domain.Result{}, &outcomePendingError{err: p.storageError("commit transfer group", err)}
	}
	out.Status = domain.StatusCommitted
	in.Status = domain.StatusCommitted

	p.notify(ctx, fromAccountID, domain.KindTransferOut.String(), map[string]any{
		"transactionId": out.TransactionID,
		"groupId":       groupID,
		"to":            toAccountID,
		"amount":        amount,
		"balanceAfter":  out.BalanceAfter,
	})
	p.notify(ctx, toAccountID, domain.KindTransferIn.String(), map[string]any{
		"transactionId": in.TransactionID,
		"groupId":       groupID,
		"from":          fromAccountID,
		"amount":        amount,
	})

	return domain.Result{
		TransactionID: out.TransactionID,
		GroupID:       groupID,
		AccountID:     fromAccountID,
		BalanceAfter:  out.BalanceAfter,
		Records:       []domain.TransactionRecord{out, in},
	}, nil
}

// compensate 對 pending 的出帳紀錄做沖正入帳，並將群組標記為 failed (同一交易)
//
// 參數:
//
//	ctx: 上下文
//	rec: 被沖正的出帳紀錄 (TransferOut 或 Withdraw)
//	reason: 沖正原因
//
// 回傳:
//
//	domain.TransactionRecord: 沖正紀錄
//	error: 群組已不在 pending 時回傳 domain.ErrStatusTransition
func (p *Processor) compensate(ctx context.Context, rec domain.TransactionRecord, reason string) (domain.TransactionRecord, error) {
	reversalID := domain.NewTransactionID()
	var reversal domain.TransactionRecord
	_, err := p.apply(ctx, rec.AccountID, func(acc domain.Account) (int64, error) {
		return acc.Credit(rec.Amount)
	}, func(ctx context.Context, before, after domain.Account) error {
		if err := p.store.UpdateGroupStatus(ctx, rec.GroupID, domain.StatusPending, domain.StatusFailed); err != nil {
			return err
		}
		// 轉入已入帳的群組只能提交，不可沖正
		if rec.Kind == domain.KindTransferOut {
			group, err := p.store.ListGroup(ctx, rec.GroupID)
			if err != nil {
				return err
			}
			for _, g := range group {
				if g.Kind == domain.KindTransferIn {
					return domain.ErrStatusTransition
				}
			}
		}
		reversal = domain.TransactionRecord{
			TransactionID:         reversalID,
			GroupID:               rec.GroupID,
			Kind:                  domain.KindReversal,
			Status:                domain.StatusCommitted,
			AccountID:             rec.AccountID,
			CounterpartyAccountID: rec.CounterpartyAccountID,
			Amount:                rec.Amount,
			BalanceBefore:         before.Balance,
			BalanceAfter:          after.Balance,
			RequestToken:          rec.RequestToken,
			Reason:                reason,
			CreatedAt:             p.clock.Now(),
		}
		return p.store.Append(ctx, &reversal)
	})
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	p.notify(ctx, rec.AccountID, domain.KindReversal.String(), map[string]any{
		"transactionId": reversal.TransactionID,
		"groupId":       rec.GroupID,
		"amount":        reversal.Amount,
		"balanceAfter":  reversal.BalanceAfter,
	})
	return reversal, nil
}

// requireGroupStatus 確認群組中的 transactionID 仍為 status (交易內呼叫會鎖定群組)
func (p *Processor) requireGroupStatus(ctx context.Context, groupID, transactionID string, status domain.Status) error {
	group, err := p.store.ListGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, rec := range group {
		if rec.TransactionID == transactionID {
			if rec.Status != status {
				return domain.ErrStatusTransition
			}
			return nil
		}
	}
	return domain.ErrStatusTransition
}

// resolveRecipient 確認收款帳戶存在，查詢失敗視為儲存層錯誤
func (p *Processor) resolveRecipient(ctx context.Context, accountID string) error {
	if p.directory == nil {
		return nil
	}
	exists, err := p.directory.AccountExists(ctx, accountID)
	if err != nil {
		return p.storageError("resolve recipient", err)
	}
	if !exists {
		return domain.ErrUnknownAccount
	}
	return nil
}
