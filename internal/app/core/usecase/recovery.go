package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

const (
	recoveryBatchSize = 100
	reconcilePageSize = 500
)

// RecoveryReport Recover 的處理結果
type RecoveryReport struct {
	Committed   int
	Compensated int
	Failed      int
}

// Recover 處理停在 pending 的轉帳群組 (程序在兩階段之間中斷)
//
// 兩邊紀錄都存在時提交群組，只有轉出紀錄時沖正並標記 failed。
// olderThan 必須大於單筆轉帳最長的處理時間，避免與進行中的轉帳競爭
func (p *Processor) Recover(ctx context.Context, olderThan time.Duration) (RecoveryReport, error) {
	var report RecoveryReport
	cutoff := p.clock.Now().Add(-olderThan)

	stale, err := p.store.ListStalePending(ctx, domain.KindTransferOut, cutoff, recoveryBatchSize)
	if err != nil {
		return report, p.storageError("list stale pending", err)
	}

	for _, out := range stale {
		group, err := p.store.ListGroup(ctx, out.GroupID)
		if err != nil {
			return report, p.storageError("list group", err)
		}

		credited := false
		for _, rec := range group {
			if rec.Kind == domain.KindTransferIn {
				credited = true
				break
			}
		}

		if credited {
			err = p.store.UpdateGroupStatus(ctx, out.GroupID, domain.StatusPending, domain.StatusCommitted)
			if err == nil {
				report.Committed++
			}
		} else {
			_, err = p.compensate(ctx, out, "transfer recovery")
			if err == nil {
				report.Compensated++
			}
		}

		switch {
		case err == nil:
			p.logger.Info("recovered transfer group",
				slog.String("group_id", out.GroupID),
				slog.Bool("committed", credited),
			)
		case errors.Is(err, domain.ErrStatusTransition):
			// 已被其他流程處理
		default:
			report.Failed++
			p.logger.Error("recover transfer group failed",
				slog.String("group_id", out.GroupID),
				slog.Any("error", err),
			)
		}
	}
	return report, nil
}

// ReconcileReport 對帳結果
type ReconcileReport struct {
	AccountID   string `json:"accountId"`
	Balance     int64  `json:"balance"`
	Replayed    int64  `json:"replayed"`
	RecordCount int    `json:"recordCount"`
	Matched     bool   `json:"matched"`
}

// Reconcile 依序重放帳戶的稽核紀錄並與實際餘額比對
// 不一致時回傳完整的 report (Matched=false) 與 domain.ErrReconciliationMismatch
func (p *Processor) Reconcile(ctx context.Context, accountID string) (ReconcileReport, error) {
	report := ReconcileReport{AccountID: accountID}

	acc, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return report, p.storageError("get account", err)
	}
	report.Balance = acc.Balance

	var after uint64
	for {
		records, err := p.store.ListByAccount(ctx, accountID, after, reconcilePageSize)
		if err != nil {
			return report, p.storageError("list by account", err)
		}
		for _, rec := range records {
			report.Replayed += rec.SignedAmount()
			after = rec.Sequence
		}
		report.RecordCount += len(records)
		if len(records) < reconcilePageSize {
			break
		}
	}

	report.Matched = report.Replayed == report.Balance
	if !report.Matched {
		p.logger.Error("reconciliation mismatch",
			slog.String("account_id", accountID),
			slog.Int64("balance", report.Balance),
			slog.Int64("replayed", report.Replayed),
		)
		return report, fmt.Errorf("%w: account %s balance %d, replayed %d",
			domain.ErrReconciliationMismatch, accountID, report.Balance, report.Replayed)
	}
	return report, nil
}

// History 分頁列出帳戶的稽核紀錄 (舊到新)
func (p *Processor) History(ctx context.Context, accountID, cursor string, limit int) (domain.RecordPage, error) {
	if accountID == "" {
		return domain.RecordPage{}, domain.ErrInvalidAccountID
	}
	after, err := decodeCursor(cursor)
	if err != nil {
		return domain.RecordPage{}, err
	}
	limit = clampLimit(limit)

	// 多取一筆判斷是否有下一頁
	records, err := p.store.ListByAccount(ctx, accountID, after, limit+1)
	if err != nil {
		return domain.RecordPage{}, p.storageError("list by account", err)
	}

	page := domain.RecordPage{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.NextCursor = encodeCursor(page.Records[limit-1].Sequence)
	}
	if page.Records == nil {
		page.Records = []domain.TransactionRecord{}
	}
	return page, nil
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageLimit
	case limit > maxPageLimit:
		return maxPageLimit
	}
	return limit
}

func encodeCursor(seq uint64) string {
	return strconv.FormatUint(seq, 36)
}

func decodeCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(cursor, 36, 64)
	if err != nil {
		return 0, &domain.Error{Kind: domain.KindInvalidRequest, Message: "invalid cursor"}
	}
	return seq, nil
}
