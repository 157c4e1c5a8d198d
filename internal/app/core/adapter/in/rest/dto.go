package rest

import (
	"encoding/json"
	"strconv"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// amountFields amount 為最小單位 (整數)，displayAmount 為顯示單位 (例如 "12.5")，擇一提供
type amountFields struct {
	Amount        json.Number `json:"amount" validate:"required_without=DisplayAmount"`
	DisplayAmount string      `json:"displayAmount" validate:"omitempty,numeric"`
}

func (a amountFields) minorUnits() (int64, error) {
	if a.DisplayAmount != "" {
		return domain.ParseAmount(a.DisplayAmount)
	}
	n, err := strconv.ParseInt(a.Amount.String(), 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidAmount
	}
	return n, nil
}

type creditRequest struct {
	amountFields
	Reason       string `json:"reason" validate:"max=255"`
	RequestToken string `json:"requestToken" validate:"max=128"`
}

type withdrawRequest struct {
	amountFields
	Method         string `json:"method" validate:"required,max=32"`
	AccountDetails string `json:"accountDetails" validate:"required,max=255"`
	RequestToken   string `json:"requestToken" validate:"max=128"`
}

type transferRequest struct {
	amountFields
	FromAccountID string `json:"fromAccountId" validate:"required,max=64"`
	ToAccountID   string `json:"toAccountId" validate:"required,max=64"`
	Reason        string `json:"reason" validate:"max=255"`
	RequestToken  string `json:"requestToken" validate:"max=128"`
}

type settleRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Reason   string `json:"reason" validate:"max=255"`
}

// ResultResponse 異動操作的回應
type ResultResponse struct {
	TransactionID string                     `json:"transactionId"`
	GroupID       string                     `json:"groupId"`
	AccountID     string                     `json:"accountId"`
	BalanceAfter  int64                      `json:"balanceAfter"`
	Display       string                     `json:"display"`
	Records       []domain.TransactionRecord `json:"records,omitempty"`
}

func toResultResponse(res domain.Result) ResultResponse {
	return ResultResponse{
		TransactionID: res.TransactionID,
		GroupID:       res.GroupID,
		AccountID:     res.AccountID,
		BalanceAfter:  res.BalanceAfter,
		Display:       domain.FormatAmount(res.BalanceAfter),
		Records:       domain.RedactRecords(res.Records),
	}
}
