package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

const idempotencyHeader = "Idempotency-Key"

// LedgerAPI 由 usecase.CoreUseCase 實作
type LedgerAPI interface {
	GetBalance(ctx context.Context, caller domain.Caller, accountID string) (domain.Balance, error)
	Credit(ctx context.Context, caller domain.Caller, req usecase.CreditRequest) (domain.Result, error)
	Debit(ctx context.Context, caller domain.Caller, req usecase.DebitRequest) (domain.Result, error)
	Transfer(ctx context.Context, caller domain.Caller, req usecase.TransferRequest) (domain.Result, error)
	Withdraw(ctx context.Context, caller domain.Caller, req usecase.WithdrawRequest) (domain.Result, error)
	SettleWithdrawal(ctx context.Context, caller domain.Caller, req usecase.SettleRequest) (domain.Result, error)
	History(ctx context.Context, caller domain.Caller, accountID, cursor string, limit int) (domain.RecordPage, error)
	Reconcile(ctx context.Context, caller domain.Caller, accountID string) (usecase.ReconcileReport, error)
}

type LedgerHandler struct {
	api LedgerAPI
}

func NewLedgerHandler(api LedgerAPI) *LedgerHandler {
	return &LedgerHandler{api: api}
}

// requestToken Idempotency-Key header 優先，body 的 requestToken 為備援
func requestToken(c *gin.Context, body string) string {
	if token := c.GetHeader(idempotencyHeader); token != "" {
		return token
	}
	return body
}

// bind 解析 JSON 並驗證，失敗時已回應錯誤
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondValidation(c, []ValidationError{{Message: "request body is not valid JSON", Type: "json"}})
		return false
	}
	if details := ValidateRequest(req); len(details) > 0 {
		respondValidation(c, details)
		return false
	}
	return true
}

func (h *LedgerHandler) GetBalance(c *gin.Context) {
	balance, err := h.api.GetBalance(c.Request.Context(), GetCaller(c), c.Param("accountId"))
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondValidation(c, []ValidationError{{Field: "limit", Message: "limit must be a non-negative integer", Type: "numeric"}})
			return
		}
		limit = n
	}
	page, err := h.api.History(c.Request.Context(), GetCaller(c), c.Param("accountId"), c.Query("cursor"), limit)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	page.Records = domain.RedactRecords(page.Records)
	if page.Records == nil {
		page.Records = []domain.TransactionRecord{}
	}
	c.JSON(http.StatusOK, page)
}

func (h *LedgerHandler) Reconcile(c *gin.Context) {
	report, err := h.api.Reconcile(c.Request.Context(), GetCaller(c), c.Param("accountId"))
	// 不一致是對帳的結果，不是請求失敗
	if errors.Is(err, domain.ErrReconciliationMismatch) {
		c.JSON(http.StatusOK, report)
		return
	}
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *LedgerHandler) Credit(c *gin.Context) {
	var req creditRequest
	if !bind(c, &req) {
		return
	}
	amount, err := req.minorUnits()
	if err != nil {
		RespondWithError(c, err)
		return
	}
	res, err := h.api.Credit(c.Request.Context(), GetCaller(c), usecase.CreditRequest{
		AccountID:    c.Param("accountId"),
		Amount:       amount,
		Reason:       req.Reason,
		RequestToken: requestToken(c, req.RequestToken),
	})
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultResponse(res))
}

func (h *LedgerHandler) Debit(c *gin.Context) {
	var req creditRequest
	if !bind(c, &req) {
		return
	}
	amount, err := req.minorUnits()
	if err != nil {
		RespondWithError(c, err)
		return
	}
	res, err := h.api.Debit(c.Request.Context(), GetCaller(c), usecase.DebitRequest{
		AccountID:    c.Param("accountId"),
		Amount:       amount,
		Reason:       req.Reason,
		RequestToken: requestToken(c, req.RequestToken),
	})
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultResponse(res))
}

func (h *LedgerHandler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if !bind(c, &req) {
		return
	}
	amount, err := req.minorUnits()
	if err != nil {
		RespondWithError(c, err)
		return
	}
	res, err := h.api.Withdraw(c.Request.Context(), GetCaller(c), usecase.WithdrawRequest{
		AccountID:      c.Param("accountId"),
		Amount:         amount,
		Method:         req.Method,
		AccountDetails: req.AccountDetails,
		RequestToken:   requestToken(c, req.RequestToken),
	})
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toResultResponse(res))
}

func (h *LedgerHandler) Transfer(c *gin.Context) {
	var req transferRequest
	if !bind(c, &req) {
		return
	}
	amount, err := req.minorUnits()
	if err != nil {
		RespondWithError(c, err)
		return
	}
	res, err := h.api.Transfer(c.Request.Context(), GetCaller(c), usecase.TransferRequest{
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        amount,
		Reason:        req.Reason,
		RequestToken:  requestToken(c, req.RequestToken),
	})
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultResponse(res))
}

func (h *LedgerHandler) SettleWithdrawal(c *gin.Context) {
	var req settleRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.api.SettleWithdrawal(c.Request.Context(), GetCaller(c), usecase.SettleRequest{
		TransactionID: c.Param("transactionId"),
		Approved:      req.Decision == "approved",
		Reason:        req.Reason,
	})
	if err != nil {
		RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultResponse(res))
}
