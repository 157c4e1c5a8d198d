package rest

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// NewRouter 建立 HTTP 路由，gin mode 由呼叫端設定
func NewRouter(api LedgerAPI, resolver usecase.IdentityResolver, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), RequestLogger(logger), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := NewLedgerHandler(api)
	v1 := r.Group("/v1", AuthMiddleware(resolver))
	{
		accounts := v1.Group("/accounts/:accountId")
		accounts.GET("/balance", h.GetBalance)
		accounts.GET("/transactions", h.ListTransactions)
		accounts.GET("/reconcile", h.Reconcile)
		accounts.POST("/credit", h.Credit)
		accounts.POST("/debit", h.Debit)
		accounts.POST("/withdraw", h.Withdraw)

		v1.POST("/transfers", h.Transfer)
		v1.POST("/withdrawals/:transactionId/settle", h.SettleWithdrawal)
	}
	return r
}
