package rest

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

const (
	callerKey       = "caller"
	requestIDKey    = "requestId"
	requestIDHeader = "X-Request-ID"
)

// AuthMiddleware 以 Authorization: Bearer <jwt> 解析呼叫者
func AuthMiddleware(resolver usecase.IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			RespondWithError(c, domain.ErrUnauthenticated)
			return
		}
		caller, err := resolver.ResolveIdentity(c.Request.Context(), header)
		if err != nil {
			RespondWithError(c, err)
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// GetCaller 取得已驗證的呼叫者，未經過 AuthMiddleware 時回傳零值
func GetCaller(c *gin.Context) domain.Caller {
	v, ok := c.Get(callerKey)
	if !ok {
		return domain.Caller{}
	}
	caller, _ := v.(domain.Caller)
	return caller
}

// RequestID 沿用 X-Request-ID 或產生新的
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger 以 slog 記錄每個請求
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", status),
			slog.String("request_id", c.GetString(requestIDKey)),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
