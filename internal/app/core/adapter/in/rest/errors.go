package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

var kindStatus = map[domain.ErrorKind]int{
	domain.KindInvalidAmount:           http.StatusBadRequest,
	domain.KindSelfTransfer:            http.StatusBadRequest,
	domain.KindMissingIdempotencyToken: http.StatusBadRequest,
	domain.KindIdempotencyTokenReused:  http.StatusUnprocessableEntity,
	domain.KindInvalidRequest:          http.StatusBadRequest,
	domain.KindInsufficientFunds:       http.StatusPaymentRequired,
	domain.KindUnknownAccount:          http.StatusNotFound,
	domain.KindNotFound:                http.StatusNotFound,
	domain.KindConflict:                http.StatusConflict,
	domain.KindForbidden:               http.StatusForbidden,
	domain.KindUnauthenticated:         http.StatusUnauthorized,
	domain.KindStorageUnavailable:      http.StatusServiceUnavailable,
}

// ErrorBody 錯誤回應 {"error": {"kind": ..., "message": ...}}
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind    domain.ErrorKind  `json:"kind"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details,omitempty"`
}

// RespondWithError 回應錯誤並中止後續 handler
func RespondWithError(c *gin.Context, err error) {
	de := domain.AsError(err)
	code, ok := kindStatus[de.Kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(code, ErrorBody{Error: ErrorDetail{Kind: de.Kind, Message: de.Message}})
}

func respondValidation(c *gin.Context, details []ValidationError) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
		Kind:    domain.KindInvalidRequest,
		Message: "request validation failed",
		Details: details,
	}})
}
