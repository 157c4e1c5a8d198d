package grpc

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
)

// ErrorDomain ErrorInfo.Domain
const ErrorDomain = "ledger.v1"

var kindCodes = map[domain.ErrorKind]codes.Code{
	domain.KindInvalidAmount:           codes.InvalidArgument,
	domain.KindSelfTransfer:            codes.InvalidArgument,
	domain.KindMissingIdempotencyToken: codes.InvalidArgument,
	domain.KindIdempotencyTokenReused:  codes.InvalidArgument,
	domain.KindInvalidRequest:          codes.InvalidArgument,
	domain.KindInsufficientFunds:       codes.FailedPrecondition,
	domain.KindUnknownAccount:          codes.NotFound,
	domain.KindNotFound:                codes.NotFound,
	domain.KindConflict:                codes.Aborted,
	domain.KindForbidden:               codes.PermissionDenied,
	domain.KindUnauthenticated:         codes.Unauthenticated,
	domain.KindStorageUnavailable:      codes.Unavailable,
}

// toStatus 將業務錯誤轉為 gRPC status，kind 放在 ErrorInfo.Reason
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	de := domain.AsError(err)
	code, ok := kindCodes[de.Kind]
	if !ok {
		code = codes.Internal
	}
	st := status.New(code, de.Message)
	withDetails, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(de.Kind),
		Domain: ErrorDomain,
	})
	if detailErr != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// KindFromError 從 gRPC 錯誤取回業務錯誤分類 (client 端使用)
func KindFromError(err error) (domain.ErrorKind, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return "", false
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return domain.ErrorKind(info.GetReason()), true
		}
	}
	return "", false
}
