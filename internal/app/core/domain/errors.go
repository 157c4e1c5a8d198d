package domain

import "errors"

// ErrorKind 對外穩定的錯誤分類 (machine-readable)
type ErrorKind string

const (
	KindInvalidAmount           ErrorKind = "InvalidAmount"
	KindInsufficientFunds       ErrorKind = "InsufficientFunds"
	KindSelfTransfer            ErrorKind = "SelfTransfer"
	KindUnknownAccount          ErrorKind = "UnknownAccount"
	KindConflict                ErrorKind = "Conflict"
	KindMissingIdempotencyToken ErrorKind = "MissingIdempotencyToken"
	KindIdempotencyTokenReused  ErrorKind = "IdempotencyTokenReused"
	KindInvalidRequest          ErrorKind = "InvalidRequest"
	KindNotFound                ErrorKind = "NotFound"
	KindForbidden               ErrorKind = "Forbidden"
	KindUnauthenticated         ErrorKind = "Unauthenticated"
	KindStorageUnavailable      ErrorKind = "StorageUnavailable"
)

// Error 帶有分類的業務錯誤，Message 可直接顯示給使用者 (不含儲存層細節)
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is 以 Kind + Message 比較，讓冪等重放還原出來的錯誤仍可用 errors.Is 比對
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

var (
	// ErrInvalidAmount 金額必須為正數
	ErrInvalidAmount = &Error{Kind: KindInvalidAmount, Message: "amount must be positive"}

	// ErrAmountOverflow 入帳後餘額超出上限
	ErrAmountOverflow = &Error{Kind: KindInvalidAmount, Message: "amount exceeds the maximum balance"}

	// ErrInsufficientFunds 餘額不足
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}

	// ErrSelfTransfer 不可轉帳給自己
	ErrSelfTransfer = &Error{Kind: KindSelfTransfer, Message: "cannot transfer to the same account"}

	// ErrUnknownAccount 找不到收款帳戶
	ErrUnknownAccount = &Error{Kind: KindUnknownAccount, Message: "recipient account not found"}

	// ErrConflict 重試次數用盡，可用相同 token 重試
	ErrConflict = &Error{Kind: KindConflict, Message: "too much contention on the account, retry with the same idempotency token"}

	// ErrRequestInFlight 相同 token 的請求仍在處理中
	ErrRequestInFlight = &Error{Kind: KindConflict, Message: "a request with this idempotency token is still being processed"}

	// ErrRequestTimeout 在送出 CAS 前就逾時，未寫入任何資料
	ErrRequestTimeout = &Error{Kind: KindConflict, Message: "request timed out before any change was made"}

	// ErrStatusTransition 交易紀錄不在預期狀態 (例如重複結算)
	ErrStatusTransition = &Error{Kind: KindConflict, Message: "transaction is not in the expected status"}

	// ErrMissingIdempotencyToken 缺少冪等 token
	ErrMissingIdempotencyToken = &Error{Kind: KindMissingIdempotencyToken, Message: "idempotency token is required"}

	// ErrIdempotencyTokenReused 相同 token 對應到不同的請求內容
	ErrIdempotencyTokenReused = &Error{Kind: KindIdempotencyTokenReused, Message: "idempotency token was already used for a different request"}

	// ErrInvalidAccountID 帳戶 ID 不合法
	ErrInvalidAccountID = &Error{Kind: KindInvalidRequest, Message: "account id is required"}

	// ErrTransactionNotFound 找不到交易
	ErrTransactionNotFound = &Error{Kind: KindNotFound, Message: "transaction not found"}

	// ErrForbidden 呼叫者無權操作此帳戶
	ErrForbidden = &Error{Kind: KindForbidden, Message: "caller is not allowed to operate on this account"}

	// ErrUnauthenticated 無法辨識呼叫者
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Message: "caller identity could not be verified"}

	// ErrStorageUnavailable 帳戶或稽核儲存無法使用，請求未寫入任何資料
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable, Message: "ledger storage is temporarily unavailable"}
)

var (
	// ErrVersionConflict CAS 版本不符，僅供內部重試使用，不會回傳給呼叫者
	ErrVersionConflict = errors.New("account version conflict")

	// ErrReconciliationMismatch 稽核紀錄重放後的餘額與實際餘額不一致
	ErrReconciliationMismatch = errors.New("audit log replay does not match the live balance")
)

// KindOf 取得錯誤分類，未分類的錯誤一律視為儲存層錯誤
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindStorageUnavailable
}

// AsError 轉成 *Error，未分類的錯誤以 ErrStorageUnavailable 取代
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return ErrStorageUnavailable
}

// IsRetryable 可用相同 token 安全重試的錯誤
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindStorageUnavailable:
		return true
	}
	return false
}

// IsDefinitive 驗證類錯誤，結果固定，重放時應回傳相同錯誤
func IsDefinitive(err error) bool {
	switch KindOf(err) {
	case KindInvalidAmount, KindInsufficientFunds, KindSelfTransfer, KindUnknownAccount:
		return true
	}
	return false
}
