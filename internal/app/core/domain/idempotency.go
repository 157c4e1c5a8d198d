package domain

import "time"

// ReservationState Reserve 的結果
type ReservationState uint8

const (
	// 可以開始處理
	ReservationFresh ReservationState = iota + 1
	// 其他請求正在處理相同 token
	ReservationInFlight
	// 已有結果，直接回傳
	ReservationCompleted
)

// Reservation 冪等保留結果
type Reservation struct {
	State ReservationState
	// Result 只有 Completed 時有值
	Result *Result
	// Reclaimed 前一次處理的租約已過期而被重新取得，需要先查稽核紀錄
	Reclaimed bool
}

// IdempotencyRecord 冪等紀錄
type IdempotencyRecord struct {
	Token       string    `json:"token"`
	Fingerprint string    `json:"fingerprint"`
	Completed   bool      `json:"completed"`
	Result      *Result   `json:"result,omitempty"`
	LockedUntil time.Time `json:"lockedUntil"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Resolve 依既有紀錄決定 Reserve 的結果
//
// 參數:
//
//	fingerprint: 本次請求的指紋
//	now: 目前時間
//
// 回傳:
//
//	Reservation: 結果 (State 為 Fresh 時呼叫端需負責寫回新的紀錄)
//	error: 指紋不符時回傳 ErrIdempotencyTokenReused
func (r IdempotencyRecord) Resolve(fingerprint string, now time.Time) (Reservation, error) {
	// 超過保存期限視為新請求
	if r.Expired(now) {
		return Reservation{State: ReservationFresh}, nil
	}
	if r.Fingerprint != fingerprint {
		return Reservation{}, ErrIdempotencyTokenReused
	}
	if r.Completed {
		return Reservation{State: ReservationCompleted, Result: r.Result}, nil
	}
	if now.Before(r.LockedUntil) {
		return Reservation{State: ReservationInFlight}, nil
	}
	return Reservation{State: ReservationFresh, Reclaimed: true}, nil
}

// Expired 紀錄是否已超過保存期限
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
