package domain

import (
	"math"
	"time"
)

// Account 帳戶餘額 (最小單位) 與樂觀鎖版本號
//
// Version 每次成功異動遞增，0 代表尚未實體化的帳戶
type Account struct {
	ID        string    `json:"accountId"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAccount 回傳尚未實體化的帳戶 (balance 0, version 0)
func NewAccount(id string) Account {
	return Account{ID: id}
}

// Materialized 帳戶是否已經寫入過儲存層
func (a Account) Materialized() bool {
	return a.Version > 0
}

// Credit 計算入帳後的餘額，不修改帳戶本身
func (a Account) Credit(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if a.Balance > math.MaxInt64-amount {
		return 0, ErrAmountOverflow
	}
	return a.Balance + amount, nil
}

// Debit 計算扣款後的餘額，餘額不可為負
func (a Account) Debit(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if a.Balance < amount {
		return 0, ErrInsufficientFunds
	}
	return a.Balance - amount, nil
}

// Balance GetBalance 的回傳
type Balance struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
	Display   string `json:"display"`
	Version   int64  `json:"version"`
}
