package domain

import "github.com/shopspring/decimal"

// amount 使用 int64 最小單位，精度：小數點後 4 位
const (
	CurrencyScale    = 10000
	CurrencyExponent = 4
)

// FormatAmount 將最小單位轉為顯示用字串 (例: 1234500 -> "123.4500")
func FormatAmount(minor int64) string {
	return decimal.New(minor, -CurrencyExponent).StringFixed(CurrencyExponent)
}

// ParseAmount 將顯示用字串轉回最小單位，超過 4 位小數視為不合法
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	scaled := d.Shift(CurrencyExponent)
	if !scaled.Equal(scaled.Truncate(0)) || !scaled.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if scaled.GreaterThan(decimal.NewFromInt(maxAmount)) {
		return 0, ErrAmountOverflow
	}
	return scaled.IntPart(), nil
}

const maxAmount = 1<<63 - 1
