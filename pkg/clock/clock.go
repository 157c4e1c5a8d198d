package clock

import "time"

// Clock 可注入的時間來源，測試時使用 Fixed
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem 回傳系統時間 (UTC)
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed 固定時間，可用 Advance 推進
type Fixed struct {
	now time.Time
}

// NewFixed 建立固定時間的 Clock
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	return f.now
}

// Advance 推進時間 (非並發安全，只在測試的單一 goroutine 使用)
func (f *Fixed) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}
