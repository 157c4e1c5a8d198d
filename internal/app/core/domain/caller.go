package domain

// Caller 已驗證的呼叫者身分 (由外部 auth 提供)
type Caller struct {
	AccountID string
	// System 系統發起的操作 (例如獎勵入帳、提領結算)
	System bool
}

// CanActOn 呼叫者必須是帳戶本人，系統身分也不例外
// 扣款、轉出、提領與查詢都走這個檢查
func (c Caller) CanActOn(accountID string) error {
	if c.AccountID == "" {
		if c.System {
			return ErrForbidden
		}
		return ErrUnauthenticated
	}
	if c.AccountID != accountID {
		return ErrForbidden
	}
	return nil
}

// CanCredit 系統呼叫者可以入帳到任何帳戶，其餘同 CanActOn
func (c Caller) CanCredit(accountID string) error {
	if c.System {
		return nil
	}
	return c.CanActOn(accountID)
}

// CanAudit 對帳只讀不寫，系統呼叫者可以檢查任何帳戶
func (c Caller) CanAudit(accountID string) error {
	if c.System {
		return nil
	}
	return c.CanActOn(accountID)
}
