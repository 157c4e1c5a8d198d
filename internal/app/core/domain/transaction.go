package domain

import (
	"fmt"
	"time"
)

// TransactionKind 交易類型
// 為了節省儲存空間，使用 uint8
type TransactionKind uint8

const (
	// 入帳
	KindCredit TransactionKind = 1
	// 扣款
	KindDebit TransactionKind = 2
	// 轉出
	KindTransferOut TransactionKind = 3
	// 轉入
	KindTransferIn TransactionKind = 4
	// 提領
	KindWithdraw TransactionKind = 5
	// 沖正 (轉帳失敗或提領被拒時的補償入帳)
	KindReversal TransactionKind = 6
)

var kindNames = map[TransactionKind]string{
	KindCredit:      "Credit",
	KindDebit:       "Debit",
	KindTransferOut: "TransferOut",
	KindTransferIn:  "TransferIn",
	KindWithdraw:    "Withdraw",
	KindReversal:    "Reversal",
}

func (k TransactionKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TransactionKind(%d)", uint8(k))
}

func (k TransactionKind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown transaction kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *TransactionKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown transaction kind %q", text)
}

// Inbound 是否為增加餘額的類型
func (k TransactionKind) Inbound() bool {
	switch k {
	case KindCredit, KindTransferIn, KindReversal:
		return true
	}
	return false
}

// Status 交易紀錄狀態，只能由 pending 往 committed 或 failed 前進
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// TransactionRecord 稽核紀錄，一筆成功的異動對應一筆 (轉帳為兩筆)
//
// 除了 Status 依狀態機前進之外，寫入後不再修改
type TransactionRecord struct {
	// Sequence: 稽核紀錄的全局順序號 (由儲存層分配)，createdAt 相同時以此排序
	Sequence              uint64          `json:"sequence"`
	TransactionID         string          `json:"transactionId"`
	GroupID               string          `json:"groupId"`
	Kind                  TransactionKind `json:"kind"`
	Status                Status          `json:"status"`
	AccountID             string          `json:"accountId"`
	CounterpartyAccountID string          `json:"counterpartyAccountId,omitempty"`
	Amount                int64           `json:"amount"`
	BalanceBefore         int64           `json:"balanceBefore"`
	BalanceAfter          int64           `json:"balanceAfter"`
	RequestToken          string          `json:"requestToken"`
	Reason                string          `json:"reason,omitempty"`
	Method                string          `json:"method,omitempty"`
	AccountDetails        string          `json:"accountDetails,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
}

// Redacted 對外輸出用：出款帳號只保留末四碼
func (r TransactionRecord) Redacted() TransactionRecord {
	r.AccountDetails = maskTail(r.AccountDetails, 4)
	return r
}

// RedactRecords 回傳遮罩後的副本，不修改原本的 slice
func RedactRecords(records []TransactionRecord) []TransactionRecord {
	if records == nil {
		return nil
	}
	out := make([]TransactionRecord, len(records))
	for i, rec := range records {
		out[i] = rec.Redacted()
	}
	return out
}

func maskTail(s string, keep int) string {
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= keep {
		return "****"
	}
	return "****" + string(runes[len(runes)-keep:])
}

// SignedAmount 對帳戶餘額的影響 (入帳為正，出帳為負)
func (r TransactionRecord) SignedAmount() int64 {
	if r.Kind.Inbound() {
		return r.Amount
	}
	return -r.Amount
}

// RecordPage listByAccount 的分頁結果，NextCursor 為空代表沒有下一頁
type RecordPage struct {
	Records    []TransactionRecord `json:"records"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

// Result 異動操作的回傳，也是冪等紀錄保存的快照
type Result struct {
	TransactionID string              `json:"transactionId,omitempty"`
	GroupID       string              `json:"groupId,omitempty"`
	AccountID     string              `json:"accountId,omitempty"`
	BalanceAfter  int64               `json:"balanceAfter"`
	Records       []TransactionRecord `json:"records,omitempty"`
	// Err 不為 nil 代表此 token 的結果是確定性失敗
	Err *Error `json:"error,omitempty"`
}

// Outcome 還原成呼叫端看到的 (Result, error)
func (r Result) Outcome() (Result, error) {
	if r.Err != nil {
		return Result{}, r.Err
	}
	return r, nil
}
