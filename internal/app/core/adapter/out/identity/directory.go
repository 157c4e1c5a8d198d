package identity

import (
	"context"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// StaticDirectory 以設定檔中的帳戶清單作為使用者目錄
type StaticDirectory struct {
	accounts map[string]struct{}
}

func NewStaticDirectory(accountIDs []string) *StaticDirectory {
	accounts := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		accounts[id] = struct{}{}
	}
	return &StaticDirectory{accounts: accounts}
}

func (d *StaticDirectory) AccountExists(ctx context.Context, accountID string) (bool, error) {
	_, ok := d.accounts[accountID]
	return ok, nil
}

// OpenDirectory 任何非空帳戶 ID 都視為存在 (首次入帳時建立)
type OpenDirectory struct{}

func (OpenDirectory) AccountExists(ctx context.Context, accountID string) (bool, error) {
	return accountID != "", nil
}

var (
	_ usecase.Directory = (*StaticDirectory)(nil)
	_ usecase.Directory = OpenDirectory{}
)
