package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

const DefaultAccountSet = "ledger:accounts"

// Directory 以 Redis Set 查詢帳戶是否存在，由使用者服務維護集合內容
type Directory struct {
	client goredis.UniversalClient
	key    string
}

func NewDirectory(client goredis.UniversalClient, key string) *Directory {
	if key == "" {
		key = DefaultAccountSet
	}
	return &Directory{client: client, key: key}
}

func (d *Directory) AccountExists(ctx context.Context, accountID string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, d.key, accountID).Result()
	if err != nil {
		return false, fmt.Errorf("directory lookup: %w", err)
	}
	return ok, nil
}

// Register 將帳戶加入集合
func (d *Directory) Register(ctx context.Context, accountIDs ...string) error {
	if len(accountIDs) == 0 {
		return nil
	}
	members := make([]any, len(accountIDs))
	for i, id := range accountIDs {
		members[i] = id
	}
	return d.client.SAdd(ctx, d.key, members...).Err()
}

var _ usecase.Directory = (*Directory)(nil)
