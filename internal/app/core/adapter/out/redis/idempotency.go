package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/pkg/clock"
)

const (
	idempotencyPrefix = "ledger:idem:"
	maxWatchRetries   = 3
)

// IdempotencyGuard 以 Redis 保存冪等紀錄，SET NX 保證同一個 token 只有一個請求取得保留，
// 過期由 Redis TTL 處理
type IdempotencyGuard struct {
	client goredis.UniversalClient
	clock  clock.Clock
	ttl    time.Duration
	lease  time.Duration
}

type GuardOption func(*IdempotencyGuard)

func WithClock(c clock.Clock) GuardOption {
	return func(g *IdempotencyGuard) {
		g.clock = c
	}
}

// WithIdempotencyTTL 設定冪等紀錄保存時間與處理中租約
func WithIdempotencyTTL(ttl, lease time.Duration) GuardOption {
	return func(g *IdempotencyGuard) {
		if ttl > 0 {
			g.ttl = ttl
		}
		if lease > 0 {
			g.lease = lease
		}
	}
}

func NewIdempotencyGuard(client goredis.UniversalClient, opts ...GuardOption) *IdempotencyGuard {
	g := &IdempotencyGuard{
		client: client,
		clock:  clock.NewSystem(),
		ttl:    24 * time.Hour,
		lease:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func idempotencyKey(token string) string {
	return idempotencyPrefix + token
}

func (g *IdempotencyGuard) Reserve(ctx context.Context, requestToken, fingerprint string) (domain.Reservation, error) {
	key := idempotencyKey(requestToken)
	now := g.clock.Now()
	fresh, err := json.Marshal(domain.IdempotencyRecord{
		Token:       requestToken,
		Fingerprint: fingerprint,
		LockedUntil: now.Add(g.lease),
		ExpiresAt:   now.Add(g.ttl),
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	for i := 0; i < maxWatchRetries; i++ {
		ok, err := g.client.SetNX(ctx, key, fresh, g.ttl).Result()
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return domain.Reservation{State: domain.ReservationFresh}, nil
		}

		var reservation domain.Reservation
		var resolveErr error
		err = g.client.Watch(ctx, func(tx *goredis.Tx) error {
			existing, err := getRecord(ctx, tx, key)
			if err != nil {
				return err
			}
			reservation, resolveErr = existing.Resolve(fingerprint, now)
			if resolveErr != nil || reservation.State != domain.ReservationFresh {
				return nil
			}
			// 租約到期或紀錄過期，以 MULTI/EXEC 覆寫
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, fresh, g.ttl)
				return nil
			})
			return err
		}, key)
		switch {
		case errors.Is(err, goredis.Nil), errors.Is(err, goredis.TxFailedErr):
			// 期間被刪除或被其他請求改寫，重新嘗試
			continue
		case err != nil:
			return domain.Reservation{}, fmt.Errorf("reserve idempotency key: %w", err)
		case resolveErr != nil:
			return domain.Reservation{}, resolveErr
		}
		return reservation, nil
	}
	return domain.Reservation{State: domain.ReservationInFlight}, nil
}

func (g *IdempotencyGuard) Complete(ctx context.Context, requestToken string, result domain.Result) error {
	key := idempotencyKey(requestToken)
	return g.client.Watch(ctx, func(tx *goredis.Tx) error {
		rec, err := getRecord(ctx, tx, key)
		if err != nil {
			return fmt.Errorf("complete idempotency key %q: %w", requestToken, err)
		}
		now := g.clock.Now()
		rec.Completed = true
		rec.Result = &result
		rec.LockedUntil = now
		rec.ExpiresAt = now.Add(g.ttl)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, g.ttl)
			return nil
		})
		return err
	}, key)
}

// Release 只刪除尚未完成的保留
func (g *IdempotencyGuard) Release(ctx context.Context, requestToken string) error {
	key := idempotencyKey(requestToken)
	err := g.client.Watch(ctx, func(tx *goredis.Tx) error {
		rec, err := getRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.Completed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return err
}

// Purge Redis 以 TTL 自動清除，不需額外處理
func (g *IdempotencyGuard) Purge(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func getRecord(ctx context.Context, tx *goredis.Tx, key string) (domain.IdempotencyRecord, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, nil
}

var _ usecase.IdempotencyGuard = (*IdempotencyGuard)(nil)
