package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/identity"
	memory_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/mysql"
	postgres_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/postgres"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/postgres/migrations"
	redis_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/out/redis"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-wallet-ledger/internal/config"
	"github.com/JoeShih716/go-wallet-ledger/pkg/mysql"
	"github.com/JoeShih716/go-wallet-ledger/pkg/postgres"
	"github.com/JoeShih716/go-wallet-ledger/pkg/redis"
	"github.com/JoeShih716/go-wallet-ledger/pkg/wal"
)

type dependencies struct {
	store     usecase.Store
	guard     usecase.IdempotencyGuard
	directory usecase.Directory
	notifier  usecase.Notifier
	closers   []func() error
}

func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			slog.Warn("close dependency", slog.Any("error", err))
		}
	}
}

// buildDependencies 依設定選擇儲存層、冪等保護、使用者目錄與通知
func buildDependencies(ctx context.Context, cfg config.Config, log *slog.Logger) (*dependencies, error) {
	deps := &dependencies{}
	ok := false
	defer func() {
		if !ok {
			deps.Close()
		}
	}()

	if err := deps.buildStore(ctx, cfg, log); err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		rdb = client
		deps.closers = append(deps.closers, client.Close)
		log.Info("connected to redis", slog.String("addr", cfg.Redis.Addr))
	}

	if cfg.Idempotency.Backend == config.IdempotencyRedis {
		deps.guard = redis_adapter.NewIdempotencyGuard(rdb.Client,
			redis_adapter.WithIdempotencyTTL(cfg.Idempotency.TTL, cfg.Idempotency.Lease))
	}

	switch cfg.Directory.Mode {
	case "static":
		deps.directory = identity.NewStaticDirectory(cfg.Directory.Accounts)
	case "redis":
		deps.directory = redis_adapter.NewDirectory(rdb.Client, cfg.Directory.RedisKey)
	default:
		deps.directory = identity.OpenDirectory{}
	}

	switch cfg.Notifier.Mode {
	case "redis":
		deps.notifier = redis_adapter.NewStreamNotifier(rdb.Client, cfg.Notifier.Stream, cfg.Notifier.MaxLen)
	case "log":
		deps.notifier = usecase.NotifierFunc(func(ctx context.Context, accountID, kind string, payload map[string]any) error {
			log.Info("ledger event", slog.String("account_id", accountID), slog.String("kind", kind), slog.Any("payload", payload))
			return nil
		})
	}

	ok = true
	return deps, nil
}

func (d *dependencies) buildStore(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	switch cfg.Storage.Driver {
	case config.DriverMySQL:
		client, err := mysql.NewClient(ctx, cfg.MySQL)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, client.Close)
		ledger := mysql_adapter.NewMySQLLedger(client,
			mysql_adapter.WithIdempotencyTTL(cfg.Idempotency.TTL, cfg.Idempotency.Lease))
		if cfg.Storage.Migrate {
			if err := ledger.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate mysql: %w", err)
			}
		}
		d.store, d.guard = ledger, ledger
		log.Info("connected to mysql", slog.String("host", cfg.MySQL.Host))

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, func() error { pool.Close(); return nil })
		if cfg.Storage.Migrate {
			migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := migrations.Apply(migrateCtx, pool); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
		}
		store := postgres_adapter.NewStore(pool,
			postgres_adapter.WithIdempotencyTTL(cfg.Idempotency.TTL, cfg.Idempotency.Lease))
		d.store, d.guard = store, store
		log.Info("connected to postgres")

	default:
		opts := []memory_adapter.Option{
			memory_adapter.WithIdempotencyTTL(cfg.Idempotency.TTL, cfg.Idempotency.Lease),
		}
		if cfg.Storage.WALPath != "" {
			walFile, err := wal.NewWAL(cfg.Storage.WALPath)
			if err != nil {
				return fmt.Errorf("init wal: %w", err)
			}
			d.closers = append(d.closers, walFile.Close)
			opts = append(opts, memory_adapter.WithWAL(walFile))
		}
		store, err := memory_adapter.NewStore(opts...)
		if err != nil {
			return fmt.Errorf("init memory store: %w", err)
		}
		d.store, d.guard = store, store
		log.Info("using in-memory store", slog.String("wal", cfg.Storage.WALPath))
	}
	return nil
}
