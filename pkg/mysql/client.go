package mysql

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Client 封裝 GORM DB 實例
type Client struct {
	db *gorm.DB
}

// NewClient 連線 MySQL 並設定連線池，連線失敗時依 cfg 重試
//
// 參數:
//
//	ctx: context.Context - 取消時停止重試
//	cfg: Config - MySQL 連線配置
//
// 回傳值:
//
//	*Client: 封裝後的 MySQL 客戶端
//	error: 重試用盡仍無法連線
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	gormConfig := &gorm.Config{
		// 帳務寫入一律透過明確的 Transaction
		SkipDefaultTransaction: true,
		// duplicate key 轉為 gorm.ErrDuplicatedKey，CAS 實體化帳戶時需要
		TranslateError: true,
		Logger:         newLogger(cfg.LogLevel),
	}

	db, err := connect(ctx, cfg, gormConfig)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.db: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Client{db: db}, nil
}

// connect 開啟連線並 Ping，成功或重試用盡為止
func connect(ctx context.Context, cfg Config, gormConfig *gorm.Config) (*gorm.DB, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		db, err := gorm.Open(mysql.Open(cfg.DSN()), gormConfig)
		if err == nil {
			if err = ping(ctx, db); err == nil {
				return db, nil
			}
		}
		lastErr = err
		if attempt == cfg.ConnectRetries {
			break
		}

		slog.Warn("failed to connect to mysql, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.ConnectRetries),
			slog.Any("error", err),
			slog.Duration("retry_in", cfg.RetryInterval),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("failed to connect to mysql after %d attempts: %w", cfg.ConnectRetries, lastErr)
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// NewClientWithDB 包裝既有的 *gorm.DB (測試或自訂連線時使用)
func NewClientWithDB(db *gorm.DB) *Client {
	return &Client{db: db}
}

// DB 回傳底層的 *gorm.DB 實例
func (c *Client) DB() *gorm.DB {
	return c.db
}

// Close 關閉資料庫連線
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newLogger 將設定的等級轉為 GORM Logger，未知值只記錄錯誤
func newLogger(level string) logger.Interface {
	logLevel := logger.Error
	switch level {
	case "info":
		logLevel = logger.Info
	case "warn":
		logLevel = logger.Warn
	case "silent":
		logLevel = logger.Silent
	}
	return logger.Default.LogMode(logLevel)
}
