package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-wallet-ledger/pkg/logger"
	"github.com/JoeShih716/go-wallet-ledger/pkg/mysql"
	"github.com/JoeShih716/go-wallet-ledger/pkg/postgres"
	"github.com/JoeShih716/go-wallet-ledger/pkg/redis"
)

// 儲存層
const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// 冪等紀錄保存位置
const (
	IdempotencyStore = "store" // 與帳務資料同一個儲存層
	IdempotencyRedis = "redis"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	MySQL       mysql.Config      `yaml:"mysql"`
	Postgres    postgres.Config   `yaml:"postgres"`
	Redis       redis.Config      `yaml:"redis"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Retry       RetryConfig       `yaml:"retry"`
	Auth        AuthConfig        `yaml:"auth"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Log         logger.Config     `yaml:"log"`
}

type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // 讀取/驗證階段逾時
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver  string `yaml:"driver"`   // memory, mysql, postgres
	WALPath string `yaml:"wal_path"` // memory 專用，空字串代表不落地
	Migrate bool   `yaml:"migrate"`  // 啟動時建立資料表
}

type IdempotencyConfig struct {
	Backend string        `yaml:"backend"` // store, redis
	TTL     time.Duration `yaml:"ttl"`
	Lease   time.Duration `yaml:"lease"` // 處理中保留的租約，到期後可重新取得
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type DirectoryConfig struct {
	Mode     string   `yaml:"mode"` // open, static, redis
	Accounts []string `yaml:"accounts"`
	RedisKey string   `yaml:"redis_key"`
}

type NotifierConfig struct {
	Mode   string `yaml:"mode"` // none, log, redis
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

type RecoveryConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"` // 必須大於單筆轉帳最長處理時間
}

// Load 讀取 yaml 設定檔，再以環境變數 (可由 .env 提供) 覆寫
// 設定檔不存在時只使用預設值與環境變數
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults 補全未設定的欄位
func (c *Config) ApplyDefaults() {
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":50051"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 2 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = IdempotencyStore
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.Lease == 0 {
		c.Idempotency.Lease = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseBackoff == 0 {
		c.Retry.BaseBackoff = 5 * time.Millisecond
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 100 * time.Millisecond
	}
	if c.Directory.Mode == "" {
		c.Directory.Mode = "open"
	}
	if c.Notifier.Mode == "" {
		c.Notifier.Mode = "log"
	}
	if c.Recovery.Interval == 0 {
		c.Recovery.Interval = time.Minute
	}
	if c.Recovery.StaleAfter == 0 {
		c.Recovery.StaleAfter = 5 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.MySQL.ApplyDefaults()
	c.Postgres.ApplyDefaults()
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory, DriverMySQL, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be one of memory, mysql, postgres", c.Storage.Driver))
	}
	switch c.Idempotency.Backend {
	case IdempotencyStore, IdempotencyRedis:
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend %q must be store or redis", c.Idempotency.Backend))
	}
	switch c.Directory.Mode {
	case "open", "static", "redis":
	default:
		errs = append(errs, fmt.Errorf("directory.mode %q must be open, static or redis", c.Directory.Mode))
	}
	switch c.Notifier.Mode {
	case "none", "log", "redis":
	default:
		errs = append(errs, fmt.Errorf("notifier.mode %q must be none, log or redis", c.Notifier.Mode))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) is required"))
	}
	if c.Storage.Driver == DriverPostgres && c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres.url (DATABASE_URL) is required for the postgres driver"))
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr (REDIS_ADDR) is required"))
	}
	if c.Recovery.StaleAfter <= c.Server.RequestTimeout {
		errs = append(errs, errors.New("recovery.stale_after must exceed server.request_timeout"))
	}
	return errors.Join(errs...)
}

// UsesRedis 任一元件設定為 redis
func (c *Config) UsesRedis() bool {
	return c.Idempotency.Backend == IdempotencyRedis || c.Directory.Mode == "redis" || c.Notifier.Mode == "redis"
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LEDGER_GRPC_ADDR", &c.Server.GRPCAddr)
	str("LEDGER_HTTP_ADDR", &c.Server.HTTPAddr)
	duration("LEDGER_REQUEST_TIMEOUT", &c.Server.RequestTimeout)
	str("LEDGER_STORAGE_DRIVER", &c.Storage.Driver)
	str("LEDGER_WAL_PATH", &c.Storage.WALPath)
	str("LEDGER_IDEMPOTENCY_BACKEND", &c.Idempotency.Backend)
	duration("LEDGER_IDEMPOTENCY_TTL", &c.Idempotency.TTL)

	str("MYSQL_HOST", &c.MySQL.Host)
	integer("MYSQL_PORT", &c.MySQL.Port)
	str("MYSQL_USER", &c.MySQL.User)
	str("MYSQL_PASSWORD", &c.MySQL.Password)
	str("MYSQL_DBNAME", &c.MySQL.DBName)

	str("DATABASE_URL", &c.Postgres.URL)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("JWT_ISSUER", &c.Auth.Issuer)

	if v, ok := lookup("LEDGER_DIRECTORY_ACCOUNTS"); ok {
		c.Directory.Accounts = splitList(v)
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
