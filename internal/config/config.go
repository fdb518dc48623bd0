package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Fraud      FraudConfig      `yaml:"fraud"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port        int `yaml:"port"`
	FraudPort   int `yaml:"fraud_port"`
	MetricsPort int `yaml:"metrics_port"` // poller only
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// FraudConfig points at the external risk-scoring service.
type FraudConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// breaker opens after this many consecutive failures
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// LedgerConfig holds the money-movement rules.
type LedgerConfig struct {
	FeeAccountNumber string          `yaml:"fee_account_number"`
	MinAmount        decimal.Decimal `yaml:"min_amount"`
	MaxAmount        decimal.Decimal `yaml:"max_amount"`
	MaxRetries       int             `yaml:"max_retries"`
	IdempotencyTTL   time.Duration   `yaml:"idempotency_ttl"`
	DedupTTL         time.Duration   `yaml:"dedup_ttl"`
	LimitTimezone    string          `yaml:"limit_timezone"`
	// user ids allowed to reverse any transaction
	ReversalOperators []uint64 `yaml:"reversal_operators"`
}

// Location resolves LimitTimezone, falling back to UTC.
func (l LedgerConfig) Location() (*time.Location, error) {
	if l.LimitTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(l.LimitTimezone)
}

type ReconcilerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Batch      int           `yaml:"batch"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Server:    ServerConfig{Port: 8080, FraudPort: 8090, MetricsPort: 9091},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Kafka:     KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "bank.transactions"},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Fraud: FraudConfig{
			URL:             "http://localhost:8090/api/v1/fraud/check",
			Timeout:         100 * time.Millisecond,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Ledger: LedgerConfig{
			FeeAccountNumber: "SYS-FEES-001",
			MinAmount:        decimal.NewFromInt(1),
			MaxAmount:        decimal.NewFromInt(10_000_000),
			MaxRetries:       3,
			IdempotencyTTL:   24 * time.Hour,
			DedupTTL:         10 * time.Minute,
			LimitTimezone:    "UTC",
		},
		Reconciler: ReconcilerConfig{Interval: 30 * time.Second, StaleAfter: 5 * time.Minute, Batch: 100},
		Log:        LogConfig{Level: "info"},
	}
}

// Load reads yaml file over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes data over the defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if url := os.Getenv("FRAUD_SERVICE_URL"); url != "" {
		cfg.Fraud.URL = url
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if _, err := cfg.Ledger.Location(); err != nil {
		return nil, fmt.Errorf("ledger.limit_timezone: %w", err)
	}
	if cfg.Ledger.MaxRetries < 0 {
		return nil, fmt.Errorf("ledger.max_retries must not be negative")
	}
	return &cfg, nil
}
