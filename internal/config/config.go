// Package config defines all configuration for the position engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TLE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"` // memory store + memory bus, no external services
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Topics     TopicsConfig     `mapstructure:"topics"`
	Hotpath    HotpathConfig    `mapstructure:"hotpath"`
	Coldpath   ColdpathConfig   `mapstructure:"coldpath"`
	Validator  ValidatorConfig  `mapstructure:"validator"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	TaxLot     TaxLotConfig     `mapstructure:"tax_lot"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Rules      RulesConfig      `mapstructure:"rules"`
	IAM        IAMConfig        `mapstructure:"iam"`
	Regulatory RegulatoryConfig `mapstructure:"regulatory"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig holds the PostgreSQL connection settings. The four engine
// tables (events, snapshots, idempotency, UPI history) live here.
type DatabaseConfig struct {
	DSN          string        `mapstructure:"dsn"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig holds the advisory cache connection. The cache is lossy by
// contract; the engine must behave identically with redis down.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the message-bus connection. Inbound topics are
// partitioned by position_key so one worker owns all trades of a position.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// TopicsConfig names every stream. All names are overridable per deployment.
type TopicsConfig struct {
	Trades                string `mapstructure:"trades"`
	BackdatedTrades       string `mapstructure:"backdated_trades"`
	TradeApplied          string `mapstructure:"trade_applied"`
	ProvisionalTrades     string `mapstructure:"provisional_trades"`
	HistoricalCorrections string `mapstructure:"historical_corrections"`
	RegulatorySubmissions string `mapstructure:"regulatory_submissions"`
	DLQ                   string `mapstructure:"dlq"`
}

// HotpathConfig tunes the synchronous applier.
//
//   - MaxAttempts: retries on concurrency-conflict signals only.
//   - BackoffBase / BackoffCap: exponential backoff, ×1.5 per attempt.
//   - Budget: end-to-end deadline for one trade.
//   - AllowSignChange: when false, an overdrawing DECREASE is a validation
//     failure instead of a split.
type HotpathConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	Budget          time.Duration `mapstructure:"budget"`
	AllowSignChange bool          `mapstructure:"allow_sign_change"`
}

// ColdpathConfig tunes the backdated-trade recalculator. Backoff is linear:
// BackoffStep × attempt.
type ColdpathConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffStep time.Duration `mapstructure:"backoff_step"`
	Budget      time.Duration `mapstructure:"budget"`
}

// ValidatorConfig bounds inbound trades.
type ValidatorConfig struct {
	MaxPrice       int64 `mapstructure:"max_price"`
	MaxFutureYears int   `mapstructure:"max_future_years"`
}

// SnapshotConfig controls tax-lot compression. At or below ThresholdLots the
// snapshot stores plain rows; above it, columnar arrays.
type SnapshotConfig struct {
	ThresholdLots int `mapstructure:"compression_threshold_lots"`
}

// TaxLotConfig sets the default consumption method when contract rules are
// absent or unavailable.
type TaxLotConfig struct {
	DefaultMethod string `mapstructure:"default_method"`
}

// CacheConfig sets TTLs for the advisory caches.
type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`       // position snapshot cache
	RulesTTL time.Duration `mapstructure:"rules_ttl"` // contract-rules cache
}

// RulesConfig points at the contract-rules service.
type RulesConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// IAMConfig points at the entitlements service. FailClosed must stay true in
// production; the dev override exists for local runs without an IAM stack.
type IAMConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	FailClosed bool          `mapstructure:"fail_closed"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// RegulatoryConfig points at the best-effort submission sink.
type RegulatoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
}

// WorkersConfig sizes the partition-owned worker pools.
type WorkersConfig struct {
	Hotpath  int `mapstructure:"hotpath"`
	Coldpath int `mapstructure:"coldpath"`
	QueueLen int `mapstructure:"queue_len"`
}

// AdminConfig controls the read-only admin HTTP server.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TLE_DATABASE_DSN, TLE_REDIS_PASSWORD, TLE_IAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("TLE_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if pass := os.Getenv("TLE_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}
	if token := os.Getenv("TLE_IAM_TOKEN"); token != "" {
		cfg.IAM.Token = token
	}
	if os.Getenv("TLE_DRY_RUN") == "true" || os.Getenv("TLE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Default returns the built-in configuration used when no file is present
// (dry-run and tests).
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.query_timeout", 5*time.Second)

	v.SetDefault("topics.trades", "trades")
	v.SetDefault("topics.backdated_trades", "backdated-trades")
	v.SetDefault("topics.trade_applied", "trade-applied-events")
	v.SetDefault("topics.provisional_trades", "provisional-trade-events")
	v.SetDefault("topics.historical_corrections", "historical-position-corrected-events")
	v.SetDefault("topics.regulatory_submissions", "regulatory-submissions")
	v.SetDefault("topics.dlq", "trades-dlq")

	v.SetDefault("hotpath.max_attempts", 5)
	v.SetDefault("hotpath.backoff_base", 25*time.Millisecond)
	v.SetDefault("hotpath.backoff_cap", 200*time.Millisecond)
	v.SetDefault("hotpath.budget", 100*time.Millisecond)
	v.SetDefault("hotpath.allow_sign_change", true)

	v.SetDefault("coldpath.max_attempts", 5)
	v.SetDefault("coldpath.backoff_step", 100*time.Millisecond)
	v.SetDefault("coldpath.budget", 5*time.Minute)

	v.SetDefault("validator.max_price", 1_000_000)
	v.SetDefault("validator.max_future_years", 1)

	v.SetDefault("snapshot.compression_threshold_lots", 10)
	v.SetDefault("tax_lot.default_method", "FIFO")

	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.rules_ttl", time.Hour)
	v.SetDefault("iam.cache_ttl", 5*time.Minute)
	v.SetDefault("iam.fail_closed", true)

	v.SetDefault("workers.hotpath", 8)
	v.SetDefault("workers.coldpath", 2)
	v.SetDefault("workers.queue_len", 256)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required (set TLE_DATABASE_DSN)")
		}
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka.consumer_group is required")
		}
	}
	if c.Hotpath.MaxAttempts <= 0 {
		return fmt.Errorf("hotpath.max_attempts must be > 0")
	}
	if c.Hotpath.BackoffBase <= 0 || c.Hotpath.BackoffCap < c.Hotpath.BackoffBase {
		return fmt.Errorf("hotpath backoff must satisfy 0 < base <= cap")
	}
	if c.Coldpath.MaxAttempts <= 0 {
		return fmt.Errorf("coldpath.max_attempts must be > 0")
	}
	if c.Validator.MaxPrice <= 0 {
		return fmt.Errorf("validator.max_price must be > 0")
	}
	if c.Snapshot.ThresholdLots < 0 {
		return fmt.Errorf("snapshot.compression_threshold_lots must be >= 0")
	}
	switch strings.ToUpper(c.TaxLot.DefaultMethod) {
	case "FIFO", "LIFO", "HIFO":
	default:
		return fmt.Errorf("tax_lot.default_method must be one of FIFO, LIFO, HIFO")
	}
	if c.Workers.Hotpath <= 0 || c.Workers.Coldpath <= 0 {
		return fmt.Errorf("workers.hotpath and workers.coldpath must be > 0")
	}
	if c.IAM.Enabled && c.IAM.BaseURL == "" {
		return fmt.Errorf("iam.base_url is required when iam.enabled")
	}
	if c.Regulatory.Enabled && c.Regulatory.BaseURL == "" {
		return fmt.Errorf("regulatory.base_url is required when regulatory.enabled")
	}
	return nil
}
