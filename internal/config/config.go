package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

const envPrefix = "QGW"

// ---- Root ----

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Admin        AdminConfig        `mapstructure:"admin"`
	MySQL        DatabaseConfig     `mapstructure:"mysql"`
	ClickHouse   DatabaseConfig     `mapstructure:"clickhouse"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Admission    AdmissionConfig    `mapstructure:"admission"`
	Customers    CustomersConfig    `mapstructure:"customers"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Usage        UsageConfig        `mapstructure:"usage"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json | console
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       string        `mapstructure:"body_limit"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	ExpiryGrace time.Duration `mapstructure:"expiry_grace"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval int           `mapstructure:"commit_interval_ms"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
}

type LimitsConfig struct {
	PerSecond int64 `mapstructure:"per_second"`
	PerMinute int64 `mapstructure:"per_minute"`
	PerHour   int64 `mapstructure:"per_hour"`
	PerDay    int64 `mapstructure:"per_day"`
	PerMonth  int64 `mapstructure:"per_month"`
}

func (l LimitsConfig) Limits() model.Limits {
	return model.Limits{
		PerSecond: l.PerSecond,
		PerMinute: l.PerMinute,
		PerHour:   l.PerHour,
		PerDay:    l.PerDay,
		PerMonth:  l.PerMonth,
	}
}

type AnonymousConfig struct {
	Enabled    bool         `mapstructure:"enabled"`
	Limits     LimitsConfig `mapstructure:"limits"`
	PerIPRPS   float64      `mapstructure:"per_ip_rps"`
	PerIPBurst int          `mapstructure:"per_ip_burst"`
}

type AdmissionConfig struct {
	Store         string          `mapstructure:"store"` // memory | redis | mysql
	StoreTimeout  time.Duration   `mapstructure:"store_timeout"`
	FailOpen      bool            `mapstructure:"fail_open"`
	DefaultLimits LimitsConfig    `mapstructure:"default_limits"`
	Anonymous     AnonymousConfig `mapstructure:"anonymous"`
}

type CustomersConfig struct {
	DefaultExpiryDays int `mapstructure:"default_expiry_days"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	Name      string        `mapstructure:"name"`
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Path      string        `mapstructure:"path"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type UpstreamConfig struct {
	MaxAttempts int              `mapstructure:"max_attempts"`
	Providers   []ProviderConfig `mapstructure:"providers"`
}

type UsageConfig struct {
	RecordTimeout time.Duration `mapstructure:"record_timeout"`
	Topic         string        `mapstructure:"topic"`
	SinkBatchSize int           `mapstructure:"sink_batch_size"`
	SinkBatchWait time.Duration `mapstructure:"sink_batch_wait"`
}

type OutboxConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

type HousekeepingConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	RetentionDays int           `mapstructure:"retention_days"`
	DeleteBatch   int           `mapstructure:"delete_batch"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (QGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("merge %s: %w", path, err)
		}
	}

	// env override (QGW_*), e.g. QGW_ADMISSION_STORE=redis
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Admission.Store {
	case "memory", "redis", "mysql":
	default:
		return fmt.Errorf("admission.store: unknown backend %q", c.Admission.Store)
	}
	if err := c.Admission.DefaultLimits.Limits().Validate(); err != nil {
		return fmt.Errorf("admission.default_limits: %w", err)
	}
	if c.Admission.Anonymous.Enabled {
		if err := c.Admission.Anonymous.Limits.Limits().Validate(); err != nil {
			return fmt.Errorf("admission.anonymous.limits: %w", err)
		}
	}
	if c.Customers.DefaultExpiryDays < 0 {
		return fmt.Errorf("customers.default_expiry_days must be >= 0")
	}
	return nil
}
