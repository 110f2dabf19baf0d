// Package config loads xconnect configuration from, in order of precedence,
// an explicit config file, environment variables (XCONNECT_ prefix, with a
// .env file honored when present), and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// RuntimeConfig holds service-runtime tuning shared by all services.
type RuntimeConfig struct {
	AutoRecover         bool          `mapstructure:"auto_recover"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts"`
	RecoveryBackoff     time.Duration `mapstructure:"recovery_backoff"`
	LockTimeout         time.Duration `mapstructure:"lock_timeout"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	CacheSweep          time.Duration `mapstructure:"cache_sweep"`
	HandlerTimeout      time.Duration `mapstructure:"handler_timeout"`
}

// RedisConfig holds Redis configuration for the position store.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka configuration for execution-report publishing.
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	ReportTopic string `mapstructure:"report_topic"`
}

// OpsConfig holds the admin HTTP server configuration.
type OpsConfig struct {
	Addr           string        `mapstructure:"addr"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AdminUser      string        `mapstructure:"admin_user"`
	AdminPassHash  string        `mapstructure:"admin_pass_hash"`
	RequestsPerMin int           `mapstructure:"requests_per_min"`
	TokenExpiry    time.Duration `mapstructure:"token_expiry"`
}

// ExchangeConfig holds per-exchange connectivity settings.
type ExchangeConfig struct {
	Name         string        `mapstructure:"name"`
	RESTEndpoint string        `mapstructure:"rest_endpoint"`
	WSEndpoint   string        `mapstructure:"ws_endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Symbols      []string      `mapstructure:"symbols"`
}

// LoadOptions controls configuration loading.
type LoadOptions struct {
	// ConfigFile is an explicit config file path; empty means env/defaults only.
	ConfigFile string
	// EnvFile is a dotenv file loaded into the process environment when present.
	EnvFile string
}

// DefaultLoadOptions returns the default load options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{EnvFile: ".env"}
}

// Load loads configuration with the default options.
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads configuration from file, environment, and defaults.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		// Missing .env is fine; environment variables still apply.
		_ = godotenv.Load(opts.EnvFile)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("XCONNECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as late failures.
func (c *Config) Validate() error {
	if c.Runtime.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("runtime.max_recovery_attempts must not be negative")
	}
	if c.Runtime.RecoveryBackoff < 0 {
		return fmt.Errorf("runtime.recovery_backoff must not be negative")
	}
	if c.Ops.Addr == "" {
		return fmt.Errorf("ops.addr is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")

	v.SetDefault("metrics.namespace", "xconnect")

	v.SetDefault("runtime.auto_recover", true)
	v.SetDefault("runtime.max_recovery_attempts", 3)
	v.SetDefault("runtime.recovery_backoff", 5*time.Second)
	v.SetDefault("runtime.lock_timeout", 30*time.Second)
	v.SetDefault("runtime.cache_ttl", 5*time.Minute)
	v.SetDefault("runtime.cache_sweep", time.Minute)
	v.SetDefault("runtime.handler_timeout", 5*time.Second)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.report_topic", "execution_reports")

	v.SetDefault("ops.addr", ":8080")
	v.SetDefault("ops.requests_per_min", 120)
	v.SetDefault("ops.token_expiry", 24*time.Hour)

	v.SetDefault("exchange.name", "paper")
	v.SetDefault("exchange.poll_interval", 5*time.Second)
	v.SetDefault("exchange.symbols", []string{"BTC-USD"})
}
