package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mcclellann/microloan/pkg/engine"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "MICROLOAN"

type Config struct {
	Server         ServerConfig             `mapstructure:"server"`
	Database       DatabaseConfig           `mapstructure:"database"`
	Log            LogConfig                `mapstructure:"log"`
	Batch          BatchConfig              `mapstructure:"batch"`
	Aging          AgingConfig              `mapstructure:"aging"`
	Products       map[string]ProductConfig `mapstructure:"products"`
	DefaultProduct string                   `mapstructure:"default_product"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type BatchConfig struct {
	AgingCron string `mapstructure:"aging_cron"`
	Workers   int    `mapstructure:"workers"`
}

type AgingConfig struct {
	Buckets string `mapstructure:"buckets"` // standard or extended
}

// ProductConfig is the penalty policy of one loan product. Amounts are kept
// as strings so decimals read from YAML never pass through float64.
type ProductConfig struct {
	Mode      string `mapstructure:"mode"`
	DailyRate string `mapstructure:"daily_rate"`
	FlatFee   string `mapstructure:"flat_fee"`
	GraceDays int    `mapstructure:"grace_days"`
	Cap       string `mapstructure:"cap"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "microloan.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("batch.aging_cron", "0 2 * * *")
	v.SetDefault("batch.workers", 4)
	v.SetDefault("aging.buckets", "standard")
	v.SetDefault("default_product", "STANDARD")
	v.SetDefault("products", map[string]interface{}{
		"STANDARD": map[string]interface{}{
			"mode":       string(engine.PenaltyModePercentage),
			"daily_rate": "0.001",
		},
	})
}

// Load reads configuration from the optional file at path, then lets
// MICROLOAN_* environment variables override individual keys
// (MICROLOAN_DATABASE_DSN overrides database.dsn).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file, %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	// viper lower-cases map keys; product codes are upper case everywhere else.
	cfg.DefaultProduct = strings.ToUpper(cfg.DefaultProduct)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be positive")
	}
	if _, err := c.AgingBuckets(); err != nil {
		return err
	}
	policies, err := c.PenaltyPolicies()
	if err != nil {
		return err
	}
	if _, ok := policies[strings.ToUpper(c.DefaultProduct)]; !ok {
		return fmt.Errorf("default_product %q is not among the configured products", c.DefaultProduct)
	}
	return nil
}

// Policy converts the product definition into an engine penalty policy.
func (p ProductConfig) Policy() (engine.PenaltyPolicy, error) {
	policy := engine.PenaltyPolicy{
		Mode:      engine.PenaltyMode(strings.ToUpper(p.Mode)),
		GraceDays: p.GraceDays,
	}
	var err error
	if policy.DailyRate, err = parseAmount(p.DailyRate); err != nil {
		return policy, fmt.Errorf("daily_rate: %w", err)
	}
	if policy.FlatFee, err = parseAmount(p.FlatFee); err != nil {
		return policy, fmt.Errorf("flat_fee: %w", err)
	}
	if policy.Cap, err = parseAmount(p.Cap); err != nil {
		return policy, fmt.Errorf("cap: %w", err)
	}
	return policy, policy.Validate()
}

func parseAmount(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

// PenaltyPolicies returns the policy of every configured product, keyed by
// upper-cased product code.
func (c *Config) PenaltyPolicies() (map[string]engine.PenaltyPolicy, error) {
	policies := make(map[string]engine.PenaltyPolicy, len(c.Products))
	for code, p := range c.Products {
		policy, err := p.Policy()
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", code, err)
		}
		policies[strings.ToUpper(code)] = policy
	}
	return policies, nil
}

func (c *Config) AgingBuckets() ([]engine.AgingBucket, error) {
	return engine.BucketSet(c.Aging.Buckets)
}

// OpenStore opens the storage backend named by database.driver.
func (c *Config) OpenStore() (store.Storage, error) {
	switch c.Database.Driver {
	case "postgres":
		return store.NewPostgresStore(c.Database.DSN)
	default:
		return store.NewSQLiteStore(c.Database.DSN)
	}
}

// NewLogger builds a JSON logger at the configured level.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger, nil
}
