package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	Engine         string        `mapstructure:"ENGINE"`
	Workers        int           `mapstructure:"WORKERS"`
	BatchSize      int           `mapstructure:"BATCH_SIZE"`
	MaxRetries     int           `mapstructure:"MAX_RETRIES"`
	RetryDelay     time.Duration `mapstructure:"RETRY_DELAY"`
	CheckReady     bool          `mapstructure:"CHECK_READY"`
	ReadyChecks    int           `mapstructure:"READY_CHECKS"`
	ReadyDelay     time.Duration `mapstructure:"READY_DELAY"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	SharedCacheTTL time.Duration `mapstructure:"SHARED_CACHE_TTL"`
	MQTTBroker     string        `mapstructure:"MQTT_BROKER"`
	MQTTTopic      string        `mapstructure:"MQTT_TOPIC"`
	MQTTClientID   string        `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername   string        `mapstructure:"MQTT_USERNAME"`
	MQTTPassword   string        `mapstructure:"MQTT_PASSWORD"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	ResourceTypes  []string      `mapstructure:"RESOURCE_TYPES"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"ENGINE", "WORKERS", "BATCH_SIZE", "MAX_RETRIES", "RETRY_DELAY",
	"CHECK_READY", "READY_CHECKS", "READY_DELAY",
	"REDIS_URL", "SHARED_CACHE_TTL",
	"MQTT_BROKER", "MQTT_TOPIC", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD",
	"MIGRATIONS_DIR", "RESOURCE_TYPES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("ENGINE", "atomic")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("BATCH_SIZE", 50)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_DELAY", "100ms")
	v.SetDefault("CHECK_READY", true)
	v.SetDefault("READY_CHECKS", 10)
	v.SetDefault("READY_DELAY", "2s")
	v.SetDefault("SHARED_CACHE_TTL", "24h")
	v.SetDefault("MQTT_TOPIC", "fhir/params")
	v.SetDefault("MQTT_CLIENT_ID", "param-loader")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("RESOURCE_TYPES", "")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ResourceTypes = splitList(v.GetString("RESOURCE_TYPES"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the loader is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings that Load cannot default safely.
func (c *Config) Validate() error {
	if c.Engine != "atomic" && c.Engine != "serialized" {
		return fmt.Errorf("ENGINE must be \"atomic\" or \"serialized\", got %q", c.Engine)
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	// Every worker pins a connection for its lifetime; leave one for the ops endpoint.
	if c.Engine == "atomic" && int32(c.Workers) >= c.DBMaxConns {
		return fmt.Errorf("WORKERS (%d) must be less than DB_MAX_CONNS (%d)", c.Workers, c.DBMaxConns)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.ReadyChecks < 0 {
		return fmt.Errorf("READY_CHECKS must not be negative, got %d", c.ReadyChecks)
	}
	if c.ReadyDelay < 0 {
		return fmt.Errorf("READY_DELAY must not be negative, got %s", c.ReadyDelay)
	}
	if c.IsProduction() && c.RedisURL != "" && c.SharedCacheTTL <= 0 {
		return fmt.Errorf("SHARED_CACHE_TTL must be positive in production")
	}
	return nil
}
