// Package config provides layered configuration (defaults, then config
// file, then environment overrides) for the migration engine CLI.
// Grounded on the teacher's internal/config/config.go viper-layering
// pattern, retargeted from deployment-profile/storage-backend selection to
// PDS endpoints, store, and progress-bus settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the engine's full configuration surface.
type Config struct {
	PDS     PDSConfig     `mapstructure:"pds"`
	Store   StoreConfig   `mapstructure:"store"`
	Run     RunConfig     `mapstructure:"run"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
}

// PDSConfig configures the pdsclient shared across a run.
type PDSConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" validate:"required"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"min=0"`
	RateLimit         float64       `mapstructure:"rate_limit" validate:"gt=0"`
	DescribeCacheSize int           `mapstructure:"describe_cache_size" validate:"min=1"`
}

// StoreConfig configures the C3 local object store.
type StoreConfig struct {
	// Mode selects the backend explicitly ("filesystem", "sqlite",
	// "memory"); empty defers to Dir/SQLitePath presence per internal/store.
	Mode       string `mapstructure:"mode"`
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Buffered   bool   `mapstructure:"buffered"`
}

// RunConfig configures the C7 orchestrator's own run-persistence database.
type RunConfig struct {
	DatabasePath string `mapstructure:"database_path" validate:"required"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	Output string `mapstructure:"output"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port" validate:"min=0,max=65535"`
}

// ServerConfig configures cmd/migrate serve's progress HTTP/WS surface.
type ServerConfig struct {
	Port int    `mapstructure:"port" validate:"min=0,max=65535"`
	Host string `mapstructure:"host"`
}

var validate = validator.New()

// LoadConfig loads configuration from defaults, then configPath if
// non-empty, then environment variables (MIGRATE_ENGINE_-prefixed,
// nested keys separated by underscore).
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("migrate_engine")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pds.timeout", "30s")
	v.SetDefault("pds.max_retries", 3)
	v.SetDefault("pds.rate_limit", 10.0)
	v.SetDefault("pds.describe_cache_size", 32)

	v.SetDefault("store.mode", "")
	v.SetDefault("store.dir", "")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.buffered", false)

	v.SetDefault("run.database_path", "./migrate-engine-runs.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("server.port", 8088)
	v.SetDefault("server.host", "127.0.0.1")
}

// Validate checks field-level constraints via struct tags, then the
// cross-field rules the tags can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Store.Mode == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required when store.mode=sqlite")
	}
	if c.Store.Mode == "filesystem" && c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required when store.mode=filesystem")
	}
	return nil
}
