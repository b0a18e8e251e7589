// Package config loads the edge's process configuration.
//
// Sources are layered the usual way: built-in defaults, then an optional
// YAML file, then environment variables. Nested keys are addressed with a
// dot in YAML (sor.base_url) and with a double underscore in the
// environment (TERSE_SOR__BASE_URL). The environment names the service has
// always understood (PORT, AWS_REGION, DYNAMODB_TABLE, DYNAMODB_ENDPOINT,
// DEBUG) keep working.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TERSE_"

	BackendHTTP     = "http"
	BackendDynamoDB = "dynamodb"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Cache    CacheConfig    `koanf:"cache"`
	SoR      SoRConfig      `koanf:"sor"`
	History  HistoryConfig  `koanf:"history"`
	Internal InternalConfig `koanf:"internal"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`

	// TimeZone is used for expiry timestamps that carry no offset.
	TimeZone string `koanf:"timezone" validate:"required"`
}

type ServerConfig struct {
	Port            string        `koanf:"port" validate:"required,numeric"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level   string `koanf:"level" validate:"oneof=trace debug info warn error"`
	JSON    bool   `koanf:"json"`
	Concise bool   `koanf:"concise"`
	Debug   bool   `koanf:"debug"`
}

type CacheConfig struct {
	Capacity int `koanf:"capacity" validate:"gt=0"`
	Shards   int `koanf:"shards" validate:"gt=0"`
}

// SoRConfig describes how the edge reaches the system of record. Every call
// kind carries its own timeout so a slow admin service cannot stall the edge.
type SoRConfig struct {
	Backend               string        `koanf:"backend" validate:"oneof=http dynamodb"`
	BaseURL               string        `koanf:"base_url" validate:"omitempty,url"`
	LookupTimeout         time.Duration `koanf:"lookup_timeout" validate:"gt=0"`
	WarmTimeout           time.Duration `koanf:"warm_timeout" validate:"gt=0"`
	ConfigTimeout         time.Duration `koanf:"config_timeout" validate:"gt=0"`
	HistoryTimeout        time.Duration `koanf:"history_timeout" validate:"gt=0"`
	ConfigRefreshInterval time.Duration `koanf:"config_refresh_interval" validate:"gt=0"`
	BreakerFailures       uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerTimeout        time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

type HistoryConfig struct {
	QueueSize int `koanf:"queue_size" validate:"gt=0"`
	Workers   int `koanf:"workers" validate:"gt=0"`
}

// InternalConfig guards the endpoints the system of record pushes to.
// A zero RateLimit disables limiting.
type InternalConfig struct {
	RateLimit  int           `koanf:"rate_limit" validate:"gte=0"`
	RateWindow time.Duration `koanf:"rate_window" validate:"gt=0"`
}

type DynamoDBConfig struct {
	Region       string `koanf:"region"`
	Table        string `koanf:"table"`
	HistoryTable string `koanf:"history_table"`
	Endpoint     string `koanf:"endpoint" validate:"omitempty,url"`
	CreateTables bool   `koanf:"create_tables"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "5000",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			JSON:    true,
			Concise: true,
		},
		Cache: CacheConfig{
			Capacity: 100_000,
			Shards:   16,
		},
		SoR: SoRConfig{
			Backend:               BackendHTTP,
			BaseURL:               "http://localhost:8080/api",
			LookupTimeout:         2 * time.Second,
			WarmTimeout:           30 * time.Second,
			ConfigTimeout:         3 * time.Second,
			HistoryTimeout:        2 * time.Second,
			ConfigRefreshInterval: time.Minute,
			BreakerFailures:       5,
			BreakerTimeout:        30 * time.Second,
		},
		History: HistoryConfig{
			QueueSize: 10_000,
			Workers:   8,
		},
		Internal: InternalConfig{
			RateLimit:  1000,
			RateWindow: time.Second,
		},
		DynamoDB: DynamoDBConfig{
			Region:       "us-east-1",
			Table:        "terse",
			HistoryTable: "terse-history",
		},
		TimeZone: "Local",
	}
}

// legacy environment names mapped onto config keys
var envAliases = map[string]string{
	"PORT":              "server.port",
	"AWS_REGION":        "dynamodb.region",
	"DYNAMODB_TABLE":    "dynamodb.table",
	"DYNAMODB_ENDPOINT": "dynamodb.endpoint",
	"DEBUG":             "log.debug",
}

// envKey maps an environment variable name to a koanf path, or "" to skip it.
func envKey(name string) string {
	if key, ok := envAliases[name]; ok {
		return key
	}
	if !strings.HasPrefix(name, EnvPrefix) {
		return ""
	}
	name = strings.TrimPrefix(name, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}

// Load reads configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if cfg.Log.Debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.SoR.Backend == BackendHTTP && c.SoR.BaseURL == "" {
		return errors.New("sor.base_url is required when sor.backend is http")
	}
	if c.SoR.Backend == BackendDynamoDB {
		if c.DynamoDB.Table == "" {
			return errors.New("dynamodb.table is required when sor.backend is dynamodb")
		}
		if c.DynamoDB.Region == "" {
			return errors.New("dynamodb.region is required when sor.backend is dynamodb")
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}
