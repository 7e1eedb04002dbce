package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Active-rule cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds all configuration for the rules server.
// Values come from an optional YAML file; environment variables always win.
type Config struct {
	// Server configuration
	BindAddr        string        `yaml:"bind_addr" env:"BIND_ADDR" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"30s"`

	// Storage configuration
	StoreBackend string `yaml:"store_backend" env:"STORE_BACKEND" env-default:"memory"`
	DatabaseURL  string `yaml:"-" env:"DATABASE_URL"` // Secret - not in YAML

	Rules   RulesConfig   `yaml:"rules"`
	Cache   CacheConfig   `yaml:"cache"`
	Batches BatchesConfig `yaml:"batches"`
}

// RulesConfig controls rule store behaviour for every tenant.
type RulesConfig struct {
	// RejectCycles makes writes that would close a dependency cycle fail.
	RejectCycles bool `yaml:"reject_cycles" env:"RULES_REJECT_CYCLES" env-default:"true"`

	// CacheTTL bounds how long the active-rule snapshot is served.
	// 0 keeps it until the next mutation.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"RULES_CACHE_TTL" env-default:"0s"`

	// SeedDemoRules loads the built-in demo rule set into a default tenant on startup.
	SeedDemoRules bool `yaml:"seed_demo_rules" env:"SEED_DEMO_RULES" env-default:"false"`
}

// CacheConfig selects where active-rule snapshots live. Redis lets several
// server instances share snapshots and invalidations.
type CacheConfig struct {
	Backend       string `yaml:"backend" env:"CACHE_BACKEND" env-default:"memory"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`
}

// BatchesConfig controls scheduled batch runs.
type BatchesConfig struct {
	// Schedule is a standard 5-field cron expression (or a descriptor such as
	// "@daily"). Empty disables scheduled runs.
	Schedule string `yaml:"schedule" env:"BATCH_SCHEDULE"`

	// PipelineType is recorded on every scheduled batch.
	PipelineType string `yaml:"pipeline_type" env:"BATCH_PIPELINE_TYPE" env-default:"SCHEDULED"`
}

// Load reads path if it exists, then applies environment overrides.
// An empty path or a missing file means environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			return cfg, cfg.Validate()
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}

// Validate rejects unknown backends, a postgres backend without a database URL
// and batch schedules cron cannot parse.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.StoreBackend, BackendMemory, BackendPostgres)
	}
	if c.Port == "" {
		return errors.New("port cannot be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.Rules.CacheTTL < 0 {
		return fmt.Errorf("rules cache TTL cannot be negative, got %s", c.Rules.CacheTTL)
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when CACHE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("unknown cache backend %q (want %s or %s)", c.Cache.Backend, CacheMemory, CacheRedis)
	}

	if c.Batches.Schedule != "" {
		if _, err := cron.ParseStandard(c.Batches.Schedule); err != nil {
			return fmt.Errorf("invalid batch schedule %q: %w", c.Batches.Schedule, err)
		}
	}
	return nil
}
