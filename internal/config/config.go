// Package config loads engine configuration from swarm.yaml, environment
// variables (SWARM_ prefix), and defaults, in that precedence order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/corynaegle-ai/swarm-engine/internal/types"
)

// Backend names accepted in storage.backend.
const (
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

// Config is the full engine configuration.
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Reaper      ReaperConfig      `mapstructure:"reaper"`
	Review      ReviewConfig      `mapstructure:"review"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Worker      WorkerConfig      `mapstructure:"worker"`
}

// WorkerConfig configures the local execution backend: the command run once
// per work item, with the item as JSON on stdin.
type WorkerConfig struct {
	Command     []string `mapstructure:"command"`
	Concurrency int      `mapstructure:"concurrency"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // sqlite | mysql
	Path    string `mapstructure:"path"`    // sqlite database file
	DSN     string `mapstructure:"dsn"`     // mysql connection string
}

// CoordinatorConfig tunes the claim loop.
type CoordinatorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// HeartbeatConfig tunes worker-side claim renewal.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ReaperConfig tunes stale-claim recovery.
type ReaperConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	TicketTimeout time.Duration `mapstructure:"ticket_timeout"`
}

// ReviewConfig configures the verification gate.
type ReviewConfig struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	Model       string `mapstructure:"model"`
	APIKey      string `mapstructure:"api_key"`
}

// RetryConfig holds optional per-category strategy overrides. Unset
// categories keep their built-in defaults.
type RetryConfig struct {
	Transient *StrategyConfig `mapstructure:"transient"`
	External  *StrategyConfig `mapstructure:"external"`
	Code      *StrategyConfig `mapstructure:"code"`
}

// StrategyConfig is one retry strategy override.
type StrategyConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    string        `mapstructure:"backoff"` // linear | exponential
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// Load reads configuration. path names an explicit config file; when empty,
// swarm.yaml is searched in the working directory. A missing file is not an
// error — defaults and SWARM_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("swarm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.path", "swarm.db")
	v.SetDefault("coordinator.interval", 5*time.Second)
	v.SetDefault("coordinator.batch_size", 10)
	v.SetDefault("coordinator.max_attempts", 4)
	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("reaper.interval", 60*time.Second)
	v.SetDefault("reaper.stale_after", 5*time.Minute)
	v.SetDefault("reaper.ticket_timeout", 30*time.Minute)
	v.SetDefault("review.max_attempts", 3)
	v.SetDefault("review.model", "")
	v.SetDefault("worker.concurrency", 4)
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case BackendMySQL:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want sqlite or mysql)", c.Storage.Backend)
	}
	if c.Reaper.StaleAfter < c.Heartbeat.Interval {
		return fmt.Errorf("reaper.stale_after (%s) must be at least heartbeat.interval (%s)",
			c.Reaper.StaleAfter, c.Heartbeat.Interval)
	}
	for name, s := range map[string]*StrategyConfig{
		"transient": c.Retry.Transient, "external": c.Retry.External, "code": c.Retry.Code,
	} {
		if s == nil {
			continue
		}
		if s.Backoff != string(types.BackoffLinear) && s.Backoff != string(types.BackoffExponential) {
			return fmt.Errorf("retry.%s.backoff %q is not linear or exponential", name, s.Backoff)
		}
		if s.MaxRetries < 0 || s.BaseDelay < 0 {
			return fmt.Errorf("retry.%s has negative values", name)
		}
	}
	return nil
}

// Strategies merges the configured overrides onto the built-in defaults.
func (c *Config) Strategies(defaults map[types.ErrorCategory]types.RetryStrategy) map[types.ErrorCategory]types.RetryStrategy {
	out := make(map[types.ErrorCategory]types.RetryStrategy, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for category, override := range map[types.ErrorCategory]*StrategyConfig{
		types.CategoryTransient: c.Retry.Transient,
		types.CategoryExternal:  c.Retry.External,
		types.CategoryCode:      c.Retry.Code,
	} {
		if override == nil {
			continue
		}
		out[category] = types.RetryStrategy{
			MaxRetries: override.MaxRetries,
			Backoff:    types.BackoffKind(override.Backoff),
			BaseDelay:  override.BaseDelay,
		}
	}
	return out
}
