// Package config loads the runtime configuration of the proxy daemon and
// CLI from SWR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/swrcache/pkg/logging"
	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config is the process configuration.
type Config struct {
	// DataDir holds the per-user Badger databases and the profile database.
	DataDir string `env:"SWR_DATA_DIR" envDefault:"./data"`

	// Backend selects where cache entries live: "badger" or "redis".
	Backend string `env:"SWR_BACKEND" envDefault:"badger"`

	RedisAddr string `env:"SWR_REDIS_ADDR" envDefault:"localhost:6379"`

	// APIBaseURL is the remote API every request is proxied to.
	APIBaseURL string `env:"SWR_API_BASE_URL" envDefault:"http://localhost:8080/api"`

	LogLevel  string `env:"SWR_LOG_LEVEL"  envDefault:"info"`
	LogPretty bool   `env:"SWR_LOG_PRETTY" envDefault:"false"`

	ListenAddr string `env:"SWR_LISTEN_ADDR" envDefault:":8090"`

	// BreakerTimeout is how long the API is considered offline before probing.
	BreakerTimeout time.Duration `env:"SWR_BREAKER_TIMEOUT" envDefault:"30s"`

	// ReplayInterval is the initial backoff between timed replay passes.
	ReplayInterval time.Duration `env:"SWR_REPLAY_INTERVAL" envDefault:"5s"`

	// UserID signs the daemon in on startup when set.
	UserID string `env:"SWR_USER_ID"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadWith reads the configuration from vars instead of the process
// environment.
func LoadWith(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendBadger:
		if c.DataDir == "" {
			errs = append(errs, errors.New("SWR_DATA_DIR is required for the badger backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("SWR_REDIS_ADDR is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SWR_BACKEND %q (want badger or redis)", c.Backend))
	}

	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid SWR_API_BASE_URL %q", c.APIBaseURL))
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if c.BreakerTimeout <= 0 {
		errs = append(errs, errors.New("SWR_BREAKER_TIMEOUT must be positive"))
	}
	if c.ReplayInterval <= 0 {
		errs = append(errs, errors.New("SWR_REPLAY_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

// Logging returns the logging configuration.
func (c Config) Logging() logging.Config {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{Level: level, Pretty: c.LogPretty}
}
