// Package config loads tokenwise settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the tokenwise configuration.
type Config struct {
	// Transaction database
	DBHost    string `env:"DB_HOST" envDefault:"localhost"`
	DBName    string `env:"DB_NAME" envDefault:"transactions"`
	DBUser    string `env:"DB_USER" envDefault:"postgres"`
	DBPass    string `env:"DB_PASS" envDefault:"password"`
	DBPort    int    `env:"DB_PORT" envDefault:"5432"`
	DBSSLMode string `env:"DB_SSLMODE" envDefault:"disable"`

	// Feed
	Source        string `env:"SOURCE" envDefault:"postgres"`
	ClickHouseDSN string `env:"CLICKHOUSE_DSN" envDefault:"clickhouse://localhost:9000/default"`
	CSVPath       string `env:"CSV_PATH"`

	// Model store
	StoreBackend  string `env:"STORE_BACKEND" envDefault:"fs"`
	ModelDir      string `env:"MODEL_DIR" envDefault:"models"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Baseline model
	Contamination float64 `env:"CONTAMINATION" envDefault:"0.05"`
	RandomSeed    int64   `env:"RANDOM_SEED" envDefault:"42"`
	Trees         int     `env:"TREES" envDefault:"100"`
	SampleSize    int     `env:"SAMPLE_SIZE" envDefault:"256"`

	// Refresh (parsed as seconds)
	CacheTTLSec        int `env:"CACHE_TTL_SEC" envDefault:"10"`
	RefreshIntervalSec int `env:"REFRESH_INTERVAL_SEC" envDefault:"660"`

	// Computed durations (not from env)
	CacheTTL        time.Duration `env:"-"`
	RefreshInterval time.Duration `env:"-"`

	ModelPolicy    string  `env:"MODEL_POLICY" envDefault:"top"`
	TopWallets     int     `env:"TOP_WALLETS" envDefault:"1"`
	Workers        int     `env:"WORKERS" envDefault:"4"`
	DisplayTZ      string  `env:"DISPLAY_TZ" envDefault:"Asia/Kolkata"`
	WhaleThreshold float64 `env:"WHALE_THRESHOLD" envDefault:"1000"`

	// Serving and observability
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file, then the process environment.
// Variables already set in the environment win over .env entries.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// FromMap parses configuration from vars only, ignoring the process environment.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.ModelPolicy = strings.ToLower(strings.TrimSpace(cfg.ModelPolicy))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	cfg.CacheTTL = time.Duration(cfg.CacheTTLSec) * time.Second
	cfg.RefreshInterval = time.Duration(cfg.RefreshIntervalSec) * time.Second

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Source {
	case "postgres", "clickhouse":
	case "csv":
		if c.CSVPath == "" {
			return fmt.Errorf("CSV_PATH is required when SOURCE=csv")
		}
	default:
		return fmt.Errorf("invalid source: %s", c.Source)
	}

	switch c.StoreBackend {
	case "fs":
		if c.ModelDir == "" {
			return fmt.Errorf("MODEL_DIR is required when STORE_BACKEND=fs")
		}
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("invalid store backend: %s", c.StoreBackend)
	}

	if c.Contamination < 0 || c.Contamination > 0.5 {
		return fmt.Errorf("contamination must be in [0, 0.5], got %v", c.Contamination)
	}
	if c.Trees < 1 {
		return fmt.Errorf("trees must be positive")
	}
	if c.SampleSize < 1 {
		return fmt.Errorf("sample size must be positive")
	}

	if c.ModelPolicy != "top" && c.ModelPolicy != "all" {
		return fmt.Errorf("invalid model policy: %s", c.ModelPolicy)
	}
	if c.ModelPolicy == "top" && c.TopWallets < 1 {
		return fmt.Errorf("top wallets must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("refresh interval must be at least 1 second")
	}

	if _, err := time.LoadLocation(c.DisplayTZ); err != nil {
		return fmt.Errorf("invalid display timezone %q: %w", c.DisplayTZ, err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

// PostgresDSN builds a connection URL for the transaction database.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPass),
		Host:     c.DBHost + ":" + strconv.Itoa(c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.DBSSLMode}}.Encode(),
	}
	return u.String()
}

// Location returns the display timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DisplayTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
