package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-driven runtime configuration of `docket run`.
type Config struct {
	Store       string `env:"DOCKET_STORE" envDefault:"sqlite"`
	DBPath      string `env:"DOCKET_DB_PATH" envDefault:"./.data/docket.db"`
	PostgresDSN string `env:"DOCKET_POSTGRES_DSN"`

	AdminAddr   string   `env:"DOCKET_ADMIN_ADDR" envDefault:"127.0.0.1:8484"`
	AdminTokens []string `env:"DOCKET_ADMIN_TOKENS"`

	LogLevel  string `env:"DOCKET_LOG_LEVEL" envDefault:"info"`
	LogOutput string `env:"DOCKET_LOG_OUTPUT" envDefault:"stderr"`
	LogFile   string `env:"DOCKET_LOG_FILE"`

	TracingEndpoint string `env:"DOCKET_TRACING_ENDPOINT"`
	TracingInsecure bool   `env:"DOCKET_TRACING_INSECURE"`

	StaleAfter         time.Duration `env:"DOCKET_STALE_AFTER" envDefault:"30m"`
	StaleSweepInterval time.Duration `env:"DOCKET_STALE_SWEEP_INTERVAL" envDefault:"5m"`

	ShutdownTimeout time.Duration `env:"DOCKET_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid DOCKET_STORE %q (use: memory|sqlite|postgres)", c.Store)
	}
	if c.Store == "sqlite" && strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("DOCKET_DB_PATH is required for the sqlite store")
	}
	if c.Store == "postgres" && strings.TrimSpace(c.PostgresDSN) == "" {
		return fmt.Errorf("DOCKET_POSTGRES_DSN is required for the postgres store")
	}
	if strings.TrimSpace(c.AdminAddr) == "" {
		return fmt.Errorf("DOCKET_ADMIN_ADDR must not be empty")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("DOCKET_STALE_AFTER must be positive")
	}
	if c.StaleSweepInterval <= 0 {
		return fmt.Errorf("DOCKET_STALE_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// adminTokenBytes filters out blank entries so a trailing comma in the env
// var does not disable auth by accident.
func (c *Config) adminTokenBytes() [][]byte {
	out := make([][]byte, 0, len(c.AdminTokens))
	for _, t := range c.AdminTokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, []byte(t))
	}
	return out
}
