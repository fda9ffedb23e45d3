package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	DBPath         string   `env:"DB_PATH" envDefault:"data/officemafia.db"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`

	StaleSessionAfter time.Duration `env:"STALE_SESSION_AFTER" envDefault:"2h"`
	RetainSessionsFor time.Duration `env:"RETAIN_SESSIONS_FOR" envDefault:"24h"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"10m"`
	RoleAssignRetries int           `env:"ROLE_ASSIGN_RETRIES" envDefault:"3"`

	// RedisURL enables the cross-instance event relay when set.
	RedisURL string `env:"REDIS_URL"`
	// OTelEndpoint enables trace export when set.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"officemafia"`
}

const defaultAllowedOrigin = "*"

// LoadConfig builds a Config from the environment, applying defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)
	if cfg.RoleAssignRetries < 0 {
		return Config{}, fmt.Errorf("ROLE_ASSIGN_RETRIES must be >= 0, got %d", cfg.RoleAssignRetries)
	}
	if cfg.CleanupInterval <= 0 {
		return Config{}, fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", cfg.CleanupInterval)
	}
	return cfg, nil
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func normalizeOrigins(raw []string) []string {
	var origins []string
	for _, origin := range raw {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return origins
}
