// Package web serves the browser-facing surface: ceremony endpoints, the
// signed-in profile, and the pages that drive the WebAuthn client calls.
package web

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds web session settings.
type Config struct {
	// SessionSecret signs the session token. Required.
	SessionSecret string `env:"PASSWORDLESS_SESSION_SECRET"`

	SessionTTL time.Duration `env:"PASSWORDLESS_SESSION_TTL" envDefault:"12h"`

	// SecureCookies marks cookies Secure; enable behind TLS.
	SecureCookies bool `env:"PASSWORDLESS_SECURE_COOKIES" envDefault:"false"`
}

// LoadConfigFromEnv reads web configuration and validates required values.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse web env: %w", err)
	}
	cfg.SessionSecret = strings.TrimSpace(cfg.SessionSecret)
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("PASSWORDLESS_SESSION_SECRET is required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	return cfg, nil
}
