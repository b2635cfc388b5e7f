package okta

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls the Okta org connection.
type Config struct {
	OrgURL         string        `env:"PASSWORDLESS_OKTA_ORG_URL"`
	APIToken       string        `env:"PASSWORDLESS_OKTA_API_TOKEN"`
	RequestTimeout time.Duration `env:"PASSWORDLESS_OKTA_REQUEST_TIMEOUT" envDefault:"10s"`
}

// LoadConfigFromEnv returns directory configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{RequestTimeout: 10 * time.Second}
	}
	return cfg
}
