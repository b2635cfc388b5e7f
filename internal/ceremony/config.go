// Package ceremony drives WebAuthn registration and authentication
// ceremonies against the identity directory.
package ceremony

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-webauthn/webauthn/protocol"
)

// Config controls relying party settings for both ceremonies.
type Config struct {
	RPDisplayName string        `env:"PASSWORDLESS_RP_DISPLAY_NAME" envDefault:"Passwordless Demo"`
	RPID          string        `env:"PASSWORDLESS_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"PASSWORDLESS_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"PASSWORDLESS_CHALLENGE_TTL"   envDefault:"5m"`

	// UserVerification is the requirement sent in assertion options:
	// required, preferred, or discouraged.
	UserVerification string `env:"PASSWORDLESS_USER_VERIFICATION" envDefault:"preferred"`

	// AttestationConveyance is the attestation policy requested at
	// registration: none, indirect, or direct.
	AttestationConveyance string `env:"PASSWORDLESS_ATTESTATION_CONVEYANCE" envDefault:"none"`
}

// LoadConfigFromEnv returns ceremony configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName:         "Passwordless Demo",
			RPID:                  "localhost",
			RPOrigins:             []string{"http://localhost:8080"},
			ChallengeTTL:          5 * time.Minute,
			UserVerification:      "preferred",
			AttestationConveyance: "none",
		}
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	return cfg
}

func (c Config) userVerification() protocol.UserVerificationRequirement {
	switch c.UserVerification {
	case "required":
		return protocol.VerificationRequired
	case "discouraged":
		return protocol.VerificationDiscouraged
	default:
		return protocol.VerificationPreferred
	}
}

func (c Config) attestationConveyance() protocol.ConveyancePreference {
	switch c.AttestationConveyance {
	case "direct":
		return protocol.PreferDirectAttestation
	case "indirect":
		return protocol.PreferIndirectAttestation
	default:
		return protocol.PreferNoAttestation
	}
}
