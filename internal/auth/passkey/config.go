package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// ChallengeKind describes the ceremony a stored challenge belongs to.
type ChallengeKind string

const (
	ChallengeKindRegistration ChallengeKind = "registration"
	ChallengeKindLogin        ChallengeKind = "login"
)

// DefaultRPName is used when no relying party display name is configured.
const DefaultRPName = "Keyway"

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"KEYWAY_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID          string        `env:"KEYWAY_WEBAUTHN_RP_ID"        envDefault:"localhost"`
	RPOrigins     []string      `env:"KEYWAY_WEBAUTHN_RP_ORIGINS"   envSeparator:","`
	ChallengeTTL  time.Duration `env:"KEYWAY_WEBAUTHN_CHALLENGE_TTL" envDefault:"5m"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	// Parse errors leave the remaining fields to the defaults below.
	_ = env.Parse(&cfg)
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = DefaultRPName
	}
	if cfg.RPID == "" {
		cfg.RPID = "localhost"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return cfg
}
