// Package maintenance purges expired identity state from the keyway database.
package maintenance

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/louisbranch/keyway/internal/auth/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath       string        `env:"KEYWAY_DB_PATH"`
	ChallengeTTL time.Duration `env:"KEYWAY_WEBAUTHN_CHALLENGE_TTL" envDefault:"5m"`
	Timeout      time.Duration `env:"KEYWAY_MAINTENANCE_TIMEOUT" envDefault:"1m"`
}

// ParseConfig parses flags into a Config. Flags win over environment values.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "keyway.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to keyway sqlite database (default: KEYWAY_DB_PATH or data/keyway.db)")
	fs.DurationVar(&cfg.ChallengeTTL, "challenge-ttl", cfg.ChallengeTTL, "age past which ceremony challenges are purged")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run purges expired challenges and sessions from the store at cfg.DBPath.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if cfg.ChallengeTTL <= 0 {
		return fmt.Errorf("challenge ttl must be positive")
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	now := time.Now().UTC()
	if err := store.DeleteExpiredChallenges(ctx, now.Add(-cfg.ChallengeTTL)); err != nil {
		return fmt.Errorf("purge expired challenges: %w", err)
	}
	fmt.Fprintf(out, "purged challenges older than %s\n", cfg.ChallengeTTL)

	if err := store.DeleteExpiredSessions(ctx, now); err != nil {
		return fmt.Errorf("purge expired sessions: %w", err)
	}
	fmt.Fprintln(out, "purged expired sessions")

	return nil
}
