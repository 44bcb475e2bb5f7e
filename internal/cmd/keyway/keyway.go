// Package keyway parses server command flags and runs the auth service.
package keyway

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/louisbranch/keyway/internal/auth/app"
	"github.com/louisbranch/keyway/internal/platform/config"
	"github.com/louisbranch/keyway/internal/platform/otel"
)

// Config holds server command configuration.
type Config struct {
	Addr   string `env:"KEYWAY_ADDR"    envDefault:"localhost:8080"`
	DBPath string `env:"KEYWAY_DB_PATH"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP server address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the auth server.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "keyway")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	return app.Run(ctx, cfg.Addr, cfg.DBPath)
}
