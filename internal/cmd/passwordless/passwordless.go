// Package passwordless parses server command flags and runs the server.
package passwordless

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/oktadev/okta-webauthn-go/internal/app"
	"github.com/oktadev/okta-webauthn-go/internal/platform/otel"
)

// ParseConfig parses environment and flags into a server Config.
func ParseConfig(fs *flag.FlagSet, args []string) (app.Config, error) {
	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		return app.Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP server address")
	fs.StringVar(&cfg.ChallengeStore, "challenge-store", cfg.ChallengeStore, "Challenge store backend: memory or sqlite")
	fs.StringVar(&cfg.ChallengeDBPath, "challenge-db", cfg.ChallengeDBPath, "SQLite challenge database path")
	if err := fs.Parse(args); err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}

// Run starts the passwordless server.
func Run(ctx context.Context, cfg app.Config) error {
	shutdown, err := otel.Setup(ctx, "passwordless")
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

	return app.Run(ctx, cfg)
}
