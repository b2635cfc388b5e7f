// Package app assembles the passwordless server from its parts: directory
// client, challenge store, ceremony engine, and the web handler.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"github.com/oktadev/okta-webauthn-go/internal/ceremony"
	"github.com/oktadev/okta-webauthn-go/internal/challenge"
	challengesqlite "github.com/oktadev/okta-webauthn-go/internal/challenge/sqlite"
	"github.com/oktadev/okta-webauthn-go/internal/directory/okta"
	"github.com/oktadev/okta-webauthn-go/internal/platform/config"
	"github.com/oktadev/okta-webauthn-go/internal/web"
)

// Config holds server assembly configuration.
type Config struct {
	HTTPAddr string `env:"PASSWORDLESS_HTTP_ADDR" envDefault:"localhost:8080"`

	// MaxConns caps concurrent connections on the listener.
	MaxConns int `env:"PASSWORDLESS_MAX_CONNS" envDefault:"256"`

	// ChallengeStore selects where ceremony challenges live: memory or sqlite.
	ChallengeStore  string `env:"PASSWORDLESS_CHALLENGE_STORE"  envDefault:"memory"`
	ChallengeDBPath string `env:"PASSWORDLESS_CHALLENGE_DB"     envDefault:"challenges.db"`

	SweepInterval time.Duration `env:"PASSWORDLESS_CHALLENGE_SWEEP_INTERVAL" envDefault:"1m"`
}

// LoadConfigFromEnv reads server configuration.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Server hosts the passwordless HTTP surface.
type Server struct {
	listener      net.Listener
	httpServer    *http.Server
	challenges    challenge.Store
	closeStore    func() error
	sweepInterval time.Duration
}

// New creates a configured server listening on cfg.HTTPAddr.
func New(cfg Config) (*Server, error) {
	webCfg, err := web.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	directoryClient, err := okta.NewClient(okta.LoadConfigFromEnv())
	if err != nil {
		return nil, err
	}

	challenges, closeStore, err := openChallengeStore(cfg)
	if err != nil {
		return nil, err
	}

	engine := ceremony.NewEngine(ceremony.LoadConfigFromEnv(), challenges, directoryClient)
	handler := web.NewHandler(engine, directoryClient, web.NewSessionManager(webCfg))

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	if cfg.MaxConns > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConns)
	}

	return &Server{
		listener: listener,
		httpServer: &http.Server{
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		challenges:    challenges,
		closeStore:    closeStore,
		sweepInterval: cfg.SweepInterval,
	}, nil
}

// openChallengeStore selects the configured challenge backend.
func openChallengeStore(cfg Config) (challenge.Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ChallengeStore)) {
	case "", "memory":
		return challenge.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		store, err := challengesqlite.Open(cfg.ChallengeDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open challenge store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown challenge store %q", cfg.ChallengeStore)
	}
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if err := s.closeStore(); err != nil {
			log.Printf("close challenge store: %v", err)
		}
	}()

	s.startSweeper(serverCtx)

	log.Printf("passwordless server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		<-serveErr
		return nil
	}
}

// startSweeper periodically clears expired challenges until the context ends.
func (s *Server) startSweeper(ctx context.Context) {
	interval := s.sweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if err := s.challenges.DeleteExpired(ctx, now); err != nil && ctx.Err() == nil {
					log.Printf("sweep expired challenges: %v", err)
				}
			}
		}
	}()
}
