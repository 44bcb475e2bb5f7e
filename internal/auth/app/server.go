// Package app assembles and runs the passkey auth server.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/keyway/internal/auth/api/web"
	"github.com/louisbranch/keyway/internal/auth/flow"
	"github.com/louisbranch/keyway/internal/auth/passkey"
	"github.com/louisbranch/keyway/internal/auth/session"
	"github.com/louisbranch/keyway/internal/auth/storage/sqlite"
)

// Server hosts the auth HTTP service and its backing store.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	passkeyCfg passkey.Config
	clock      func() time.Time
}

// New creates a configured auth server listening on the provided address.
func New(addr, dbPath string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	store, err := openStore(dbPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	passkeyCfg := passkey.LoadConfigFromEnv()
	provider, err := flow.NewProvider(passkeyCfg)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	sessions := session.NewAuthority(store)
	registration := flow.NewRegistration(store, provider, nil, passkeyCfg, sessions)
	authentication := flow.NewAuthentication(store, provider, nil, passkeyCfg, sessions)

	mux := http.NewServeMux()
	webServer := web.NewServer(store, sessions, registration, authentication)
	webServer.RegisterRoutes(mux)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: web.WithTelemetry(mux)},
		store:      store,
		passkeyCfg: passkeyCfg,
		clock:      time.Now,
	}, nil
}

// Addr returns the listener address for the auth server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, addr, dbPath string) error {
	server, err := New(addr, dbPath)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the auth server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.StartCleanup(serverCtx, 5*time.Minute)

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		shutdown()
		err := <-serveErr
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// StartCleanup starts periodic expiry cleanup for challenges and sessions.
//
// This keeps abandoned ceremonies and stale sessions from accumulating
// without requiring a separate maintenance process.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || s.store == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := s.clock().UTC()
				if err := s.store.DeleteExpiredChallenges(ctx, now.Add(-s.passkeyCfg.ChallengeTTL)); err != nil {
					log.Printf("cleanup challenges: %v", err)
				}
				if err := s.store.DeleteExpiredSessions(ctx, now); err != nil {
					log.Printf("cleanup sessions: %v", err)
				}
			}
		}
	}()
}

func openStore(path string) (*sqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "keyway.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}
