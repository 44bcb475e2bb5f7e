// Package web hosts the passkey authentication HTTP surface.
package web

import (
	"net/http"

	"github.com/louisbranch/keyway/internal/auth/flow"
	"github.com/louisbranch/keyway/internal/auth/session"
	"github.com/louisbranch/keyway/internal/auth/storage"
)

// Server hosts the ceremony, credential management, and session endpoints.
type Server struct {
	store          storage.Store
	sessions       *session.Authority
	gate           *AccessGate
	registration   *flow.Registration
	authentication *flow.Authentication
}

// NewServer builds a web server over the auth flows and backing store.
func NewServer(store storage.Store, sessions *session.Authority, registration *flow.Registration, authentication *flow.Authentication) *Server {
	return &Server{
		store:          store,
		sessions:       sessions,
		gate:           NewAccessGate(sessions, store),
		registration:   registration,
		authentication: authentication,
	}
}

// RegisterRoutes registers the auth HTTP endpoints on the provided mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/auth/sign-up-with-passkey/options", s.handleSignUpOptions)
	mux.HandleFunc("/auth/sign-up-with-passkey/verify", s.handleSignUpVerify)
	mux.HandleFunc("/auth/sign-in-with-passkey/options", s.handleSignInOptions)
	mux.HandleFunc("/auth/sign-in-with-passkey/verify", s.handleSignInVerify)
	mux.HandleFunc("/auth/add-passkey/options", s.handleAddPasskeyOptions)
	mux.HandleFunc("/auth/add-passkey/verify", s.handleAddPasskeyVerify)
	mux.HandleFunc("/auth/passkeys", s.handlePasskeys)
	mux.HandleFunc("/auth/passkeys/", s.handlePasskeyByID)
	mux.HandleFunc("/auth/logout", s.handleLogout)
	mux.HandleFunc("/user", s.handleUser)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}
