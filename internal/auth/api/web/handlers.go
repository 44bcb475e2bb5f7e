package web

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/keyway/internal/auth/api/web/sessioncookie"
	"github.com/louisbranch/keyway/internal/auth/flow"
	"github.com/louisbranch/keyway/internal/platform/errors"
)

type emailRequest struct {
	Email string `json:"email"`
}

type signUpVerifyRequest struct {
	ChallengeID string          `json:"challengeId"`
	Credential  json.RawMessage `json:"credential"`
	Email       string          `json:"email"`
	Name        string          `json:"name"`
}

type verifyRequest struct {
	ChallengeID string          `json:"challengeId"`
	Credential  json.RawMessage `json:"credential"`
}

type optionsResponse struct {
	ChallengeID string `json:"challengeId"`
	Options     any    `json:"options"`
}

type passkeyView struct {
	ID         string   `json:"id"`
	AAGUID     string   `json:"aaguid,omitempty"`
	DeviceType string   `json:"deviceType"`
	BackedUp   bool     `json:"backedUp"`
	Transports []string `json:"transports"`
	CreatedAt  string   `json:"createdAt"`
	LastUsedAt string   `json:"lastUsedAt,omitempty"`
}

type userView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSignUpOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request emailRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	options, err := s.registration.BeginSignUp(r.Context(), request.Email)
	if err != nil {
		s.writeDomainError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, optionsResponse{
		ChallengeID: options.ChallengeID,
		Options:     options.Creation,
	})
}

func (s *Server) handleSignUpVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request signUpVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.registration.FinishSignUp(r.Context(), flow.FinishSignUpInput{
		ChallengeID: request.ChallengeID,
		Email:       request.Email,
		Name:        request.Name,
		Response:    request.Credential,
	})
	if err != nil {
		// Registration reports a consumed or expired challenge as forbidden
		// rather than the authentication path's not-found.
		s.writeDomainError(w, err, http.StatusForbidden)
		return
	}

	sessioncookie.Write(w, r, result.Session.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignInOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request emailRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	options, err := s.authentication.BeginSignIn(r.Context(), request.Email)
	if err != nil {
		s.writeDomainError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, optionsResponse{
		ChallengeID: options.ChallengeID,
		Options:     options.Assertion,
	})
}

func (s *Server) handleSignInVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authentication.FinishSignIn(r.Context(), request.ChallengeID, request.Credential)
	if err != nil {
		s.writeDomainError(w, err, 0)
		return
	}

	sessioncookie.Write(w, r, result.Session.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddPasskeyOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	options, err := s.registration.BeginEnrollment(r.Context(), identity.ID)
	if err != nil {
		s.writeDomainError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, optionsResponse{
		ChallengeID: options.ChallengeID,
		Options:     options.Creation,
	})
}

func (s *Server) handleAddPasskeyVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var request verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := s.registration.FinishEnrollment(r.Context(), identity.ID, request.ChallengeID, request.Credential); err != nil {
		s.writeDomainError(w, err, http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePasskeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	credentials, err := s.store.ListCredentialsByUser(r.Context(), identity.ID)
	if err != nil {
		s.writeDomainError(w, err, 0)
		return
	}

	views := make([]passkeyView, 0, len(credentials))
	for _, credential := range credentials {
		view := passkeyView{
			ID:         credential.ID,
			AAGUID:     credential.AAGUID,
			DeviceType: credential.DeviceType,
			BackedUp:   credential.BackedUp,
			Transports: credential.Transports,
			CreatedAt:  credential.CreatedAt.UTC().Format(time.RFC3339),
		}
		if view.Transports == nil {
			view.Transports = []string{}
		}
		if credential.LastUsedAt != nil {
			view.LastUsedAt = credential.LastUsedAt.UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePasskeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	credentialID := strings.TrimPrefix(r.URL.Path, "/auth/passkeys/")
	if credentialID == "" || strings.Contains(credentialID, "/") {
		writeJSONError(w, http.StatusNotFound, "credential not found")
		return
	}

	if err := s.store.DeleteCredentialByUserAndID(r.Context(), identity.ID, credentialID); err != nil {
		s.writeDomainError(w, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, ok := sessioncookie.Read(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := s.sessions.Revoke(r.Context(), token); err != nil {
		s.writeDomainError(w, err, 0)
		return
	}
	sessioncookie.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, userView{
		ID:    identity.ID,
		Name:  identity.Name,
		Email: identity.Email,
	})
}

// authenticate runs the access gate for a request and writes the 401
// response itself when the session is missing or invalid.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token, _ := sessioncookie.Read(r)
	identity, err := s.gate.Authenticate(r.Context(), token)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeUnauthorized {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		} else {
			log.Printf("authenticate request: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return Identity{}, false
	}
	return identity, true
}

// writeDomainError maps a domain error to its HTTP status. A non-zero
// challengeStatus overrides the status for challenge-not-found errors, which
// differ between the registration and authentication verify paths.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, challengeStatus int) {
	code := errors.CodeOf(err)
	status := code.HTTPStatus()
	if code == errors.CodeChallengeNotFound && challengeStatus != 0 {
		status = challengeStatus
	}
	if status == http.StatusInternalServerError {
		log.Printf("handle request: %v", err)
		writeJSONError(w, status, "internal error")
		return
	}
	writeJSONError(w, status, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
