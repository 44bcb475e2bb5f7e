package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := stderrors.New("row not found")
	err := Wrap(CodeNotFound, "load user", cause)

	if err.Error() != "load user" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := New(CodeUnauthorized, "no session")
	b := New(CodeUnauthorized, "different message")

	if !stderrors.Is(a, b) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(a, New(CodeNotFound, "no session")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestCodeOfWalksChain(t *testing.T) {
	base := New(CodeChallengeNotFound, "challenge not found")
	wrapped := fmt.Errorf("finish sign up: %w", base)

	if got := CodeOf(wrapped); got != CodeChallengeNotFound {
		t.Fatalf("expected challenge not found code, got %v", got)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("expected unknown code, got %v", got)
	}
	if got := CodeOf(nil); got != CodeUnknown {
		t.Fatalf("expected unknown code for nil, got %v", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code   Code
		status int
	}{
		{CodeUserEmptyEmail, http.StatusBadRequest},
		{CodeUserInvalidEmail, http.StatusBadRequest},
		{CodeEmailTaken, http.StatusBadRequest},
		{CodeVerificationFailed, http.StatusBadRequest},
		{CodeCredentialExists, http.StatusBadRequest},
		{CodeConflict, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeNotFound, http.StatusNotFound},
		{CodeChallengeNotFound, http.StatusNotFound},
		{CodeCredentialNotFound, http.StatusNotFound},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.code.HTTPStatus(); got != c.status {
			t.Fatalf("code %v: expected status %d, got %d", c.code, c.status, got)
		}
	}
}
