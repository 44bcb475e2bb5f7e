// Package errors provides structured error handling with HTTP status mapping.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// User errors
	CodeUserEmptyEmail   Code = "USER_EMPTY_EMAIL"
	CodeUserInvalidEmail Code = "USER_INVALID_EMAIL"
	CodeEmailTaken       Code = "EMAIL_TAKEN"

	// Ceremony errors
	CodeChallengeNotFound  Code = "CHALLENGE_NOT_FOUND"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"

	// Credential errors
	CodeCredentialExists   Code = "CREDENTIAL_EXISTS"
	CodeCredentialNotFound Code = "CREDENTIAL_NOT_FOUND"

	// Session errors
	CodeUnauthorized Code = "UNAUTHORIZED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"
)

// HTTPStatus maps domain codes to HTTP status codes.
//
// ChallengeNotFound is flow-dependent (403 on registration verify, 404 on
// authentication verify); handlers override the registration case and the
// default here covers the authentication path.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, rejected ceremonies
	case CodeUserEmptyEmail,
		CodeUserInvalidEmail,
		CodeEmailTaken,
		CodeVerificationFailed,
		CodeCredentialExists,
		CodeConflict:
		return http.StatusBadRequest

	// Unauthorized - missing or invalid session
	case CodeUnauthorized:
		return http.StatusUnauthorized

	// NotFound - missing records, consumed or expired challenges
	case CodeNotFound,
		CodeChallengeNotFound,
		CodeCredentialNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
