// Package passkey configures WebAuthn passkey support.
//
// It models relying-party identity and challenge timing so the ceremony
// flows share one source of truth for what a signed response must match.
package passkey
