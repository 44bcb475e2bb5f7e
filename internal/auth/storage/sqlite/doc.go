// Package sqlite provides SQLite-backed auth persistence.
//
// It is the on-disk identity store behind the passkey ceremony flows, the
// session authority, and the HTTP API.
package sqlite
