// Package storage defines persistence contracts for identity assets.
//
// These interfaces exist so the ceremony flows and HTTP handlers can depend
// on stable domain semantics without coupling to SQLite schema details.
package storage
