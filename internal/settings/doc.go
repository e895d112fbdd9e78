// Package settings implements the Settings Store.
//
// Store validates and applies ProfilePatch updates on top of a domain.ProfileRepository
// (in-memory, PostgreSQL or SQLite) and hands out deep copies, so a dispatch cycle can hold an
// immutable snapshot while the UI layer keeps writing. Invalid settings are rejected, never clamped.
package settings
