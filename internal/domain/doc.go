// Package domain defines the core domain types and interfaces.
//
// This package contains concept-oriented files (asset.go, profile.go, signal.go, session.go, etc.)
// with shared types and cross-cutting interfaces. Only value types and contracts live here;
// behaviour belongs to the settings, market, signal, device and dispatch packages.
package domain
