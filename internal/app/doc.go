// Package app provides the application service layer.
//
// CycleTicker drives the dispatch loop; Service orchestrates the user-facing
// use cases (settings, selections, device status, re-push, test commands) and
// sits between the HTTP handlers and the domain components.
package app
