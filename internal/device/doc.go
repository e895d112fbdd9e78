// Package device owns the live device sessions.
//
// A Registry is an actor: a single goroutine owns the session table and all
// mutations arrive as commands on a channel. Each session has its own writer
// goroutine, so writes are serial within a session and concurrent across
// sessions. Liveness is swept on a clock ticker inside the actor; state
// changes of claimed sessions are published as domain.ConnectionEvent.
//
// ServeConn runs the inbound side of one connection: it decodes device frames
// and translates them into registry calls.
package device
