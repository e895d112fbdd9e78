package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of one device connection.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionStale
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionStale:
		return "stale"
	case SessionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "connecting":
		*s = SessionConnecting
	case "connected":
		*s = SessionConnected
	case "stale":
		*s = SessionStale
	case "disconnected":
		*s = SessionDisconnected
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Live reports whether sessions in this state receive dispatch traffic.
func (s SessionState) Live() bool {
	return s == SessionConnected || s == SessionStale
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Disconnected is terminal.
func CanTransition(from, to SessionState) bool {
	switch from {
	case SessionConnecting:
		return to == SessionConnected || to == SessionDisconnected
	case SessionConnected:
		return to == SessionStale || to == SessionDisconnected
	case SessionStale:
		return to == SessionConnected || to == SessionDisconnected
	default:
		return false
	}
}

// DeviceSession is a read-only view of one live transport connection.
type DeviceSession struct {
	ID              uuid.UUID    `json:"session_id"`
	UserID          *UserID      `json:"user_id,omitempty"`
	DeviceMAC       string       `json:"device_mac,omitempty"`
	ConnectedAt     time.Time    `json:"connected_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	State           SessionState `json:"state"`
	AtRisk          bool         `json:"at_risk"`
}

// HeartbeatReport is the device-reported state carried by a heartbeat.
type HeartbeatReport struct {
	UptimeSeconds int64
	Signal        string
	Asset         AssetID
	LEDs          LEDState
	Output        *OutputSettings
}

type LEDState struct {
	Red   bool `json:"red"`
	Green bool `json:"green"`
	Blue  bool `json:"blue"`
}

// ConnectionEvent is emitted to the UI layer whenever a claimed session changes state.
type ConnectionEvent struct {
	SessionID uuid.UUID    `json:"session_id"`
	UserID    UserID       `json:"user_id"`
	DeviceMAC string       `json:"device_mac"`
	State     SessionState `json:"state"`
	Online    bool         `json:"connected"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

// EventPublisher delivers hub events to the UI layer.
type EventPublisher interface {
	PublishConnectionEvent(ctx context.Context, event ConnectionEvent) error
	PublishSnapshot(ctx context.Context, snapshot CycleSnapshot) error
}
