package device

import (
	"time"

	"github.com/pscheid92/signalhub/internal/domain"
)

const (
	DefaultMissedInterval = 45 * time.Second
	DefaultExpiryInterval = 120 * time.Second
	DefaultSweepInterval  = 5 * time.Second
)

// Liveness decides heartbeat-driven state changes. It is a pure function of
// the session and the current time; the registry applies its verdicts.
type Liveness struct {
	MissedInterval time.Duration
	ExpiryInterval time.Duration
}

func DefaultLiveness() Liveness {
	return Liveness{MissedInterval: DefaultMissedInterval, ExpiryInterval: DefaultExpiryInterval}
}

// Next returns the state s should be in at now, and whether that differs from
// s.State. Only claimed sessions are judged; Connecting sessions are governed
// by the identify grace period instead.
func (l Liveness) Next(s domain.DeviceSession, now time.Time) (domain.SessionState, bool) {
	if !s.State.Live() {
		return s.State, false
	}

	silence := now.Sub(s.LastHeartbeatAt)
	switch {
	case silence > l.ExpiryInterval:
		return domain.SessionDisconnected, true
	case silence > l.MissedInterval && s.State == domain.SessionConnected:
		return domain.SessionStale, true
	default:
		return s.State, false
	}
}
