package device

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/signalhub/internal/domain"
)

const maxFrameBytes = 4096

// ServeConn registers conn as a new session and processes its inbound frames
// until the transport closes or the device says goodbye. userHint is the
// user claimed at upgrade time; a user_id inside esp32_connect overrides it.
// ServeConn owns conn from here on.
func (r *Registry) ServeConn(ctx context.Context, conn *websocket.Conn, userHint *domain.UserID) error {
	id, err := r.Connect(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	logger := slog.With("session_id", id.String())
	reason := ReasonClosed
	defer func() { r.Disconnect(id, reason) }()

	conn.SetReadLimit(maxFrameBytes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugContext(ctx, "Device connection closed unexpectedly", "error", err)
			}
			return nil
		}

		in, err := DecodeInbound(data)
		if err != nil {
			r.metrics.MalformedMessages.Inc()
			logger.WarnContext(ctx, "Dropping malformed device message", "error", err)
			continue
		}

		switch in.Type {
		case TypeConnect:
			user := in.UserID
			if user == nil {
				user = userHint
			}
			if err := r.Identify(id, in.DeviceID, user); err != nil {
				logger.WarnContext(ctx, "Device identification rejected", "device_mac", in.DeviceID, "error", err)
			}

		case TypeHeartbeat:
			err := r.Heartbeat(id, in.Report)
			if errors.Is(err, domain.ErrInvalidTransition) {
				// firmware that skips esp32_connect identifies with its first heartbeat
				if err = r.Identify(id, in.DeviceID, userHint); err == nil {
					err = r.Heartbeat(id, in.Report)
				}
			}
			if err != nil {
				logger.WarnContext(ctx, "Heartbeat rejected", "device_mac", in.DeviceID, "error", err)
			}

		case TypeDisconnect:
			logger.InfoContext(ctx, "Device announced disconnect", "device_mac", in.DeviceID)
			reason = ReasonDeviceRequested
			return nil
		}
	}
}
