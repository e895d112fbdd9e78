package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/centrifugal/centrifuge"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signalhub/internal/domain"
	apperrors "github.com/pscheid92/signalhub/internal/platform/errors"
)

func (s *Server) registerDeviceRoutes() {
	s.echo.GET("/ws/device", s.handleDeviceUpgrade)
}

func (s *Server) registerDashboardRoutes() {
	if s.dashboard == nil {
		return
	}
	s.echo.GET("/connection/websocket", echo.WrapHandler(dashboardAuthMiddleware(s.dashboard)))
}

// parseUserHint reads the optional ?user= query parameter.
func parseUserHint(raw string) (*domain.UserID, bool) {
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, false
	}
	userID := domain.UserID(id)
	return &userID, true
}

// handleDeviceUpgrade hands the upgraded connection to the session registry
// and blocks until the device goes away.
func (s *Server) handleDeviceUpgrade(c echo.Context) error {
	hint, ok := parseUserHint(c.QueryParam("user"))
	if !ok {
		return apperrors.ValidationError("invalid user parameter").WithField("user", c.QueryParam("user"))
	}

	ip := c.RealIP()
	if ok, reason := s.deviceLimits.acquire(ip); !ok {
		if s.deviceMetrics != nil {
			s.deviceMetrics.RejectedConnections.WithLabelValues(string(reason)).Inc()
		}
		slog.WarnContext(c.Request().Context(), "Device connection limited", "remote_addr", ip, "reason", reason)
		return c.JSON(http.StatusTooManyRequests, map[string]string{
			"error": "too many device connections",
		})
	}
	defer s.deviceLimits.release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		slog.DebugContext(c.Request().Context(), "Device upgrade failed", "remote_addr", ip, "error", err)
		return nil
	}

	if err := s.devices.ServeConn(c.Request().Context(), conn, hint); err != nil {
		slog.WarnContext(c.Request().Context(), "Device connection rejected", "remote_addr", ip, "error", err)
	}
	return nil
}

// dashboardAuthMiddleware sets centrifuge credentials from ?user=. Dashboard
// authentication belongs to the external account system.
func dashboardAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("user")
		hint, ok := parseUserHint(raw)
		if !ok || hint == nil {
			http.Error(w, "missing or invalid user parameter", http.StatusBadRequest)
			return
		}

		cred := &centrifuge.Credentials{UserID: strconv.FormatInt(int64(*hint), 10)}
		r = r.WithContext(centrifuge.SetCredentials(r.Context(), cred))

		next.ServeHTTP(w, r)
	})
}
