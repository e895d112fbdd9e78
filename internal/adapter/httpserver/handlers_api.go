package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signalhub/internal/device"
	"github.com/pscheid92/signalhub/internal/domain"
	apperrors "github.com/pscheid92/signalhub/internal/platform/errors"
)

const (
	defaultEventCount = 50
	maxEventCount     = 200
)

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api", s.rateLimit(scopeAPI, s.config.APIRatePerSecond, s.config.APIRateBurst, clientKey))
	commands := s.rateLimit(scopeDeviceCommand, s.config.DeviceCommandRate, s.config.DeviceCommandBurst, targetUserKey)

	api.GET("/assets", s.handleAssets)
	api.GET("/market/status", s.handleMarketStatus)

	users := api.Group("/users/:id")
	users.GET("/settings", s.handleGetSettings)
	users.PUT("/settings", s.handleUpdateSettings)
	users.POST("/assets", s.handleChangeSelection)
	users.GET("/snapshot", s.handleSnapshot)
	users.GET("/devices", s.handleDevices)
	users.GET("/device-events", s.handleDeviceEvents)
	users.POST("/repush", s.handleRepush, commands)
	users.POST("/led", s.handleTestLED, commands)
	users.POST("/buzzer", s.handleTestBuzzer, commands)
}

// settingsResponse is the wire form of a profile, matching the device's user_settings keys.
type settingsResponse struct {
	UserID         domain.UserID         `json:"user_id"`
	Threshold      float64               `json:"threshold"`
	SelectedAssets []domain.AssetID      `json:"selected_assets"`
	InvestedAssets []domain.AssetID      `json:"invested_assets"`
	Output         domain.OutputSettings `json:"user_settings"`
}

func toSettingsResponse(p domain.UserMonitorProfile) settingsResponse {
	return settingsResponse{
		UserID:         p.UserID,
		Threshold:      p.ThresholdPercent,
		SelectedAssets: p.SelectedAssets.Sorted(),
		InvestedAssets: p.InvestedAssets.Sorted(),
		Output:         p.Output,
	}
}

type broadcastResponse struct {
	Delivered  int `json:"delivered"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

func toBroadcastResponse(r device.BroadcastResult) broadcastResponse {
	return broadcastResponse{Delivered: r.Delivered, Duplicates: r.Duplicates, Failed: r.Failed}
}

func parseUserID(c echo.Context) (domain.UserID, error) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.ValidationError("invalid user ID").WithField("user_id", raw)
	}
	return domain.UserID(id), nil
}

func writeJSON(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleAssets(c echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]any{"assets": s.catalog.All()})
}

func (s *Server) handleMarketStatus(c echo.Context) error {
	return writeJSON(c, http.StatusOK, s.app.MarketStatus())
}

func (s *Server) handleGetSettings(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	profile, err := s.app.GetSettings(c.Request().Context(), userID)
	if err != nil {
		return apperrors.InternalError("failed to load settings", err).WithField("user_id", int64(userID))
	}
	return writeJSON(c, http.StatusOK, toSettingsResponse(profile))
}

func (s *Server) handleUpdateSettings(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	var patch domain.ProfilePatch
	if err := c.Bind(&patch); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	profile, err := s.app.UpdateSettings(c.Request().Context(), userID, patch)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, toSettingsResponse(profile))
}

func (s *Server) handleChangeSelection(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	var change domain.SelectionChange
	if err := c.Bind(&change); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if change.AssetID == "" {
		return apperrors.ValidationError("asset_id is required")
	}

	profile, err := s.app.ChangeSelection(c.Request().Context(), userID, change)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, toSettingsResponse(profile))
}

func (s *Server) handleSnapshot(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	snap, err := s.app.Snapshot(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, snap)
}

func (s *Server) handleDevices(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	sessions := s.app.Devices(userID)
	return writeJSON(c, http.StatusOK, map[string]any{
		"connected": len(sessions) > 0,
		"devices":   sessions,
	})
}

func (s *Server) handleDeviceEvents(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	if s.history == nil {
		return apperrors.UnavailableError("device event history requires Redis", nil)
	}

	count := int64(defaultEventCount)
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > maxEventCount {
			return apperrors.ValidationError(fmt.Sprintf("limit must be between 1 and %d", maxEventCount))
		}
		count = n
	}

	events, err := s.history.Recent(c.Request().Context(), userID, count)
	if err != nil {
		return apperrors.InternalError("failed to read device events", err).WithField("user_id", int64(userID))
	}
	return writeJSON(c, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRepush(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	result, err := s.app.Repush(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, toBroadcastResponse(result))
}

type ledRequest struct {
	Color domain.Color `json:"color"`
}

func (s *Server) handleTestLED(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	var req ledRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	result, err := s.app.TestLED(c.Request().Context(), userID, req.Color)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, toBroadcastResponse(result))
}

type buzzerRequest struct {
	Trigger *bool `json:"trigger"`
}

func (s *Server) handleTestBuzzer(c echo.Context) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}

	var req buzzerRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	trigger := true
	if req.Trigger != nil {
		trigger = *req.Trigger
	}

	result, err := s.app.TestBuzzer(c.Request().Context(), userID, trigger)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, toBroadcastResponse(result))
}
