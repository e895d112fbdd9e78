package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/signalhub/internal/app"
	"github.com/pscheid92/signalhub/internal/device"
	"github.com/pscheid92/signalhub/internal/dispatch"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/pscheid92/signalhub/internal/market"
	apperrors "github.com/pscheid92/signalhub/internal/platform/errors"
	"github.com/pscheid92/signalhub/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestGetSettings(t *testing.T) {
	mock := &mockAppService{
		getSettingsFn: func(_ context.Context, userID domain.UserID) (domain.UserMonitorProfile, error) {
			p := domain.NewProfile(userID)
			p.SelectedAssets = domain.NewAssetSet("ethereum", "bitcoin")
			return p, nil
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodGet, "/api/users/7/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp settingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.UserID(7), resp.UserID)
	assert.Equal(t, []domain.AssetID{"bitcoin", "ethereum"}, resp.SelectedAssets)
	assert.InDelta(t, domain.DefaultThresholdPercent, resp.Threshold, 1e-9)
	assert.Equal(t, domain.DefaultOutputSettings(), resp.Output)
}

func TestGetSettings_InvalidUserID(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	for _, id := range []string{"abc", "0", "-3"} {
		rec := doRequest(t, srv, http.MethodGet, "/api/users/"+id+"/settings", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
		assert.Equal(t, apperrors.TypeValidation, decodeError(t, rec).Type)
	}
}

func TestUpdateSettings_PassesPatch(t *testing.T) {
	var got domain.ProfilePatch
	mock := &mockAppService{
		updateSettingsFn: func(_ context.Context, userID domain.UserID, patch domain.ProfilePatch) (domain.UserMonitorProfile, error) {
			got = patch
			return domain.NewProfile(userID), nil
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodPut, "/api/users/7/settings", `{"threshold": 3.5, "enable_buzzer": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.ThresholdPercent)
	assert.InDelta(t, 3.5, *got.ThresholdPercent, 1e-9)
	require.NotNil(t, got.BuzzerEnabled)
	assert.False(t, *got.BuzzerEnabled)
	assert.Nil(t, got.LEDEnabled)
}

func TestUpdateSettings_InvalidSettingsIs400(t *testing.T) {
	mock := &mockAppService{
		updateSettingsFn: func(context.Context, domain.UserID, domain.ProfilePatch) (domain.UserMonitorProfile, error) {
			return domain.UserMonitorProfile{}, &settings.InvalidSettingsError{
				Violations: []settings.Violation{{Field: "threshold", Message: "must be greater than 0"}},
			}
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodPut, "/api/users/7/settings", `{"threshold": -1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeError(t, rec)
	assert.Equal(t, apperrors.TypeValidation, resp.Type)
	assert.Equal(t, "invalid settings", resp.Error)
	assert.Contains(t, rec.Body.String(), `"field":"threshold"`)
}

func TestUpdateSettings_MalformedBody(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := doRequest(t, srv, http.MethodPut, "/api/users/7/settings", `{"threshold": "high"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangeSelection(t *testing.T) {
	var got domain.SelectionChange
	mock := &mockAppService{
		changeSelectionFn: func(_ context.Context, userID domain.UserID, change domain.SelectionChange) (domain.UserMonitorProfile, error) {
			got = change
			p := domain.NewProfile(userID)
			p.SelectedAssets = domain.NewAssetSet(change.AssetID)
			return p, nil
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodPost, "/api/users/7/assets", `{"action":"add","asset_id":"solana","is_invested":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SelectionChange{Action: domain.SelectionAdd, AssetID: "solana", Invested: true}, got)

	rec = doRequest(t, srv, http.MethodPost, "/api/users/7/assets", `{"action":"add"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshot(t *testing.T) {
	mock := &mockAppService{
		snapshotFn: func(_ context.Context, userID domain.UserID) (domain.CycleSnapshot, error) {
			if userID == 404 {
				return domain.CycleSnapshot{}, app.ErrNoSnapshot
			}
			return domain.CycleSnapshot{Cycle: 12, UserID: userID, Stale: true}, nil
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodGet, "/api/users/7/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cycle":12`)
	assert.Contains(t, rec.Body.String(), `"stale":true`)

	rec = doRequest(t, srv, http.MethodGet, "/api/users/404/snapshot", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDevices(t *testing.T) {
	user := domain.UserID(7)
	mock := &mockAppService{
		devicesFn: func(userID domain.UserID) []domain.DeviceSession {
			if userID != user {
				return nil
			}
			return []domain.DeviceSession{{ID: uuid.New(), UserID: &user, DeviceMAC: "AA:BB", State: domain.SessionConnected}}
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodGet, "/api/users/7/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":true`)
	assert.Contains(t, rec.Body.String(), `"device_mac":"AA:BB"`)
	assert.Contains(t, rec.Body.String(), `"state":"connected"`)

	rec = doRequest(t, srv, http.MethodGet, "/api/users/8/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":false`)
}

func TestDeviceEvents(t *testing.T) {
	history := &mockHistory{events: []domain.ConnectionEvent{
		{UserID: 7, DeviceMAC: "AA:BB", State: domain.SessionDisconnected, Reason: "heartbeat expired", At: time.Now()},
	}}
	srv := newTestServer(t, &mockAppService{}, withHistory(history))

	rec := doRequest(t, srv, http.MethodGet, "/api/users/7/device-events?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), history.lastCount)
	assert.Contains(t, rec.Body.String(), `"reason":"heartbeat expired"`)

	rec = doRequest(t, srv, http.MethodGet, "/api/users/7/device-events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(defaultEventCount), history.lastCount)

	rec = doRequest(t, srv, http.MethodGet, fmt.Sprintf("/api/users/7/device-events?limit=%d", maxEventCount+1), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceEvents_WithoutRedis(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/users/7/device-events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, apperrors.TypeUnavailable, decodeError(t, rec).Type)
}

func TestRepush(t *testing.T) {
	mock := &mockAppService{
		repushFn: func(_ context.Context, userID domain.UserID) (device.BroadcastResult, error) {
			if userID == 9 {
				return device.BroadcastResult{}, dispatch.ErrNothingToRepush
			}
			return device.BroadcastResult{Delivered: 1, Duplicates: 2}, nil
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodPost, "/api/users/7/repush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"delivered":1,"duplicates":2,"failed":0}`, rec.Body.String())

	rec = doRequest(t, srv, http.MethodPost, "/api/users/9/repush", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTestLED(t *testing.T) {
	var got domain.Color
	mock := &mockAppService{
		testLEDFn: func(_ context.Context, _ domain.UserID, color domain.Color) (device.BroadcastResult, error) {
			got = color
			if color == "purple" {
				return device.BroadcastResult{}, fmt.Errorf("led color %q: %w", color, domain.ErrInvalidSettings)
			}
			return device.BroadcastResult{Delivered: 1}, nil
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodPost, "/api/users/7/led", `{"color":"blue"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ColorBlue, got)

	rec = doRequest(t, srv, http.MethodPost, "/api/users/7/led", `{"color":"purple"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestBuzzer_DefaultsToTrigger(t *testing.T) {
	var got []bool
	mock := &mockAppService{
		testBuzzerFn: func(_ context.Context, _ domain.UserID, trigger bool) (device.BroadcastResult, error) {
			got = append(got, trigger)
			return device.BroadcastResult{}, nil
		},
	}
	srv := newTestServer(t, mock)

	require.Equal(t, http.StatusOK, doRequest(t, srv, http.MethodPost, "/api/users/7/buzzer", "").Code)
	require.Equal(t, http.StatusOK, doRequest(t, srv, http.MethodPost, "/api/users/7/buzzer", `{"trigger":false}`).Code)
	assert.Equal(t, []bool{true, false}, got)
}

func TestAssetsCatalog(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/assets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bitcoin"`)
}

func TestMarketStatus(t *testing.T) {
	srv := newTestServer(t, &mockAppService{status: market.Status{ConsecutiveFailures: 3, Stale: true}})

	rec := doRequest(t, srv, http.MethodGet, "/api/market/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consecutive_failures":3`)
	assert.Contains(t, rec.Body.String(), `"stale":true`)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	mock := &mockAppService{
		getSettingsFn: func(context.Context, domain.UserID) (domain.UserMonitorProfile, error) {
			return domain.UserMonitorProfile{}, errors.New("pq: password authentication failed")
		},
	}
	srv := newTestServer(t, mock)

	rec := doRequest(t, srv, http.MethodGet, "/api/users/7/settings", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}
