package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/catalog"
	"github.com/pscheid92/signalhub/internal/platform/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimitedServer(t *testing.T, tune func(*config.Config)) (*Server, *metrics.HTTPMetrics) {
	t.Helper()
	cfg := &config.Config{
		AppEnv:           "test",
		Port:             "0",
		APIRatePerSecond: 1000,
		APIRateBurst:     1000,
	}
	tune(cfg)
	m := metrics.NewHTTPMetrics(prometheus.NewRegistry())
	srv := NewServer(cfg, Deps{
		App:         &mockAppService{},
		Devices:     noDevices{},
		Catalog:     catalog.Default(),
		HTTPMetrics: m,
	})
	return srv, m
}

func sendFrom(srv *Server, method, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_APIIsPerClient(t *testing.T) {
	srv, m := newLimitedServer(t, func(cfg *config.Config) {
		cfg.APIRatePerSecond = 0.01
		cfg.APIRateBurst = 1
	})

	assert.Equal(t, http.StatusOK, sendFrom(srv, http.MethodGet, "/api/assets", "192.0.2.1:4000").Code)

	rec := sendFrom(srv, http.MethodGet, "/api/assets", "192.0.2.1:4001")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, scopeAPI, body["scope"])

	assert.Equal(t, http.StatusOK, sendFrom(srv, http.MethodGet, "/api/assets", "192.0.2.2:4000").Code,
		"another client has its own bucket")
	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimited.WithLabelValues(scopeAPI)), 0)
}

func TestRateLimit_DeviceCommandsArePerTargetUser(t *testing.T) {
	srv, m := newLimitedServer(t, func(cfg *config.Config) {
		cfg.DeviceCommandRate = 0.01
		cfg.DeviceCommandBurst = 2
	})

	assert.Equal(t, http.StatusOK, sendFrom(srv, http.MethodPost, "/api/users/7/repush", "192.0.2.1:4000").Code)
	assert.Equal(t, http.StatusOK, sendFrom(srv, http.MethodPost, "/api/users/7/repush", "192.0.2.2:4000").Code)

	rec := sendFrom(srv, http.MethodPost, "/api/users/7/repush", "192.0.2.3:4000")
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "changing address does not reset a user's command budget")
	assert.Contains(t, rec.Body.String(), scopeDeviceCommand)

	assert.Equal(t, http.StatusOK, sendFrom(srv, http.MethodPost, "/api/users/8/repush", "192.0.2.3:4000").Code)
	assert.Equal(t, http.StatusOK, sendFrom(srv, http.MethodGet, "/api/users/7/settings", "192.0.2.3:4000").Code,
		"reads are not device commands")

	assert.InDelta(t, 1, testutil.ToFloat64(m.RateLimited.WithLabelValues(scopeDeviceCommand)), 0)
	assert.Zero(t, testutil.ToFloat64(m.RateLimited.WithLabelValues(scopeAPI)))
}

func TestRateLimit_ZeroRateDisablesCommandLimit(t *testing.T) {
	srv, _ := newLimitedServer(t, func(cfg *config.Config) {})

	for range 20 {
		require.Equal(t, http.StatusOK, sendFrom(srv, http.MethodPost, "/api/users/7/repush", "192.0.2.1:4000").Code)
	}
}

func TestTargetUserKey(t *testing.T) {
	srv, _ := newLimitedServer(t, func(cfg *config.Config) {})

	tests := []struct {
		name string
		id   string
		want string
	}{
		{"valid user", "42", "user:42"},
		{"malformed user falls back to client", "abc", "ip:192.0.2.9"},
		{"non-positive user falls back to client", "0", "ip:192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = "192.0.2.9:1234"
			c := srv.echo.NewContext(req, httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)

			assert.Equal(t, tt.want, targetUserKey(c))
		})
	}
}
