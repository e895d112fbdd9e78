package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/device"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/pscheid92/signalhub/internal/market"
	"github.com/pscheid92/signalhub/internal/platform/config"
)

type appService interface {
	GetSettings(ctx context.Context, userID domain.UserID) (domain.UserMonitorProfile, error)
	UpdateSettings(ctx context.Context, userID domain.UserID, patch domain.ProfilePatch) (domain.UserMonitorProfile, error)
	ChangeSelection(ctx context.Context, userID domain.UserID, change domain.SelectionChange) (domain.UserMonitorProfile, error)
	Devices(userID domain.UserID) []domain.DeviceSession
	Snapshot(ctx context.Context, userID domain.UserID) (domain.CycleSnapshot, error)
	Repush(ctx context.Context, userID domain.UserID) (device.BroadcastResult, error)
	TestLED(ctx context.Context, userID domain.UserID, color domain.Color) (device.BroadcastResult, error)
	TestBuzzer(ctx context.Context, userID domain.UserID, trigger bool) (device.BroadcastResult, error)
	MarketStatus() market.Status
}

// deviceEndpoint takes ownership of an upgraded device connection.
type deviceEndpoint interface {
	ServeConn(ctx context.Context, conn *websocket.Conn, userHint *domain.UserID) error
}

type assetCatalog interface {
	All() []domain.Asset
}

// eventHistory serves the recent device connection events of a user.
type eventHistory interface {
	Recent(ctx context.Context, userID domain.UserID, count int64) ([]domain.ConnectionEvent, error)
}

// Deps bundles the collaborators of the HTTP surface. History, Dashboard
// and Metrics are optional.
type Deps struct {
	App          appService
	Devices      deviceEndpoint
	Catalog      assetCatalog
	History      eventHistory
	Dashboard    http.Handler
	CheckOrigin  func(r *http.Request) bool
	HTTPMetrics  *metrics.HTTPMetrics
	Metrics      http.Handler
	HealthChecks []HealthCheck

	// DeviceMetrics counts rejected device connections when set.
	DeviceMetrics *metrics.DeviceMetrics
	Clock         clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app         appService
	devices     deviceEndpoint
	catalog     assetCatalog
	history     eventHistory
	upgrader    websocket.Upgrader
	dashboard   http.Handler
	metrics     http.Handler
	httpMetrics *metrics.HTTPMetrics

	deviceLimits  *deviceLimits
	deviceMetrics *metrics.DeviceMetrics

	healthChecks []HealthCheck
	clock        clockwork.Clock
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:    e,
		config:  cfg,
		app:     deps.App,
		devices: deps.Devices,
		catalog: deps.Catalog,
		history: deps.History,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     deps.CheckOrigin,
		},
		dashboard:     deps.Dashboard,
		metrics:       deps.Metrics,
		httpMetrics:   deps.HTTPMetrics,
		deviceLimits:  newDeviceLimits(cfg.DeviceMaxPerIP, cfg.DeviceConnectRate, cfg.DeviceConnectBurst, clock),
		deviceMetrics: deps.DeviceMetrics,
		healthChecks:  deps.HealthChecks,
		clock:         clock,
		startTime:     clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
