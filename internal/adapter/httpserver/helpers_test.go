package httpserver

import (
	"context"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/catalog"
	"github.com/pscheid92/signalhub/internal/device"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/pscheid92/signalhub/internal/market"
	"github.com/pscheid92/signalhub/internal/platform/config"
)

// mockAppService answers with zero values unless a func field is set.
type mockAppService struct {
	getSettingsFn     func(ctx context.Context, userID domain.UserID) (domain.UserMonitorProfile, error)
	updateSettingsFn  func(ctx context.Context, userID domain.UserID, patch domain.ProfilePatch) (domain.UserMonitorProfile, error)
	changeSelectionFn func(ctx context.Context, userID domain.UserID, change domain.SelectionChange) (domain.UserMonitorProfile, error)
	devicesFn         func(userID domain.UserID) []domain.DeviceSession
	snapshotFn        func(ctx context.Context, userID domain.UserID) (domain.CycleSnapshot, error)
	repushFn          func(ctx context.Context, userID domain.UserID) (device.BroadcastResult, error)
	testLEDFn         func(ctx context.Context, userID domain.UserID, color domain.Color) (device.BroadcastResult, error)
	testBuzzerFn      func(ctx context.Context, userID domain.UserID, trigger bool) (device.BroadcastResult, error)
	status            market.Status
}

func (m *mockAppService) GetSettings(ctx context.Context, userID domain.UserID) (domain.UserMonitorProfile, error) {
	if m.getSettingsFn != nil {
		return m.getSettingsFn(ctx, userID)
	}
	return domain.NewProfile(userID), nil
}

func (m *mockAppService) UpdateSettings(ctx context.Context, userID domain.UserID, patch domain.ProfilePatch) (domain.UserMonitorProfile, error) {
	if m.updateSettingsFn != nil {
		return m.updateSettingsFn(ctx, userID, patch)
	}
	return domain.NewProfile(userID), nil
}

func (m *mockAppService) ChangeSelection(ctx context.Context, userID domain.UserID, change domain.SelectionChange) (domain.UserMonitorProfile, error) {
	if m.changeSelectionFn != nil {
		return m.changeSelectionFn(ctx, userID, change)
	}
	return domain.NewProfile(userID), nil
}

func (m *mockAppService) Devices(userID domain.UserID) []domain.DeviceSession {
	if m.devicesFn != nil {
		return m.devicesFn(userID)
	}
	return nil
}

func (m *mockAppService) Snapshot(ctx context.Context, userID domain.UserID) (domain.CycleSnapshot, error) {
	if m.snapshotFn != nil {
		return m.snapshotFn(ctx, userID)
	}
	return domain.CycleSnapshot{UserID: userID}, nil
}

func (m *mockAppService) Repush(ctx context.Context, userID domain.UserID) (device.BroadcastResult, error) {
	if m.repushFn != nil {
		return m.repushFn(ctx, userID)
	}
	return device.BroadcastResult{}, nil
}

func (m *mockAppService) TestLED(ctx context.Context, userID domain.UserID, color domain.Color) (device.BroadcastResult, error) {
	if m.testLEDFn != nil {
		return m.testLEDFn(ctx, userID, color)
	}
	return device.BroadcastResult{}, nil
}

func (m *mockAppService) TestBuzzer(ctx context.Context, userID domain.UserID, trigger bool) (device.BroadcastResult, error) {
	if m.testBuzzerFn != nil {
		return m.testBuzzerFn(ctx, userID, trigger)
	}
	return device.BroadcastResult{}, nil
}

func (m *mockAppService) MarketStatus() market.Status { return m.status }

type mockHistory struct {
	events    []domain.ConnectionEvent
	lastCount int64
	err       error
}

func (m *mockHistory) Recent(_ context.Context, _ domain.UserID, count int64) ([]domain.ConnectionEvent, error) {
	m.lastCount = count
	return m.events, m.err
}

type noDevices struct{}

func (noDevices) ServeConn(_ context.Context, conn *websocket.Conn, _ *domain.UserID) error {
	return conn.Close()
}

type testServerOption func(*Deps)

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(d *Deps) { d.HealthChecks = checks }
}

func withClock(clock clockwork.Clock) testServerOption {
	return func(d *Deps) { d.Clock = clock }
}

func withHistory(h eventHistory) testServerOption {
	return func(d *Deps) { d.History = h }
}

func withDevices(dev deviceEndpoint) testServerOption {
	return func(d *Deps) { d.Devices = dev }
}

func newTestServer(t *testing.T, app appService, opts ...testServerOption) *Server {
	t.Helper()

	cfg := &config.Config{
		AppEnv:           "test",
		Port:             "0",
		APIRatePerSecond: 1000,
		APIRateBurst:     1000,
	}
	deps := Deps{
		App:     app,
		Devices: noDevices{},
		Catalog: catalog.Default(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return NewServer(cfg, deps)
}
