package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pscheid92/signalhub/internal/device"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/pscheid92/signalhub/internal/market"
)

// ErrNoSnapshot is returned when no cycle has produced a snapshot for the user yet.
var ErrNoSnapshot = errors.New("no snapshot for user")

type Dispatcher interface {
	PushSettings(ctx context.Context, userID domain.UserID, output domain.OutputSettings) (device.BroadcastResult, error)
	Repush(ctx context.Context, userID domain.UserID) (device.BroadcastResult, error)
	TestLED(ctx context.Context, userID domain.UserID, color domain.Color) (device.BroadcastResult, error)
	TestBuzzer(ctx context.Context, userID domain.UserID, trigger bool) (device.BroadcastResult, error)
	LastSnapshot(userID domain.UserID) (domain.CycleSnapshot, bool)
}

type DeviceDirectory interface {
	SessionsFor(userID domain.UserID) []domain.DeviceSession
}

// SnapshotStore is the shared snapshot cache written by the UI publisher.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, userID domain.UserID) (domain.CycleSnapshot, bool, error)
}

type MarketStatus interface {
	Status() market.Status
}

// Service is the application layer. It is the only component that references
// several domain components at once.
type Service struct {
	profiles  domain.ProfileStore
	dispatch  Dispatcher
	devices   DeviceDirectory
	snapshots SnapshotStore
	market    MarketStatus
}

// NewService creates the application layer service. snapshots may be nil.
func NewService(profiles domain.ProfileStore, dispatch Dispatcher, devices DeviceDirectory, snapshots SnapshotStore, market MarketStatus) *Service {
	return &Service{
		profiles:  profiles,
		dispatch:  dispatch,
		devices:   devices,
		snapshots: snapshots,
		market:    market,
	}
}

// GetSettings returns the user's profile, or the defaults if none was saved.
func (s *Service) GetSettings(ctx context.Context, userID domain.UserID) (domain.UserMonitorProfile, error) {
	return s.profiles.GetProfile(ctx, userID)
}

// UpdateSettings validates and saves a patch. Output changes are pushed to the
// user's devices right away; signal changes apply on the next cycle.
func (s *Service) UpdateSettings(ctx context.Context, userID domain.UserID, patch domain.ProfilePatch) (domain.UserMonitorProfile, error) {
	updated, err := s.profiles.UpdateProfile(ctx, userID, patch)
	if err != nil {
		return domain.UserMonitorProfile{}, err
	}

	if patch.TouchesOutput() {
		// Best-effort: devices also receive the settings inside every market_update
		if _, err := s.dispatch.PushSettings(ctx, userID, updated.Output); err != nil {
			slog.WarnContext(ctx, "Failed to push settings to devices", "user_id", int64(userID), "error", err)
		}
	}
	return updated, nil
}

// ChangeSelection adds, updates or removes one asset of the user's selection.
func (s *Service) ChangeSelection(ctx context.Context, userID domain.UserID, change domain.SelectionChange) (domain.UserMonitorProfile, error) {
	return s.UpdateSettings(ctx, userID, domain.ProfilePatch{Selections: []domain.SelectionChange{change}})
}

// Devices lists the user's live device sessions.
func (s *Service) Devices(userID domain.UserID) []domain.DeviceSession {
	return s.devices.SessionsFor(userID)
}

// Snapshot returns the latest cycle snapshot, preferring the shared store so
// that any instance can answer.
func (s *Service) Snapshot(ctx context.Context, userID domain.UserID) (domain.CycleSnapshot, error) {
	if s.snapshots != nil {
		snap, ok, err := s.snapshots.GetSnapshot(ctx, userID)
		if err != nil {
			slog.WarnContext(ctx, "Snapshot store lookup failed, using local snapshot", "user_id", int64(userID), "error", err)
		} else if ok {
			return snap, nil
		}
	}

	if snap, ok := s.dispatch.LastSnapshot(userID); ok {
		return snap, nil
	}
	return domain.CycleSnapshot{}, ErrNoSnapshot
}

func (s *Service) Repush(ctx context.Context, userID domain.UserID) (device.BroadcastResult, error) {
	return s.dispatch.Repush(ctx, userID)
}

func (s *Service) TestLED(ctx context.Context, userID domain.UserID, color domain.Color) (device.BroadcastResult, error) {
	return s.dispatch.TestLED(ctx, userID, color)
}

func (s *Service) TestBuzzer(ctx context.Context, userID domain.UserID, trigger bool) (device.BroadcastResult, error) {
	return s.dispatch.TestBuzzer(ctx, userID, trigger)
}

// MarketStatus reports provider health and data staleness.
func (s *Service) MarketStatus() market.Status {
	return s.market.Status()
}
