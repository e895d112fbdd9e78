package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/device"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/pscheid92/signalhub/internal/platform/correlation"
	"github.com/pscheid92/signalhub/internal/signal"
)

// Cycle outcomes, used as the metrics label.
const (
	OutcomeDispatched = "dispatched"
	OutcomeStale      = "stale"
	OutcomeIdle       = "idle"
	OutcomeFailed     = "failed"
)

const publishTimeout = 2 * time.Second

// ErrNothingToRepush is returned when no cycle has produced a frame for the user yet.
var ErrNothingToRepush = errors.New("no market update to re-push")

type QuoteSource interface {
	Poll(ctx context.Context, assets domain.AssetSet) (map[domain.AssetID]domain.AssetQuote, error)
}

type Sessions interface {
	SessionsFor(userID domain.UserID) []domain.DeviceSession
	Broadcast(userID domain.UserID, cycle uint64, payload []byte) device.BroadcastResult
	SendCommand(userID domain.UserID, payload []byte) device.BroadcastResult
	Send(id uuid.UUID, cycle uint64, payload []byte) error
	SendTo(id uuid.UUID, payload []byte) error
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	Cycle       uint64
	Outcome     string
	Users       int
	UsersServed int
	Frames      int
	Duplicates  int
	Failed      int
	Stale       bool
	Duration    time.Duration
	Err         error
}

type lastFrame struct {
	cycle   uint64
	payload []byte
}

type Dispatcher struct {
	profiles domain.ProfileStore
	quotes   QuoteSource
	computer signal.Computer
	sessions Sessions
	events   domain.EventPublisher
	clock    clockwork.Clock
	metrics  *metrics.DispatchMetrics

	cycle atomic.Uint64

	mu        sync.RWMutex
	frames    map[domain.UserID]lastFrame
	snapshots map[domain.UserID]domain.CycleSnapshot
}

// NewDispatcher creates a Dispatcher. events may be nil.
func NewDispatcher(profiles domain.ProfileStore, quotes QuoteSource, computer signal.Computer, sessions Sessions, events domain.EventPublisher, clock clockwork.Clock, m *metrics.DispatchMetrics) *Dispatcher {
	return &Dispatcher{
		profiles:  profiles,
		quotes:    quotes,
		computer:  computer,
		sessions:  sessions,
		events:    events,
		clock:     clock,
		metrics:   m,
		frames:    make(map[domain.UserID]lastFrame),
		snapshots: make(map[domain.UserID]domain.CycleSnapshot),
	}
}

// RunCycle executes one full cycle. Profile changes made while it runs apply
// to the next cycle.
func (d *Dispatcher) RunCycle(ctx context.Context) CycleReport {
	start := d.clock.Now()
	report := CycleReport{Cycle: d.cycle.Add(1)}
	ctx = correlation.WithCycle(correlation.WithID(ctx, correlation.NewID()), report.Cycle)

	defer func() {
		report.Duration = d.clock.Since(start)
		d.metrics.Cycles.WithLabelValues(report.Outcome).Inc()
		d.metrics.CycleDuration.Observe(report.Duration.Seconds())
		if report.Outcome != OutcomeIdle {
			d.metrics.UsersServed.Set(float64(report.UsersServed))
		}
	}()

	profiles, err := d.profiles.ActiveProfiles(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Cycle aborted: profile snapshot failed", "error", err)
		report.Outcome, report.Err = OutcomeFailed, err
		return report
	}
	report.Users = len(profiles)

	assets := domain.NewAssetSet()
	for _, p := range profiles {
		assets = assets.Union(p.MonitoredAssets())
	}
	if len(assets) == 0 {
		slog.DebugContext(ctx, "Cycle idle: no monitored assets")
		report.Outcome = OutcomeIdle
		return report
	}

	quotes, err := d.quotes.Poll(ctx, assets)
	if err != nil {
		if !errors.Is(err, domain.ErrStaleData) {
			slog.ErrorContext(ctx, "Cycle aborted: poll failed", "error", err)
			report.Outcome, report.Err = OutcomeFailed, err
			return report
		}
		// devices keep their last frame; dashboards get the stale status
		slog.WarnContext(ctx, "Market data stale, skipping device dispatch", "error", err, "cached_assets", len(quotes))
		report.Stale, report.Err = true, err
	}

	now := d.clock.Now()
	for _, p := range profiles {
		d.serveUser(ctx, report.Cycle, p, quotes, now, &report)
	}

	report.Outcome = OutcomeDispatched
	if report.Stale {
		report.Outcome = OutcomeStale
	}
	slog.InfoContext(ctx, "Cycle complete",
		"outcome", report.Outcome,
		"users", report.Users,
		"users_served", report.UsersServed,
		"frames", report.Frames,
		"duplicates", report.Duplicates,
		"failed", report.Failed,
	)
	return report
}

func (d *Dispatcher) serveUser(ctx context.Context, cycle uint64, p domain.UserMonitorProfile, quotes map[domain.AssetID]domain.AssetQuote, now time.Time, report *CycleReport) {
	signals := d.computer.ComputeAll(quotes, p, now)
	snap := domain.CycleSnapshot{
		Cycle:      cycle,
		UserID:     p.UserID,
		Signals:    signals,
		Stale:      report.Stale,
		ComputedAt: now,
	}
	d.mu.Lock()
	d.snapshots[p.UserID] = snap
	d.mu.Unlock()
	d.publishSnapshot(ctx, snap)

	if report.Stale {
		return
	}

	payload, err := device.EncodeMarketUpdate(cycle, signals, p.Output)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode market update", "user_id", int64(p.UserID), "error", err)
		return
	}
	d.mu.Lock()
	d.frames[p.UserID] = lastFrame{cycle: cycle, payload: payload}
	d.mu.Unlock()

	if len(d.sessions.SessionsFor(p.UserID)) == 0 {
		return
	}

	res := d.sessions.Broadcast(p.UserID, cycle, payload)
	report.Frames += res.Delivered
	report.Duplicates += res.Duplicates
	report.Failed += res.Failed
	if res.Delivered > 0 {
		report.UsersServed++
	}
	d.metrics.FramesSent.Add(float64(res.Delivered))

	if res.Failed > 0 {
		slog.WarnContext(ctx, "Some devices did not accept the update", "user_id", int64(p.UserID), "failed", res.Failed)
	}
}

func (d *Dispatcher) publishSnapshot(ctx context.Context, snap domain.CycleSnapshot) {
	if d.events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := d.events.PublishSnapshot(pubCtx, snap); err != nil {
		slog.WarnContext(ctx, "Failed to publish cycle snapshot", "user_id", int64(snap.UserID), "error", err)
	}
}

// LastSnapshot returns the most recent snapshot computed for a user.
func (d *Dispatcher) LastSnapshot(userID domain.UserID) (domain.CycleSnapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap, ok := d.snapshots[userID]
	return snap, ok
}

// CurrentCycle returns the number of the most recently started cycle.
func (d *Dispatcher) CurrentCycle() uint64 {
	return d.cycle.Load()
}

// Repush re-sends the user's last frame under its original cycle number.
// Sessions that already accepted that cycle drop it.
func (d *Dispatcher) Repush(ctx context.Context, userID domain.UserID) (device.BroadcastResult, error) {
	d.mu.RLock()
	frame, ok := d.frames[userID]
	d.mu.RUnlock()
	if !ok {
		return device.BroadcastResult{}, ErrNothingToRepush
	}

	res := d.sessions.Broadcast(userID, frame.cycle, frame.payload)
	slog.InfoContext(ctx, "Manual re-push", "user_id", int64(userID), "cycle", frame.cycle, "delivered", res.Delivered, "duplicates", res.Duplicates)
	return res, nil
}

// PushSettings sends the idempotent user_settings command to every device of the user.
func (d *Dispatcher) PushSettings(ctx context.Context, userID domain.UserID, output domain.OutputSettings) (device.BroadcastResult, error) {
	payload, err := device.EncodeUserSettings(output)
	if err != nil {
		return device.BroadcastResult{}, fmt.Errorf("encode user settings: %w", err)
	}
	res := d.sessions.SendCommand(userID, payload)
	slog.DebugContext(ctx, "Pushed user settings", "user_id", int64(userID), "delivered", res.Delivered)
	return res, nil
}

// TestLED lights every device of the user in one color.
func (d *Dispatcher) TestLED(ctx context.Context, userID domain.UserID, color domain.Color) (device.BroadcastResult, error) {
	payload, err := device.EncodeLEDControl(color)
	if err != nil {
		return device.BroadcastResult{}, fmt.Errorf("%w: %w", domain.ErrInvalidSettings, err)
	}
	return d.sessions.SendCommand(userID, payload), nil
}

// TestBuzzer fires (or silences) the buzzer on every device of the user.
func (d *Dispatcher) TestBuzzer(ctx context.Context, userID domain.UserID, trigger bool) (device.BroadcastResult, error) {
	payload, err := device.EncodeBuzzerControl(trigger)
	if err != nil {
		return device.BroadcastResult{}, fmt.Errorf("encode buzzer control: %w", err)
	}
	return d.sessions.SendCommand(userID, payload), nil
}

// Welcome brings a freshly identified device up to date: its user's settings
// first, then the last market update.
func (d *Dispatcher) Welcome(ctx context.Context, s domain.DeviceSession) {
	if s.UserID == nil {
		return
	}
	userID := *s.UserID
	logger := slog.With("session_id", s.ID.String(), "user_id", int64(userID))

	profile, err := d.profiles.GetProfile(ctx, userID)
	if err != nil {
		logger.WarnContext(ctx, "Welcome: profile lookup failed", "error", err)
		return
	}

	settings, err := device.EncodeUserSettings(profile.Output)
	if err == nil {
		err = d.sessions.SendTo(s.ID, settings)
	}
	if err != nil {
		logger.WarnContext(ctx, "Welcome: settings push failed", "error", err)
		return
	}

	d.mu.RLock()
	frame, ok := d.frames[userID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	if err := d.sessions.Send(s.ID, frame.cycle, frame.payload); err != nil && !errors.Is(err, device.ErrDuplicateCycle) {
		logger.WarnContext(ctx, "Welcome: market update push failed", "error", err)
	}
}
