package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/device"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/pscheid92/signalhub/internal/market"
	"github.com/pscheid92/signalhub/internal/settings"
	"github.com/pscheid92/signalhub/internal/signal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessions mimics the registry: per-session last-cycle tracking and recorded frames.
type fakeSessions struct {
	mu        sync.Mutex
	owner     map[uuid.UUID]domain.UserID
	order     []uuid.UUID
	lastCycle map[uuid.UUID]uint64
	frames    map[uuid.UUID][][]byte
	failing   map[uuid.UUID]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		owner:     make(map[uuid.UUID]domain.UserID),
		lastCycle: make(map[uuid.UUID]uint64),
		frames:    make(map[uuid.UUID][][]byte),
		failing:   make(map[uuid.UUID]bool),
	}
}

func (f *fakeSessions) add(userID domain.UserID) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.owner[id] = userID
	f.order = append(f.order, id)
	return id
}

func (f *fakeSessions) fail(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[id] = true
}

func (f *fakeSessions) received(id uuid.UUID) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames[id]...)
}

func (f *fakeSessions) SessionsFor(userID domain.UserID) []domain.DeviceSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DeviceSession
	for _, id := range f.order {
		if f.owner[id] == userID {
			u := userID
			out = append(out, domain.DeviceSession{ID: id, UserID: &u, State: domain.SessionConnected})
		}
	}
	return out
}

func (f *fakeSessions) deliverLocked(id uuid.UUID, cycle uint64, tracked bool, payload []byte) error {
	if f.failing[id] {
		return &device.SessionIOError{SessionID: id, Err: errors.New("broken pipe")}
	}
	if tracked {
		if last, ok := f.lastCycle[id]; ok && cycle <= last {
			return device.ErrDuplicateCycle
		}
		f.lastCycle[id] = cycle
	}
	f.frames[id] = append(f.frames[id], payload)
	return nil
}

func (f *fakeSessions) fanOut(userID domain.UserID, cycle uint64, tracked bool, payload []byte) device.BroadcastResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res device.BroadcastResult
	for _, id := range f.order {
		if f.owner[id] != userID {
			continue
		}
		switch err := f.deliverLocked(id, cycle, tracked, payload); {
		case err == nil:
			res.Delivered++
		case errors.Is(err, device.ErrDuplicateCycle):
			res.Duplicates++
		default:
			res.Failed++
		}
	}
	return res
}

func (f *fakeSessions) Broadcast(userID domain.UserID, cycle uint64, payload []byte) device.BroadcastResult {
	return f.fanOut(userID, cycle, true, payload)
}

func (f *fakeSessions) SendCommand(userID domain.UserID, payload []byte) device.BroadcastResult {
	return f.fanOut(userID, 0, false, payload)
}

func (f *fakeSessions) Send(id uuid.UUID, cycle uint64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliverLocked(id, cycle, true, payload)
}

func (f *fakeSessions) SendTo(id uuid.UUID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliverLocked(id, 0, false, payload)
}

type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[domain.AssetID]domain.AssetQuote
	err    error
	asked  []domain.AssetSet
}

func (f *fakeQuotes) set(quotes map[domain.AssetID]domain.AssetQuote, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes, f.err = quotes, err
}

func (f *fakeQuotes) Poll(_ context.Context, assets domain.AssetSet) (map[domain.AssetID]domain.AssetQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, assets.Clone())
	out := make(map[domain.AssetID]domain.AssetQuote)
	for id := range assets {
		if q, ok := f.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, f.err
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []domain.CycleSnapshot
}

func (r *snapshotRecorder) PublishConnectionEvent(context.Context, domain.ConnectionEvent) error {
	return nil
}

func (r *snapshotRecorder) PublishSnapshot(_ context.Context, s domain.CycleSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *snapshotRecorder) all() []domain.CycleSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CycleSnapshot(nil), r.snaps...)
}

func quote(id domain.AssetID, price string, change float64) domain.AssetQuote {
	return domain.AssetQuote{AssetID: id, PriceUSD: decimal.RequireFromString(price), Change24hPct: change}
}

func profile(userID domain.UserID, selected []domain.AssetID, invested []domain.AssetID) domain.UserMonitorProfile {
	p := domain.NewProfile(userID)
	p.SelectedAssets = domain.NewAssetSet(selected...)
	p.InvestedAssets = domain.NewAssetSet(invested...)
	return p
}

type frame struct {
	Type    string `json:"type"`
	Cycle   uint64 `json:"cycle"`
	Signals map[domain.AssetID]struct {
		LEDColor domain.Color `json:"led_color"`
		Buzzer   bool         `json:"buzzer"`
	} `json:"signals"`
}

func decodeFrame(t *testing.T, data []byte) frame {
	t.Helper()
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

type harness struct {
	dispatcher *Dispatcher
	store      *settings.Store
	sessions   *fakeSessions
	quotes     *fakeQuotes
	events     *snapshotRecorder
	metrics    *metrics.DispatchMetrics
}

func newHarness(t *testing.T, profiles ...domain.UserMonitorProfile) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := &harness{
		store:    settings.NewStore(settings.NewMemoryRepository(profiles...), nil, clock),
		sessions: newFakeSessions(),
		quotes: &fakeQuotes{quotes: map[domain.AssetID]domain.AssetQuote{
			"bitcoin":  quote("bitcoin", "64250.50", 6.5),
			"ethereum": quote("ethereum", "3100", -1.2),
			"solana":   quote("solana", "140.25", -7.0),
		}},
		events:  &snapshotRecorder{},
		metrics: metrics.NewDispatchMetrics(prometheus.NewRegistry()),
	}
	h.dispatcher = NewDispatcher(h.store, h.quotes, signal.Computer{BuzzerTrigger: 5}, h.sessions, h.events, clock, h.metrics)
	return h
}

func TestRunCycle_OneFramePerUserSharedByDevices(t *testing.T) {
	h := newHarness(t,
		profile(1, []domain.AssetID{"bitcoin"}, []domain.AssetID{"ethereum"}),
		profile(2, []domain.AssetID{"solana"}, nil),
		profile(3, []domain.AssetID{"bitcoin"}, nil),
	)
	a1 := h.sessions.add(1)
	a2 := h.sessions.add(1)
	b1 := h.sessions.add(2)

	report := h.dispatcher.RunCycle(context.Background())

	assert.Equal(t, OutcomeDispatched, report.Outcome)
	assert.Equal(t, uint64(1), report.Cycle)
	assert.Equal(t, 3, report.Users)
	assert.Equal(t, 2, report.UsersServed)
	assert.Equal(t, 3, report.Frames)

	require.Len(t, h.quotes.asked, 1, "one batched poll per cycle")
	assert.Equal(t, domain.NewAssetSet("bitcoin", "ethereum", "solana"), h.quotes.asked[0])

	framesA1, framesA2 := h.sessions.received(a1), h.sessions.received(a2)
	require.Len(t, framesA1, 1)
	require.Len(t, framesA2, 1)
	assert.Equal(t, framesA1[0], framesA2[0], "devices of one user get identical bytes")

	f := decodeFrame(t, framesA1[0])
	assert.Equal(t, device.TypeMarketUpdate, f.Type)
	assert.Equal(t, uint64(1), f.Cycle)
	assert.Equal(t, domain.ColorGreen, f.Signals["bitcoin"].LEDColor)
	assert.True(t, f.Signals["bitcoin"].Buzzer)
	assert.Equal(t, domain.ColorBlue, f.Signals["ethereum"].LEDColor)
	assert.False(t, f.Signals["ethereum"].Buzzer)
	assert.NotContains(t, f.Signals, domain.AssetID("solana"))

	framesB1 := h.sessions.received(b1)
	require.Len(t, framesB1, 1)
	fb := decodeFrame(t, framesB1[0])
	assert.Equal(t, domain.ColorRed, fb.Signals["solana"].LEDColor)
	assert.True(t, fb.Signals["solana"].Buzzer)

	assert.Len(t, h.events.all(), 3, "every active user gets a snapshot")
	snap, ok := h.dispatcher.LastSnapshot(3)
	require.True(t, ok)
	assert.False(t, snap.Stale)
	assert.Contains(t, snap.Signals, domain.AssetID("bitcoin"))

	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.FramesSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Cycles.WithLabelValues(OutcomeDispatched)))
}

func TestRunCycle_IdleWithoutActiveProfiles(t *testing.T) {
	h := newHarness(t, domain.NewProfile(1))

	report := h.dispatcher.RunCycle(context.Background())

	assert.Equal(t, OutcomeIdle, report.Outcome)
	assert.Empty(t, h.quotes.asked)
	assert.Empty(t, h.events.all())
}

func TestRunCycle_StaleDataSkipsDevicesButPublishesStatus(t *testing.T) {
	h := newHarness(t, profile(1, []domain.AssetID{"bitcoin"}, nil))
	dev := h.sessions.add(1)
	h.quotes.set(map[domain.AssetID]domain.AssetQuote{"bitcoin": quote("bitcoin", "60000", 1)},
		fmt.Errorf("%w: %w", domain.ErrStaleData, errors.New("provider down")))

	report := h.dispatcher.RunCycle(context.Background())

	assert.Equal(t, OutcomeStale, report.Outcome)
	assert.True(t, report.Stale)
	assert.ErrorIs(t, report.Err, domain.ErrStaleData)
	assert.Empty(t, h.sessions.received(dev))

	snaps := h.events.all()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Stale)

	_, err := h.dispatcher.Repush(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNothingToRepush)
}

func TestRunCycle_RecoversAfterProviderOutage(t *testing.T) {
	h := newHarness(t, profile(1, []domain.AssetID{"bitcoin"}, nil))
	dev := h.sessions.add(1)
	good := h.quotes.quotes

	h.quotes.set(nil, fmt.Errorf("%w: %w", domain.ErrStaleData, errors.New("timeout")))
	assert.Equal(t, OutcomeStale, h.dispatcher.RunCycle(context.Background()).Outcome)

	h.quotes.set(good, nil)
	report := h.dispatcher.RunCycle(context.Background())
	assert.Equal(t, OutcomeDispatched, report.Outcome)

	frames := h.sessions.received(dev)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(2), decodeFrame(t, frames[0]).Cycle)
}

// outageProvider serves fixed quotes except for a queued number of failed calls.
type outageProvider struct {
	mu       sync.Mutex
	quotes   map[domain.AssetID]domain.AssetQuote
	failures int
	calls    int
}

func (p *outageProvider) GetQuotes(_ context.Context, ids []domain.AssetID) (map[domain.AssetID]domain.AssetQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return nil, &domain.ProviderError{Kind: domain.ProviderTimeout, Err: errors.New("upstream timeout")}
	}
	out := make(map[domain.AssetID]domain.AssetQuote, len(ids))
	for _, id := range ids {
		if q, ok := p.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (p *outageProvider) fail(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

func TestRunCycle_CachedQuotesBridgeProviderOutage(t *testing.T) {
	const interval = 30 * time.Second
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	provider := &outageProvider{quotes: map[domain.AssetID]domain.AssetQuote{
		"bitcoin": quote("bitcoin", "64250.50", 6.5),
	}}
	poller := market.NewPoller(provider, interval, time.Second, clock, metrics.NewMarketMetrics(prometheus.NewRegistry()))
	store := settings.NewStore(settings.NewMemoryRepository(profile(1, []domain.AssetID{"bitcoin"}, nil)), nil, clock)
	sessions := newFakeSessions()
	dev := sessions.add(1)
	d := NewDispatcher(store, poller, signal.Computer{BuzzerTrigger: 5}, sessions, &snapshotRecorder{}, clock,
		metrics.NewDispatchMetrics(prometheus.NewRegistry()))

	require.Equal(t, OutcomeDispatched, d.RunCycle(ctx).Outcome)

	provider.fail(2)
	for _, step := range []time.Duration{interval, interval / 2} {
		clock.Advance(step)
		report := d.RunCycle(ctx)
		assert.Equal(t, OutcomeDispatched, report.Outcome)
		assert.NoError(t, report.Err)
	}

	assert.Equal(t, 3, provider.calls, "both failing cycles asked the provider")
	assert.Equal(t, 2, poller.Status().ConsecutiveFailures)

	frames := sessions.received(dev)
	require.Len(t, frames, 3, "every cycle reached the device")
	for i, raw := range frames {
		f := decodeFrame(t, raw)
		assert.Equal(t, "market_update", f.Type)
		assert.Equal(t, uint64(i+1), f.Cycle)
		assert.Equal(t, domain.ColorGreen, f.Signals["bitcoin"].LEDColor)
		assert.True(t, f.Signals["bitcoin"].Buzzer)
	}
}

func TestRunCycle_PollFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, profile(1, []domain.AssetID{"bitcoin"}, nil))
	h.sessions.add(1)
	h.quotes.set(nil, context.Canceled)

	report := h.dispatcher.RunCycle(context.Background())

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.ErrorIs(t, report.Err, context.Canceled)
	assert.Empty(t, h.events.all())
}

func TestRunCycle_FailingDeviceDoesNotAffectOthers(t *testing.T) {
	h := newHarness(t,
		profile(1, []domain.AssetID{"bitcoin"}, nil),
		profile(2, []domain.AssetID{"bitcoin"}, nil),
	)
	broken := h.sessions.add(1)
	healthy := h.sessions.add(1)
	other := h.sessions.add(2)
	h.sessions.fail(broken)

	report := h.dispatcher.RunCycle(context.Background())

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Frames)
	assert.Len(t, h.sessions.received(healthy), 1)
	assert.Len(t, h.sessions.received(other), 1)
}

func TestRunCycle_SettingsApplyOnNextCycle(t *testing.T) {
	h := newHarness(t, profile(1, []domain.AssetID{"bitcoin"}, nil))
	dev := h.sessions.add(1)

	h.dispatcher.RunCycle(context.Background())

	threshold := 10.0
	_, err := h.store.UpdateProfile(context.Background(), 1, domain.ProfilePatch{ThresholdPercent: &threshold})
	require.NoError(t, err)

	h.dispatcher.RunCycle(context.Background())

	frames := h.sessions.received(dev)
	require.Len(t, frames, 2)
	assert.Equal(t, domain.ColorGreen, decodeFrame(t, frames[0]).Signals["bitcoin"].LEDColor)
	assert.Equal(t, domain.ColorOff, decodeFrame(t, frames[1]).Signals["bitcoin"].LEDColor)
	// the buzzer ignores the colour threshold
	assert.True(t, decodeFrame(t, frames[1]).Signals["bitcoin"].Buzzer)
}

func TestRepush_NeverDeliversACycleTwice(t *testing.T) {
	h := newHarness(t, profile(1, []domain.AssetID{"bitcoin"}, nil))
	first := h.sessions.add(1)
	h.sessions.add(1)

	_, err := h.dispatcher.Repush(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNothingToRepush)

	h.dispatcher.RunCycle(context.Background())

	res, err := h.dispatcher.Repush(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, device.BroadcastResult{Duplicates: 2}, res)

	late := h.sessions.add(1)
	res, err = h.dispatcher.Repush(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, device.BroadcastResult{Delivered: 1, Duplicates: 2}, res)

	assert.Len(t, h.sessions.received(first), 1)
	require.Len(t, h.sessions.received(late), 1)
	assert.Equal(t, h.sessions.received(first)[0], h.sessions.received(late)[0])
}

func TestPushSettings(t *testing.T) {
	h := newHarness(t)
	dev := h.sessions.add(1)

	output := domain.DefaultOutputSettings()
	output.BuzzerEnabled = false
	res, err := h.dispatcher.PushSettings(context.Background(), 1, output)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	frames := h.sessions.received(dev)
	require.Len(t, frames, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &got))
	assert.Equal(t, device.TypeUserSettings, got["type"])
	assert.Equal(t, false, got["enable_buzzer"])
}

func TestTestCommands(t *testing.T) {
	h := newHarness(t)
	dev := h.sessions.add(1)

	_, err := h.dispatcher.TestLED(context.Background(), 1, domain.ColorRed)
	require.NoError(t, err)
	_, err = h.dispatcher.TestBuzzer(context.Background(), 1, true)
	require.NoError(t, err)
	_, err = h.dispatcher.TestLED(context.Background(), 1, "purple")
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)

	frames := h.sessions.received(dev)
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"type":"led_control","color":"red"}`, string(frames[0]))
	assert.JSONEq(t, `{"type":"buzzer_control","trigger":true}`, string(frames[1]))
}

func TestWelcome_SendsSettingsThenLastFrame(t *testing.T) {
	h := newHarness(t, profile(1, []domain.AssetID{"bitcoin"}, nil))
	h.dispatcher.RunCycle(context.Background())

	id := h.sessions.add(1)
	user := domain.UserID(1)
	h.dispatcher.Welcome(context.Background(), domain.DeviceSession{ID: id, UserID: &user})

	frames := h.sessions.received(id)
	require.Len(t, frames, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &first))
	assert.Equal(t, device.TypeUserSettings, first["type"])
	assert.Equal(t, uint64(1), decodeFrame(t, frames[1]).Cycle)

	// a re-push of the same cycle is now a duplicate for this device
	res, err := h.dispatcher.Repush(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
}

func TestWelcome_IgnoresAnonymousDevices(t *testing.T) {
	h := newHarness(t, profile(1, []domain.AssetID{"bitcoin"}, nil))
	h.dispatcher.RunCycle(context.Background())

	id := h.sessions.add(1)
	h.dispatcher.Welcome(context.Background(), domain.DeviceSession{ID: id})

	assert.Empty(t, h.sessions.received(id))
}

func TestRunCycle_CorrelatedCycleNumbers(t *testing.T) {
	h := newHarness(t, profile(1, []domain.AssetID{"bitcoin"}, nil))

	for want := uint64(1); want <= 3; want++ {
		assert.Equal(t, want, h.dispatcher.RunCycle(context.Background()).Cycle)
	}
	assert.Equal(t, uint64(3), h.dispatcher.CurrentCycle())
}
