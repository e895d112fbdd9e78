package device

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher captures connection events in publish order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ConnectionEvent
}

func (p *recordingPublisher) PublishConnectionEvent(_ context.Context, ev domain.ConnectionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) PublishSnapshot(context.Context, domain.CycleSnapshot) error {
	return nil
}

func (p *recordingPublisher) count(match func(domain.ConnectionEvent) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) offline(sessionID uuid.UUID) int {
	return p.count(func(ev domain.ConnectionEvent) bool { return ev.SessionID == sessionID && !ev.Online })
}

func userPtr(id domain.UserID) *domain.UserID { return &id }

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *recordingPublisher, *metrics.DeviceMetrics) {
	t.Helper()
	pub := &recordingPublisher{}
	m := metrics.NewDeviceMetrics(prometheus.NewRegistry())
	r := NewRegistry(cfg, pub, clockwork.NewRealClock(), m)
	t.Cleanup(func() { r.Stop(time.Second) })
	return r, pub, m
}

func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func readText(t *testing.T, client *ws.Conn) string {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func readClose(t *testing.T, client *ws.Conn) *ws.CloseError {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := client.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *ws.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr
	}
}

// connectDevice opens a session and claims it for mac and user.
func connectDevice(t *testing.T, r *Registry, mac string, user domain.UserID) (uuid.UUID, *ws.Conn, *ws.Conn) {
	t.Helper()
	server, client := newTestConnPair(t)
	id, err := r.Connect(server)
	require.NoError(t, err)
	require.NoError(t, r.Identify(id, mac, userPtr(user)))
	return id, server, client
}

func TestRegistry_IdentifyPublishesOnlineEvent(t *testing.T) {
	r, pub, _ := newTestRegistry(t, DefaultConfig())

	id, _, _ := connectDevice(t, r, "aa:bb:cc:dd:ee:01", 7)

	sessions := r.SessionsFor(7)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", sessions[0].DeviceMAC)
	assert.Equal(t, domain.SessionConnected, sessions[0].State)
	assert.Equal(t, 1, r.DeviceCount(7))
	assert.Empty(t, r.SessionsFor(8))

	assert.Eventually(t, func() bool {
		return pub.count(func(ev domain.ConnectionEvent) bool {
			return ev.SessionID == id && ev.Online && ev.UserID == 7
		}) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_HeartbeatBeforeIdentifyRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())
	server, _ := newTestConnPair(t)

	id, err := r.Connect(server)
	require.NoError(t, err)

	err = r.Heartbeat(id, domain.HeartbeatReport{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = r.Heartbeat(uuid.New(), domain.HeartbeatReport{})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRegistry_IdentifyRequiresDeviceID(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())
	server, _ := newTestConnPair(t)

	id, err := r.Connect(server)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Identify(id, " ", nil), ErrMalformedMessage)
}

func TestRegistry_BroadcastReachesOnlyOwner(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())

	_, _, clientA := connectDevice(t, r, "AA:00:00:00:00:01", 1)
	_, _, clientB := connectDevice(t, r, "AA:00:00:00:00:02", 1)
	_, _, clientOther := connectDevice(t, r, "AA:00:00:00:00:03", 2)

	res := r.Broadcast(1, 1, []byte(`{"type":"market_update","cycle":1}`))
	assert.Equal(t, BroadcastResult{Delivered: 2}, res)

	assert.JSONEq(t, `{"type":"market_update","cycle":1}`, readText(t, clientA))
	assert.JSONEq(t, `{"type":"market_update","cycle":1}`, readText(t, clientB))

	_ = clientOther.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := clientOther.ReadMessage()
	assert.Error(t, err, "other user's device must not receive the frame")
}

func TestRegistry_DuplicateCycleDropped(t *testing.T) {
	r, _, m := newTestRegistry(t, DefaultConfig())
	id, _, client := connectDevice(t, r, "AA:00:00:00:00:01", 1)

	assert.Equal(t, BroadcastResult{Delivered: 1}, r.Broadcast(1, 5, []byte("five")))
	assert.Equal(t, BroadcastResult{Duplicates: 1}, r.Broadcast(1, 5, []byte("five again")))
	assert.ErrorIs(t, r.Send(id, 4, []byte("older")), ErrDuplicateCycle)
	assert.NoError(t, r.Send(id, 6, []byte("six")))

	// commands are not cycle-tracked
	assert.Equal(t, BroadcastResult{Delivered: 1}, r.SendCommand(1, []byte("cmd")))
	assert.Equal(t, BroadcastResult{Delivered: 1}, r.SendCommand(1, []byte("cmd")))

	assert.Equal(t, "five", readText(t, client))
	assert.Equal(t, "six", readText(t, client))
	assert.Equal(t, "cmd", readText(t, client))
	assert.Equal(t, "cmd", readText(t, client))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DuplicateFrames))
}

func TestRegistry_ReplaceSameDevice(t *testing.T) {
	r, pub, _ := newTestRegistry(t, DefaultConfig())

	oldID, _, oldClient := connectDevice(t, r, "aa:00:00:00:00:01", 1)
	newID, _, _ := connectDevice(t, r, "AA-00-00-00-00-01", 1)

	closeErr := readClose(t, oldClient)
	assert.Equal(t, ReasonReplaced, closeErr.Text)

	sessions := r.SessionsFor(1)
	require.Len(t, sessions, 1)
	assert.Equal(t, newID, sessions[0].ID)

	_, ok := r.Session(oldID)
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		return pub.count(func(ev domain.ConnectionEvent) bool { return ev.Online }) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, pub.offline(oldID))
}

func TestRegistry_LivenessStaleResumeExpire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Liveness = Liveness{MissedInterval: 100 * time.Millisecond, ExpiryInterval: 300 * time.Millisecond}
	cfg.SweepInterval = 10 * time.Millisecond
	r, pub, _ := newTestRegistry(t, cfg)

	id, _, client := connectDevice(t, r, "AA:00:00:00:00:01", 1)

	assert.Eventually(t, func() bool {
		s, ok := r.Session(id)
		return ok && s.State == domain.SessionStale && s.AtRisk
	}, 2*time.Second, 10*time.Millisecond)

	// stale sessions still receive traffic
	assert.Equal(t, BroadcastResult{Delivered: 1}, r.Broadcast(1, 1, []byte("still here?")))
	assert.Equal(t, "still here?", readText(t, client))

	require.NoError(t, r.Heartbeat(id, domain.HeartbeatReport{UptimeSeconds: 10}))
	s, ok := r.Session(id)
	require.True(t, ok)
	assert.Equal(t, domain.SessionConnected, s.State)
	assert.False(t, s.AtRisk)

	assert.Eventually(t, func() bool {
		_, ok := r.Session(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, r.SessionsFor(1))

	assert.Eventually(t, func() bool { return pub.offline(id) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pub.offline(id), "offline must be published exactly once")

	assert.Equal(t, ReasonExpired, readClose(t, client).Text)
}

func TestRegistry_IdentifyGraceClosesAnonymousSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdentifyGrace = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	r, pub, _ := newTestRegistry(t, cfg)

	server, client := newTestConnPair(t)
	id, err := r.Connect(server)
	require.NoError(t, err)

	assert.Equal(t, ReasonIdentifyTimeout, readClose(t, client).Text)

	_, ok := r.Session(id)
	assert.False(t, ok)
	assert.Equal(t, 0, pub.count(func(domain.ConnectionEvent) bool { return true }))
}

func TestRegistry_IdentifyGraceClosesUnclaimedSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdentifyGrace = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	r, _, m := newTestRegistry(t, cfg)

	server, client := newTestConnPair(t)
	id, err := r.Connect(server)
	require.NoError(t, err)
	require.NoError(t, r.Identify(id, "AA:00:00:00:00:09", nil))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = r.Heartbeat(id, domain.HeartbeatReport{})
			}
		}
	}()

	assert.Equal(t, ReasonIdentifyTimeout, readClose(t, client).Text)
	_, ok := r.Session(id)
	assert.False(t, ok, "heartbeats alone do not keep an unclaimed session")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DisconnectsTotal.WithLabelValues(ReasonIdentifyTimeout)))
}

func TestRegistry_LateClaimKeepsSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdentifyGrace = 100 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	r, pub, _ := newTestRegistry(t, cfg)

	server, _ := newTestConnPair(t)
	id, err := r.Connect(server)
	require.NoError(t, err)
	require.NoError(t, r.Identify(id, "AA:00:00:00:00:09", nil))
	require.NoError(t, r.Identify(id, "AA:00:00:00:00:09", userPtr(4)))

	time.Sleep(3 * cfg.IdentifyGrace)
	require.NoError(t, r.Heartbeat(id, domain.HeartbeatReport{}))
	s, ok := r.Session(id)
	require.True(t, ok)
	require.NotNil(t, s.UserID)
	assert.Equal(t, domain.UserID(4), *s.UserID)

	assert.Eventually(t, func() bool {
		return pub.count(func(ev domain.ConnectionEvent) bool { return ev.Online && ev.UserID == 4 }) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_OwnerChangeNotifiesBothUsers(t *testing.T) {
	welcomed := make(chan domain.DeviceSession, 2)
	cfg := DefaultConfig()
	cfg.OnIdentified = func(s domain.DeviceSession) { welcomed <- s }
	r, pub, _ := newTestRegistry(t, cfg)

	id, _, _ := connectDevice(t, r, "AA:00:00:00:00:01", 1)
	<-welcomed

	require.NoError(t, r.Identify(id, "AA:00:00:00:00:01", userPtr(2)))

	assert.Empty(t, r.SessionsFor(1))
	require.Len(t, r.SessionsFor(2), 1)

	select {
	case s := <-welcomed:
		require.NotNil(t, s.UserID)
		assert.Equal(t, domain.UserID(2), *s.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("new owner was not welcomed")
	}

	assert.Eventually(t, func() bool {
		return pub.count(func(ev domain.ConnectionEvent) bool {
			return ev.UserID == 1 && !ev.Online && ev.Reason == ReasonReassigned
		}) == 1 && pub.count(func(ev domain.ConnectionEvent) bool {
			return ev.UserID == 2 && ev.Online
		}) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the same owner repeating itself is just a heartbeat
	require.NoError(t, r.Identify(id, "AA:00:00:00:00:01", userPtr(2)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, pub.count(func(ev domain.ConnectionEvent) bool { return ev.UserID == 2 && ev.Online }))
}

func TestRegistry_SendFailureIsolatesSession(t *testing.T) {
	r, pub, m := newTestRegistry(t, DefaultConfig())

	brokenID, brokenServer, _ := connectDevice(t, r, "AA:00:00:00:00:01", 1)
	healthyID, _, healthyClient := connectDevice(t, r, "AA:00:00:00:00:02", 1)

	_ = brokenServer.Close()

	res := r.Broadcast(1, 1, []byte("cycle-1"))
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, "cycle-1", readText(t, healthyClient))

	assert.Eventually(t, func() bool {
		s, ok := r.Session(brokenID)
		return ok && s.State == domain.SessionStale && s.AtRisk
	}, 2*time.Second, 10*time.Millisecond)

	healthy, ok := r.Session(healthyID)
	require.True(t, ok)
	assert.Equal(t, domain.SessionConnected, healthy.State)

	r.Broadcast(1, 2, []byte("cycle-2"))
	assert.Equal(t, "cycle-2", readText(t, healthyClient))

	assert.GreaterOrEqual(t, testutil.ToFloat64(m.SendFailures), float64(1))
	assert.Eventually(t, func() bool {
		return pub.count(func(ev domain.ConnectionEvent) bool {
			return ev.SessionID == brokenID && ev.Reason == ReasonSendFailed
		}) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_MaxSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	r, _, _ := newTestRegistry(t, cfg)

	first, _ := newTestConnPair(t)
	_, err := r.Connect(first)
	require.NoError(t, err)

	second, _ := newTestConnPair(t)
	_, err = r.Connect(second)
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestRegistry_OnIdentifiedHook(t *testing.T) {
	identified := make(chan domain.DeviceSession, 1)
	cfg := DefaultConfig()
	cfg.OnIdentified = func(s domain.DeviceSession) { identified <- s }
	r, _, _ := newTestRegistry(t, cfg)

	id, _, _ := connectDevice(t, r, "AA:00:00:00:00:01", 3)

	select {
	case s := <-identified:
		assert.Equal(t, id, s.ID)
		require.NotNil(t, s.UserID)
		assert.Equal(t, domain.UserID(3), *s.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("identify hook not called")
	}
}

func TestRegistry_StopFlushesAndClosesEverySession(t *testing.T) {
	pub := &recordingPublisher{}
	r := NewRegistry(DefaultConfig(), pub, clockwork.NewRealClock(), metrics.NewDeviceMetrics(prometheus.NewRegistry()))

	id, _, client := connectDevice(t, r, "AA:00:00:00:00:01", 1)
	r.Broadcast(1, 1, []byte("final frame"))

	r.Stop(time.Second)

	assert.Equal(t, "final frame", readText(t, client))
	assert.Equal(t, ReasonShutdown, readClose(t, client).Text)
	assert.Eventually(t, func() bool { return pub.offline(id) == 1 }, 2*time.Second, 10*time.Millisecond)

	server, _ := newTestConnPair(t)
	_, err := r.Connect(server)
	assert.ErrorIs(t, err, ErrRegistryStopped)

	r.Stop(time.Second)
}
