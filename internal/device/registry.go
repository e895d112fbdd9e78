package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/domain"
)

const (
	DefaultIdentifyGrace = 30 * time.Second
	DefaultSendTimeout   = 5 * time.Second
	DefaultStopGrace     = 10 * time.Second

	commandTimeout    = 5 * time.Second
	commandBufferSize = 256
	eventBufferSize   = 256
	publishTimeout    = 2 * time.Second
)

// Disconnect and state-change reasons reported on ConnectionEvents and metrics.
const (
	ReasonReplaced        = "replaced"
	ReasonReassigned      = "reassigned"
	ReasonIdentifyTimeout = "identify timeout"
	ReasonExpired         = "heartbeat expired"
	ReasonMissedHeartbeat = "heartbeat missed"
	ReasonResumed         = "heartbeat resumed"
	ReasonClosed          = "connection closed"
	ReasonDeviceRequested = "device disconnected"
	ReasonSendFailed      = "send failed"
	ReasonShutdown        = "server shutting down"
)

var (
	ErrRegistryStopped    = errors.New("device registry stopped")
	ErrTooManyConnections = errors.New("too many device connections")
	ErrDuplicateCycle     = errors.New("cycle already delivered to session")
)

type Config struct {
	Liveness      Liveness
	SweepInterval time.Duration
	IdentifyGrace time.Duration
	SendTimeout   time.Duration
	MaxSessions   int // 0 means unlimited

	// OnIdentified runs on its own goroutine after a session is claimed.
	OnIdentified func(domain.DeviceSession)
}

func DefaultConfig() Config {
	return Config{
		Liveness:      DefaultLiveness(),
		SweepInterval: DefaultSweepInterval,
		IdentifyGrace: DefaultIdentifyGrace,
		SendTimeout:   DefaultSendTimeout,
	}
}

// BroadcastResult summarizes one fan-out to a user's sessions.
type BroadcastResult struct {
	Delivered  int
	Duplicates int
	Failed     int
}

type session struct {
	domain.DeviceSession
	writer     *sessionWriter
	lastCycle  uint64
	delivered  bool
	lastReport domain.HeartbeatReport
}

func (s *session) view() domain.DeviceSession {
	v := s.DeviceSession
	if s.UserID != nil {
		u := *s.UserID
		v.UserID = &u
	}
	return v
}

func (s *session) ownedBy(userID domain.UserID) bool {
	return s.UserID != nil && *s.UserID == userID
}

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type connectReply struct {
	id  uuid.UUID
	err error
}

type connectCmd struct {
	baseRegistryCmd
	connection *websocket.Conn
	reply      chan connectReply
}

type identifyCmd struct {
	baseRegistryCmd
	id     uuid.UUID
	mac    string
	userID *domain.UserID
	reply  chan error
}

type heartbeatCmd struct {
	baseRegistryCmd
	id     uuid.UUID
	report domain.HeartbeatReport
	reply  chan error
}

type disconnectCmd struct {
	baseRegistryCmd
	id     uuid.UUID
	reason string
	reply  chan struct{}
}

type sessionCmd struct {
	baseRegistryCmd
	id    uuid.UUID
	reply chan *domain.DeviceSession
}

type sessionsForCmd struct {
	baseRegistryCmd
	userID domain.UserID
	reply  chan []domain.DeviceSession
}

type sendCmd struct {
	baseRegistryCmd
	id      uuid.UUID
	cycle   uint64
	tracked bool
	payload []byte
	reply   chan error
}

type broadcastCmd struct {
	baseRegistryCmd
	userID  domain.UserID
	cycle   uint64
	tracked bool
	payload []byte
	reply   chan BroadcastResult
}

type sendFailedCmd struct {
	baseRegistryCmd
	id  uuid.UUID
	err error
}

type stopCmd struct {
	baseRegistryCmd
	grace time.Duration
}

// Registry owns every device session. All state lives on the run goroutine.
type Registry struct {
	cfg     Config
	clock   clockwork.Clock
	events  domain.EventPublisher
	metrics *metrics.DeviceMetrics

	cmdCh    chan registryCmd
	eventCh  chan domain.ConnectionEvent
	done     chan struct{}
	stopOnce sync.Once

	sessions map[uuid.UUID]*session
	byMAC    map[string]uuid.UUID
}

// NewRegistry starts the registry actor. events may be nil.
func NewRegistry(cfg Config, events domain.EventPublisher, clock clockwork.Clock, m *metrics.DeviceMetrics) *Registry {
	def := DefaultConfig()
	if cfg.Liveness.MissedInterval <= 0 || cfg.Liveness.ExpiryInterval <= 0 {
		cfg.Liveness = def.Liveness
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.IdentifyGrace <= 0 {
		cfg.IdentifyGrace = def.IdentifyGrace
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}

	r := &Registry{
		cfg:      cfg,
		clock:    clock,
		events:   events,
		metrics:  m,
		cmdCh:    make(chan registryCmd, commandBufferSize),
		eventCh:  make(chan domain.ConnectionEvent, eventBufferSize),
		done:     make(chan struct{}),
		sessions: make(map[uuid.UUID]*session),
		byMAC:    make(map[string]uuid.UUID),
	}
	go r.publishLoop()
	go r.run()
	return r
}

// request sends a command and waits for its reply, bounded by commandTimeout.
func request[T any](r *Registry, cmd registryCmd, reply chan T) (T, error) {
	var zero T
	select {
	case r.cmdCh <- cmd:
	case <-r.done:
		return zero, ErrRegistryStopped
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrRegistryStopped
		}
	case <-timer.Chan():
		return zero, fmt.Errorf("registry command timed out after %v", commandTimeout)
	}
}

// Connect creates a Connecting session for conn and starts its writer.
func (r *Registry) Connect(conn *websocket.Conn) (uuid.UUID, error) {
	reply := make(chan connectReply, 1)
	res, err := request(r, connectCmd{connection: conn, reply: reply}, reply)
	if err != nil {
		return uuid.Nil, err
	}
	return res.id, res.err
}

// Identify claims a session for a device (and optionally a user). A live
// session of the same device is replaced and closed without an offline event.
func (r *Registry) Identify(id uuid.UUID, mac string, userID *domain.UserID) error {
	reply := make(chan error, 1)
	res, err := request(r, identifyCmd{id: id, mac: mac, userID: userID, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Heartbeat refreshes liveness; a Stale session becomes Connected again.
func (r *Registry) Heartbeat(id uuid.UUID, report domain.HeartbeatReport) error {
	reply := make(chan error, 1)
	res, err := request(r, heartbeatCmd{id: id, report: report, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Disconnect closes and removes a session. Unknown ids are ignored.
func (r *Registry) Disconnect(id uuid.UUID, reason string) {
	reply := make(chan struct{}, 1)
	if _, err := request(r, disconnectCmd{id: id, reason: reason, reply: reply}, reply); err != nil && !errors.Is(err, ErrRegistryStopped) {
		slog.Warn("Disconnect command failed", "session_id", id.String(), "error", err)
	}
}

// Session returns a snapshot of one session.
func (r *Registry) Session(id uuid.UUID) (domain.DeviceSession, bool) {
	reply := make(chan *domain.DeviceSession, 1)
	res, err := request(r, sessionCmd{id: id, reply: reply}, reply)
	if err != nil || res == nil {
		return domain.DeviceSession{}, false
	}
	return *res, true
}

// SessionsFor returns the live (Connected or Stale) sessions of a user, one per device.
func (r *Registry) SessionsFor(userID domain.UserID) []domain.DeviceSession {
	reply := make(chan []domain.DeviceSession, 1)
	res, err := request(r, sessionsForCmd{userID: userID, reply: reply}, reply)
	if err != nil {
		slog.Warn("SessionsFor failed", "user_id", userID, "error", err)
		return nil
	}
	return res
}

// DeviceCount returns the number of distinct devices a user has online.
func (r *Registry) DeviceCount(userID domain.UserID) int {
	return len(r.SessionsFor(userID))
}

// Send enqueues one cycle frame for a session. A session accepts each cycle
// at most once; repeats return ErrDuplicateCycle.
func (r *Registry) Send(id uuid.UUID, cycle uint64, payload []byte) error {
	reply := make(chan error, 1)
	res, err := request(r, sendCmd{id: id, cycle: cycle, tracked: true, payload: payload, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// SendTo enqueues a non-cycle frame on one session.
func (r *Registry) SendTo(id uuid.UUID, payload []byte) error {
	reply := make(chan error, 1)
	res, err := request(r, sendCmd{id: id, payload: payload, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Broadcast enqueues the same cycle frame on every live session of a user.
func (r *Registry) Broadcast(userID domain.UserID, cycle uint64, payload []byte) BroadcastResult {
	return r.broadcast(broadcastCmd{userID: userID, cycle: cycle, tracked: true, payload: payload})
}

// SendCommand enqueues a non-cycle frame (settings, test commands) on every live session of a user.
func (r *Registry) SendCommand(userID domain.UserID, payload []byte) BroadcastResult {
	return r.broadcast(broadcastCmd{userID: userID, payload: payload})
}

func (r *Registry) broadcast(cmd broadcastCmd) BroadcastResult {
	cmd.reply = make(chan BroadcastResult, 1)
	res, err := request(r, cmd, cmd.reply)
	if err != nil {
		slog.Warn("Broadcast failed", "user_id", cmd.userID, "error", err)
	}
	return res
}

// reportFailure is called from writer goroutines. It never blocks.
func (r *Registry) reportFailure(id uuid.UUID, err error) {
	select {
	case r.cmdCh <- sendFailedCmd{id: id, err: err}:
	case <-r.done:
	default:
		slog.Warn("Dropping send failure report, registry busy", "session_id", id.String(), "error", err)
	}
}

// Stop closes every session, giving writers up to grace to flush buffered
// frames before transports are force-closed.
func (r *Registry) Stop(grace time.Duration) {
	r.stopOnce.Do(func() {
		select {
		case r.cmdCh <- stopCmd{grace: grace}:
		case <-r.done:
			return
		}

		timeout := r.clock.NewTimer(grace + commandTimeout)
		defer timeout.Stop()

		select {
		case <-r.done:
			slog.Info("Device registry stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Device registry stop timeout exceeded", "timeout", grace+commandTimeout)
			r.metrics.StopTimeouts.Inc()
		}
	})
}

func (r *Registry) run() {
	defer close(r.eventCh)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Device registry panic recovered", "panic", rec)
			r.metrics.Panics.Inc()
			r.closeAll(ReasonShutdown, 0)
		}
	}()
	defer close(r.done)

	sweep := r.clock.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	depthTicker := r.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(r.cmdCh)
			r.metrics.CommandQueueDepth.Set(float64(depth))
			if depth > commandBufferSize*8/10 {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(r.cmdCh))
			}

		case <-sweep.Chan():
			r.handleSweep()

		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				id, err := r.handleConnect(c.connection)
				c.reply <- connectReply{id: id, err: err}
			case identifyCmd:
				c.reply <- r.handleIdentify(c)
			case heartbeatCmd:
				c.reply <- r.handleHeartbeat(c)
			case disconnectCmd:
				if s, ok := r.sessions[c.id]; ok {
					r.remove(s, c.reason, true)
				}
				c.reply <- struct{}{}
			case sessionCmd:
				if s, ok := r.sessions[c.id]; ok {
					v := s.view()
					c.reply <- &v
				} else {
					c.reply <- nil
				}
			case sessionsForCmd:
				c.reply <- r.liveSessions(c.userID)
			case sendCmd:
				c.reply <- r.handleSend(c)
			case broadcastCmd:
				c.reply <- r.handleBroadcast(c)
			case sendFailedCmd:
				if s, ok := r.sessions[c.id]; ok && s.State.Live() {
					r.metrics.SendFailures.Inc()
					r.markStale(s, c.err)
				}
			case stopCmd:
				r.handleStop(c.grace)
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
			r.updateGauges()
		}
	}
}

func (r *Registry) handleConnect(conn *websocket.Conn) (uuid.UUID, error) {
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		slog.Warn("Rejecting device connection: max sessions reached", "max_sessions", r.cfg.MaxSessions)
		return uuid.Nil, ErrTooManyConnections
	}

	id := uuid.New()
	now := r.clock.Now()
	s := &session{
		DeviceSession: domain.DeviceSession{
			ID:              id,
			ConnectedAt:     now,
			LastHeartbeatAt: now,
			State:           domain.SessionConnecting,
		},
	}
	s.writer = newSessionWriter(id, conn, r.clock, r.cfg.SendTimeout, func(err error) { r.reportFailure(id, err) })
	r.sessions[id] = s
	r.metrics.ConnectionsTotal.Inc()

	slog.Debug("Device session opened", "session_id", id.String(), "total_sessions", len(r.sessions))
	return id, nil
}

func (r *Registry) handleIdentify(c identifyCmd) error {
	s, ok := r.sessions[c.id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	mac := NormalizeMAC(c.mac)
	if mac == "" {
		return fmt.Errorf("%w: empty device id", ErrMalformedMessage)
	}
	now := r.clock.Now()

	if s.State.Live() {
		if s.DeviceMAC != mac {
			return fmt.Errorf("%w: session already identified as %s", domain.ErrInvalidTransition, s.DeviceMAC)
		}
		// repeated esp32_connect from the same device counts as a heartbeat
		r.touch(s, now)
		if c.userID != nil && !s.ownedBy(*c.userID) {
			r.reassign(s, *c.userID)
		}
		return nil
	}

	if otherID, ok := r.byMAC[mac]; ok && otherID != s.ID {
		if other, ok := r.sessions[otherID]; ok {
			slog.Info("Replacing device session", "device_mac", mac, "old_session_id", otherID.String(), "new_session_id", s.ID.String())
			r.remove(other, ReasonReplaced, false)
		}
	}

	s.DeviceMAC = mac
	if c.userID != nil {
		u := *c.userID
		s.UserID = &u
	}
	s.State = domain.SessionConnected
	s.LastHeartbeatAt = now
	r.byMAC[mac] = s.ID

	slog.Info("Device identified", "session_id", s.ID.String(), "device_mac", mac, "user_id", userAttr(s.UserID))
	r.emit(s, "", true)

	if r.cfg.OnIdentified != nil {
		view := s.view()
		go r.cfg.OnIdentified(view)
	}
	return nil
}

// reassign moves a live session to a new owner. The previous owner sees the
// device go offline, the new one sees it come online and gets a welcome.
func (r *Registry) reassign(s *session, userID domain.UserID) {
	if s.UserID != nil {
		slog.Info("Device claimed by another user", "session_id", s.ID.String(), "device_mac", s.DeviceMAC,
			"old_user_id", userAttr(s.UserID), "new_user_id", userID)
		r.emit(s, ReasonReassigned, false)
	}
	s.UserID = &userID
	s.delivered = false
	r.emit(s, "", true)

	if r.cfg.OnIdentified != nil {
		view := s.view()
		go r.cfg.OnIdentified(view)
	}
}

func (r *Registry) handleHeartbeat(c heartbeatCmd) error {
	s, ok := r.sessions[c.id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if !s.State.Live() {
		return fmt.Errorf("%w: heartbeat before identification", domain.ErrInvalidTransition)
	}

	s.lastReport = c.report
	r.metrics.Heartbeats.Inc()
	r.touch(s, r.clock.Now())
	return nil
}

// touch records proof of life and brings a Stale session back.
func (r *Registry) touch(s *session, now time.Time) {
	s.LastHeartbeatAt = now
	if s.State == domain.SessionStale {
		s.State = domain.SessionConnected
		s.AtRisk = false
		r.emit(s, ReasonResumed, true)
	}
}

func (r *Registry) handleSend(c sendCmd) error {
	s, ok := r.sessions[c.id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	return r.deliver(s, c.cycle, c.tracked, c.payload)
}

func (r *Registry) handleBroadcast(c broadcastCmd) BroadcastResult {
	var res BroadcastResult
	for _, s := range r.sessions {
		if !s.State.Live() || !s.ownedBy(c.userID) {
			continue
		}
		switch err := r.deliver(s, c.cycle, c.tracked, c.payload); {
		case err == nil:
			res.Delivered++
		case errors.Is(err, ErrDuplicateCycle):
			res.Duplicates++
		default:
			res.Failed++
		}
	}
	return res
}

// deliver enqueues payload on the session writer. Writes happen on the
// writer goroutine, so a slow device never stalls the actor.
func (r *Registry) deliver(s *session, cycle uint64, tracked bool, payload []byte) error {
	if !s.State.Live() {
		return domain.ErrSessionClosed
	}
	if tracked && s.delivered && cycle <= s.lastCycle {
		r.metrics.DuplicateFrames.Inc()
		return ErrDuplicateCycle
	}

	if err := s.writer.enqueue(payload); err != nil {
		r.metrics.SendFailures.Inc()
		r.markStale(s, err)
		return err
	}

	if tracked {
		s.lastCycle = cycle
		s.delivered = true
	}
	return nil
}

func (r *Registry) markStale(s *session, cause error) {
	s.AtRisk = true
	if s.State != domain.SessionConnected {
		return
	}
	s.State = domain.SessionStale
	slog.Warn("Device session marked stale", "session_id", s.ID.String(), "device_mac", s.DeviceMAC, "error", cause)
	r.emit(s, ReasonSendFailed, true)
}

func (r *Registry) handleSweep() {
	now := r.clock.Now()
	for _, s := range r.sessions {
		// a session nobody claimed within the grace window is dropped even if
		// the device keeps sending heartbeats
		if s.UserID == nil {
			if now.Sub(s.ConnectedAt) >= r.cfg.IdentifyGrace {
				slog.Info("Closing unclaimed device session", "session_id", s.ID.String(), "device_mac", s.DeviceMAC)
				r.remove(s, ReasonIdentifyTimeout, true)
				continue
			}
			if s.State == domain.SessionConnecting {
				continue
			}
		}

		next, changed := r.cfg.Liveness.Next(s.DeviceSession, now)
		if !changed {
			continue
		}
		switch next {
		case domain.SessionStale:
			s.State = domain.SessionStale
			s.AtRisk = true
			slog.Info("Device missed heartbeats", "session_id", s.ID.String(), "device_mac", s.DeviceMAC)
			r.emit(s, ReasonMissedHeartbeat, true)
		case domain.SessionDisconnected:
			slog.Info("Device heartbeat expired", "session_id", s.ID.String(), "device_mac", s.DeviceMAC)
			r.remove(s, ReasonExpired, true)
		}
	}
	r.updateGauges()
}

// remove transitions s to Disconnected and drops it from the table. Because
// the session leaves the table, its offline event is emitted exactly once.
// Replaced sessions emit nothing: the device itself is still online.
func (r *Registry) remove(s *session, reason string, emitOffline bool) {
	wasLive := s.State.Live()
	s.State = domain.SessionDisconnected
	delete(r.sessions, s.ID)
	if r.byMAC[s.DeviceMAC] == s.ID {
		delete(r.byMAC, s.DeviceMAC)
	}

	if reason == ReasonClosed {
		go s.writer.stop()
	} else {
		go s.writer.stopGraceful(reason)
	}

	r.metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	if emitOffline && wasLive {
		r.emit(s, reason, false)
	}
	slog.Debug("Device session closed", "session_id", s.ID.String(), "reason", reason, "remaining_sessions", len(r.sessions))
}

func (r *Registry) liveSessions(userID domain.UserID) []domain.DeviceSession {
	byDevice := make(map[string]domain.DeviceSession)
	for _, s := range r.sessions {
		if !s.State.Live() || !s.ownedBy(userID) {
			continue
		}
		if prev, ok := byDevice[s.DeviceMAC]; ok && prev.LastHeartbeatAt.After(s.LastHeartbeatAt) {
			continue
		}
		byDevice[s.DeviceMAC] = s.view()
	}

	out := make([]domain.DeviceSession, 0, len(byDevice))
	for _, v := range byDevice {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b domain.DeviceSession) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.DeviceMAC, b.DeviceMAC)
	})
	return out
}

func (r *Registry) handleStop(grace time.Duration) {
	slog.Info("Device registry shutting down", "sessions", len(r.sessions))
	r.closeAll(ReasonShutdown, grace)
	slog.Info("Device registry shutdown complete")
}

// closeAll drains every writer in parallel for up to grace, then force-closes
// whatever is left.
func (r *Registry) closeAll(reason string, grace time.Duration) {
	writers := make([]*sessionWriter, 0, len(r.sessions))
	for _, s := range r.sessions {
		writers = append(writers, s.writer)
		wasLive := s.State.Live()
		s.State = domain.SessionDisconnected
		r.metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
		if wasLive {
			r.emit(s, reason, false)
		}
	}
	clear(r.sessions)
	clear(r.byMAC)
	r.updateGauges()

	var wg sync.WaitGroup
	for _, w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.stopGraceful(reason)
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	timer := r.clock.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-finished:
	case <-timer.Chan():
		slog.Warn("Shutdown grace period exceeded, force-closing device connections", "grace", grace)
		for _, w := range writers {
			_ = w.connection.Close()
		}
	}
}

// emit queues a connection event for the UI layer. Sessions without a user
// have no UI channel and are skipped.
func (r *Registry) emit(s *session, reason string, online bool) {
	if r.events == nil || s.UserID == nil {
		return
	}
	ev := domain.ConnectionEvent{
		SessionID: s.ID,
		UserID:    *s.UserID,
		DeviceMAC: s.DeviceMAC,
		State:     s.State,
		Online:    online,
		Reason:    reason,
		At:        r.clock.Now(),
	}
	select {
	case r.eventCh <- ev:
	default:
		slog.Warn("Dropping connection event, queue full", "session_id", s.ID.String(), "state", s.State.String())
	}
}

func (r *Registry) publishLoop() {
	for ev := range r.eventCh {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := r.events.PublishConnectionEvent(ctx, ev); err != nil {
			slog.Warn("Failed to publish connection event", "session_id", ev.SessionID.String(), "error", err)
		}
		cancel()
	}
}

func (r *Registry) updateGauges() {
	var connecting, connected, stale int
	for _, s := range r.sessions {
		switch s.State {
		case domain.SessionConnecting:
			connecting++
		case domain.SessionConnected:
			connected++
		case domain.SessionStale:
			stale++
		}
	}
	r.metrics.Sessions.WithLabelValues(domain.SessionConnecting.String()).Set(float64(connecting))
	r.metrics.Sessions.WithLabelValues(domain.SessionConnected.String()).Set(float64(connected))
	r.metrics.Sessions.WithLabelValues(domain.SessionStale.String()).Set(float64(stale))
}

func userAttr(id *domain.UserID) any {
	if id == nil {
		return nil
	}
	return int64(*id)
}
