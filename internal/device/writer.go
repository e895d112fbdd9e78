package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/domain"
)

const (
	pingInterval      = 30 * time.Second
	messageBufferSize = 16
)

var errQueueFull = errors.New("send queue full")

// SessionIOError is a write failure on one session. It never escapes the
// registry's callers as anything but a per-session result.
type SessionIOError struct {
	SessionID uuid.UUID
	Err       error
}

func (e *SessionIOError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e *SessionIOError) Unwrap() error { return e.Err }

// sessionWriter serializes all writes to one connection.
type sessionWriter struct {
	id          uuid.UUID
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendTimeout time.Duration
	onFailure   func(err error)

	sendChannel chan []byte
	doneChannel chan struct{}
	drain       chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newSessionWriter(id uuid.UUID, connection *websocket.Conn, clock clockwork.Clock, sendTimeout time.Duration, onFailure func(error)) *sessionWriter {
	sw := &sessionWriter{
		id:          id,
		connection:  connection,
		clock:       clock,
		sendTimeout: sendTimeout,
		onFailure:   onFailure,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
		drain:       make(chan struct{}),
	}
	sw.wg.Add(1)
	go sw.run()
	return sw
}

// enqueue hands a frame to the writer without blocking the caller.
func (sw *sessionWriter) enqueue(data []byte) error {
	select {
	case <-sw.doneChannel:
		return &SessionIOError{SessionID: sw.id, Err: domain.ErrSessionClosed}
	default:
	}

	select {
	case sw.sendChannel <- data:
		return nil
	default:
		return &SessionIOError{SessionID: sw.id, Err: errQueueFull}
	}
}

func (sw *sessionWriter) run() {
	ticker := sw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer sw.wg.Done()

	for {
		select {
		case msg := <-sw.sendChannel:
			sw.write(websocket.TextMessage, msg)
		case <-ticker.Chan():
			sw.write(websocket.PingMessage, nil)
		case <-sw.drain:
			sw.flush()
			return
		case <-sw.doneChannel:
			return
		}
	}
}

// flush writes whatever is still buffered; each write is bounded by the send timeout.
func (sw *sessionWriter) flush() {
	for {
		select {
		case msg := <-sw.sendChannel:
			if err := sw.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (sw *sessionWriter) write(messageType int, data []byte) error {
	_ = sw.connection.SetWriteDeadline(sw.deadline())
	if err := sw.connection.WriteMessage(messageType, data); err != nil {
		ioErr := &SessionIOError{SessionID: sw.id, Err: err}
		if sw.onFailure != nil {
			sw.onFailure(ioErr)
		}
		return ioErr
	}
	return nil
}

// deadline is compared against the wall clock by the network stack, so it
// cannot come from an injected clock.
func (sw *sessionWriter) deadline() time.Time {
	return time.Now().Add(sw.sendTimeout)
}

// stop closes the connection immediately, discarding buffered frames.
func (sw *sessionWriter) stop() {
	sw.stopOnce.Do(func() {
		close(sw.doneChannel)
		_ = sw.connection.Close()
	})
	sw.wg.Wait()
}

// stopGraceful flushes buffered frames, then sends a close frame with reason.
func (sw *sessionWriter) stopGraceful(reason string) {
	sw.stopOnce.Do(func() {
		// Let the run goroutine flush and exit before writing the close frame;
		// gorilla connections allow a single concurrent writer.
		close(sw.drain)
		sw.wg.Wait()
		close(sw.doneChannel)

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = sw.connection.SetWriteDeadline(sw.deadline())
		_ = sw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = sw.connection.Close()
	})
	sw.wg.Wait()
}
