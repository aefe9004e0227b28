// Package session manages one outbound serial connection to a remote device
// and the messages sent over it.
//
// A Session moves Idle → Connecting → Ready ⇄ Transferring and ends in
// Disconnected, which is terminal. Connect and Send return once the request
// is accepted; their outcome arrives later on Events. At most one transfer is
// in flight, and there is no queue: a Send during a transfer is refused.
//
// Every failure lands the session in Disconnected with a reason code from
// bterr. Nothing is retried; build a new Session to try again.
package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"bluetooth-serial/internal/bterr"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/radio"
	"bluetooth-serial/internal/transport"
)

// State is the lifecycle state of a Session.
type State int

const (
	Idle State = iota
	Connecting
	Ready
	Transferring
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Transferring:
		return "transferring"
	case Disconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// RadioState is the read side of radio.Controller.
type RadioState interface {
	CurrentState() radio.State
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// connection is the established stream, owned by exactly one Session.
type connection struct {
	stream transport.Conn
	alive  bool
}

func (c *connection) release() error {
	if !c.alive {
		return nil
	}
	c.alive = false
	return c.stream.Close()
}

// Session is one connection attempt and the transfers made over it.
type Session struct {
	radio  RadioState
	dialer transport.Dialer
	log    *zap.Logger

	mu     sync.Mutex
	state  State
	reason error
	peer   connmgr.Device
	conn   *connection
	cancel context.CancelFunc
	seq    uint64

	workers sync.WaitGroup
	events  *notifier
}

// New returns an Idle session. The session must eventually reach Disconnected,
// by failure or by Disconnect, to release its notification goroutine.
func New(r RadioState, d transport.Dialer, opts ...Option) *Session {
	s := &Session{
		radio:  r,
		dialer: d,
		log:    zap.NewNop(),
		state:  Idle,
		events: newNotifier(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Events delivers state transitions in the order they happened. It is closed
// after the Disconnected event once no background operation remains. The
// consumer must keep draining it.
func (s *Session) Events() <-chan Event {
	return s.events.out
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session is Disconnected, or nil before that.
func (s *Session) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Peer returns the device passed to Connect.
func (s *Session) Peer() connmgr.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Connect starts the handshake with peer. The radio must be Enabled. On
// success the session is Connecting when Connect returns, and exactly one of
// Ready or Disconnected(ConnectFailed) follows on Events. ctx bounds the
// handshake only.
func (s *Session) Connect(ctx context.Context, peer connmgr.Device) error {
	if peer.IsZero() {
		return bterr.New("session.connect", bterr.ErrInvalidPeer, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return bterr.New("session.connect", bterr.ErrInvalidState, nil)
	}
	if st := s.radio.CurrentState(); st != radio.Enabled {
		s.log.Info("session: connect refused, radio off", zap.Stringer("radio", st))
		return bterr.New("session.connect", bterr.ErrRadioOff, nil)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.peer = peer
	s.transitionLocked(Event{To: Connecting})

	s.workers.Add(1)
	go s.handshake(dialCtx, cancel, peer)
	return nil
}

func (s *Session) handshake(ctx context.Context, cancel context.CancelFunc, peer connmgr.Device) {
	defer s.workers.Done()
	defer cancel()

	stream, err := s.dialer.Dial(ctx, peer)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
	if s.state != Connecting {
		// Disconnected while dialing; nobody owns a late stream.
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("session: connect failed", zap.String("peer", peer.String()), zap.Error(err))
		s.finishLocked(bterr.ErrConnectFailed, bterr.New("session.connect", bterr.ErrConnectFailed, err))
		return
	}
	if stream == nil {
		s.log.Warn("session: dialer returned no stream", zap.String("peer", peer.String()))
		s.finishLocked(bterr.ErrConnectFailed, bterr.New("session.connect", bterr.ErrConnectFailed, errNilStream))
		return
	}
	s.conn = &connection{stream: stream, alive: true}
	s.log.Info("session: connected", zap.String("peer", peer.String()))
	s.transitionLocked(Event{To: Ready})
}

// SendString sends the UTF-8 bytes of msg. See Send.
func (s *Session) SendString(msg string) error {
	return s.Send([]byte(msg))
}

// Send writes msg, unframed, as one transfer. Blank or non UTF-8 messages are
// refused before anything else is checked. The session must be Ready; a
// transfer already in flight yields ErrAlreadyTransferring. On acceptance the
// session is Transferring and Ready or Disconnected(TransferFailed) follows.
func (s *Session) Send(msg []byte) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Ready:
	case Transferring:
		return bterr.New("session.send", bterr.ErrAlreadyTransferring, nil)
	default:
		return bterr.New("session.send", bterr.ErrNotReady, nil)
	}

	payload := append([]byte(nil), msg...)
	s.transitionLocked(Event{To: Transferring, Bytes: len(payload)})

	s.workers.Add(1)
	go s.transfer(s.conn.stream, payload)
	return nil
}

func (s *Session) transfer(stream transport.Conn, payload []byte) {
	defer s.workers.Done()

	n, err := writeFull(stream, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Transferring {
		// Disconnect closed the stream under us and already reported it.
		return
	}
	if err != nil {
		s.log.Warn("session: transfer failed", zap.Int("written", n), zap.Int("size", len(payload)), zap.Error(err))
		if cerr := s.conn.release(); cerr != nil {
			s.log.Debug("session: close after failed transfer", zap.Error(cerr))
		}
		s.finishLocked(bterr.ErrTransferFailed, bterr.New("session.send", bterr.ErrTransferFailed, err))
		return
	}
	s.log.Debug("session: transfer complete", zap.Int("bytes", n))
	s.transitionLocked(Event{To: Ready, Bytes: n})
}

// Disconnect closes the stream and moves the session to
// Disconnected(UserRequested). An in-flight handshake is aborted and an
// in-flight write fails; neither reports anything further. Calling it on a
// Disconnected session does nothing.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var err error
	if s.conn != nil {
		err = s.conn.release()
	}
	s.log.Info("session: disconnected by user", zap.Stringer("from", s.state))
	s.finishLocked(bterr.ErrUserRequested, nil)
	return err
}

// transitionLocked moves to e.To and queues e. Queuing under s.mu keeps
// Events in transition order.
func (s *Session) transitionLocked(e Event) {
	s.seq++
	e.Seq = s.seq
	e.From = s.state
	e.Time = time.Now()
	s.state = e.To
	s.log.Debug("session: transition", zap.Stringer("from", e.From), zap.Stringer("to", e.To))
	s.events.push(e)
}

func (s *Session) finishLocked(reason, cause error) {
	s.reason = reason
	s.transitionLocked(Event{To: Disconnected, Reason: reason, Err: cause})
	go func() {
		s.workers.Wait()
		s.events.close()
	}()
}

func validateMessage(msg []byte) error {
	if len(strings.TrimSpace(string(msg))) == 0 {
		return bterr.New("session.send", bterr.ErrInvalidMessage, nil)
	}
	if !utf8.Valid(msg) {
		return bterr.New("session.send", bterr.ErrInvalidMessage, errInvalidUTF8)
	}
	return nil
}

// writeFull issues one Write for the whole payload and insists it was taken
// completely.
func writeFull(w io.Writer, p []byte) (int, error) {
	n, err := w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}
