// Package realtime owns the single broker session of a client instance and
// multiplexes its four logical subscriptions onto caller-supplied handlers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/status"
	"github.com/matheus3301/duochat/internal/transport"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is the fixed backoff between reconnection attempts.
const DefaultReconnectDelay = 5 * time.Second

var (
	// ErrNotConnected is returned when publishing without a live connection.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrInvalidCredentials is returned by Connect for an empty token or user id.
	ErrInvalidCredentials = errors.New("realtime: invalid credentials")

	errConnectionLost = errors.New("connection lost")
)

// Handlers receive decoded pushes. They all run on the session's event loop
// goroutine, one at a time, and must not call Connect or Disconnect.
type Handlers struct {
	OnPrivate func(domain.Message)
	OnPublic  func(domain.Message)
	OnTyping  func(domain.TypingSignal)
	OnDelete  func(domain.DeleteNotice)
}

// Manager enforces at most one active broker session.
type Manager struct {
	dialer  transport.Dialer
	machine *status.Machine
	clock   clock.Clock
	delay   time.Duration
	logger  *zap.Logger

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu     sync.RWMutex
	active *session
}

// NewManager creates a session manager. A zero delay selects
// DefaultReconnectDelay; a nil clock selects the wall clock.
func NewManager(d transport.Dialer, m *status.Machine, clk clock.Clock, delay time.Duration, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = status.NewMachine(nil)
	}
	return &Manager{
		dialer:  d,
		machine: m,
		clock:   clk,
		delay:   delay,
		logger:  logger,
	}
}

type session struct {
	creds    transport.Credentials
	handlers Handlers
	cancel   context.CancelFunc
	done     chan struct{}

	mu   sync.RWMutex
	conn transport.Conn
}

func (s *session) setConn(c transport.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *session) currentConn() transport.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Connect tears down any active session, waiting until its handlers can no
// longer fire, and starts a new one for creds. It returns without waiting
// for the broker; use AwaitConnected before publishing.
func (m *Manager) Connect(creds transport.Credentials, h Handlers) error {
	if creds.Token == "" || creds.UserID <= 0 {
		return ErrInvalidCredentials
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.teardown()

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		creds:    creds,
		handlers: h,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.active = s
	m.mu.Unlock()

	go m.run(ctx, s)
	return nil
}

// Disconnect tears down the active session. Calling it without one is a no-op.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.teardown()
}

// teardown must be called with lifecycle held.
func (m *Manager) teardown() {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
	m.logger.Info("session torn down", zap.Int64("user_id", int64(s.creds.UserID)))
}

// AwaitConnected blocks until the active session is connected.
func (m *Manager) AwaitConnected(ctx context.Context) error {
	m.mu.RLock()
	s := m.active
	m.mu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}
	select {
	case <-m.machine.ConnectedCh():
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends body to destination on the live connection.
func (m *Manager) Publish(destination string, body []byte) error {
	m.mu.RLock()
	s := m.active
	m.mu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Publish(destination, body)
}

// State returns the connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// UserID returns the user of the active session, or zero.
func (m *Manager) UserID() domain.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return 0
	}
	return m.active.creds.UserID
}

func (m *Manager) run(ctx context.Context, s *session) {
	defer close(s.done)
	logger := m.logger.With(zap.Int64("user_id", int64(s.creds.UserID)))

	for {
		m.transition(status.Connecting)
		conn, err := m.dialer.Dial(ctx, s.creds)
		if err == nil {
			err = m.serve(ctx, s, conn)
		}
		if ctx.Err() != nil {
			m.transition(status.Disconnected)
			return
		}

		logger.Warn("broker session interrupted", zap.Error(err), zap.Duration("retry_in", m.delay))
		m.transition(status.Reconnecting)
		select {
		case <-m.clock.After(m.delay):
		case <-ctx.Done():
			m.transition(status.Disconnected)
			return
		}
	}
}

type binding struct {
	destination string
	dispatch    func([]byte) error
}

func (m *Manager) bindings(s *session) []binding {
	h := s.handlers
	return []binding{
		{transport.PrivateQueue(s.creds.UserID), func(body []byte) error {
			msg, err := domain.DecodeMessage(body)
			if err == nil && h.OnPrivate != nil {
				h.OnPrivate(msg)
			}
			return err
		}},
		{transport.TopicChat, func(body []byte) error {
			msg, err := domain.DecodeMessage(body)
			if err == nil && h.OnPublic != nil {
				h.OnPublic(msg)
			}
			return err
		}},
		{transport.TypingQueue(s.creds.UserID), func(body []byte) error {
			sig, err := domain.DecodeTyping(body)
			if err == nil && h.OnTyping != nil {
				h.OnTyping(sig)
			}
			return err
		}},
		{transport.TopicDelete, func(body []byte) error {
			n, err := domain.DecodeDelete(body)
			if err == nil && h.OnDelete != nil {
				h.OnDelete(n)
			}
			return err
		}},
	}
}

// serve subscribes all bindings on conn and pumps frames into the handlers
// until the connection drops or ctx is cancelled. It always closes conn.
func (m *Manager) serve(ctx context.Context, s *session, conn transport.Conn) error {
	binds := m.bindings(s)
	chans := make([]<-chan transport.Frame, len(binds))
	var unsubs []func()

	defer func() {
		s.setConn(nil)
		for _, unsub := range unsubs {
			unsub()
		}
		if err := conn.Close(); err != nil {
			m.logger.Debug("close connection", zap.Error(err))
		}
	}()

	for i, b := range binds {
		ch, unsub, err := conn.Subscribe(b.destination)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", b.destination, err)
		}
		chans[i] = ch
		unsubs = append(unsubs, unsub)
	}

	s.setConn(conn)
	m.transition(status.Connected)

	for {
		var (
			f  transport.Frame
			ok bool
			b  binding
		)
		select {
		case f, ok = <-chans[0]:
			b = binds[0]
		case f, ok = <-chans[1]:
			b = binds[1]
		case f, ok = <-chans[2]:
			b = binds[2]
		case f, ok = <-chans[3]:
			b = binds[3]
		case <-conn.Done():
			return errConnectionLost
		case <-ctx.Done():
			return nil
		}
		if !ok {
			return errConnectionLost
		}
		// A push already queued when teardown began must not reach the
		// handlers of a replaced session.
		if ctx.Err() != nil {
			return nil
		}
		if err := b.dispatch(f.Body); err != nil {
			m.logger.Warn("dropping undecodable frame", zap.String("destination", b.destination), zap.Error(err))
		}
	}
}

func (m *Manager) transition(to status.State) {
	if m.machine.Current() == to {
		return
	}
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition skipped", zap.Error(err))
	}
}
