// Package client is a Go connection manager for the relay. It keeps one
// WebSocket open, reconnects under a bounded Policy, downgrades the
// transport when a richer mode cannot be dialed, and re-registers the last
// identity after every reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected or connecting")
	ErrReconnectFailed  = errors.New("reconnect attempts exhausted")
	ErrDisconnected     = errors.New("client was disconnected")
)

// Handler receives the data of one named message.
type Handler func(data json.RawMessage)

// Config configures a Manager.
type Config struct {
	// URL is the relay endpoint, e.g. ws://localhost:3000/ws.
	URL          string
	Policy       Policy
	DialTimeout  time.Duration // default 20s
	WriteTimeout time.Duration // default 10s
	Header       http.Header
	// OnStateChange is called after every transition, outside any lock.
	OnStateChange func(State)
	Logger        *slog.Logger
}

// Manager owns one logical client session. Create it with New and pass it
// to whatever needs to talk to the relay.
type Manager struct {
	url          string
	policy       Policy
	dialTimeout  time.Duration
	writeTimeout time.Duration
	header       http.Header
	onState      func(State)
	logger       *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	mu     sync.Mutex
	state  State
	modes  []TransportMode
	link   *link
	sess   context.Context
	cancel context.CancelFunc
	userID string
	role   types.Role

	wg sync.WaitGroup
}

// link is one dialed WebSocket. gorilla allows a single concurrent writer.
type link struct {
	ws           *websocket.Conn
	mode         TransportMode
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (l *link) send(env types.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.ws.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		return err
	}
	return l.ws.WriteJSON(env)
}

func (l *link) close() {
	l.writeMu.Lock()
	_ = l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	_ = l.ws.Close()
}

// New validates cfg and returns a disconnected manager.
func New(cfg Config) (*Manager, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay URL must use ws or wss, got %q", cfg.URL)
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	policy := cfg.Policy.normalized()

	return &Manager{
		url:          cfg.URL,
		policy:       policy,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		header:       cfg.Header,
		onState:      cfg.OnStateChange,
		logger:       logging.OrDefault(cfg.Logger).With(slog.String("component", "client")),
		handlers:     make(map[string][]Handler),
		state:        StateDisconnected,
		modes:        policy.Modes,
	}, nil
}

// On subscribes fn to a named message. Handlers run on the read goroutine
// in arrival order.
func (m *Manager) On(event string, fn Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[event] = append(m.handlers[event], fn)
}

// Emit sends one named message. It fails while not connected; nothing is
// buffered.
func (m *Manager) Emit(event string, payload interface{}) error {
	if event == "" {
		return errors.New("event name cannot be empty")
	}

	m.mu.Lock()
	l, state := m.link, m.state
	m.mu.Unlock()

	if l == nil || state != StateConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return l.send(types.Envelope{Event: event, Data: data})
}

// Register binds this client to userID and role. The identity is kept and
// re-sent after every reconnect. It is sent now when connected.
func (m *Manager) Register(userID string, role types.Role) error {
	payload := types.RegisterPayload{UserID: userID, Role: role}
	if err := payload.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.userID, m.role = userID, role
	l, state := m.link, m.state
	m.mu.Unlock()

	if l == nil || state != StateConnected {
		return nil
	}
	return m.sendRegister(l, payload)
}

func (m *Manager) sendRegister(l *link, payload types.RegisterPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return l.send(types.Envelope{Event: types.EventRegister, Data: data})
}

// Connect dials the relay. It blocks until connected, until the attempt
// budget is spent (ErrReconnectFailed) or until ctx is done. It is allowed
// from Disconnected and Failed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}

	if m.cancel != nil {
		m.cancel()
	}
	sess, cancel := context.WithCancel(context.Background())
	m.sess, m.cancel = sess, cancel
	m.state = StateConnecting
	m.mu.Unlock()
	m.notify(StateConnecting)

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	stop := context.AfterFunc(sess, cancelDial)
	defer stop()

	ws, mode, err := m.dial(dialCtx)
	if err == nil {
		if !m.attach(sess, ws, mode) {
			return ErrDisconnected
		}
		return nil
	}
	m.logger.Warn("connect failed", logging.Err(err))

	err = m.reconnect(dialCtx, sess, err)
	if err != nil && ctx.Err() != nil && sess.Err() == nil {
		m.abandon(sess)
	}
	return err
}

// abandon drops a session whose caller gave up during Connect.
func (m *Manager) abandon(sess context.Context) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.sess, m.cancel = nil, nil
	m.state = StateDisconnected
	m.mu.Unlock()

	cancel()
	m.notify(StateDisconnected)
}

// Disconnect closes the connection and stops recovery. It must not be
// called from a Handler.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	cancel, l, prev := m.cancel, m.link, m.state
	m.sess, m.cancel, m.link = nil, nil, nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if l != nil {
		l.close()
	}
	m.wg.Wait()

	if prev != StateDisconnected {
		m.notify(StateDisconnected)
	}
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Modes returns the transport modes still allowed.
func (m *Manager) Modes() []TransportMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.modes)
}

// dial tries each allowed mode, richest first. A failed mode that is not
// the last one left is dropped for good.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, TransportMode, error) {
	var lastErr error

	for _, mode := range m.Modes() {
		dialer := websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  m.dialTimeout,
			EnableCompression: mode == ModeCompressed,
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		ws, resp, err := dialer.DialContext(dialCtx, m.url, m.header)
		cancel()
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			return ws, mode, nil
		}

		lastErr = err
		if ctx.Err() != nil || !handshakeRejected(resp, err) {
			break
		}
		m.downgrade(mode, err)
	}

	return nil, 0, lastErr
}

// handshakeRejected reports whether the server answered the upgrade and
// refused it, as opposed to not being reachable at all.
func handshakeRejected(resp *http.Response, err error) bool {
	return resp != nil || errors.Is(err, websocket.ErrBadHandshake)
}

func (m *Manager) downgrade(failed TransportMode, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.modes) <= 1 {
		return
	}
	i := slices.Index(m.modes, failed)
	if i < 0 {
		return
	}
	m.modes = slices.Delete(m.modes, i, i+1)
	m.logger.Info("transport downgraded",
		slog.String("dropped", failed.String()),
		slog.String("next", m.modes[0].String()),
		logging.Err(cause))
}

// attach makes ws the live link of sess, re-registers, and starts reading.
func (m *Manager) attach(sess context.Context, ws *websocket.Conn, mode TransportMode) bool {
	l := &link{ws: ws, mode: mode, writeTimeout: m.writeTimeout}

	m.mu.Lock()
	if m.sess != sess || sess.Err() != nil {
		m.mu.Unlock()
		_ = ws.Close()
		return false
	}
	m.link = l
	m.state = StateConnected
	userID, role := m.userID, m.role
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("connected", slog.String("transport", mode.String()))
	m.notify(StateConnected)

	if userID != "" {
		if err := m.sendRegister(l, types.RegisterPayload{UserID: userID, Role: role}); err != nil {
			m.logger.Warn("re-register failed", logging.User(userID), logging.Err(err))
		}
	}

	go m.readLoop(sess, l)
	return true
}

func (m *Manager) readLoop(sess context.Context, l *link) {
	defer m.wg.Done()

	var readErr error
	for {
		_, message, err := l.ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var env types.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			m.logger.Debug("dropping malformed frame")
			continue
		}
		m.dispatch(env)
	}
	_ = l.ws.Close()

	m.mu.Lock()
	active := m.sess == sess && sess.Err() == nil && m.link == l
	if active {
		m.link = nil
	}
	m.mu.Unlock()

	if !active {
		return
	}

	m.logger.Warn("connection lost", logging.Err(readErr))
	if err := m.reconnect(sess, sess, readErr); err != nil {
		m.logger.Debug("recovery ended", logging.Err(err))
	}
}

func (m *Manager) dispatch(env types.Envelope) {
	m.handlersMu.RLock()
	handlers := slices.Clone(m.handlers[env.Event])
	m.handlersMu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.logger.Error("handler panicked", logging.Event(env.Event), slog.Any("panic", p))
				}
			}()
			fn(env.Data)
		}()
	}
}

// reconnect runs the bounded reconnect loop for sess. ctx bounds waiting and
// dialing; sess ending means Disconnect or a newer Connect took over.
func (m *Manager) reconnect(ctx, sess context.Context, lastErr error) error {
	if !m.transition(sess, StateReconnecting) {
		return ErrDisconnected
	}

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		delay := m.policy.Delay(attempt)
		m.logger.Info("reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		ws, mode, err := m.dial(ctx)
		if err == nil {
			if !m.attach(sess, ws, mode) {
				return ErrDisconnected
			}
			return nil
		}
		lastErr = err
		m.logger.Warn("reconnect attempt failed", slog.Int("attempt", attempt), logging.Err(err))
	}

	m.transition(sess, StateFailed)
	m.logger.Error("giving up", slog.Int("attempts", m.policy.MaxAttempts), logging.Err(lastErr))
	return fmt.Errorf("%w: %v", ErrReconnectFailed, lastErr)
}

// transition sets the state only if sess is still the current session.
func (m *Manager) transition(sess context.Context, to State) bool {
	m.mu.Lock()
	if m.sess != sess || sess.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.notify(to)
	return true
}

func (m *Manager) notify(s State) {
	if m.onState != nil {
		m.onState(s)
	}
}
