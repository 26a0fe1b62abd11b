// Package hub dispatches inbound named events to the registry, router and
// relay, and owns the background sweep and cross-node listener.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/islandhouse2000/islandHouse/internal/janitor"
	"github.com/islandhouse2000/islandHouse/internal/registry"
	"github.com/islandhouse2000/islandHouse/internal/relay"
	"github.com/islandhouse2000/islandHouse/internal/router"
	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// Listener is implemented by registries that receive deliveries from other
// nodes.
type Listener interface {
	Listen(ctx context.Context) error
}

// Options wires a Hub.
type Options struct {
	Registry      registry.Registry
	Router        *router.Router
	Relay         *relay.Relay
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Hub implements websocket.Dispatcher. Events of one connection are handled
// in arrival order on that connection's read goroutine.
type Hub struct {
	registry registry.Registry
	router   *router.Router
	relay    *relay.Relay
	janitor  *janitor.Janitor
	logger   *slog.Logger

	running bool
	cancel  context.CancelFunc
	mu      sync.RWMutex
}

// NewHub creates a hub. It does nothing until Start.
func NewHub(opts Options) (*Hub, error) {
	if opts.Registry == nil || opts.Router == nil || opts.Relay == nil {
		return nil, ErrMissingComponent
	}

	h := &Hub{
		registry: opts.Registry,
		router:   opts.Router,
		relay:    opts.Relay,
		logger:   logging.OrDefault(opts.Logger),
	}

	j, err := janitor.New(opts.SweepInterval, h.sweep, h.logger)
	if err != nil {
		return nil, err
	}
	h.janitor = j

	return h, nil
}

// Start launches the periodic sweep and, for shared registries, the bus
// listener.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)

	if listener, ok := h.registry.(Listener); ok {
		if err := listener.Listen(ctx); err != nil {
			cancel()
			return err
		}
	}

	if err := h.janitor.Start(ctx); err != nil {
		cancel()
		return err
	}

	h.cancel = cancel
	h.running = true
	h.logger.Info("hub started")
	return nil
}

// Stop ends background work. A final sweep runs before returning.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	if err := h.janitor.Stop(); err != nil && !errors.Is(err, janitor.ErrNotRunning) {
		h.logger.Warn("janitor stop failed", logging.Err(err))
	}
	h.cancel()

	h.janitor.RunOnce(context.Background())
	h.logger.Info("hub stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Stats reports registry totals.
func (h *Hub) Stats(ctx context.Context) (registry.Stats, error) {
	return h.registry.Stats(ctx)
}

// Sweep runs one serialized sweep now.
func (h *Hub) Sweep(ctx context.Context) (ran bool, removed int) {
	return h.janitor.RunOnce(ctx)
}

func (h *Hub) sweep(ctx context.Context) (int, error) {
	if n := h.router.RateLimiter().Cleanup(); n > 0 {
		h.logger.Debug("rate limiter cleanup", slog.Int("removed", n))
	}
	return h.registry.Sweep(ctx)
}

// Dispatch handles one inbound envelope. Unknown events are ignored.
func (h *Hub) Dispatch(ctx context.Context, conn interfaces.Connection, env types.Envelope) {
	if !h.IsRunning() {
		h.logger.Warn("dropping event, hub not running", logging.Conn(conn.ID()), logging.Event(env.Event))
		return
	}

	switch env.Event {
	case types.EventRegister:
		h.handleRegister(ctx, conn, env.Data)

	case types.EventUserRegister, types.EventUserVerify:
		h.handleRouted(conn, env.Event, func() types.Ack {
			var msg types.UserMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				return types.Fail(types.ReasonInvalidPayload)
			}
			return h.router.RouteToAdmin(ctx, conn.ID(), msg.Message)
		})

	case types.EventAdminRegister, types.EventAdminLoginID, types.EventAdminPasswordCode:
		h.handleRouted(conn, env.Event, func() types.Ack {
			var msg types.AdminMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				return types.Fail(types.ReasonInvalidPayload)
			}
			return h.router.RouteToUser(ctx, conn.ID(), msg.ReceiveUserID, msg.Message)
		})

	default:
		if event, ok := types.LookupRequestEvent(env.Event); ok {
			h.relay.Handle(ctx, conn, event, env.Data)
			return
		}
		h.logger.Debug("ignoring unknown event", logging.Conn(conn.ID()), logging.Event(env.Event))
	}
}

func (h *Hub) handleRegister(ctx context.Context, conn interfaces.Connection, data json.RawMessage) {
	logger := logging.FromContextOr(ctx, h.logger.With(logging.Conn(conn.ID())))

	var payload types.RegisterPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Warn("malformed register payload", logging.Err(err))
		h.sendRegisterError(conn, types.ReasonInvalidPayload)
		return
	}

	if err := payload.Validate(); err != nil {
		logger.Warn("register rejected", logging.User(payload.UserID), logging.Err(err))
		h.sendRegisterError(conn, err.Error())
		return
	}

	if err := h.registry.Register(ctx, conn, payload.UserID, payload.Role); err != nil {
		logger.Error("register failed", logging.User(payload.UserID), logging.Err(err))
		h.sendRegisterError(conn, types.ReasonInternal)
		return
	}

	logger.Info("user registered", logging.User(payload.UserID), logging.Role(string(payload.Role)))
}

func (h *Hub) sendRegisterError(conn interfaces.Connection, reason string) {
	if err := conn.Send(types.EventRegisterError, types.Fail(reason)); err != nil {
		h.logger.Debug("failed to send registerError", logging.Conn(conn.ID()), logging.Err(err))
	}
}

// handleRouted always answers the sender on messageSent.
func (h *Hub) handleRouted(conn interfaces.Connection, event string, route func() types.Ack) {
	ack := types.Fail(types.ReasonInternal)

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("routing panicked", logging.Conn(conn.ID()), logging.Event(event), slog.Any("panic", p))
			ack = types.Fail(types.ReasonInternal)
		}
		if err := conn.Send(types.EventMessageSent, ack); err != nil {
			h.logger.Debug("failed to send messageSent", logging.Conn(conn.ID()), logging.Err(err))
		}
	}()

	ack = route()
	if !ack.Success {
		h.logger.Info("message not routed", logging.Conn(conn.ID()), logging.Event(event), slog.String("reason", ack.Error))
	}
}

// Disconnect unregisters conn and schedules an opportunistic sweep on the
// janitor.
func (h *Hub) Disconnect(ctx context.Context, conn interfaces.Connection) {
	if err := h.registry.Unregister(ctx, conn); err != nil {
		h.logger.Error("unregister failed", logging.Conn(conn.ID()), logging.Err(err))
	}
	h.router.RateLimiter().Forget(conn.ID())

	if h.IsRunning() {
		h.janitor.Trigger()
	}
}
