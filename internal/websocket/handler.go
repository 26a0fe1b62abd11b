package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// Dispatcher receives every inbound envelope and the disconnect notification
// of each accepted connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn interfaces.Connection, env types.Envelope)
	Disconnect(ctx context.Context, conn interfaces.Connection)
}

// HandlerOptions tunes the heartbeat and buffering of accepted connections.
// Zero values select the defaults.
type HandlerOptions struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	ReadLimit    int64
	Logger       *slog.Logger
}

func (o HandlerOptions) withDefaults() HandlerOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 512 * 1024
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}

// Handler upgrades HTTP requests and pumps envelopes to a Dispatcher.
type Handler struct {
	dispatcher Dispatcher
	opts       HandlerOptions
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHandler creates a websocket handler. The origin check is permissive;
// clients are identified by the register event, not by origin.
func NewHandler(dispatcher Dispatcher, opts HandlerOptions) (*Handler, error) {
	if dispatcher == nil {
		return nil, ErrNilDispatcher
	}

	opts = opts.withDefaults()
	return &Handler{
		dispatcher: dispatcher,
		opts:       opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
		logger: opts.Logger,
	}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. The upgrader writes the HTTP error response on failure.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	conn := NewConnection(ws, h.opts.BufferSize, h.opts.WriteTimeout, h.logger)
	h.logger.Info("client connected", logging.Conn(conn.ID()), slog.String("remote", r.RemoteAddr))

	go h.handleConnection(conn)
}

func (h *Handler) handleConnection(conn *Connection) {
	logger := h.logger.With(logging.Conn(conn.ID()))
	ctx := logging.WithContext(context.Background(), logger)

	defer func() {
		_ = conn.Close()
		h.dispatcher.Disconnect(ctx, conn)
		logger.Info("client disconnected", slog.Duration("duration", time.Since(conn.ConnectedAt())))
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.ReadLimit)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		logger.Warn("failed to set read deadline", logging.Err(err))
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket error", logging.Err(err))
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			logger.Debug("dropping malformed frame", slog.Int("bytes", len(data)))
			continue
		}

		// disconnect is a lifecycle notification, never accepted from the wire
		if env.Event == types.EventDisconnect {
			continue
		}

		h.dispatcher.Dispatch(ctx, conn, env)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
