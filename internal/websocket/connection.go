package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

const (
	defaultBufferSize   = 100
	defaultWriteTimeout = 10 * time.Second
	// enqueueTimeout bounds how long Send waits on a full write queue.
	enqueueTimeout = 5 * time.Second
)

// Connection implements interfaces.Connection over a gorilla websocket.
// All writes go through a single writer goroutine.
type Connection struct {
	id           string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	logger       *slog.Logger
	connectedAt  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps conn and starts its writer goroutine. A zero bufferSize
// or writeTimeout selects the defaults.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration, logger *slog.Logger) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		id:           id,
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		logger:       logging.OrDefault(logger).With(logging.Conn(id)),
		connectedAt:  time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// ID returns the uuid assigned when the connection was accepted.
func (c *Connection) ID() string {
	return c.id
}

// ConnectedAt reports when the connection was accepted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// writeLoop never closes writeCh; Send may still be selecting on it.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", logging.Err(err))
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send encodes payload inside a named envelope and queues it for writing.
func (c *Connection) Send(event string, payload interface{}) error {
	if event == "" {
		return ErrEmptyEvent
	}

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return ErrInvalidJSON
		}
		raw = encoded
	}

	data, err := json.Marshal(types.Envelope{Event: event, Data: raw})
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// IsAlive reports whether the connection has not been closed.
func (c *Connection) IsAlive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
