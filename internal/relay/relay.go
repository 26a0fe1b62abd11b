// Package relay answers request-catalog events: the payload is echoed back
// on the derived response name and every request is acknowledged exactly
// once on "<event>Ack".
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// Options configures a Relay. Log is optional.
type Options struct {
	Log     interfaces.EventLog
	Timeout time.Duration
	Logger  *slog.Logger
}

// Relay handles request-catalog events.
type Relay struct {
	log     interfaces.EventLog
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a relay. A zero timeout bounds log appends at 2s.
func New(opts Options) *Relay {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Relay{
		log:     opts.Log,
		timeout: opts.Timeout,
		logger:  logging.OrDefault(opts.Logger),
		now:     time.Now,
	}
}

// Handle appends the request to the event log, echoes data on the response
// name, and acknowledges on the ack name. The ack is emitted even when a
// step fails or panics; failures carry only a generic reason.
func (r *Relay) Handle(ctx context.Context, conn interfaces.Connection, event types.RequestEvent, data json.RawMessage) (ack types.Ack) {
	if !event.Valid() {
		r.logger.Debug("ignoring non-catalog event", slog.Int("event", int(event)))
		return types.Fail(types.ReasonInternal)
	}

	logger := logging.FromContextOr(ctx, r.logger.With(logging.Conn(conn.ID()))).With(logging.Event(event.String()))

	defer func() {
		if p := recover(); p != nil {
			logger.Error("request handler panicked", slog.Any("panic", p))
			ack = types.Fail(types.ReasonInternal)
		}
		if err := conn.Send(event.AckName(), ack); err != nil {
			logger.Warn("failed to send ack", logging.Err(err))
		}
	}()

	if err := r.process(ctx, conn, event, data); err != nil {
		logger.Error("request failed", logging.Err(err))
		return types.Fail(types.ReasonInternal)
	}
	return types.OK()
}

func (r *Relay) process(ctx context.Context, conn interfaces.Connection, event types.RequestEvent, data json.RawMessage) error {
	if data == nil {
		data = json.RawMessage("null")
	}

	if r.log != nil {
		if err := r.append(ctx, conn.ID(), event, data); err != nil {
			return err
		}
	}

	if err := conn.Send(event.ResponseName(), data); err != nil {
		return fmt.Errorf("send %s: %w", event.ResponseName(), err)
	}
	return nil
}

func (r *Relay) append(ctx context.Context, connectionID string, event types.RequestEvent, data json.RawMessage) error {
	record, err := json.Marshal(types.EventRecord{
		ID:        uuid.NewString(),
		Event:     event.String(),
		Data:      data,
		Timestamp: r.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode event record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.log.AppendLog(ctx, connectionID, record); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}
