package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
)

// BusMessage is published on the bus to reach a connection owned by another
// node.
type BusMessage struct {
	ConnectionID string          `json:"connectionId"`
	Event        string          `json:"event"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// remoteConnection stands in for a connection held by another node.
// Liveness of the owning node is bounded by the entry TTL in the store.
type remoteConnection struct {
	bus          interfaces.Bus
	nodeID       string
	connectionID string
	timeout      time.Duration
}

func (r *remoteConnection) ID() string {
	return r.connectionID
}

func (r *remoteConnection) Send(event string, payload interface{}) error {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return err
		}
		raw = encoded
	}

	data, err := json.Marshal(BusMessage{ConnectionID: r.connectionID, Event: event, Data: raw})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.bus.Publish(ctx, r.nodeID, data)
}

func (r *remoteConnection) IsAlive() bool {
	return true
}

func (r *remoteConnection) Close() error {
	return nil
}
