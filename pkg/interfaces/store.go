package interfaces

import (
	"context"
	"time"
)

// Store is the narrow key-value surface used to externalize the registry so
// several relay processes can share one logical registry.
type Store interface {
	// Set replaces the hash stored at key with fields. A positive ttl makes
	// the key expire unless it is set again.
	Set(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// GetAll returns every field of the hash at key. A missing key yields an
	// empty map and a nil error.
	GetAll(ctx context.Context, key string) (map[string]string, error)

	// Keys lists the keys matching a glob pattern ("socket:user:*"),
	// sorted ascending.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// EventLog is an append-only log of request events per connection.
// The log is owned by the backing store, not by the relay.
type EventLog interface {
	AppendLog(ctx context.Context, connectionID string, record []byte) error
}

// Bus carries messages addressed to connections owned by another relay
// process.
type Bus interface {
	Publish(ctx context.Context, nodeID string, data []byte) error

	// Subscribe delivers messages addressed to nodeID until ctx is done.
	// It returns once the subscription is established.
	Subscribe(ctx context.Context, nodeID string, handler func(data []byte)) error
}

// HealthChecker is implemented by backends that can verify connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
