// Package registry tracks which live connection is bound to which user and
// role. Registering a userId that already has an entry replaces it.
package registry

import (
	"context"
	"time"

	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// Entry is one registered connection. Holding an Entry is not proof that the
// connection is still live; check Conn.IsAlive before use.
type Entry struct {
	Conn        interfaces.Connection
	UserID      string
	Role        types.Role
	ConnectedAt time.Time
}

// Stats counts registered entries per role.
type Stats struct {
	Total  int `json:"total_connections"`
	Users  int `json:"users"`
	Admins int `json:"admins"`
}

func (s *Stats) add(role types.Role) {
	s.Total++
	switch role {
	case types.RoleAdmin:
		s.Admins++
	case types.RoleUser:
		s.Users++
	}
}

// Registry is implemented by Memory and Shared.
type Registry interface {
	// Register binds conn to userID, replacing any entry for userID and any
	// earlier binding of conn. Invalid input leaves the registry unchanged.
	Register(ctx context.Context, conn interfaces.Connection, userID string, role types.Role) error

	// Unregister removes the entry bound to conn. Unknown connections are a no-op.
	Unregister(ctx context.Context, conn interfaces.Connection) error

	// FindByRole returns a live entry with role, or ErrNotFound.
	FindByRole(ctx context.Context, role types.Role) (Entry, error)

	// FindByUserID returns the entry for userID, or ErrNotFound.
	FindByUserID(ctx context.Context, userID string) (Entry, error)

	// Sweep removes entries whose connection is no longer live and reports
	// how many were removed.
	Sweep(ctx context.Context) (int, error)

	Stats(ctx context.Context) (Stats, error)
}

func validate(conn interfaces.Connection, userID string, role types.Role) error {
	if conn == nil {
		return ErrNilConnection
	}
	return types.RegisterPayload{UserID: userID, Role: role}.Validate()
}
