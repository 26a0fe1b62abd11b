package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// Memory is a process-local Registry guarded by a RWMutex.
type Memory struct {
	mu     sync.RWMutex
	byUser map[string]*Entry // userID -> entry
	byConn map[string]string // connection ID -> userID
	logger *slog.Logger
}

// NewMemory creates an empty in-memory registry.
func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		byUser: make(map[string]*Entry),
		byConn: make(map[string]string),
		logger: logging.OrDefault(logger),
	}
}

func (m *Memory) Register(ctx context.Context, conn interfaces.Connection, userID string, role types.Role) error {
	if err := validate(conn, userID, role); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A connection holds one binding; re-registering under a new id drops the old one.
	if previousUser, ok := m.byConn[conn.ID()]; ok && previousUser != userID {
		delete(m.byUser, previousUser)
	}

	// The replaced connection stays open but can no longer be routed to.
	if existing, ok := m.byUser[userID]; ok && existing.Conn.ID() != conn.ID() {
		delete(m.byConn, existing.Conn.ID())
		m.logger.Debug("registration replaced", logging.User(userID), logging.Conn(existing.Conn.ID()))
	}

	m.byUser[userID] = &Entry{
		Conn:        conn,
		UserID:      userID,
		Role:        role,
		ConnectedAt: time.Now(),
	}
	m.byConn[conn.ID()] = userID

	return nil
}

func (m *Memory) Unregister(ctx context.Context, conn interfaces.Connection) error {
	if conn == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.byConn[conn.ID()]
	if !ok {
		return nil
	}
	delete(m.byConn, conn.ID())

	if entry, ok := m.byUser[userID]; ok && entry.Conn.ID() == conn.ID() {
		delete(m.byUser, userID)
	}
	return nil
}

// FindByRole picks the earliest registered live entry so repeated lookups
// are stable.
func (m *Memory) FindByRole(ctx context.Context, role types.Role) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Entry
	for _, entry := range m.byUser {
		if entry.Role != role || !entry.Conn.IsAlive() {
			continue
		}
		if found == nil || entry.ConnectedAt.Before(found.ConnectedAt) {
			found = entry
		}
	}

	if found == nil {
		return Entry{}, ErrNotFound
	}
	return *found, nil
}

func (m *Memory) FindByUserID(ctx context.Context, userID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byUser[userID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *entry, nil
}

func (m *Memory) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for userID, entry := range m.byUser {
		if entry.Conn.IsAlive() {
			continue
		}
		delete(m.byUser, userID)
		delete(m.byConn, entry.Conn.ID())
		removed++
	}
	return removed, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, entry := range m.byUser {
		stats.add(entry.Role)
	}
	return stats, nil
}
