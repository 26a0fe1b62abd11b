package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
	"github.com/islandhouse2000/islandHouse/pkg/types"
)

// KeyPrefix namespaces registry entries in the shared store.
const KeyPrefix = "socket:user:"

// Hash fields of a stored entry.
const (
	fieldConnectionID = "connectionId"
	fieldNodeID       = "nodeId"
	fieldRole         = "role"
	fieldConnectedAt  = "connectedAt"
)

// SharedOptions configures a Shared registry. Bus may be nil for a single
// node; entries owned by other nodes are then unreachable.
type SharedOptions struct {
	Store   interfaces.Store
	Bus     interfaces.Bus
	NodeID  string
	TTL     time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
}

type localEntry struct {
	conn        interfaces.Connection
	userID      string
	role        types.Role
	connectedAt time.Time
}

// Shared keeps registry entries in an external store so several relay
// processes share one logical registry. Connections owned by this process
// are kept in a local table; entries of other nodes resolve to a handle
// that forwards through the bus.
type Shared struct {
	store   interfaces.Store
	bus     interfaces.Bus
	nodeID  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	local map[string]*localEntry // connection ID -> entry
}

// NewShared creates a store-backed registry.
func NewShared(opts SharedOptions) (*Shared, error) {
	if opts.Store == nil {
		return nil, ErrNilStore
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.TTL <= 0 {
		opts.TTL = 90 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	logger := logging.OrDefault(opts.Logger).With(logging.Node(opts.NodeID))
	return &Shared{
		store:   opts.Store,
		bus:     opts.Bus,
		nodeID:  opts.NodeID,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		logger:  logger,
		local:   make(map[string]*localEntry),
	}, nil
}

// NodeID identifies this process in stored entries.
func (s *Shared) NodeID() string {
	return s.nodeID
}

func key(userID string) string {
	return KeyPrefix + userID
}

func (s *Shared) Register(ctx context.Context, conn interfaces.Connection, userID string, role types.Role) error {
	if err := validate(conn, userID, role); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.local[conn.ID()]; ok && previous.userID != userID {
		if err := s.deleteIfOwned(ctx, previous.userID, conn.ID()); err != nil {
			return err
		}
	}

	prior, err := s.store.GetAll(ctx, key(userID))
	if err != nil {
		return fmt.Errorf("read entry %s: %w", userID, err)
	}

	entry := &localEntry{conn: conn, userID: userID, role: role, connectedAt: time.Now()}
	if err := s.store.Set(ctx, key(userID), s.fields(entry), s.ttl); err != nil {
		return fmt.Errorf("write entry %s: %w", userID, err)
	}

	if prevID := prior[fieldConnectionID]; prevID != "" && prevID != conn.ID() && prior[fieldNodeID] == s.nodeID {
		delete(s.local, prevID)
	}
	s.local[conn.ID()] = entry

	return nil
}

func (s *Shared) fields(entry *localEntry) map[string]string {
	return map[string]string{
		fieldConnectionID: entry.conn.ID(),
		fieldNodeID:       s.nodeID,
		fieldRole:         string(entry.role),
		fieldConnectedAt:  entry.connectedAt.UTC().Format(time.RFC3339Nano),
	}
}

// deleteIfOwned removes the stored entry for userID only if it still points
// at connectionID. Caller holds s.mu.
func (s *Shared) deleteIfOwned(ctx context.Context, userID, connectionID string) error {
	fields, err := s.store.GetAll(ctx, key(userID))
	if err != nil {
		return fmt.Errorf("read entry %s: %w", userID, err)
	}
	if fields[fieldConnectionID] != connectionID {
		return nil
	}
	if err := s.store.Delete(ctx, key(userID)); err != nil {
		return fmt.Errorf("delete entry %s: %w", userID, err)
	}
	return nil
}

func (s *Shared) Unregister(ctx context.Context, conn interfaces.Connection) error {
	if conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.local[conn.ID()]
	if !ok {
		return nil
	}
	delete(s.local, conn.ID())

	return s.deleteIfOwned(ctx, entry.userID, conn.ID())
}

// resolve turns stored fields into an Entry. Entries owned by this node that
// no longer have a local connection are stale and are deleted. Caller holds s.mu.
func (s *Shared) resolve(ctx context.Context, userID string, fields map[string]string) (Entry, bool, error) {
	connectionID := fields[fieldConnectionID]
	if connectionID == "" {
		return Entry{}, false, nil
	}

	connectedAt, _ := time.Parse(time.RFC3339Nano, fields[fieldConnectedAt])
	entry := Entry{
		UserID:      userID,
		Role:        types.Role(fields[fieldRole]),
		ConnectedAt: connectedAt,
	}

	nodeID := fields[fieldNodeID]
	if nodeID == s.nodeID {
		local, ok := s.local[connectionID]
		if !ok || local.userID != userID {
			if err := s.store.Delete(ctx, key(userID)); err != nil {
				return Entry{}, false, fmt.Errorf("delete stale entry %s: %w", userID, err)
			}
			s.logger.Debug("dropped stale entry", logging.User(userID), logging.Conn(connectionID))
			return Entry{}, false, nil
		}
		entry.Conn = local.conn
		return entry, true, nil
	}

	if s.bus == nil {
		return Entry{}, false, nil
	}
	entry.Conn = &remoteConnection{bus: s.bus, nodeID: nodeID, connectionID: connectionID, timeout: s.timeout}
	return entry, true, nil
}

func (s *Shared) FindByUserID(ctx context.Context, userID string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	fields, err := s.store.GetAll(ctx, key(userID))
	if err != nil {
		return Entry{}, fmt.Errorf("read entry %s: %w", userID, err)
	}

	entry, ok, err := s.resolve(ctx, userID, fields)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// FindByRole prefers the earliest registered live connection of this node,
// then scans the other entries in key order. Remote entries are only
// returned when this node has no live candidate.
func (s *Shared) FindByRole(ctx context.Context, role types.Role) (Entry, error) {
	for _, candidate := range s.localCandidates(role) {
		var (
			entry Entry
			ok    bool
		)
		err := s.locked(ctx, func(ctx context.Context) error {
			fields, err := s.store.GetAll(ctx, key(candidate.userID))
			if err != nil {
				return fmt.Errorf("read entry %s: %w", candidate.userID, err)
			}
			if fields[fieldConnectionID] != candidate.conn.ID() {
				return nil
			}
			entry, ok, err = s.resolve(ctx, candidate.userID, fields)
			return err
		})
		if err != nil {
			return Entry{}, err
		}
		if ok && entry.Conn.IsAlive() {
			return entry, nil
		}
	}

	keys, err := s.keys(ctx)
	if err != nil {
		return Entry{}, err
	}

	for _, k := range keys {
		var (
			entry Entry
			ok    bool
		)
		err := s.locked(ctx, func(ctx context.Context) error {
			fields, err := s.store.GetAll(ctx, k)
			if err != nil {
				return fmt.Errorf("read entry %s: %w", k, err)
			}
			if types.Role(fields[fieldRole]) != role {
				return nil
			}
			entry, ok, err = s.resolve(ctx, strings.TrimPrefix(k, KeyPrefix), fields)
			return err
		})
		if err != nil {
			return Entry{}, err
		}
		if ok && entry.Conn.IsAlive() {
			return entry, nil
		}
	}

	return Entry{}, ErrNotFound
}

// localCandidates returns this node's live bindings of role, oldest first.
func (s *Shared) localCandidates(role types.Role) []*localEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*localEntry
	for _, entry := range s.local {
		if entry.role == role && entry.conn.IsAlive() {
			candidates = append(candidates, entry)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].connectedAt.Before(candidates[j].connectedAt)
	})
	return candidates
}

// locked runs fn under s.mu with a store deadline of its own.
func (s *Shared) locked(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

func (s *Shared) keys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, err := s.store.Keys(ctx, KeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return keys, nil
}

// Sweep evicts local entries whose connection died, refreshes the TTL of the
// live ones, and drops stored entries of this node that have no local
// connection. A failing entry does not stop the pass; failures are joined
// into the returned error.
func (s *Shared) Sweep(ctx context.Context) (int, error) {
	var (
		removed int
		errs    []error
	)

	for connectionID, entry := range s.takeDead() {
		if err := ctx.Err(); err != nil {
			return removed, errors.Join(append(errs, err)...)
		}
		err := s.locked(ctx, func(ctx context.Context) error {
			return s.deleteIfOwned(ctx, entry.userID, connectionID)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	keys, err := s.keys(ctx)
	if err != nil {
		return removed, errors.Join(append(errs, err)...)
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return removed, errors.Join(append(errs, err)...)
		}
		var dropped bool
		err := s.locked(ctx, func(ctx context.Context) error {
			var err error
			dropped, err = s.sweepKey(ctx, k)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if dropped {
			removed++
		}
	}

	for connectionID, userID := range s.bindings() {
		if err := ctx.Err(); err != nil {
			return removed, errors.Join(append(errs, err)...)
		}
		err := s.locked(ctx, func(ctx context.Context) error {
			return s.checkBinding(ctx, connectionID, userID)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	return removed, errors.Join(errs...)
}

// takeDead removes local entries whose connection died and returns them.
func (s *Shared) takeDead() map[string]*localEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	dead := make(map[string]*localEntry)
	for connectionID, entry := range s.local {
		if !entry.conn.IsAlive() {
			dead[connectionID] = entry
			delete(s.local, connectionID)
		}
	}
	return dead
}

func (s *Shared) bindings() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.local))
	for connectionID, entry := range s.local {
		out[connectionID] = entry.userID
	}
	return out
}

// sweepKey refreshes or drops one stored entry of this node. Caller holds s.mu.
func (s *Shared) sweepKey(ctx context.Context, k string) (bool, error) {
	fields, err := s.store.GetAll(ctx, k)
	if err != nil {
		return false, fmt.Errorf("read entry %s: %w", k, err)
	}
	if fields[fieldNodeID] != s.nodeID {
		return false, nil
	}

	userID := strings.TrimPrefix(k, KeyPrefix)
	local, ok := s.local[fields[fieldConnectionID]]
	if !ok || local.userID != userID {
		if err := s.store.Delete(ctx, k); err != nil {
			return false, fmt.Errorf("delete stale entry %s: %w", userID, err)
		}
		return true, nil
	}

	if err := s.store.Set(ctx, k, s.fields(local), s.ttl); err != nil {
		return false, fmt.Errorf("refresh entry %s: %w", userID, err)
	}
	return false, nil
}

// checkBinding drops a local binding whose key now points at another
// connection, and rewrites the entry of a live binding whose key expired.
// Caller holds s.mu.
func (s *Shared) checkBinding(ctx context.Context, connectionID, userID string) error {
	entry, ok := s.local[connectionID]
	if !ok || entry.userID != userID {
		return nil
	}

	fields, err := s.store.GetAll(ctx, key(userID))
	if err != nil {
		return fmt.Errorf("read entry %s: %w", userID, err)
	}

	switch fields[fieldConnectionID] {
	case connectionID:
		return nil
	case "":
		if err := s.store.Set(ctx, key(userID), s.fields(entry), s.ttl); err != nil {
			return fmt.Errorf("restore entry %s: %w", userID, err)
		}
		s.logger.Debug("restored expired entry", logging.User(userID), logging.Conn(connectionID))
		return nil
	default:
		delete(s.local, connectionID)
		return nil
	}
}

func (s *Shared) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	keys, err := s.keys(ctx)
	if err != nil {
		return stats, err
	}

	for _, k := range keys {
		var fields map[string]string
		err := s.locked(ctx, func(ctx context.Context) error {
			var err error
			fields, err = s.store.GetAll(ctx, k)
			return err
		})
		if err != nil {
			return stats, fmt.Errorf("read entry %s: %w", k, err)
		}
		if len(fields) == 0 {
			continue
		}
		stats.add(types.Role(fields[fieldRole]))
	}
	return stats, nil
}

// Listen delivers bus messages addressed to this node's connections until
// ctx is done. It returns immediately when no bus is configured.
func (s *Shared) Listen(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(ctx, s.nodeID, s.deliver)
}

func (s *Shared) deliver(data []byte) {
	var msg BusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("dropping malformed bus message", logging.Err(err))
		return
	}

	s.mu.Lock()
	entry, ok := s.local[msg.ConnectionID]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("bus message for unknown connection", logging.Conn(msg.ConnectionID))
		return
	}

	if err := entry.conn.Send(msg.Event, msg.Data); err != nil {
		s.logger.Warn("bus delivery failed", logging.Conn(msg.ConnectionID), logging.Event(msg.Event), logging.Err(err))
	}
}
