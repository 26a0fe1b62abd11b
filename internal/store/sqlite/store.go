// Package sqlite implements the shared store and event log on a single
// SQLite file. Reads run concurrently; all writes go through one writer
// goroutine.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/islandhouse2000/islandHouse/pkg/interfaces"
	"github.com/islandhouse2000/islandHouse/pkg/logging"
)

// Options configures Open. Zero values select the defaults.
type Options struct {
	Path            string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	// RetryDelay is the pause before the single retry of a failed write.
	RetryDelay time.Duration
	// PurgeInterval is how often expired entries are deleted.
	PurgeInterval time.Duration
	Logger        *slog.Logger
}

// Store implements interfaces.Store, interfaces.EventLog and
// interfaces.HealthChecker.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	retryDelay time.Duration
	now        func() time.Time

	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open opens or creates the database at opts.Path and applies migrations.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = time.Hour
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = time.Minute
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxConnections)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	migrations := NewMigrationManager(db, embeddedMigrations, "migrations")
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:           db,
		logger:       logging.OrDefault(opts.Logger).With(slog.String("component", "sqlite")),
		retryDelay:   opts.RetryDelay,
		now:          time.Now,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	s.wg.Add(2)
	go s.writeLoop()
	go s.purgeLoop(opts.PurgeInterval)

	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// writeLoop serializes every write. A failed write is retried once.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				s.logger.Warn("write failed, retrying", logging.Err(err))
				time.Sleep(s.retryDelay)
				err = op.operation(s.db)
				if err != nil {
					s.logger.Error("write failed after retry", logging.Err(err))
				}
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) purgeLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if n, err := s.PurgeExpired(ctx); err != nil {
				s.logger.Warn("purge failed", logging.Err(err))
			} else if n > 0 {
				s.logger.Debug("purged expired entries", slog.Int64("removed", n))
			}
			cancel()
		case <-s.shutdown:
			return
		}
	}
}

// executeWrite queues operation on the writer and waits for it or ctx.
func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", interfaces.ErrStoreTimeout, ctx.Err())
	case <-s.shutdown:
		return interfaces.ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", interfaces.ErrStoreTimeout, ctx.Err())
	case <-s.shutdown:
		return interfaces.ErrStoreClosed
	}
}

// liveClause filters out expired entries.
const liveClause = "(expires_at IS NULL OR expires_at > ?)"

func (s *Store) Set(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: s.now().Add(ttl).UnixNano(), Valid: true}
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO registry_entries (key, fields, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET fields = excluded.fields, expires_at = excluded.expires_at
		`, key, string(encoded), expiresAt)
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) GetAll(ctx context.Context, key string) (map[string]string, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		"SELECT fields FROM registry_entries WHERE key = ? AND "+liveClause,
		key, s.now().UnixNano(),
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	fields := make(map[string]string)
	if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return fields, nil
}

// Keys matches pattern with SQLite GLOB, which shares Redis' * ? [...] syntax.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM registry_entries WHERE key GLOB ? AND "+liveClause+" ORDER BY key",
		pattern, s.now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "DELETE FROM registry_entries WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	})
}

// PurgeExpired deletes expired entries and reports how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	var removed int64
	err := s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM registry_entries WHERE expires_at IS NOT NULL AND expires_at <= ?",
			s.now().UnixNano())
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

func (s *Store) AppendLog(ctx context.Context, connectionID string, record []byte) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO event_log (connection_id, record, created_at) VALUES (?, ?, ?)",
			connectionID, record, s.now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		return nil
	})
}

// Events returns the logged records of a connection, oldest first.
func (s *Store) Events(ctx context.Context, connectionID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT record FROM event_log WHERE connection_id = ? ORDER BY seq",
		connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records [][]byte
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return interfaces.ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// Close stops the writer and closes the database. Queued writes that have
// not started fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	return s.db.Close()
}
