package redis

import (
	"context"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventLogPrefix namespaces per-connection event logs.
const EventLogPrefix = "events:"

// Store implements interfaces.Store, interfaces.EventLog and
// interfaces.HealthChecker. Entries are Redis hashes.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Set replaces the hash at key in one transaction so readers never observe
// a mix of old and new fields.
func (s *Store) Set(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	values := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		values = append(values, field, value)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (s *Store) GetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// Keys uses SCAN so large keyspaces never block the server.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	// SCAN may return a key more than once
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// AppendLog pushes record onto the connection's event list.
func (s *Store) AppendLog(ctx context.Context, connectionID string, record []byte) error {
	return s.rdb.RPush(ctx, EventLogPrefix+connectionID, record).Err()
}

// Events returns the logged records of a connection, oldest first.
func (s *Store) Events(ctx context.Context, connectionID string) ([][]byte, error) {
	values, err := s.rdb.LRange(ctx, EventLogPrefix+connectionID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	records := make([][]byte, 0, len(values))
	for _, v := range values {
		records = append(records, []byte(v))
	}
	return records, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
