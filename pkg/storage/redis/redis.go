// Package redis implements a Redis storage backend suitable for
// deployments where several runtime processes share one store.
//
// Key layout under the configured prefix:
//
//	<prefix>session:<id>   session document (JSON)
//	<prefix>sessions       set of all session IDs
//	<prefix>kv:<key>       value entries, native TTL
//
// Saves run inside WATCH transactions so the version check and the write
// are one atomic step even with concurrent writers on other connections.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
)

func init() {
	// Register the redis driver with the storage registry
	storage.Register("redis", New)
}

// saveRetries bounds WATCH transaction retries under contention. Each
// retry re-reads the stored version, so persistent contention converges
// to a version conflict rather than looping.
const saveRetries = 5

// RedisBackend implements storage.Backend using Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
	codec  *conversation.Codec
	mu     sync.RWMutex
	closed bool
}

// New creates a Redis storage backend from the provided configuration.
func New(config storage.Config) (storage.Backend, error) {
	if config.Redis == nil || config.Redis.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := config.Redis.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: poolSize,
	})
	return NewFromClient(client, config.Redis.KeyPrefix), nil
}

// NewFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "ballast:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		codec:  conversation.NewCodec(),
	}
}

// Key helpers
func (b *RedisBackend) sessionKey(id string) string {
	return b.prefix + "session:" + id
}

func (b *RedisBackend) indexKey() string {
	return b.prefix + "sessions"
}

func (b *RedisBackend) kvKey(key string) string {
	return b.prefix + "kv:" + key
}

// Initialize verifies the connection.
func (b *RedisBackend) Initialize(ctx context.Context) error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

// HealthCheck checks if the Redis connection is alive.
func (b *RedisBackend) HealthCheck(ctx context.Context) error {
	if err := b.guard(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return storage.ErrBackendClosed
	}
	return nil
}

// SaveSession persists a session inside a WATCH transaction, enforcing
// the version sequence against concurrent writers.
func (b *RedisBackend) SaveSession(ctx context.Context, session *conversation.Session) error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := session.Validate(); err != nil {
		return err
	}
	data, err := b.codec.Encode(session)
	if err != nil {
		return err
	}

	key := b.sessionKey(session.ID)
	txn := func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// First write for this ID, accepted as-is.
		case err != nil:
			return fmt.Errorf("get session: %w", err)
		default:
			existing, err := b.codec.Decode(stored)
			if err != nil {
				return err
			}
			if session.Version != existing.Version+1 {
				return fmt.Errorf("%w: session %s at version %d, write carries %d",
					storage.ErrVersionConflict, session.ID, existing.Version, session.Version)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, b.indexKey(), session.ID)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < saveRetries; attempt++ {
		err := b.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// The watched key changed under us. Retry with a fresh read.
			continue
		}
		if errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return fmt.Errorf("%w: session %s contended past %d attempts",
		storage.ErrVersionConflict, session.ID, saveRetries)
}

// GetSession retrieves a session by ID.
func (b *RedisBackend) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return b.codec.Decode(data)
}

// DeleteSession removes a session, reporting whether it existed.
func (b *RedisBackend) DeleteSession(ctx context.Context, id string) (bool, error) {
	if err := b.guard(); err != nil {
		return false, err
	}

	pipe := b.client.Pipeline()
	del := pipe.Del(ctx, b.sessionKey(id))
	pipe.SRem(ctx, b.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return del.Val() > 0, nil
}

// ListSessions loads all indexed sessions and returns matches, most
// recently updated first. Index members whose session key is gone are
// cleaned up along the way.
func (b *RedisBackend) ListSessions(ctx context.Context, filter storage.ListFilter) ([]*conversation.Session, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(ids)

	matched := make([]*conversation.Session, 0, len(ids))
	for _, id := range ids {
		data, err := b.client.Get(ctx, b.sessionKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Session key gone, clean up the index
				b.client.SRem(ctx, b.indexKey(), id)
				continue
			}
			return nil, fmt.Errorf("get session: %w", err)
		}
		s, err := b.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(s) {
			matched = append(matched, s)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	// Apply offset and limit
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*conversation.Session{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// SaveSessions persists several sessions, stopping at the first failure.
func (b *RedisBackend) SaveSessions(ctx context.Context, sessions []*conversation.Session) error {
	for _, s := range sessions {
		if err := b.SaveSession(ctx, s); err != nil {
			return fmt.Errorf("save session %s: %w", s.ID, err)
		}
	}
	return nil
}

// GetSessions retrieves several sessions in one pipeline, skipping
// missing IDs.
func (b *RedisBackend) GetSessions(ctx context.Context, ids []string) ([]*conversation.Session, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*conversation.Session{}, nil
	}

	pipe := b.client.Pipeline()
	gets := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		gets[i] = pipe.Get(ctx, b.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get sessions: %w", err)
	}

	out := make([]*conversation.Session, 0, len(ids))
	for _, cmd := range gets {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("get sessions: %w", err)
		}
		s, err := b.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteSessions removes several sessions in one pipeline, returning how
// many existed.
func (b *RedisBackend) DeleteSessions(ctx context.Context, ids []string) (int, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := b.client.Pipeline()
	dels := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		dels[i] = pipe.Del(ctx, b.sessionKey(id))
		pipe.SRem(ctx, b.indexKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}

	deleted := 0
	for _, cmd := range dels {
		if cmd.Val() > 0 {
			deleted++
		}
	}
	return deleted, nil
}

// SetValue stores a value with Redis-native expiry.
func (b *RedisBackend) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.guard(); err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.kvKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set value %s: %w", key, err)
	}
	return nil
}

// GetValue retrieves a value by key. Expired keys are gone natively.
func (b *RedisBackend) GetValue(ctx context.Context, key string) ([]byte, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.kvKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("get value %s: %w", key, err)
	}
	return data, nil
}

// DeleteValue removes a key, reporting whether it existed.
func (b *RedisBackend) DeleteValue(ctx context.Context, key string) (bool, error) {
	if err := b.guard(); err != nil {
		return false, err
	}

	n, err := b.client.Del(ctx, b.kvKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("delete value %s: %w", key, err)
	}
	return n > 0, nil
}

// Stats reports counters by walking the index and the kv keyspace.
func (b *RedisBackend) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{Driver: "redis"}

	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	for _, id := range ids {
		n, err := b.client.StrLen(ctx, b.sessionKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		if n > 0 {
			stats.SessionCount++
			stats.SizeBytes += n
		}
	}

	iter := b.client.Scan(ctx, 0, b.kvKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		n, err := b.client.StrLen(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		stats.KeyCount++
		stats.SizeBytes += n
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}
