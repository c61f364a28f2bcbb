// Package memory implements an in-memory storage backend for testing and
// development. Stores can be named: backends opened with the same name
// share data, which is how restart persistence is exercised without a
// real medium.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
)

func init() {
	// Register the memory driver with the storage registry
	storage.Register("memory", New)
}

// shared holds the named stores so that reopening a backend under the
// same name observes previously written data.
var (
	shared   = make(map[string]*store)
	sharedMu sync.Mutex
)

type sessionRecord struct {
	data    []byte
	version int
}

type valueRecord struct {
	data      []byte
	expiresAt time.Time
}

type store struct {
	sessions map[string]sessionRecord
	values   map[string]valueRecord
	mu       sync.RWMutex
}

func newStore() *store {
	return &store{
		sessions: make(map[string]sessionRecord),
		values:   make(map[string]valueRecord),
	}
}

// MemoryBackend implements storage.Backend entirely in process memory.
// Sessions are held in their encoded form so readers always get
// independent copies.
type MemoryBackend struct {
	store  *store
	codec  *conversation.Codec
	mu     sync.RWMutex
	closed bool
}

// New creates a MemoryBackend from the provided configuration.
func New(config storage.Config) (storage.Backend, error) {
	var st *store
	if config.Memory != nil && config.Memory.Name != "" {
		sharedMu.Lock()
		st = shared[config.Memory.Name]
		if st == nil {
			st = newStore()
			shared[config.Memory.Name] = st
		}
		sharedMu.Unlock()
	} else {
		st = newStore()
	}
	return &MemoryBackend{store: st, codec: conversation.NewCodec()}, nil
}

// Initialize prepares the backend. A no-op for memory.
func (m *MemoryBackend) Initialize(ctx context.Context) error {
	return m.guard()
}

// Close marks the backend closed. Data in a named store survives for
// the next backend opened under the same name.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck reports whether the backend can serve requests.
func (m *MemoryBackend) HealthCheck(ctx context.Context) error {
	return m.guard()
}

func (m *MemoryBackend) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return storage.ErrBackendClosed
	}
	return nil
}

// SaveSession persists a session, enforcing the version sequence.
func (m *MemoryBackend) SaveSession(ctx context.Context, session *conversation.Session) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := session.Validate(); err != nil {
		return err
	}
	data, err := m.codec.Encode(session)
	if err != nil {
		return err
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	if existing, ok := m.store.sessions[session.ID]; ok {
		if session.Version != existing.version+1 {
			return fmt.Errorf("%w: session %s at version %d, write carries %d",
				storage.ErrVersionConflict, session.ID, existing.version, session.Version)
		}
	}
	m.store.sessions[session.ID] = sessionRecord{data: data, version: session.Version}
	return nil
}

// GetSession retrieves a session by ID.
func (m *MemoryBackend) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	m.store.mu.RLock()
	rec, ok := m.store.sessions[id]
	m.store.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, id)
	}
	return m.codec.Decode(rec.data)
}

// DeleteSession removes a session, reporting whether it existed.
func (m *MemoryBackend) DeleteSession(ctx context.Context, id string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	if _, ok := m.store.sessions[id]; !ok {
		return false, nil
	}
	delete(m.store.sessions, id)
	return true, nil
}

// ListSessions returns sessions matching the filter, most recently
// updated first.
func (m *MemoryBackend) ListSessions(ctx context.Context, filter storage.ListFilter) ([]*conversation.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	m.store.mu.RLock()
	records := make([][]byte, 0, len(m.store.sessions))
	for _, rec := range m.store.sessions {
		records = append(records, rec.data)
	}
	m.store.mu.RUnlock()

	matched := make([]*conversation.Session, 0, len(records))
	for _, data := range records {
		s, err := m.codec.Decode(data)
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
	return page(matched, filter.Offset, filter.Limit), nil
}

func page(sessions []*conversation.Session, offset, limit int) []*conversation.Session {
	if offset >= len(sessions) {
		return []*conversation.Session{}
	}
	sessions = sessions[offset:]
	if limit > 0 && limit < len(sessions) {
		sessions = sessions[:limit]
	}
	return sessions
}

// SaveSessions persists several sessions, stopping at the first failure.
func (m *MemoryBackend) SaveSessions(ctx context.Context, sessions []*conversation.Session) error {
	for _, s := range sessions {
		if err := m.SaveSession(ctx, s); err != nil {
			return fmt.Errorf("save session %s: %w", s.ID, err)
		}
	}
	return nil
}

// GetSessions retrieves several sessions by ID, skipping missing ones.
func (m *MemoryBackend) GetSessions(ctx context.Context, ids []string) ([]*conversation.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	out := make([]*conversation.Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteSessions removes several sessions, returning how many existed.
func (m *MemoryBackend) DeleteSessions(ctx context.Context, ids []string) (int, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		ok, err := m.DeleteSession(ctx, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// SetValue stores a value under a key with an optional TTL.
func (m *MemoryBackend) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.guard(); err != nil {
		return err
	}

	rec := valueRecord{data: append([]byte(nil), value...)}
	if ttl > 0 {
		rec.expiresAt = time.Now().UTC().Add(ttl)
	}

	m.store.mu.Lock()
	m.store.values[key] = rec
	m.store.mu.Unlock()
	return nil
}

// GetValue retrieves a value by key. Expired keys behave as absent.
func (m *MemoryBackend) GetValue(ctx context.Context, key string) ([]byte, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	rec, ok := m.store.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key)
	}
	if !rec.expiresAt.IsZero() && time.Now().UTC().After(rec.expiresAt) {
		delete(m.store.values, key)
		return nil, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key)
	}
	return append([]byte(nil), rec.data...), nil
}

// DeleteValue removes a key, reporting whether it existed.
func (m *MemoryBackend) DeleteValue(ctx context.Context, key string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	rec, ok := m.store.values[key]
	if !ok {
		return false, nil
	}
	delete(m.store.values, key)
	if !rec.expiresAt.IsZero() && time.Now().UTC().After(rec.expiresAt) {
		return false, nil
	}
	return true, nil
}

// Stats reports counters of the underlying store.
func (m *MemoryBackend) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	m.store.mu.RLock()
	defer m.store.mu.RUnlock()

	now := time.Now().UTC()
	stats := &storage.Stats{Driver: "memory", SessionCount: len(m.store.sessions)}
	for _, rec := range m.store.sessions {
		stats.SizeBytes += int64(len(rec.data))
	}
	for _, rec := range m.store.values {
		if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			continue
		}
		stats.KeyCount++
		stats.SizeBytes += int64(len(rec.data))
	}
	return stats, nil
}
