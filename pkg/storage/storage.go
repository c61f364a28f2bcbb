// Package storage defines the persistence contract for conversation
// sessions. Every backend, regardless of medium, implements the same
// Backend interface and the same observable behavior; the storagetest
// package holds the conformance suite each driver runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ballast-ai/ballast/pkg/conversation"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrKeyNotFound is returned when a value key doesn't exist or has expired.
	ErrKeyNotFound = errors.New("key not found")
	// ErrVersionConflict is returned when a save carries a version other
	// than the stored version plus one. Conflicts are never resolved by
	// the backend; the caller decides whether to reload and retry.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrBackendClosed is returned when operating on a closed backend.
	ErrBackendClosed = errors.New("storage backend is closed")
)

// Backend abstracts session persistence plus a small generic key-value
// surface. Implementations must be safe for concurrent use.
//
// Save atomicity per session ID is the load-bearing guarantee: two
// concurrent saves of the same ID with the same expected version must
// resolve to exactly one winner, the other receiving ErrVersionConflict.
type Backend interface {
	// Initialize prepares the backend (directories, schema, connection).
	// Called once before first use; calling other methods first is an error.
	Initialize(ctx context.Context) error

	// Close flushes and releases resources. Operations after Close return
	// ErrBackendClosed.
	Close() error

	// HealthCheck verifies the backend can serve requests right now.
	HealthCheck(ctx context.Context) error

	// SaveSession persists a session atomically. The first write for an ID
	// is accepted as-is; every later write must carry exactly the stored
	// version plus one or ErrVersionConflict is returned.
	SaveSession(ctx context.Context, session *conversation.Session) error

	// GetSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, id string) (*conversation.Session, error)

	// DeleteSession removes a session, reporting whether it existed.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// ListSessions returns sessions matching the filter, most recently
	// updated first.
	ListSessions(ctx context.Context, filter ListFilter) ([]*conversation.Session, error)

	// SaveSessions persists several sessions, stopping at the first
	// failure. At least as efficient as the equivalent individual saves.
	SaveSessions(ctx context.Context, sessions []*conversation.Session) error

	// GetSessions retrieves several sessions by ID. Missing IDs are
	// skipped, not errors.
	GetSessions(ctx context.Context, ids []string) ([]*conversation.Session, error)

	// DeleteSessions removes several sessions, returning how many existed.
	DeleteSessions(ctx context.Context, ids []string) (int, error)

	// SetValue stores an arbitrary value under a key. A positive ttl
	// expires the key; zero means no expiry.
	SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetValue retrieves a value by key.
	// Returns ErrKeyNotFound if the key doesn't exist or has expired.
	GetValue(ctx context.Context, key string) ([]byte, error)

	// DeleteValue removes a key, reporting whether it existed.
	DeleteValue(ctx context.Context, key string) (bool, error)

	// Stats reports storage-level counters for operational tooling.
	Stats(ctx context.Context) (*Stats, error)
}

// ListFilter narrows and pages ListSessions results.
type ListFilter struct {
	// States keeps only sessions in one of these states. Empty means all.
	States []conversation.State
	// AgentID keeps only sessions the agent participates in.
	AgentID string
	// UpdatedAfter keeps only sessions modified after this instant.
	UpdatedAfter time.Time
	// ExpiresBefore keeps only sessions expiring before this instant.
	ExpiresBefore time.Time
	// Offset skips the first N results.
	Offset int
	// Limit caps the number of results. Zero means no cap.
	Limit int
}

// Matches reports whether a session passes the filter's predicates.
// Offset and Limit are paging concerns and not evaluated here.
func (f ListFilter) Matches(s *conversation.Session) bool {
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if s.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AgentID != "" {
		ok := false
		for _, id := range s.AgentIDs {
			if id == f.AgentID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.UpdatedAfter.IsZero() && !s.UpdatedAt.After(f.UpdatedAfter) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !s.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	return true
}

// Stats holds storage-level counters.
type Stats struct {
	// Driver is the backend driver name.
	Driver string `json:"driver"`
	// SessionCount is the number of stored sessions.
	SessionCount int `json:"sessionCount"`
	// KeyCount is the number of live key-value entries.
	KeyCount int `json:"keyCount"`
	// SizeBytes approximates the stored payload size.
	SizeBytes int64 `json:"sizeBytes"`
}
