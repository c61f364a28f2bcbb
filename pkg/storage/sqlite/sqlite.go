// Package sqlite implements a relational storage backend on SQLite via
// the pure-Go modernc.org driver, so the module builds without cgo.
//
// Sessions live in a sessions table with the encoded document in a BLOB
// column and the filterable fields broken out alongside it; key-value
// entries live in kv_entries. The version check runs inside the save
// transaction with a guarded UPDATE, so concurrent writers resolve to
// one winner.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
)

func init() {
	// Register the sqlite driver with the storage registry
	storage.Register("sqlite", New)
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    agent_ids  TEXT NOT NULL,
    data       BLOB NOT NULL,
    version    INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_state_updated ON sessions (state, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at);

CREATE TABLE IF NOT EXISTS kv_entries (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    expires_at INTEGER
);
`

// SQLiteBackend implements storage.Backend on a SQLite database file.
type SQLiteBackend struct {
	path  string
	db    *sql.DB
	codec *conversation.Codec

	mu     sync.RWMutex
	closed bool
}

// New creates a SQLite storage backend from the provided configuration.
func New(config storage.Config) (storage.Backend, error) {
	if config.SQLite == nil || config.SQLite.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	return &SQLiteBackend{
		path:  config.SQLite.Path,
		codec: conversation.NewCodec(),
	}, nil
}

// Initialize opens the database, applies pragmas, and creates the schema.
func (s *SQLiteBackend) Initialize(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}

	dsn := s.path
	if s.path != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps the read-check-write inside SaveSession
	// serialized and sidesteps SQLITE_BUSY under concurrent writers. It
	// also makes ":memory:" behave as one database instead of one per
	// pooled connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	return nil
}

// Close releases the database handle.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck verifies the database answers queries.
func (s *SQLiteBackend) HealthCheck(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLiteBackend) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrBackendClosed
	}
	return nil
}

func (s *SQLiteBackend) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrBackendClosed
	}
	if s.db == nil {
		return nil, errors.New("sqlite backend not initialized")
	}
	return s.db, nil
}

// SaveSession persists a session in a transaction, enforcing the version
// sequence with a guarded UPDATE.
func (s *SQLiteBackend) SaveSession(ctx context.Context, session *conversation.Session) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := session.Validate(); err != nil {
		return err
	}
	data, err := s.codec.Encode(session)
	if err != nil {
		return err
	}
	agentIDs, err := json.Marshal(session.AgentIDs)
	if err != nil {
		return fmt.Errorf("marshal agent IDs: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored int
	err = tx.QueryRowContext(ctx, `SELECT version FROM sessions WHERE id = ?`, session.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, state, agent_ids, data, version, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, string(session.State), string(agentIDs), data, session.Version,
			session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(), session.ExpiresAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert session %s: %w", session.ID, err)
		}
	case err != nil:
		return fmt.Errorf("read session version: %w", err)
	default:
		if session.Version != stored+1 {
			return fmt.Errorf("%w: session %s at version %d, write carries %d",
				storage.ErrVersionConflict, session.ID, stored, session.Version)
		}
		res, err := tx.ExecContext(ctx, `
UPDATE sessions SET state = ?, agent_ids = ?, data = ?, version = ?, updated_at = ?, expires_at = ?
WHERE id = ? AND version = ?`,
			string(session.State), string(agentIDs), data, session.Version,
			session.UpdatedAt.UnixNano(), session.ExpiresAt.UnixNano(),
			session.ID, stored)
		if err != nil {
			return fmt.Errorf("update session %s: %w", session.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update session %s: %w", session.ID, err)
		}
		if affected == 0 {
			// A concurrent writer advanced the version between the read
			// and the update.
			return fmt.Errorf("%w: session %s advanced past version %d",
				storage.ErrVersionConflict, session.ID, stored)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. A corrupted row surfaces its
// decode error.
func (s *SQLiteBackend) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var data []byte
	err = db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s.codec.Decode(data)
}

// DeleteSession removes a session row, reporting whether it existed.
func (s *SQLiteBackend) DeleteSession(ctx context.Context, id string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	return affected > 0, nil
}

// ListSessions pushes the state and time predicates into SQL and orders
// by recency. The agent predicate is applied after decoding, so paging
// moves into Go whenever it is present. Undecodable rows are skipped and
// logged so one corrupted row cannot take down a sweep.
func (s *SQLiteBackend) ListSessions(ctx context.Context, filter storage.ListFilter) ([]*conversation.Session, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.UpdatedAfter.IsZero() {
		where = append(where, "updated_at > ?")
		args = append(args, filter.UpdatedAfter.UnixNano())
	}
	if !filter.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, filter.ExpiresBefore.UnixNano())
	}

	query := "SELECT data FROM sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	pageInSQL := filter.AgentID == ""
	if pageInSQL {
		if filter.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, filter.Limit)
		} else if filter.Offset > 0 {
			query += " LIMIT -1"
		}
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	matched := make([]*conversation.Session, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess, err := s.codec.Decode(data)
		if err != nil {
			log.Printf("[SQLiteStorage] Skipping corrupted session row: %v", err)
			continue
		}
		if filter.AgentID != "" && !filter.Matches(sess) {
			continue
		}
		matched = append(matched, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	if !pageInSQL {
		if filter.Offset > 0 {
			if filter.Offset >= len(matched) {
				return []*conversation.Session{}, nil
			}
			matched = matched[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(matched) {
			matched = matched[:filter.Limit]
		}
	}
	return matched, nil
}

// SaveSessions persists several sessions, stopping at the first failure.
func (s *SQLiteBackend) SaveSessions(ctx context.Context, sessions []*conversation.Session) error {
	for _, sess := range sessions {
		if err := s.SaveSession(ctx, sess); err != nil {
			return fmt.Errorf("save session %s: %w", sess.ID, err)
		}
	}
	return nil
}

// GetSessions retrieves several sessions by ID, skipping missing ones.
func (s *SQLiteBackend) GetSessions(ctx context.Context, ids []string) ([]*conversation.Session, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*conversation.Session{}, nil
	}

	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	order := make(map[string]int, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
		if _, seen := order[id]; !seen {
			order[id] = i
		}
	}

	rows, err := db.QueryContext(ctx,
		"SELECT data FROM sessions WHERE id IN ("+strings.Join(marks, ", ")+")", args...)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()

	found := make([]*conversation.Session, 0, len(ids))
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess, err := s.codec.Decode(data)
		if err != nil {
			return nil, err
		}
		found = append(found, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}

	// Return results in request order since IN() does not preserve it.
	sortByRequestOrder(found, order)
	return found, nil
}

func sortByRequestOrder(sessions []*conversation.Session, order map[string]int) {
	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0 && order[sessions[j-1].ID] > order[sessions[j].ID]; j-- {
			sessions[j-1], sessions[j] = sessions[j], sessions[j-1]
		}
	}
}

// DeleteSessions removes several sessions in one statement, returning
// how many existed.
func (s *SQLiteBackend) DeleteSessions(ctx context.Context, ids []string) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	res, err := db.ExecContext(ctx,
		"DELETE FROM sessions WHERE id IN ("+strings.Join(marks, ", ")+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return int(affected), nil
}

// SetValue stores a value with an optional TTL via upsert.
func (s *SQLiteBackend) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	var expires any
	if ttl > 0 {
		expires = time.Now().UTC().Add(ttl).UnixNano()
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("set value %s: %w", key, err)
	}
	return nil
}

// GetValue retrieves a value by key. Expired rows are removed on read.
func (s *SQLiteBackend) GetValue(ctx context.Context, key string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var (
		value   []byte
		expires sql.NullInt64
	)
	err = db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_entries WHERE key = ?`, key).
		Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get value %s: %w", key, err)
	}
	if expires.Valid && time.Now().UTC().UnixNano() > expires.Int64 {
		_, _ = db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key)
		return nil, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key)
	}
	return value, nil
}

// DeleteValue removes a key, reporting whether a live entry existed.
func (s *SQLiteBackend) DeleteValue(ctx context.Context, key string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}

	var expires sql.NullInt64
	err = db.QueryRowContext(ctx, `SELECT expires_at FROM kv_entries WHERE key = ?`, key).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete value %s: %w", key, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return false, fmt.Errorf("delete value %s: %w", key, err)
	}
	if expires.Valid && time.Now().UTC().UnixNano() > expires.Int64 {
		return false, nil
	}
	return true, nil
}

// Stats reports row counts and payload sizes.
func (s *SQLiteBackend) Stats(ctx context.Context) (*storage.Stats, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	stats := &storage.Stats{Driver: "sqlite"}
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM sessions`).
		Scan(&stats.SessionCount, &stats.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	var kvBytes int64
	err = db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM kv_entries
WHERE expires_at IS NULL OR expires_at > ?`, time.Now().UTC().UnixNano()).
		Scan(&stats.KeyCount, &kvBytes)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	stats.SizeBytes += kvBytes
	return stats, nil
}
