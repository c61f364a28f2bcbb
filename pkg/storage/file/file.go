// Package file implements a filesystem storage backend.
// Storage layout:
//
//	<dir>/
//	  ├── sessions/
//	  │   └── <session-id>.json    # one document per session
//	  └── kv/
//	      └── <sha256(key)>.json   # value document with embedded key
//
// Session writes go through a temp file and rename, so a document on
// disk is always a complete JSON payload. Saves for the same session ID
// serialize on a per-ID lock; different IDs proceed concurrently.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
)

func init() {
	// Register the file driver with the storage registry
	storage.Register("file", New)
}

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// valueDoc is the on-disk form of a key-value entry. The key is embedded
// because the file name is its hash.
type valueDoc struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FileBackend implements storage.Backend on the local filesystem.
type FileBackend struct {
	baseDir string
	codec   *conversation.Codec

	// locks serializes writers per session ID.
	locks sync.Map // map[string]*sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// New creates a file-based storage backend from the provided configuration.
func New(config storage.Config) (storage.Backend, error) {
	if config.File == nil || config.File.Dir == "" {
		return nil, fmt.Errorf("file backend requires a directory")
	}
	return &FileBackend{
		baseDir: config.File.Dir,
		codec:   conversation.NewCodec(),
	}, nil
}

// Initialize creates the storage directories.
func (f *FileBackend) Initialize(ctx context.Context) error {
	if err := f.guard(); err != nil {
		return err
	}
	for _, dir := range []string{f.sessionsDir(), f.kvDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Close marks the backend closed.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// HealthCheck verifies the backend can write to its directory.
func (f *FileBackend) HealthCheck(ctx context.Context) error {
	if err := f.guard(); err != nil {
		return err
	}
	probe := filepath.Join(f.baseDir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	_ = os.Remove(probe)
	return nil
}

func (f *FileBackend) guard() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return storage.ErrBackendClosed
	}
	return nil
}

func (f *FileBackend) sessionsDir() string { return filepath.Join(f.baseDir, "sessions") }
func (f *FileBackend) kvDir() string       { return filepath.Join(f.baseDir, "kv") }

func (f *FileBackend) sessionPath(id string) string {
	return filepath.Join(f.sessionsDir(), id+".json")
}

func (f *FileBackend) kvPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.kvDir(), hex.EncodeToString(sum[:])+".json")
}

// lockID returns the mutex serializing writers for one session ID.
func (f *FileBackend) lockID(id string) *sync.Mutex {
	mu, _ := f.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// writeAtomic writes data to path through a temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// SaveSession persists a session document, enforcing the version sequence.
func (f *FileBackend) SaveSession(ctx context.Context, session *conversation.Session) error {
	if err := f.guard(); err != nil {
		return err
	}
	if err := session.Validate(); err != nil {
		return err
	}
	// Validate the ID to prevent path traversal
	if err := validatePathComponent(session.ID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	data, err := f.codec.Encode(session)
	if err != nil {
		return err
	}

	mu := f.lockID(session.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := f.readSession(session.ID)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return err
	}
	if existing != nil && session.Version != existing.Version+1 {
		return fmt.Errorf("%w: session %s at version %d, write carries %d",
			storage.ErrVersionConflict, session.ID, existing.Version, session.Version)
	}

	if err := writeAtomic(f.sessionPath(session.ID), data); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

// readSession loads and decodes one session document. Callers needing
// save atomicity must hold the per-ID lock.
func (f *FileBackend) readSession(id string) (*conversation.Session, error) {
	data, err := os.ReadFile(f.sessionPath(id)) // #nosec G304 - session ID validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return f.codec.Decode(data)
}

// GetSession retrieves a session by ID. A corrupted document surfaces
// its decode error; the session is never partially reconstructed.
func (f *FileBackend) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}
	if err := validatePathComponent(id); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}
	return f.readSession(id)
}

// DeleteSession removes a session document, reporting whether it existed.
func (f *FileBackend) DeleteSession(ctx context.Context, id string) (bool, error) {
	if err := f.guard(); err != nil {
		return false, err
	}
	if err := validatePathComponent(id); err != nil {
		return false, fmt.Errorf("invalid session ID: %w", err)
	}

	mu := f.lockID(id)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(f.sessionPath(id)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete session %s: %w", id, err)
	}
	return true, nil
}

// ListSessions scans the session directory and returns matches, most
// recently updated first. Undecodable documents are skipped and logged
// so one corrupted file cannot take down a sweep.
func (f *FileBackend) ListSessions(ctx context.Context, filter storage.ListFilter) ([]*conversation.Session, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(f.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*conversation.Session{}, nil
		}
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	matched := make([]*conversation.Session, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.sessionsDir(), entry.Name())) // #nosec G304 - paths come from ReadDir
		if err != nil {
			continue
		}
		s, err := f.codec.Decode(data)
		if err != nil {
			log.Printf("[FileStorage] Skipping corrupted session document %s: %v", entry.Name(), err)
			continue
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
func (f *FileBackend) SaveSessions(ctx context.Context, sessions []*conversation.Session) error {
	for _, s := range sessions {
		if err := f.SaveSession(ctx, s); err != nil {
			return fmt.Errorf("save session %s: %w", s.ID, err)
		}
	}
	return nil
}

// GetSessions retrieves several sessions by ID, skipping missing ones.
func (f *FileBackend) GetSessions(ctx context.Context, ids []string) ([]*conversation.Session, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}

	out := make([]*conversation.Session, 0, len(ids))
	for _, id := range ids {
		s, err := f.GetSession(ctx, id)
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
func (f *FileBackend) DeleteSessions(ctx context.Context, ids []string) (int, error) {
	if err := f.guard(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		ok, err := f.DeleteSession(ctx, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// SetValue stores a value document with an optional TTL.
func (f *FileBackend) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.guard(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	doc := valueDoc{Key: key, Value: value}
	if ttl > 0 {
		doc.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal value document: %w", err)
	}
	if err := writeAtomic(f.kvPath(key), data); err != nil {
		return fmt.Errorf("set value %s: %w", key, err)
	}
	return nil
}

// GetValue retrieves a value by key. Expired documents are removed on read.
func (f *FileBackend) GetValue(ctx context.Context, key string) ([]byte, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}

	path := f.kvPath(key)
	data, err := os.ReadFile(path) // #nosec G304 - file name is a hash of the key
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("read value %s: %w", key, err)
	}

	var doc valueDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse value document %s: %w", key, err)
	}
	if !doc.ExpiresAt.IsZero() && time.Now().UTC().After(doc.ExpiresAt) {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %s", storage.ErrKeyNotFound, key)
	}
	return doc.Value, nil
}

// DeleteValue removes a key, reporting whether a live entry existed.
func (f *FileBackend) DeleteValue(ctx context.Context, key string) (bool, error) {
	if err := f.guard(); err != nil {
		return false, err
	}

	path := f.kvPath(key)
	data, err := os.ReadFile(path) // #nosec G304 - file name is a hash of the key
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read value %s: %w", key, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("delete value %s: %w", key, err)
	}

	var doc valueDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return true, nil
	}
	if !doc.ExpiresAt.IsZero() && time.Now().UTC().After(doc.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

// Stats walks the storage directories and reports counters.
func (f *FileBackend) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := f.guard(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{Driver: "file"}

	sessions, err := os.ReadDir(f.sessionsDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}
	for _, entry := range sessions {
		info, err := entry.Info()
		if err != nil || entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		stats.SessionCount++
		stats.SizeBytes += info.Size()
	}

	now := time.Now().UTC()
	values, err := os.ReadDir(f.kvDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read kv directory: %w", err)
	}
	for _, entry := range values {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.kvDir(), entry.Name())) // #nosec G304 - paths come from ReadDir
		if err != nil {
			continue
		}
		var doc valueDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		if !doc.ExpiresAt.IsZero() && now.After(doc.ExpiresAt) {
			continue
		}
		stats.KeyCount++
		stats.SizeBytes += int64(len(doc.Value))
	}
	return stats, nil
}
