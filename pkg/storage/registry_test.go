package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ballast-ai/ballast/pkg/conversation"
)

// stubBackend satisfies Backend for registry tests.
type stubBackend struct {
	initialized bool
	initErr     error
	closed      bool
}

func (s *stubBackend) Initialize(ctx context.Context) error {
	s.initialized = true
	return s.initErr
}
func (s *stubBackend) Close() error { s.closed = true; return nil }
func (s *stubBackend) HealthCheck(ctx context.Context) error {
	return nil
}
func (s *stubBackend) SaveSession(ctx context.Context, sess *conversation.Session) error { return nil }
func (s *stubBackend) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	return nil, ErrSessionNotFound
}
func (s *stubBackend) DeleteSession(ctx context.Context, id string) (bool, error) { return false, nil }
func (s *stubBackend) ListSessions(ctx context.Context, f ListFilter) ([]*conversation.Session, error) {
	return nil, nil
}
func (s *stubBackend) SaveSessions(ctx context.Context, sessions []*conversation.Session) error {
	return nil
}
func (s *stubBackend) GetSessions(ctx context.Context, ids []string) ([]*conversation.Session, error) {
	return nil, nil
}
func (s *stubBackend) DeleteSessions(ctx context.Context, ids []string) (int, error) { return 0, nil }
func (s *stubBackend) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (s *stubBackend) GetValue(ctx context.Context, key string) ([]byte, error) {
	return nil, ErrKeyNotFound
}
func (s *stubBackend) DeleteValue(ctx context.Context, key string) (bool, error) { return false, nil }
func (s *stubBackend) Stats(ctx context.Context) (*Stats, error) {
	return &Stats{Driver: "stub"}, nil
}

func TestRegisterAndOpen(t *testing.T) {
	stub := &stubBackend{}
	Register("stub-open", func(config Config) (Backend, error) { return stub, nil })
	defer Unregister("stub-open")

	backend, err := Open(context.Background(), Config{Driver: "stub-open"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if backend != Backend(stub) {
		t.Error("Open() returned a different backend than the factory produced")
	}
	if !stub.initialized {
		t.Error("Open() must call Initialize")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "does-not-exist"})
	if err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Errorf("Open() error = %v, want unknown driver error", err)
	}
}

func TestOpenInitializeFailureCloses(t *testing.T) {
	stub := &stubBackend{initErr: errors.New("disk on fire")}
	Register("stub-fail", func(config Config) (Backend, error) { return stub, nil })
	defer Unregister("stub-fail")

	_, err := Open(context.Background(), Config{Driver: "stub-fail"})
	if err == nil {
		t.Fatal("Open() expected error when Initialize fails")
	}
	if !stub.closed {
		t.Error("Open() must close the backend when Initialize fails")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("stub-dup", func(config Config) (Backend, error) { return &stubBackend{}, nil })
	defer Unregister("stub-dup")

	defer func() {
		if recover() == nil {
			t.Error("Register() must panic on duplicate driver name")
		}
	}()
	Register("stub-dup", func(config Config) (Backend, error) { return &stubBackend{}, nil })
}

func TestIsRegistered(t *testing.T) {
	if IsRegistered("stub-absent") {
		t.Error("IsRegistered() = true for unregistered driver")
	}
	Register("stub-present", func(config Config) (Backend, error) { return &stubBackend{}, nil })
	defer Unregister("stub-present")
	if !IsRegistered("stub-present") {
		t.Error("IsRegistered() = false for registered driver")
	}
}
