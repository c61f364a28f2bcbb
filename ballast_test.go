package ballast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ballast-ai/ballast/pkg/config"
	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/eventlog"
	"github.com/ballast-ai/ballast/pkg/health"
	"github.com/ballast-ai/ballast/pkg/observability"
	"github.com/ballast-ai/ballast/pkg/session"
	"github.com/ballast-ai/ballast/pkg/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage = storage.Config{Driver: "memory"}
	cfg.EventLog.Dir = t.TempDir()
	cfg.EventLog.CompactionSchedule = "-"
	cfg.Session.SweepSchedule = "-"
	cfg.Session.DrainTimeout = 2 * time.Second
	cfg.Shutdown.Ceiling = 10 * time.Second
	return cfg
}

func TestCoreLifecycle(t *testing.T) {
	ctx := context.Background()
	core, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := core.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := core.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}

	// Conversation flow: create, update with a turn, read back.
	s, err := core.Sessions.Create(ctx, []string{"researcher", "writer"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	updated, err := core.Sessions.Update(ctx, s.ID, func(s *conversation.Session) error {
		s.History = append(s.History, conversation.MessageTurn{
			Sequence:    s.NextSequence(),
			Timestamp:   time.Now().UTC(),
			UserMessage: "summarize the findings",
		})
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	// The update was announced on the event log.
	events, err := core.Events.Replay(ctx, s.ID, eventlog.ReplayOptions{
		Types: []eventlog.EventType{eventlog.TypeSessionUpdated},
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("replayed %d session-updated events, want 1", len(events))
	}

	// Agent monitoring wired to the same event log and session store.
	if err := core.Health.Register("writer", health.RegisterOptions{
		Timeout:  time.Hour,
		Sessions: []string{s.ID},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if st := core.Health.Health(); st.Overall != observability.HealthStatusHealthy {
		t.Errorf("Health() = %q, want healthy", st.Overall)
	}

	stats, err := core.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.SessionCount != 1 {
		t.Errorf("SessionCount = %d, want 1", stats.SessionCount)
	}

	resp := core.Checker.Check(ctx)
	if resp.Status != observability.HealthStatusHealthy {
		t.Errorf("Checker status = %q, want healthy", resp.Status)
	}

	if err := core.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestShutdownIsOrderedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	core, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := core.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s, err := core.Sessions.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := core.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// Intake is closed before anything is torn down.
	if _, err := core.Sessions.Get(ctx, s.ID); !errors.Is(err, session.ErrManagerClosed) {
		t.Errorf("Get() after shutdown error = %v, want ErrManagerClosed", err)
	}
	if err := core.Events.Publish(ctx, &eventlog.Event{SessionID: s.ID, Type: eventlog.TypeMessage}); !errors.Is(err, eventlog.ErrLogClosed) {
		t.Errorf("Publish() after shutdown error = %v, want ErrLogClosed", err)
	}
	if err := core.Backend.HealthCheck(ctx); !errors.Is(err, storage.ErrBackendClosed) {
		t.Errorf("HealthCheck() after shutdown error = %v, want ErrBackendClosed", err)
	}

	// A second shutdown is a no-op.
	if err := core.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestShutdownSurvivesRestart(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.Storage.Memory = &storage.MemoryConfig{Name: t.Name()}

	core, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s, err := core.Sessions.Create(ctx, []string{"agent-a"}, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := core.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// A new core over the same store and event log directory picks the
	// session back up.
	reborn, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	defer func() { _ = reborn.Shutdown(ctx) }()

	restored, err := reborn.Sessions.Restore(ctx, s.ID)
	if err != nil {
		t.Fatalf("Restore() after restart error = %v", err)
	}
	if restored.SharedContext["k"] != "v" {
		t.Error("restored session lost its shared context")
	}
}

func TestNewDefaultsToFileDriver(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Storage = storage.Config{Driver: "file", File: &storage.FileConfig{Dir: t.TempDir()}}

	core, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() with file driver error = %v", err)
	}
	if _, err := core.Sessions.Create(ctx, []string{"agent-a"}, nil); err != nil {
		t.Fatalf("Create() on file driver error = %v", err)
	}
	if err := core.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
