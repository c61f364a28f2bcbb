package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/eventlog"
	"github.com/ballast-ai/ballast/pkg/storage"
	"github.com/ballast-ai/ballast/pkg/storage/memory"
)

func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	backend, err := memory.New(storage.Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	if err := backend.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func newTestEventLog(t *testing.T) *eventlog.Log {
	t.Helper()
	events, err := eventlog.Open(eventlog.Options{Dir: t.TempDir(), CompactionSchedule: "-"})
	if err != nil {
		t.Fatalf("eventlog.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = events.Close(context.Background()) })
	return events
}

func newTestManager(t *testing.T, backend storage.Backend, cfg Config) *Manager {
	t.Helper()
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "-"
	}
	mgr, err := NewManager(backend, newTestEventLog(t), cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr
}

func TestNewManagerValidation(t *testing.T) {
	backend := newTestBackend(t)
	events := newTestEventLog(t)

	if _, err := NewManager(nil, events, Config{SweepSchedule: "-"}); err == nil {
		t.Error("NewManager() without backend should fail")
	}
	if _, err := NewManager(backend, nil, Config{SweepSchedule: "-"}); err == nil {
		t.Error("NewManager() without event log should fail")
	}
	if _, err := NewManager(backend, events, Config{SweepSchedule: "-", ExpiryPolicy: "purge"}); err == nil {
		t.Error("NewManager() with unknown expiry policy should fail")
	}
}

func TestCreate(t *testing.T) {
	mgr := newTestManager(t, newTestBackend(t), Config{})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"researcher", "writer"}, map[string]any{"topic": "tides"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Error("session ID should not be empty")
	}
	if s.Version != 1 {
		t.Errorf("Version = %d, want 1", s.Version)
	}
	if s.State != conversation.StateActive {
		t.Errorf("State = %q, want active", s.State)
	}
	if s.SharedContext["topic"] != "tides" {
		t.Error("initial context not seeded")
	}
	if len(s.AgentStates) != 2 {
		t.Errorf("AgentStates has %d entries, want 2", len(s.AgentStates))
	}

	if _, err := mgr.Create(ctx, nil, nil); !errors.Is(err, conversation.ErrInvalidSession) {
		t.Errorf("Create() with no agents error = %v, want ErrInvalidSession", err)
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	mgr := newTestManager(t, newTestBackend(t), Config{})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := mgr.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.SharedContext["scribble"] = true
	got.History = append(got.History, conversation.MessageTurn{Sequence: 1})

	again, err := mgr.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := again.SharedContext["scribble"]; ok {
		t.Error("mutating a returned session leaked into the store")
	}
	if len(again.History) != 0 {
		t.Error("mutating a returned history leaked into the store")
	}
}

func TestGetMissing(t *testing.T) {
	mgr := newTestManager(t, newTestBackend(t), Config{})
	if _, err := mgr.Get(context.Background(), "no-such-id"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestUpdateBumpsVersionAndAnnounces(t *testing.T) {
	backend := newTestBackend(t)
	mgr := newTestManager(t, backend, Config{})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		updated, err := mgr.Update(ctx, s.ID, func(s *conversation.Session) error {
			s.History = append(s.History, conversation.MessageTurn{
				Sequence:    s.NextSequence(),
				Timestamp:   time.Now().UTC(),
				UserMessage: "hello",
			})
			return nil
		})
		if err != nil {
			t.Fatalf("Update() %d error = %v", i, err)
		}
		if updated.Version != i+2 {
			t.Errorf("Version after update %d = %d, want %d", i, updated.Version, i+2)
		}
	}

	events, err := mgr.events.Replay(ctx, s.ID, eventlog.ReplayOptions{
		Types: []eventlog.EventType{eventlog.TypeSessionUpdated},
	})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("announced %d session-updated events, want 3", len(events))
	}
}

func TestUpdateMutatorErrorAbandons(t *testing.T) {
	backend := newTestBackend(t)
	mgr := newTestManager(t, backend, Config{})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	boom := errors.New("boom")
	if _, err := mgr.Update(ctx, s.ID, func(*conversation.Session) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want the mutator's error", err)
	}

	stored, err := backend.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("abandoned update changed version to %d", stored.Version)
	}
}

// staleGetBackend returns sessions one version behind, forcing the
// subsequent save to fail its version check.
type staleGetBackend struct {
	storage.Backend
}

func (b *staleGetBackend) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	s, err := b.Backend.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Version > 1 {
		s.Version--
	}
	return s, nil
}

func TestUpdateConflictSurfaces(t *testing.T) {
	backend := newTestBackend(t)
	mgr := newTestManager(t, backend, Config{})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := mgr.Update(ctx, s.ID, func(*conversation.Session) error { return nil }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stale := newTestManager(t, &staleGetBackend{Backend: backend}, Config{})
	_, err = stale.Update(ctx, s.ID, func(*conversation.Session) error { return nil })
	if !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("Update() error = %v, want ErrVersionConflict", err)
	}

	// The losing writer re-reads and reapplies; the retry succeeds.
	updated, err := mgr.Update(ctx, s.ID, func(*conversation.Session) error { return nil })
	if err != nil {
		t.Fatalf("retried Update() error = %v", err)
	}
	if updated.Version != 3 {
		t.Errorf("Version after retry = %d, want 3", updated.Version)
	}
}

func TestExpiredSessionSurfaces(t *testing.T) {
	mgr := newTestManager(t, newTestBackend(t), Config{TTL: 50 * time.Millisecond})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := mgr.Get(ctx, s.ID); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Get() on overdue session error = %v, want ErrSessionExpired", err)
	}
	if _, err := mgr.Update(ctx, s.ID, func(*conversation.Session) error { return nil }); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Update() on overdue session error = %v, want ErrSessionExpired", err)
	}
}

func TestUpdateTrimsToBudget(t *testing.T) {
	budget := 4 * 1024
	mgr := newTestManager(t, newTestBackend(t), Config{MaxSessionBytes: budget})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	filler := strings.Repeat("x", 512)
	updated, err := mgr.Update(ctx, s.ID, func(s *conversation.Session) error {
		st := s.AgentStates["agent-a"]
		for i := 0; i < 40; i++ {
			st.MessageHistory = append(st.MessageHistory, conversation.MessageTurn{
				Sequence:    i + 1,
				UserMessage: filler,
			})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	size, err := conversation.NewCodec().Size(updated)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size > budget {
		t.Errorf("persisted size %d exceeds the %d byte budget", size, budget)
	}
	history := updated.AgentStates["agent-a"].MessageHistory
	if len(history) == 0 {
		t.Fatal("trim removed every entry; the most recent must survive")
	}
	if history[len(history)-1].Sequence != 40 {
		t.Error("trim should discard oldest entries first")
	}
}

func TestDelete(t *testing.T) {
	mgr := newTestManager(t, newTestBackend(t), Config{})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	existed, err := mgr.Delete(ctx, s.ID)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !existed {
		t.Error("Delete() should report the session existed")
	}
	if _, err := mgr.Get(ctx, s.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrSessionNotFound", err)
	}

	existed, err = mgr.Delete(ctx, s.ID)
	if err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if existed {
		t.Error("second Delete() should report the session was gone")
	}
}

func TestRestoreFoldsCriticalEvents(t *testing.T) {
	backend := newTestBackend(t)
	mgr := newTestManager(t, backend, Config{})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Events published after the last persisted update: one replayable
	// message turn, one failure the orchestrator must see, and a normal
	// event which restoration ignores.
	time.Sleep(5 * time.Millisecond)
	publish := func(e *eventlog.Event) {
		t.Helper()
		if err := mgr.events.Publish(ctx, e); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	publish(&eventlog.Event{
		SessionID: s.ID,
		Type:      eventlog.TypeMessage,
		Priority:  eventlog.PriorityCritical,
		AgentName: "agent-a",
		Data:      map[string]any{"sequence": float64(1), "userMessage": "what happened?", "response": "recovered"},
	})
	publish(&eventlog.Event{
		SessionID: s.ID,
		Type:      eventlog.TypeAgentFailure,
		Priority:  eventlog.PriorityCritical,
		AgentName: "agent-a",
	})
	publish(&eventlog.Event{
		SessionID: s.ID,
		Type:      eventlog.TypeHandoff,
		Priority:  eventlog.PriorityNormal,
	})

	restored, err := mgr.Restore(ctx, s.ID)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if len(restored.History) != 1 {
		t.Fatalf("restored history has %d turns, want 1", len(restored.History))
	}
	turn := restored.History[0]
	if turn.UserMessage != "what happened?" || turn.Sequence != 1 {
		t.Errorf("restored turn = %+v", turn)
	}
	if len(turn.AgentResponses) != 1 || turn.AgentResponses[0].Response != "recovered" {
		t.Errorf("restored responses = %+v", turn.AgentResponses)
	}

	recovery, _ := restored.SharedContext["recovery"].([]any)
	if len(recovery) != 1 {
		t.Fatalf("recovery context has %d entries, want the failure event only", len(recovery))
	}

	// Restoration is read-side: the persisted record is untouched.
	stored, err := backend.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if len(stored.History) != 0 || stored.Version != 1 {
		t.Error("Restore() must not persist the reconciled state")
	}
}

func TestRestoreNilSharedContext(t *testing.T) {
	mgr := newTestManager(t, newTestBackend(t), Config{})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	// A mutator may nil the shared context; the persisted form then
	// decodes with a nil map.
	if _, err := mgr.Update(ctx, s.ID, func(s *conversation.Session) error {
		s.SharedContext = nil
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := mgr.events.Publish(ctx, &eventlog.Event{
		SessionID: s.ID,
		Type:      eventlog.TypeUserInterrupt,
		Priority:  eventlog.PriorityCritical,
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	restored, err := mgr.Restore(ctx, s.ID)
	if err != nil {
		t.Fatalf("Restore() with nil shared context error = %v", err)
	}
	recovery, _ := restored.SharedContext["recovery"].([]any)
	if len(recovery) != 1 {
		t.Fatalf("recovery context has %d entries, want 1", len(recovery))
	}
}

func TestUpdateRejectsArchived(t *testing.T) {
	backend := newTestBackend(t)
	mgr := newTestManager(t, backend, Config{TTL: 50 * time.Millisecond, ExpiryPolicy: PolicyArchive})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := mgr.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}

	_, err = mgr.Update(ctx, s.ID, func(*conversation.Session) error { return nil })
	if !errors.Is(err, ErrSessionArchived) {
		t.Fatalf("Update() on archived session error = %v, want ErrSessionArchived", err)
	}

	stored, err := backend.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if stored.Version != 2 || stored.State != conversation.StateArchived {
		t.Errorf("archived record changed: version %d state %q", stored.Version, stored.State)
	}
}

func TestRestoreMany(t *testing.T) {
	mgr := newTestManager(t, newTestBackend(t), Config{})
	ctx := context.Background()

	ids := make([]string, 5)
	for i := range ids {
		s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		ids[i] = s.ID
	}

	restored, err := mgr.RestoreMany(ctx, ids)
	if err != nil {
		t.Fatalf("RestoreMany() error = %v", err)
	}
	if len(restored) != 5 {
		t.Fatalf("RestoreMany() returned %d sessions, want 5", len(restored))
	}
	for i, s := range restored {
		if s == nil || s.ID != ids[i] {
			t.Errorf("restored[%d] does not match requested ID", i)
		}
	}

	if _, err := mgr.RestoreMany(ctx, append(ids, "missing")); err == nil {
		t.Error("RestoreMany() with a missing session should fail")
	}
}

func TestCloseRefusesNewWork(t *testing.T) {
	mgr := newTestManager(t, newTestBackend(t), Config{DrainTimeout: time.Second})
	ctx := context.Background()

	s, err := mgr.Create(ctx, []string{"agent-a"}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := mgr.Get(ctx, s.ID); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Get() after close error = %v, want ErrManagerClosed", err)
	}
	if _, err := mgr.Create(ctx, []string{"agent-a"}, nil); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Create() after close error = %v, want ErrManagerClosed", err)
	}
}
