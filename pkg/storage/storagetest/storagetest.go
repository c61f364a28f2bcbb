// Package storagetest holds the conformance suite every storage driver
// must pass. Driver test files construct a Harness and call Run; the
// suite then exercises the full storage.Backend contract so that all
// backends exhibit identical observable behavior.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
)

// Harness adapts one driver to the conformance suite.
type Harness struct {
	// Open returns a fresh initialized backend over a new empty store.
	// Register cleanup with t.Cleanup.
	Open func(t *testing.T) storage.Backend

	// Reopen returns a new backend over the same underlying store as the
	// most recent Open from this harness, simulating a process restart.
	Reopen func(t *testing.T) storage.Backend

	// Advance moves the backend's clock forward for TTL checks.
	// Leave nil to use real time via time.Sleep.
	Advance func(d time.Duration)
}

func (h Harness) advance(d time.Duration) {
	if h.Advance != nil {
		h.Advance(d)
		return
	}
	time.Sleep(d)
}

// Run executes the conformance suite against the harness.
func Run(t *testing.T, h Harness) {
	t.Run("SaveAndGetSession", func(t *testing.T) { testSaveAndGet(t, h) })
	t.Run("GetSessionNotFound", func(t *testing.T) { testGetNotFound(t, h) })
	t.Run("VersionSequence", func(t *testing.T) { testVersionSequence(t, h) })
	t.Run("DoubleSaveConflicts", func(t *testing.T) { testDoubleSave(t, h) })
	t.Run("ConcurrentWritersOneWinner", func(t *testing.T) { testConcurrentWriters(t, h) })
	t.Run("DeleteSession", func(t *testing.T) { testDeleteSession(t, h) })
	t.Run("ListSessions", func(t *testing.T) { testListSessions(t, h) })
	t.Run("BatchOperations", func(t *testing.T) { testBatchOperations(t, h) })
	t.Run("KeyValue", func(t *testing.T) { testKeyValue(t, h) })
	t.Run("KeyValueTTL", func(t *testing.T) { testKeyValueTTL(t, h) })
	t.Run("PersistenceAcrossInstances", func(t *testing.T) { testPersistence(t, h) })
	t.Run("Stats", func(t *testing.T) { testStats(t, h) })
	t.Run("ClosedBackend", func(t *testing.T) { testClosed(t, h) })
	t.Run("HealthCheck", func(t *testing.T) { testHealthCheck(t, h) })
}

func sampleSession(agents ...string) *conversation.Session {
	if len(agents) == 0 {
		agents = []string{"agent-a"}
	}
	s := conversation.NewSession(agents, time.Hour)
	s.History = append(s.History, conversation.MessageTurn{
		Sequence:    1,
		Timestamp:   time.Now().UTC(),
		UserMessage: "hello",
		AgentResponses: []conversation.AgentResponse{
			{AgentID: agents[0], Response: "hi", Timestamp: time.Now().UTC()},
		},
	})
	s.SharedContext["topic"] = "greeting"
	return s
}

// nextVersion returns a copy carrying the version a follow-up save must
// use.
func nextVersion(s *conversation.Session) *conversation.Session {
	c := s.Clone()
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	return c
}

func testSaveAndGet(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	s := sampleSession("planner", "critic")
	require.NoError(t, backend.SaveSession(ctx, s))

	got, err := backend.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Version, got.Version)
	assert.Equal(t, s.State, got.State)
	assert.Equal(t, s.AgentIDs, got.AgentIDs)
	assert.True(t, got.CreatedAt.Equal(s.CreatedAt), "createdAt drifted: %v vs %v", got.CreatedAt, s.CreatedAt)
	require.Len(t, got.History, 1)
	assert.Equal(t, "hello", got.History[0].UserMessage)
	assert.Equal(t, "greeting", got.SharedContext["topic"])

	// A read result is a private copy. Mutating it must not leak back.
	got.SharedContext["topic"] = "mutated"
	again, err := backend.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", again.SharedContext["topic"])
}

func testGetNotFound(t *testing.T, h Harness) {
	backend := h.Open(t)

	_, err := backend.GetSession(context.Background(), "no-such-session")
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func testVersionSequence(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	s := sampleSession()
	require.NoError(t, backend.SaveSession(ctx, s))

	v2 := nextVersion(s)
	require.NoError(t, backend.SaveSession(ctx, v2))

	// Skipping ahead is as much a conflict as lagging behind.
	v5 := v2.Clone()
	v5.Version = 5
	require.ErrorIs(t, backend.SaveSession(ctx, v5), storage.ErrVersionConflict)

	stale := v2.Clone()
	stale.Version = 2
	require.ErrorIs(t, backend.SaveSession(ctx, stale), storage.ErrVersionConflict)

	got, err := backend.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "failed saves must not change the stored session")
}

func testDoubleSave(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	s := sampleSession()
	require.NoError(t, backend.SaveSession(ctx, s))
	require.ErrorIs(t, backend.SaveSession(ctx, s), storage.ErrVersionConflict,
		"saving version 1 twice must conflict")
}

func testConcurrentWriters(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	s := sampleSession()
	require.NoError(t, backend.SaveSession(ctx, s))

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := s.Clone()
			c.Version = 2
			c.SharedContext["writer"] = i
			errs[i] = backend.SaveSession(ctx, c)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, storage.ErrVersionConflict, "writer %d got unexpected error", i)
	}
	require.Equal(t, 1, wins, "exactly one concurrent writer must win")

	got, err := backend.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func testDeleteSession(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	s := sampleSession()
	require.NoError(t, backend.SaveSession(ctx, s))

	existed, err := backend.DeleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = backend.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, storage.ErrSessionNotFound)

	existed, err = backend.DeleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, existed, "second delete must report the session as absent")
}

func testListSessions(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	mk := func(i int, state conversation.State, agents ...string) *conversation.Session {
		s := sampleSession(agents...)
		s.State = state
		s.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if state == conversation.StateExpired {
			s.ExpiresAt = base
			s.CreatedAt = base.Add(-time.Hour)
		}
		require.NoError(t, backend.SaveSession(ctx, s))
		return s
	}

	s0 := mk(0, conversation.StateActive, "alpha")
	s1 := mk(1, conversation.StateActive, "alpha", "beta")
	s2 := mk(2, conversation.StatePaused, "beta")
	s3 := mk(3, conversation.StateExpired, "alpha")

	all, err := backend.ListSessions(ctx, storage.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].UpdatedAt.After(all[i-1].UpdatedAt),
			"results must be ordered most recently updated first")
	}
	assert.Equal(t, s3.ID, all[0].ID)

	active, err := backend.ListSessions(ctx, storage.ListFilter{
		States: []conversation.State{conversation.StateActive},
	})
	require.NoError(t, err)
	require.Len(t, active, 2)

	beta, err := backend.ListSessions(ctx, storage.ListFilter{AgentID: "beta"})
	require.NoError(t, err)
	require.Len(t, beta, 2)
	assert.Equal(t, s2.ID, beta[0].ID)
	assert.Equal(t, s1.ID, beta[1].ID)

	expiring, err := backend.ListSessions(ctx, storage.ListFilter{
		ExpiresBefore: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, s3.ID, expiring[0].ID)

	recent, err := backend.ListSessions(ctx, storage.ListFilter{
		UpdatedAfter: base.Add(90 * time.Second),
	})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	paged, err := backend.ListSessions(ctx, storage.ListFilter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, s2.ID, paged[0].ID)
	assert.Equal(t, s1.ID, paged[1].ID)

	empty, err := backend.ListSessions(ctx, storage.ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
	_ = s0
}

func testBatchOperations(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	batch := []*conversation.Session{sampleSession(), sampleSession(), sampleSession()}
	require.NoError(t, backend.SaveSessions(ctx, batch))

	ids := []string{batch[0].ID, "missing-id", batch[2].ID}
	got, err := backend.GetSessions(ctx, ids)
	require.NoError(t, err)
	require.Len(t, got, 2, "missing IDs are skipped, not errors")
	assert.Equal(t, batch[0].ID, got[0].ID)
	assert.Equal(t, batch[2].ID, got[1].ID)

	deleted, err := backend.DeleteSessions(ctx, []string{batch[0].ID, batch[1].ID, "missing-id"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := backend.ListSessions(ctx, storage.ListFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, batch[2].ID, remaining[0].ID)

	// A batch save is subject to the same version rules as single saves.
	conflict := []*conversation.Session{nextVersion(batch[2]), batch[2]}
	err = backend.SaveSessions(ctx, conflict)
	require.ErrorIs(t, err, storage.ErrVersionConflict)
}

func testKeyValue(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	require.NoError(t, backend.SetValue(ctx, "checkpoint:latest", []byte(`{"seq":42}`), 0))

	got, err := backend.GetValue(ctx, "checkpoint:latest")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"seq":42}`), got)

	// Overwrite is allowed for plain values.
	require.NoError(t, backend.SetValue(ctx, "checkpoint:latest", []byte(`{"seq":43}`), 0))
	got, err = backend.GetValue(ctx, "checkpoint:latest")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"seq":43}`), got)

	_, err = backend.GetValue(ctx, "absent")
	require.ErrorIs(t, err, storage.ErrKeyNotFound)

	existed, err := backend.DeleteValue(ctx, "checkpoint:latest")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = backend.DeleteValue(ctx, "checkpoint:latest")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = backend.GetValue(ctx, "checkpoint:latest")
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func testKeyValueTTL(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	require.NoError(t, backend.SetValue(ctx, "lease", []byte("held"), 150*time.Millisecond))

	got, err := backend.GetValue(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, []byte("held"), got)

	h.advance(300 * time.Millisecond)

	_, err = backend.GetValue(ctx, "lease")
	require.ErrorIs(t, err, storage.ErrKeyNotFound, "expired keys behave as absent")
}

func testPersistence(t *testing.T, h Harness) {
	if h.Reopen == nil {
		t.Skip("harness does not support reopening")
	}
	ctx := context.Background()

	first := h.Open(t)
	s := sampleSession("survivor")
	require.NoError(t, first.SaveSession(ctx, s))
	require.NoError(t, first.SetValue(ctx, "durable", []byte("still here"), 0))
	require.NoError(t, first.Close())

	second := h.Reopen(t)
	got, err := second.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Version, got.Version)
	require.Len(t, got.History, 1)

	val, err := second.GetValue(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), val)

	// The version sequence continues across instances.
	require.ErrorIs(t, second.SaveSession(ctx, s), storage.ErrVersionConflict)
	require.NoError(t, second.SaveSession(ctx, nextVersion(s)))
}

func testStats(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, backend.SaveSession(ctx, sampleSession()))
	}
	require.NoError(t, backend.SetValue(ctx, "k1", []byte("v1"), 0))
	require.NoError(t, backend.SetValue(ctx, "k2", []byte("v2"), time.Hour))

	stats, err := backend.Stats(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, stats.Driver)
	assert.Equal(t, 3, stats.SessionCount)
	assert.Equal(t, 2, stats.KeyCount)
	assert.Greater(t, stats.SizeBytes, int64(0))
}

func testClosed(t *testing.T, h Harness) {
	backend := h.Open(t)
	ctx := context.Background()
	require.NoError(t, backend.Close())

	err := backend.SaveSession(ctx, sampleSession())
	require.ErrorIs(t, err, storage.ErrBackendClosed)

	_, err = backend.GetSession(ctx, "any")
	require.ErrorIs(t, err, storage.ErrBackendClosed)

	err = backend.SetValue(ctx, "k", []byte("v"), 0)
	require.ErrorIs(t, err, storage.ErrBackendClosed)

	require.ErrorIs(t, backend.HealthCheck(ctx), storage.ErrBackendClosed)
}

func testHealthCheck(t *testing.T, h Harness) {
	backend := h.Open(t)
	require.NoError(t, backend.HealthCheck(context.Background()))
}

// Benchmark exercises the latency-sensitive paths of a backend. Driver
// benchmark functions call this with their own backend.
func Benchmark(b *testing.B, backend storage.Backend) {
	ctx := context.Background()

	b.Run("SaveSession", func(b *testing.B) {
		s := sampleSession()
		if err := backend.SaveSession(ctx, s); err != nil {
			b.Fatal(err)
		}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			s = nextVersion(s)
			if err := backend.SaveSession(ctx, s); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("GetSession", func(b *testing.B) {
		s := sampleSession()
		if err := backend.SaveSession(ctx, s); err != nil {
			b.Fatal(err)
		}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := backend.GetSession(ctx, s.ID); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("SetValue", func(b *testing.B) {
		payload := []byte(`{"cursor":"abc123"}`)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if err := backend.SetValue(ctx, fmt.Sprintf("bench:%d", i%64), payload, 0); err != nil {
				b.Fatal(err)
			}
		}
	})
}
