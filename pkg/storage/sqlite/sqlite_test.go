package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
	_ "github.com/ballast-ai/ballast/pkg/storage/sqlite"
	"github.com/ballast-ai/ballast/pkg/storage/storagetest"
)

func openPath(t *testing.T, path string) storage.Backend {
	t.Helper()
	backend, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		SQLite: &storage.SQLiteConfig{Path: path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestConformance(t *testing.T) {
	var current string
	storagetest.Run(t, storagetest.Harness{
		Open: func(t *testing.T) storage.Backend {
			current = filepath.Join(t.TempDir(), "ballast.db")
			return openPath(t, current)
		},
		Reopen: func(t *testing.T) storage.Backend {
			return openPath(t, current)
		},
	})
}

func TestInMemoryDatabase(t *testing.T) {
	backend := openPath(t, ":memory:")
	ctx := context.Background()

	s := conversation.NewSession([]string{"a"}, time.Hour)
	require.NoError(t, backend.SaveSession(ctx, s))

	got, err := backend.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
}

func TestSchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ballast.db")
	ctx := context.Background()

	first := openPath(t, path)
	s := conversation.NewSession([]string{"a"}, time.Hour)
	require.NoError(t, first.SaveSession(ctx, s))
	require.NoError(t, first.Close())

	// Reinitializing over an existing database must not disturb data.
	second := openPath(t, path)
	got, err := second.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.Version, got.Version)
}

func TestListUsesSQLPredicates(t *testing.T) {
	backend := openPath(t, filepath.Join(t.TempDir(), "ballast.db"))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		s := conversation.NewSession([]string{"worker"}, 2*time.Hour)
		s.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			s.State = conversation.StatePaused
		}
		require.NoError(t, backend.SaveSession(ctx, s))
	}

	paused, err := backend.ListSessions(ctx, storage.ListFilter{
		States: []conversation.State{conversation.StatePaused},
	})
	require.NoError(t, err)
	require.Len(t, paused, 2)

	// SQL-side paging without the agent predicate.
	page, err := backend.ListSessions(ctx, storage.ListFilter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)

	// Go-side paging when the agent predicate is present.
	agentPage, err := backend.ListSessions(ctx, storage.ListFilter{
		AgentID: "worker",
		Offset:  1,
		Limit:   2,
	})
	require.NoError(t, err)
	require.Len(t, agentPage, 2)
	require.True(t, agentPage[0].UpdatedAt.After(agentPage[1].UpdatedAt))
}

func BenchmarkSQLiteBackend(b *testing.B) {
	backend, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		SQLite: &storage.SQLiteConfig{Path: filepath.Join(b.TempDir(), "bench.db")},
	})
	if err != nil {
		b.Fatal(err)
	}
	defer backend.Close()

	storagetest.Benchmark(b, backend)
}
