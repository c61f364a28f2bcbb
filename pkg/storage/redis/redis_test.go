package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
	redisstore "github.com/ballast-ai/ballast/pkg/storage/redis"
	"github.com/ballast-ai/ballast/pkg/storage/storagetest"
)

func setupBackend(t *testing.T, mr *miniredis.Miniredis, prefix string) storage.Backend {
	t.Helper()

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	backend := redisstore.NewFromClient(client, prefix)
	require.NoError(t, backend.Initialize(context.Background()))

	t.Cleanup(func() {
		_ = backend.Close()
	})
	return backend
}

func TestConformance(t *testing.T) {
	var mr *miniredis.Miniredis
	storagetest.Run(t, storagetest.Harness{
		Open: func(t *testing.T) storage.Backend {
			mr = miniredis.RunT(t)
			return setupBackend(t, mr, "test:")
		},
		Reopen: func(t *testing.T) storage.Backend {
			return setupBackend(t, mr, "test:")
		},
		Advance: func(d time.Duration) {
			mr.FastForward(d)
		},
	})
}

func TestOpenViaRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	backend, err := storage.Open(ctx, storage.Config{
		Driver: "redis",
		Redis:  &storage.RedisConfig{Addr: mr.Addr()},
	})
	require.NoError(t, err)
	defer backend.Close()

	s := conversation.NewSession([]string{"a"}, time.Hour)
	require.NoError(t, backend.SaveSession(ctx, s))

	got, err := backend.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
}

func TestKeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	blue := setupBackend(t, mr, "blue:")
	green := setupBackend(t, mr, "green:")

	s := conversation.NewSession([]string{"a"}, time.Hour)
	require.NoError(t, blue.SaveSession(ctx, s))

	_, err := green.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, storage.ErrSessionNotFound)

	sessions, err := green.ListSessions(ctx, storage.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestIndexSelfHeals(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	backend := setupBackend(t, mr, "test:")

	s := conversation.NewSession([]string{"a"}, time.Hour)
	require.NoError(t, backend.SaveSession(ctx, s))

	// Simulate an externally evicted session key with a dangling index entry.
	mr.Del("test:session:" + s.ID)

	sessions, err := backend.ListSessions(ctx, storage.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, sessions)

	stats, err := backend.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.SessionCount)
}

func TestInitializeFailsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := storage.Open(context.Background(), storage.Config{
		Driver: "redis",
		Redis:  &storage.RedisConfig{Addr: addr},
	})
	require.Error(t, err)
}
