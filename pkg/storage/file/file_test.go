package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ballast-ai/ballast/pkg/conversation"
	"github.com/ballast-ai/ballast/pkg/storage"
	_ "github.com/ballast-ai/ballast/pkg/storage/file"
	"github.com/ballast-ai/ballast/pkg/storage/storagetest"
)

func openDir(t *testing.T, dir string) storage.Backend {
	t.Helper()
	backend, err := storage.Open(context.Background(), storage.Config{
		Driver: "file",
		File:   &storage.FileConfig{Dir: dir},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestConformance(t *testing.T) {
	var current string
	storagetest.Run(t, storagetest.Harness{
		Open: func(t *testing.T) storage.Backend {
			current = t.TempDir()
			return openDir(t, current)
		},
		Reopen: func(t *testing.T) storage.Backend {
			return openDir(t, current)
		},
	})
}

func TestPathTraversalPrevention(t *testing.T) {
	backend := openDir(t, t.TempDir())
	ctx := context.Background()

	traversalCases := []struct {
		name string
		id   string
	}{
		{"slash in ID", "../../../etc/passwd"},
		{"backslash in ID", "..\\etc"},
		{"dotdot in ID", "foo..bar"},
	}

	for _, tc := range traversalCases {
		t.Run(tc.name, func(t *testing.T) {
			s := conversation.NewSession([]string{"a"}, time.Hour)
			s.ID = tc.id
			if err := backend.SaveSession(ctx, s); err == nil {
				t.Errorf("SaveSession() should reject path traversal attempt: id=%q", tc.id)
			}
			if _, err := backend.GetSession(ctx, tc.id); err == nil {
				t.Errorf("GetSession() should reject path traversal attempt: id=%q", tc.id)
			}
		})
	}
}

func TestCorruptedSessionDocument(t *testing.T) {
	dir := t.TempDir()
	backend := openDir(t, dir)
	ctx := context.Background()

	good := conversation.NewSession([]string{"a"}, time.Hour)
	require.NoError(t, backend.SaveSession(ctx, good))

	// Scribble over a second document to simulate on-disk corruption.
	corruptPath := filepath.Join(dir, "sessions", "corrupted-session.json")
	require.NoError(t, os.WriteFile(corruptPath, []byte("{not json"), 0600))

	// Reads fail closed with the decode error.
	_, err := backend.GetSession(ctx, "corrupted-session")
	require.ErrorIs(t, err, conversation.ErrMalformed)

	// Listing skips the corrupted document instead of failing the sweep.
	sessions, err := backend.ListSessions(ctx, storage.ListFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, good.ID, sessions[0].ID)
}

func TestValueKeysMayContainAnyCharacters(t *testing.T) {
	backend := openDir(t, t.TempDir())
	ctx := context.Background()

	// Keys become hashed file names, so separators never touch the path.
	key := "../leases/../../agent:0/current"
	require.NoError(t, backend.SetValue(ctx, key, []byte("safe"), 0))

	got, err := backend.GetValue(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("safe"), got)
}

func TestFilePermissions(t *testing.T) {
	dir := t.TempDir()
	backend := openDir(t, dir)
	ctx := context.Background()

	s := conversation.NewSession([]string{"a"}, time.Hour)
	require.NoError(t, backend.SaveSession(ctx, s))

	info, err := os.Stat(filepath.Join(dir, "sessions", s.ID+".json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
}

func BenchmarkFileBackend(b *testing.B) {
	dir := b.TempDir()
	backend, err := storage.Open(context.Background(), storage.Config{
		Driver: "file",
		File:   &storage.FileConfig{Dir: dir},
	})
	if err != nil {
		b.Fatal(err)
	}
	defer backend.Close()

	storagetest.Benchmark(b, backend)
}
