package diskio

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerInitAndRead(t *testing.T) {
	dirs := []string{t.TempDir(), filepath.Join(t.TempDir(), "nested", "disk")}
	m := New(Config{Dirs: dirs, ThreadsPerDisk: 2, MaxOutstanding: 4})
	require.NoError(t, m.Init())
	require.NoError(t, m.Init())
	defer m.Close()

	require.Equal(t, 2, m.NumDisks())
	require.DirExists(t, dirs[1])

	require.NoError(t, os.WriteFile(filepath.Join(dirs[1], "block"), []byte("hello world"), 0644))

	buf := make([]byte, 5)
	n, err := m.Read(context.Background(), 1, "block", 6, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))

	_, err = m.Read(context.Background(), 1, "block", 8, make([]byte, 10))
	require.ErrorIs(t, err, io.EOF)

	_, err = m.Read(context.Background(), 0, "missing", 0, buf)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = m.Read(context.Background(), 2, "block", 0, buf)
	require.ErrorIs(t, err, ErrInvalidDisk)
}

func TestManagerInitFailure(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	m := New(Config{Dirs: []string{file}, ThreadsPerDisk: 1, MaxOutstanding: 1})
	require.Error(t, m.Init())

	m = New(Config{ThreadsPerDisk: 1, MaxOutstanding: 1})
	require.Error(t, m.Init())

	m = New(Config{Dirs: []string{t.TempDir()}})
	require.Error(t, m.Init())
}

func TestManagerReadBeforeInitAndAfterClose(t *testing.T) {
	m := New(Config{Dirs: []string{t.TempDir()}, ThreadsPerDisk: 1, MaxOutstanding: 1})
	_, err := m.Read(context.Background(), 0, "block", 0, make([]byte, 1))
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Init())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = m.Read(context.Background(), 0, "block", 0, make([]byte, 1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestManagerReadCancelled(t *testing.T) {
	m := New(Config{Dirs: []string{t.TempDir()}, ThreadsPerDisk: 1, MaxOutstanding: 1})
	require.NoError(t, m.Init())
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Hold the only slot so the cancelled read cannot acquire one.
	require.NoError(t, m.outstanding.Acquire(context.Background(), 1))
	defer m.outstanding.Release(1)

	_, err := m.Read(ctx, 0, "block", 0, make([]byte, 1))
	require.ErrorIs(t, err, context.Canceled)
}
