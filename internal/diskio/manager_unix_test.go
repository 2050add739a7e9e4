//go:build unix

package diskio

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerAbandonedReadKeepsSlotAndBuffer(t *testing.T) {
	dir := t.TempDir()
	fifo := filepath.Join(dir, "pipe")
	require.NoError(t, syscall.Mkfifo(fifo, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "block"), []byte("ZZZZ"), 0644))

	m := New(Config{Dirs: []string{dir}, ThreadsPerDisk: 1, MaxOutstanding: 2})
	require.NoError(t, m.Init())
	defer m.Close()

	// Opening the fifo blocks the only worker until a writer shows up.
	stuck := make(chan struct{})
	go func() {
		defer close(stuck)
		_, _ = m.Read(context.Background(), 0, "pipe", 0, make([]byte, 4))
	}()
	require.Eventually(t, func() bool {
		return !canAcquire(m, 2)
	}, time.Second, 10*time.Millisecond)

	buf := []byte("AAAA")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := m.Read(ctx, 0, "block", 0, buf)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned read is still queued and keeps its slot.
	require.False(t, canAcquire(m, 1))

	w, err := os.OpenFile(fifo, os.O_WRONLY, 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	<-stuck

	require.Eventually(t, func() bool {
		return canAcquire(m, 2)
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "AAAA", string(buf))
}

func canAcquire(m *Manager, n int64) bool {
	if !m.outstanding.TryAcquire(n) {
		return false
	}
	m.outstanding.Release(n)
	return true
}
