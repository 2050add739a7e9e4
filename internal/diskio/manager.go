package diskio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNotInitialized = errors.New("disk io manager not initialized")
	ErrClosed         = errors.New("disk io manager closed")
	ErrInvalidDisk    = errors.New("invalid disk id")
)

type Config struct {
	Dirs           []string
	ThreadsPerDisk int
	MaxOutstanding int
}

// request is read into its own buffer so a caller that gave up never has
// its memory written after Read returned.
type request struct {
	path   string
	offset int64
	buf    []byte
	done   chan result
}

type result struct {
	n   int
	err error
}

// Manager runs a fixed pool of readers per disk. The number of reads in flight
// across all disks is bounded by MaxOutstanding.
type Manager struct {
	Config

	mu          sync.RWMutex
	initialized bool
	closed      bool
	queues      []chan *request
	outstanding *semaphore.Weighted
	wg          sync.WaitGroup

	logger *zap.Logger
}

func New(config Config) *Manager {
	return &Manager{
		Config: config,
		logger: zap.L().Named("disk-io"),
	}
}

// Init prepares every data directory and starts the disk readers.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if len(m.Dirs) == 0 {
		return errors.New("no data directories configured")
	}
	if m.ThreadsPerDisk < 1 || m.MaxOutstanding < 1 {
		return fmt.Errorf("invalid disk io limits: threads_per_disk=%d max_outstanding=%d",
			m.ThreadsPerDisk, m.MaxOutstanding)
	}
	for _, dir := range m.Dirs {
		if err := prepareDir(dir); err != nil {
			return err
		}
	}

	m.outstanding = semaphore.NewWeighted(int64(m.MaxOutstanding))
	m.queues = make([]chan *request, len(m.Dirs))
	for disk := range m.Dirs {
		m.queues[disk] = make(chan *request, m.MaxOutstanding)
		for i := 0; i < m.ThreadsPerDisk; i++ {
			m.wg.Add(1)
			go m.worker(m.queues[disk], m.outstanding)
		}
	}
	m.initialized = true
	m.logger.Info(
		"disk io manager initialized",
		zap.Strings("dirs", m.Dirs),
		zap.Int("threads_per_disk", m.ThreadsPerDisk),
	)
	return nil
}

// prepareDir creates dir if needed and checks it is a writable directory.
func prepareDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir %q: %w", dir, err)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("data dir %q is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".queryd-probe-")
	if err != nil {
		return fmt.Errorf("data dir %q is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (m *Manager) NumDisks() int {
	return len(m.Dirs)
}

// Read reads len(buf) bytes at offset from path, relative to the data
// directory of disk.
func (m *Manager) Read(ctx context.Context, disk int, path string, offset int64, buf []byte) (int, error) {
	m.mu.RLock()
	outstanding := m.outstanding
	m.mu.RUnlock()
	if outstanding == nil {
		return 0, ErrNotInitialized
	}
	// The slot is released by the worker once the read is done, so requests
	// abandoned by their caller still count against MaxOutstanding.
	if err := outstanding.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	req := &request{
		path:   path,
		offset: offset,
		buf:    make([]byte, len(buf)),
		done:   make(chan result, 1),
	}
	if err := m.enqueue(disk, req); err != nil {
		outstanding.Release(1)
		return 0, err
	}
	select {
	case res := <-req.done:
		copy(buf, req.buf[:res.n])
		return res.n, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) enqueue(disk int, req *request) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if !m.initialized {
		return ErrNotInitialized
	}
	if disk < 0 || disk >= len(m.queues) {
		return fmt.Errorf("%w: %d", ErrInvalidDisk, disk)
	}
	req.path = filepath.Join(m.Dirs[disk], req.path)
	// Every queued or running request holds a slot and queues hold
	// MaxOutstanding requests, so this send never blocks.
	m.queues[disk] <- req
	return nil
}

func (m *Manager) worker(queue <-chan *request, outstanding *semaphore.Weighted) {
	defer m.wg.Done()
	for req := range queue {
		n, err := readAt(req.path, req.offset, req.buf)
		req.done <- result{n: n, err: err}
		outstanding.Release(1)
	}
}

func readAt(path string, offset int64, buf []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(buf, offset)
}

// Close stops the disk readers once queued reads have drained.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		close(q)
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}
