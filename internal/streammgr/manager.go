package streammgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrReceiverExists   = errors.New("receiver already registered")
	ErrReceiverNotFound = errors.New("receiver not found")
	ErrCancelled        = errors.New("receiver cancelled")
	ErrInvalidReceiver  = errors.New("invalid receiver parameters")
)

type key struct {
	fragment uuid.UUID
	node     int
}

// Receiver buffers the row batches sent to one exchange node of a fragment
// instance.
type Receiver struct {
	FragmentID uuid.UUID
	NodeID     int

	batches   chan []byte
	eos       chan struct{}
	cancelled chan struct{}

	senders    int
	cancelOnce sync.Once
}

// GetBatch returns the next batch, or io.EOF once every sender has closed and
// the buffer is drained.
func (r *Receiver) GetBatch(ctx context.Context) ([]byte, error) {
	select {
	case <-r.cancelled:
		return nil, ErrCancelled
	case b := <-r.batches:
		return b, nil
	case <-r.eos:
		select {
		case b := <-r.batches:
			return b, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Receiver) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelled) })
}

// Manager routes data streams between fragment instances running on this node.
type Manager struct {
	mu        sync.Mutex
	receivers map[key]*Receiver
	logger    *zap.Logger
}

func New() *Manager {
	return &Manager{
		receivers: make(map[key]*Receiver),
		logger:    zap.L().Named("stream-mgr"),
	}
}

// CreateRecvr registers a receiver expecting numSenders senders and buffering
// up to bufferSize batches.
func (m *Manager) CreateRecvr(fragment uuid.UUID, node, numSenders, bufferSize int) (*Receiver, error) {
	if numSenders < 1 || bufferSize < 0 {
		return nil, fmt.Errorf("%w: senders=%d buffer=%d", ErrInvalidReceiver, numSenders, bufferSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{fragment: fragment, node: node}
	if _, ok := m.receivers[k]; ok {
		return nil, ErrReceiverExists
	}
	r := &Receiver{
		FragmentID: fragment,
		NodeID:     node,
		batches:    make(chan []byte, bufferSize),
		eos:        make(chan struct{}),
		cancelled:  make(chan struct{}),
		senders:    numSenders,
	}
	m.receivers[k] = r
	m.logger.Debug("created receiver", zap.String("fragment", fragment.String()), zap.Int("node", node))
	return r, nil
}

func (m *Manager) FindRecvr(fragment uuid.UUID, node int) (*Receiver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receivers[key{fragment: fragment, node: node}]
	return r, ok
}

// AddData hands batch to the receiver, blocking while its buffer is full.
func (m *Manager) AddData(ctx context.Context, fragment uuid.UUID, node int, batch []byte) error {
	r, ok := m.FindRecvr(fragment, node)
	if !ok {
		return ErrReceiverNotFound
	}
	select {
	case r.batches <- batch:
		return nil
	case <-r.cancelled:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSender marks one sender as finished. The receiver is deregistered and
// drained to EOF after the last sender closes.
func (m *Manager) CloseSender(fragment uuid.UUID, node int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{fragment: fragment, node: node}
	r, ok := m.receivers[k]
	if !ok {
		return ErrReceiverNotFound
	}
	r.senders--
	if r.senders <= 0 {
		delete(m.receivers, k)
		close(r.eos)
	}
	return nil
}

// Cancel aborts every receiver of fragment.
func (m *Manager) Cancel(fragment uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.receivers {
		if k.fragment != fragment {
			continue
		}
		r.cancel()
		delete(m.receivers, k)
	}
	m.logger.Debug("cancelled fragment", zap.String("fragment", fragment.String()))
}
