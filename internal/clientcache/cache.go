package clientcache

import (
	"errors"
	"sync"

	"go.opencensus.io/plugin/ocgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Unbounded disables a client limit.
const Unbounded = 0

var (
	ErrTooManyClients = errors.New("too many backend clients")
	ErrUnknownClient  = errors.New("client not owned by this cache")
	ErrClosed         = errors.New("client cache closed")
)

// Cache pools gRPC connections to backend nodes, keyed by backend address.
// A connection handed out by Get must be given back with Release.
type Cache struct {
	maxClients           int
	maxClientsPerBackend int
	dialOpts             []grpc.DialOption

	mu         sync.Mutex
	idle       map[string][]*grpc.ClientConn
	inUse      map[*grpc.ClientConn]string
	perBackend map[string]int
	total      int
	closed     bool

	logger *zap.Logger
}

// New returns a cache bounded by maxClients overall and maxClientsPerBackend per
// address. Either limit may be Unbounded.
func New(maxClients, maxClientsPerBackend int, opts ...grpc.DialOption) *Cache {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(&ocgrpc.ClientHandler{}),
	}
	dialOpts = append(dialOpts, opts...)
	return &Cache{
		maxClients:           maxClients,
		maxClientsPerBackend: maxClientsPerBackend,
		dialOpts:             dialOpts,
		idle:                 make(map[string][]*grpc.ClientConn),
		inUse:                make(map[*grpc.ClientConn]string),
		perBackend:           make(map[string]int),
		logger:               zap.L().Named("client-cache"),
	}
}

// Get returns an idle connection to addr or dials a new one.
func (c *Cache) Get(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if conns := c.idle[addr]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		c.idle[addr] = conns[:len(conns)-1]
		c.inUse[conn] = addr
		return conn, nil
	}

	if c.maxClients != Unbounded && c.total >= c.maxClients {
		return nil, ErrTooManyClients
	}
	if c.maxClientsPerBackend != Unbounded && c.perBackend[addr] >= c.maxClientsPerBackend {
		return nil, ErrTooManyClients
	}

	conn, err := grpc.Dial(addr, c.dialOpts...)
	if err != nil {
		return nil, err
	}
	c.total++
	c.perBackend[addr]++
	c.inUse[conn] = addr
	c.logger.Debug("created backend client", zap.String("addr", addr), zap.Int("total", c.total))
	return conn, nil
}

// Release returns conn to the pool.
func (c *Cache) Release(conn *grpc.ClientConn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.inUse[conn]
	if !ok {
		return ErrUnknownClient
	}
	delete(c.inUse, conn)
	if c.closed {
		c.drop(addr, conn)
		return nil
	}
	c.idle[addr] = append(c.idle[addr], conn)
	return nil
}

// CloseConnections closes the idle connections to addr, e.g. after the
// backend left the cluster.
func (c *Cache) CloseConnections(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.idle[addr] {
		c.drop(addr, conn)
	}
	delete(c.idle, addr)
}

// Size returns the number of open connections and how many of them are idle.
func (c *Cache) Size() (total, idle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conns := range c.idle {
		idle += len(conns)
	}
	return c.total, idle
}

// Close closes the idle connections; connections in use are closed when
// released.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for addr, conns := range c.idle {
		for _, conn := range conns {
			c.drop(addr, conn)
		}
		delete(c.idle, addr)
	}
	return nil
}

func (c *Cache) drop(addr string, conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		c.logger.Error("failed to close conn", zap.String("addr", addr), zap.Error(err))
	}
	c.total--
	c.perBackend[addr]--
	if c.perBackend[addr] <= 0 {
		delete(c.perBackend, addr)
	}
}
