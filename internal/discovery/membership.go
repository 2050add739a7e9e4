package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/serf/serf"
	"go.uber.org/zap"
)

const (
	serviceTag     = "service"
	backendAddrTag = "backend_addr"
)

var (
	ErrAlreadyStarted = errors.New("membership already started")
	ErrNotStarted     = errors.New("membership not started")
)

// Handler receives membership changes of a single service.
type Handler interface {
	Join(name, addr string) error
	Leave(name string) error
}

type Config struct {
	NodeName      string
	BindAddr      string
	SeedAddresses []string
	// ServiceID and BackendAddr are advertised to the other members so their
	// schedulers can route work to this node.
	ServiceID   string
	BackendAddr string
	Tags        map[string]string
}

// Membership wraps Serf to subscribe to the cluster membership of backend nodes.
// Construction is cheap; the gossip agent is created and joined by Start.
type Membership struct {
	Config

	mu        sync.RWMutex
	starting  bool
	cluster   *serf.Serf
	handlers  map[string]Handler
	shutdown  chan struct{}
	logger    *zap.Logger
	leaveOnce sync.Once
}

func New(config Config) *Membership {
	return &Membership{
		Config:   config,
		handlers: make(map[string]Handler),
		logger:   zap.L().Named("membership"),
	}
}

// Start creates the local serf agent and joins the seed addresses. It blocks
// until the join handshake with at least one seed has been acknowledged.
func (m *Membership) Start() error {
	m.mu.Lock()
	if m.starting {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.starting = true
	m.mu.Unlock()

	cluster, err := m.setupCluster()
	if err != nil {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.cluster = cluster
	m.mu.Unlock()
	m.logger.Info(
		"joined cluster",
		zap.String("name", m.NodeName),
		zap.String("bind_addr", m.BindAddr),
		zap.Strings("seeds", m.SeedAddresses),
	)
	return nil
}

// setupCluster must not hold mu: serf delivers the local join event while
// Create is still running.
func (m *Membership) setupCluster() (*serf.Serf, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.BindAddr)
	if err != nil {
		return nil, err
	}
	config := serf.DefaultConfig()
	config.Init()
	config.MemberlistConfig.BindAddr = addr.IP.String()
	config.MemberlistConfig.BindPort = addr.Port
	config.MemberlistConfig.Logger = zap.NewStdLog(m.logger.Named("memberlist"))
	config.Logger = zap.NewStdLog(m.logger.Named("serf"))
	events := make(chan serf.Event)
	config.EventCh = events
	config.NodeName = m.NodeName
	for k, v := range m.Tags {
		config.Tags[k] = v
	}
	config.Tags[serviceTag] = m.ServiceID
	config.Tags[backendAddrTag] = m.BackendAddr

	shutdown := make(chan struct{})
	go m.eventHandler(events, shutdown)

	cluster, err := serf.Create(config)
	if err != nil {
		close(shutdown)
		return nil, err
	}
	if len(m.SeedAddresses) > 0 {
		if _, err = cluster.Join(m.SeedAddresses, true); err != nil {
			_ = cluster.Shutdown()
			close(shutdown)
			return nil, err
		}
	}
	m.mu.Lock()
	m.shutdown = shutdown
	m.mu.Unlock()
	return cluster, nil
}

// IsRunning reports whether Start succeeded and Leave has not been called.
func (m *Membership) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cluster == nil {
		return false
	}
	return m.cluster.State() == serf.SerfAlive
}

// AddListener registers h for membership changes of serviceID. Members that
// are already alive are replayed to h.
func (m *Membership) AddListener(serviceID string, h Handler) {
	m.mu.Lock()
	m.handlers[serviceID] = h
	cluster := m.cluster
	m.mu.Unlock()

	if cluster == nil {
		return
	}
	for _, member := range cluster.Members() {
		if member.Status != serf.StatusAlive || member.Tags[serviceTag] != serviceID {
			continue
		}
		m.handleJoin(h, member)
	}
}

func (m *Membership) RemoveListener(serviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, serviceID)
}

func (m *Membership) eventHandler(events <-chan serf.Event, shutdown <-chan struct{}) {
	for {
		select {
		case e := <-events:
			m.dispatch(e)
		case <-shutdown:
			return
		}
	}
}

func (m *Membership) dispatch(e serf.Event) {
	me, ok := e.(serf.MemberEvent)
	if !ok {
		return
	}
	for _, member := range me.Members {
		h := m.handler(member.Tags[serviceTag])
		if h == nil {
			continue
		}
		// The local backend is schedulable too, so it is not filtered out.
		switch me.EventType() {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			m.handleJoin(h, member)
		case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
			m.handleLeave(h, member)
		}
	}
}

func (m *Membership) handler(serviceID string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[serviceID]
}

func (m *Membership) handleJoin(h Handler, member serf.Member) {
	if err := h.Join(member.Name, member.Tags[backendAddrTag]); err != nil {
		m.logError(err, "failed to join", member)
	}
}

func (m *Membership) handleLeave(h Handler, member serf.Member) {
	if err := h.Leave(member.Name); err != nil {
		m.logError(err, "failed to leave", member)
	}
}

// Members returns a point-in-time snapshot of the cluster's members.
func (m *Membership) Members() []serf.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cluster == nil {
		return nil
	}
	return m.cluster.Members()
}

// Leave tells this member to leave the cluster and stops the local agent.
func (m *Membership) Leave() error {
	m.mu.RLock()
	cluster, shutdown := m.cluster, m.shutdown
	m.mu.RUnlock()
	if cluster == nil {
		return ErrNotStarted
	}
	var err error
	m.leaveOnce.Do(func() {
		// The agent is shut down even when the graceful leave fails.
		leaveErr := cluster.Leave()
		if leaveErr != nil {
			leaveErr = fmt.Errorf("failed to leave cluster: %w", leaveErr)
		}
		err = errors.Join(leaveErr, cluster.Shutdown())
		close(shutdown)
	})
	return err
}

func (m *Membership) logError(err error, msg string, member serf.Member) {
	m.logger.Error(
		msg,
		zap.Error(err),
		zap.String("name", member.Name),
		zap.String("backend_addr", member.Tags[backendAddrTag]),
	)
}
