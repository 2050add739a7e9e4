package scheduler

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	ErrNoBackends            = errors.New("no backends available")
	ErrInvalidAddress        = errors.New("invalid backend address")
	ErrMembershipUnavailable = errors.New("membership service is not running")
	ErrAlreadyInitialized    = errors.New("scheduler already initialized")
	ErrClosed                = errors.New("scheduler closed")
)

// Scheduler tracks the backends query fragments can be assigned to and hands
// them out in round-robin order.
type Scheduler struct {
	mode Mode

	mu          sync.RWMutex
	backends    map[string]HostPort
	order       []string
	current     uint64
	initialized bool
	closed      bool

	backendCount prometheus.Gauge
	assignments  prometheus.Counter
	logger       *zap.Logger
}

// New builds a scheduler in the given mode. Collectors are registered on reg;
// a nil reg leaves them unregistered.
func New(mode Mode, reg prometheus.Registerer) *Scheduler {
	factory := promauto.With(reg)
	return &Scheduler{
		mode:     mode,
		backends: make(map[string]HostPort),
		backendCount: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "queryd_scheduler_backends",
			Help:        "Number of backends known to the scheduler",
			ConstLabels: prometheus.Labels{"mode": mode.Kind().String()},
		}),
		assignments: factory.NewCounter(prometheus.CounterOpts{
			Name: "queryd_scheduler_assignments_total",
			Help: "Total number of backend assignments handed out",
		}),
		logger: zap.L().Named("scheduler"),
	}
}

func (s *Scheduler) Mode() Mode {
	return s.mode
}

// Init validates the fixed address list in static mode. In dynamic mode it
// checks the membership service is running and subscribes to it.
func (s *Scheduler) Init() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}

	switch s.mode.Kind() {
	case Static:
		addresses := s.mode.Addresses()
		if len(addresses) == 0 {
			s.mu.Unlock()
			return ErrNoBackends
		}
		for _, addr := range addresses {
			if err := validate(addr); err != nil {
				s.mu.Unlock()
				return err
			}
		}
		for _, addr := range addresses {
			s.add(addr.String(), addr)
		}
		s.initialized = true
		s.mu.Unlock()
		s.logger.Info("initialized static scheduler", zap.Int("backends", len(addresses)))
		return nil
	case Dynamic:
		sub := s.mode.Subscriber()
		if sub == nil || !sub.IsRunning() {
			s.mu.Unlock()
			return ErrMembershipUnavailable
		}
		s.initialized = true
		s.mu.Unlock()
		// Existing members are replayed through Join, which takes mu.
		sub.AddListener(s.mode.ServiceID(), s)
		s.logger.Info("initialized dynamic scheduler", zap.String("service_id", s.mode.ServiceID()))
		return nil
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown scheduler mode %d", s.mode.Kind())
	}
}

// Join adds or updates a backend announced by the membership service.
func (s *Scheduler) Join(name, addr string) error {
	hp, err := parseHostPort(addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.add(name, hp)
	s.logger.Debug("backend joined", zap.String("name", name), zap.String("addr", addr))
	return nil
}

// Leave removes a backend announced by the membership service.
func (s *Scheduler) Leave(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[name]; !ok {
		return nil
	}
	delete(s.backends, name)
	s.reorder()
	s.logger.Debug("backend left", zap.String("name", name))
	return nil
}

// GetBackend returns the next backend in round-robin order.
func (s *Scheduler) GetBackend() (HostPort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return HostPort{}, ErrClosed
	}
	count := uint64(len(s.order))
	if count == 0 {
		return HostPort{}, ErrNoBackends
	}
	cur := atomic.AddUint64(&s.current, uint64(1)) - 1
	s.assignments.Inc()
	return s.backends[s.order[int(cur%count)]], nil
}

// Backends returns a snapshot of the known backends, ordered by name.
func (s *Scheduler) Backends() []HostPort {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backends := make([]HostPort, 0, len(s.order))
	for _, name := range s.order {
		backends = append(backends, s.backends[name])
	}
	return backends
}

// Close unsubscribes from the membership service. It is safe to call more
// than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subscribed := s.initialized && s.mode.Kind() == Dynamic
	s.backends = make(map[string]HostPort)
	s.reorder()
	s.mu.Unlock()

	if subscribed {
		s.mode.Subscriber().RemoveListener(s.mode.ServiceID())
	}
	s.logger.Info("scheduler closed")
	return nil
}

func (s *Scheduler) add(name string, hp HostPort) {
	s.backends[name] = hp
	s.reorder()
}

func (s *Scheduler) reorder() {
	order := make([]string, 0, len(s.backends))
	for name := range s.backends {
		order = append(order, name)
	}
	sort.Strings(order)
	s.order = order
	s.backendCount.Set(float64(len(order)))
}

func validate(hp HostPort) error {
	if hp.Host == "" || hp.Port <= 0 || hp.Port > 65535 {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, hp.String())
	}
	return nil
}

func parseHostPort(addr string) (HostPort, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return HostPort{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return HostPort{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	hp := HostPort{Host: host, Port: port}
	return hp, validate(hp)
}
