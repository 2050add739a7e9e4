package runtime

import (
	"fmt"
	"sync"

	"github.com/Brijeshlakkad/queryd/internal/clientcache"
	"github.com/Brijeshlakkad/queryd/internal/config"
	"github.com/Brijeshlakkad/queryd/internal/discovery"
	"github.com/Brijeshlakkad/queryd/internal/diskio"
	"github.com/Brijeshlakkad/queryd/internal/fscache"
	"github.com/Brijeshlakkad/queryd/internal/metrics"
	"github.com/Brijeshlakkad/queryd/internal/scheduler"
	"github.com/Brijeshlakkad/queryd/internal/streammgr"
	"github.com/Brijeshlakkad/queryd/internal/tablecache"
	"github.com/Brijeshlakkad/queryd/internal/tz"
	"github.com/Brijeshlakkad/queryd/internal/webserver"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Subscriber is the cluster membership service. Start is only called in
// dynamic mode.
type Subscriber interface {
	scheduler.Subscriber
	Start() error
}

type Scheduler interface {
	Init() error
	Close() error
	Mode() scheduler.Mode
}

type DiskIOManager interface {
	Init() error
}

type WebServer interface {
	webserver.PathHandlerRegistrar
	Start() error
}

type MetricsRegistry interface {
	Init(ws metrics.PathHandlerRegistrar)
	Registerer() prometheus.Registerer
}

// SchedulerFactory builds the scheduler for the resolved membership mode.
type SchedulerFactory func(mode scheduler.Mode, reg prometheus.Registerer) Scheduler

// Environment owns every long-lived subsystem of a backend node. It is built
// once by the entry point and handed explicitly to whoever needs it.
type Environment struct {
	config config.Config

	streamMgr     *streammgr.Manager
	subscriber    Subscriber
	clientCache   *clientcache.Cache
	fsCache       *fscache.Cache
	tableCache    *tablecache.Cache
	diskIOMgr     DiskIOManager
	webServer     WebServer
	metrics       MetricsRegistry
	scheduler     Scheduler
	tzDatabase    *tz.Database
	level         zap.AtomicLevel
	logger        *zap.Logger
	closeOnce     sync.Once
	closeErr      error
	servingStatus func(bool)
}

type options struct {
	logger       *zap.Logger
	level        *zap.AtomicLevel
	diskIOMgr    DiskIOManager
	webServer    WebServer
	subscriber   Subscriber
	metrics      MetricsRegistry
	newScheduler SchedulerFactory
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLevel sets the level served and changed on /logz.
func WithLevel(level zap.AtomicLevel) Option {
	return func(o *options) { o.level = &level }
}

func WithDiskIOManager(m DiskIOManager) Option {
	return func(o *options) { o.diskIOMgr = m }
}

func WithWebServer(ws WebServer) Option {
	return func(o *options) { o.webServer = ws }
}

func WithSubscriber(s Subscriber) Option {
	return func(o *options) { o.subscriber = s }
}

func WithMetrics(m MetricsRegistry) Option {
	return func(o *options) { o.metrics = m }
}

func WithSchedulerFactory(f SchedulerFactory) Option {
	return func(o *options) { o.newScheduler = f }
}

// New builds every subsystem of the node and resolves the scheduler mode.
// A disk I/O manager that fails to initialize is fatal.
func New(cfg config.Config, opts ...Option) *Environment {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.level == nil {
		level := zap.NewAtomicLevel()
		o.level = &level
	}

	e := &Environment{
		config: cfg,
		logger: o.logger.Named("runtime"),
		level:  *o.level,
	}
	setup := []func(*options){
		e.setupStreamManager,
		e.setupSubscriber,
		e.setupCaches,
		e.setupDiskIO,
		e.setupWebServer,
		e.setupMetrics,
		e.setupTzDatabase,
		e.setupScheduler,
	}
	for _, fn := range setup {
		fn(&o)
	}
	return e
}

func (e *Environment) setupStreamManager(*options) {
	e.streamMgr = streammgr.New()
}

func (e *Environment) setupSubscriber(o *options) {
	if o.subscriber != nil {
		e.subscriber = o.subscriber
		return
	}
	e.subscriber = discovery.New(discovery.Config{
		NodeName:      e.config.NodeName,
		BindAddr:      e.config.Membership.BindAddr,
		SeedAddresses: e.config.Membership.SeedAddresses,
		ServiceID:     e.config.Membership.ServiceID,
		BackendAddr:   e.config.ListenAddress.String(),
	})
}

func (e *Environment) setupCaches(*options) {
	e.clientCache = clientcache.New(clientcache.Unbounded, clientcache.Unbounded)
	e.fsCache = fscache.New(fscache.Config{
		S3Region:          e.config.FsCache.S3Region,
		S3Endpoint:        e.config.FsCache.S3Endpoint,
		S3AccessKeyID:     e.config.FsCache.S3AccessKeyID,
		S3SecretAccessKey: e.config.FsCache.S3SecretAccessKey,
	})
	e.tableCache = tablecache.New(e.config.TableCache.Dir)
}

func (e *Environment) setupDiskIO(o *options) {
	e.diskIOMgr = o.diskIOMgr
	if e.diskIOMgr == nil {
		e.diskIOMgr = diskio.New(diskio.Config{
			Dirs:           e.config.DiskIO.Dirs,
			ThreadsPerDisk: e.config.DiskIO.ThreadsPerDisk,
			MaxOutstanding: e.config.DiskIO.MaxOutstanding,
		})
	}
	if err := e.diskIOMgr.Init(); err != nil {
		e.logger.Fatal("failed to initialize disk io manager", zap.Error(err))
	}
}

func (e *Environment) setupWebServer(o *options) {
	e.webServer = o.webServer
	if e.webServer == nil {
		e.webServer = webserver.New(webserver.Config{
			Addr:         e.config.WebServer.Addr(),
			ReadTimeout:  e.config.WebServer.ReadTimeout,
			WriteTimeout: e.config.WebServer.WriteTimeout,
			IdleTimeout:  e.config.WebServer.IdleTimeout,
		})
	}
	if hs, ok := e.webServer.(interface{ SetServing(bool) }); ok {
		e.servingStatus = hs.SetServing
	}
}

func (e *Environment) setupMetrics(o *options) {
	e.metrics = o.metrics
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
}

func (e *Environment) setupTzDatabase(*options) {
	e.tzDatabase = tz.New()
}

func (e *Environment) setupScheduler(o *options) {
	var mode scheduler.Mode
	if e.config.UseExternalMembershipService {
		mode = scheduler.DynamicMode(e.subscriber, e.config.Membership.ServiceID)
	} else {
		mode = scheduler.StaticMode([]scheduler.HostPort{{
			Host: e.config.ListenAddress.Host,
			Port: e.config.ListenAddress.Port,
		}})
	}
	newScheduler := o.newScheduler
	if newScheduler == nil {
		newScheduler = func(mode scheduler.Mode, reg prometheus.Registerer) Scheduler {
			return scheduler.New(mode, reg)
		}
	}
	e.scheduler = newScheduler(mode, e.metrics.Registerer())
	e.logger.Info("scheduler mode resolved", zap.Stringer("mode", mode.Kind()))
}

// Step names a stage of StartServices.
type Step string

const (
	StepWebServer  Step = "webserver"
	StepMetrics    Step = "metrics"
	StepMembership Step = "membership"
	StepScheduler  Step = "scheduler"
)

// StartupError reports the first StartServices step that failed.
type StartupError struct {
	Step Step
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// StartServices starts the network facing services in dependency order:
// webserver, metrics, membership, scheduler. It stops at the first failure.
// Services already started are left running.
func (e *Environment) StartServices() error {
	steps := []struct {
		step Step
		fn   func() error
	}{
		{StepWebServer, e.startWebServer},
		{StepMetrics, e.startMetrics},
		{StepMembership, e.startMembership},
		{StepScheduler, e.scheduler.Init},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			e.logger.Error("startup failed", zap.String("step", string(s.step)), zap.Error(err))
			return &StartupError{Step: s.step, Err: err}
		}
	}
	if e.config.EnableDebugWebServer && e.servingStatus != nil {
		e.servingStatus(true)
	}
	e.logger.Info("services started")
	return nil
}

func (e *Environment) startWebServer() error {
	if !e.config.EnableDebugWebServer {
		e.logger.Info("Not starting webserver")
		return nil
	}
	webserver.AddDefaultPathHandlers(e.webServer, webserver.DefaultHandlers{
		Settings: e.config,
		Level:    e.level,
	})
	return e.webServer.Start()
}

func (e *Environment) startMetrics() error {
	if e.config.EnableDebugWebServer {
		e.metrics.Init(e.webServer)
	} else {
		e.metrics.Init(nil)
	}
	return nil
}

func (e *Environment) startMembership() error {
	if !e.config.UseExternalMembershipService {
		return nil
	}
	return e.subscriber.Start()
}

// Close closes the scheduler. It is safe to call more than once, and before
// StartServices. The other subsystems are left to the entry point.
func (e *Environment) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.scheduler.Close()
	})
	return e.closeErr
}

func (e *Environment) Config() config.Config { return e.config }
func (e *Environment) StreamManager() *streammgr.Manager { return e.streamMgr }
func (e *Environment) Subscriber() Subscriber { return e.subscriber }
func (e *Environment) ClientCache() *clientcache.Cache { return e.clientCache }
func (e *Environment) FsCache() *fscache.Cache { return e.fsCache }
func (e *Environment) TableCache() *tablecache.Cache { return e.tableCache }
func (e *Environment) DiskIOManager() DiskIOManager { return e.diskIOMgr }
func (e *Environment) WebServer() WebServer { return e.webServer }
func (e *Environment) Metrics() MetricsRegistry { return e.metrics }
func (e *Environment) Scheduler() Scheduler { return e.scheduler }
func (e *Environment) TzDatabase() *tz.Database { return e.tzDatabase }
