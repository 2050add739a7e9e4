package main

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/Brijeshlakkad/queryd/internal/config"
	"github.com/Brijeshlakkad/queryd/internal/discovery"
	"github.com/Brijeshlakkad/queryd/internal/runtime"
	"github.com/Brijeshlakkad/queryd/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.uber.org/zap/zaptest"
)

func TestCommandFlags(t *testing.T) {
	cmd := newCommand()
	dir := t.TempDir()
	require.NoError(t, cmd.ParseFlags([]string{
		"--use-statestore=false",
		"--enable-webserver=false",
		"--ipaddress", "10.0.0.5",
		"--be-port", "22001",
		"--node-name", "backend-7",
		"--disk-dirs", dir,
		"--log-level", "debug",
	}))

	cfg, err := config.Load("", cmd.Flags())
	require.NoError(t, err)
	require.False(t, cfg.UseExternalMembershipService)
	require.False(t, cfg.EnableDebugWebServer)
	require.Equal(t, config.ListenAddress{Host: "10.0.0.5", Port: 22001}, cfg.ListenAddress)
	require.Equal(t, "backend-7", cfg.NodeName)
	require.Equal(t, []string{dir}, cfg.DiskIO.Dirs)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, 25000, cfg.WebServer.Port)
}

type failingScheduler struct {
	mode   scheduler.Mode
	closes int
}

func (s *failingScheduler) Init() error          { return errors.New("no backends") }
func (s *failingScheduler) Close() error         { s.closes++; return nil }
func (s *failingScheduler) Mode() scheduler.Mode { return s.mode }

func TestStartFailureReleasesServices(t *testing.T) {
	ports := dynaport.Get(2)
	cfg := config.Default()
	cfg.NodeName = "backend-0"
	cfg.DiskIO.Dirs = []string{t.TempDir()}
	cfg.TableCache.Dir = t.TempDir()
	cfg.WebServer.Host = "127.0.0.1"
	cfg.WebServer.Port = ports[0]
	cfg.Membership.BindAddr = fmt.Sprintf("127.0.0.1:%d", ports[1])

	sched := &failingScheduler{}
	logger := zaptest.NewLogger(t)
	env := runtime.New(cfg,
		runtime.WithLogger(logger),
		runtime.WithSchedulerFactory(func(mode scheduler.Mode, _ prometheus.Registerer) runtime.Scheduler {
			sched.mode = mode
			return sched
		}),
	)

	err := start(env, logger)
	var startupErr *runtime.StartupError
	require.ErrorAs(t, err, &startupErr)
	require.Equal(t, runtime.StepScheduler, startupErr.Step)

	require.Equal(t, 1, sched.closes)
	require.False(t, env.Subscriber().(*discovery.Membership).IsRunning())
	ln, err := net.Listen("tcp", cfg.WebServer.Addr())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}
