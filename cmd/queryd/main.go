package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brijeshlakkad/queryd/internal/config"
	"github.com/Brijeshlakkad/queryd/internal/discovery"
	"github.com/Brijeshlakkad/queryd/internal/logging"
	"github.com/Brijeshlakkad/queryd/internal/runtime"
	"github.com/Brijeshlakkad/queryd/internal/webserver"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configFile string
}

func newCommand() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:          "queryd",
		Short:        "Run a query backend node",
		SilenceUsage: true,
		RunE:         c.run,
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.StringVar(&c.configFile, "config", "", "Path to a config file.")
	flags.Bool("use-statestore", defaults.UseExternalMembershipService,
		"Discover backends through the cluster membership service.")
	flags.Bool("enable-webserver", defaults.EnableDebugWebServer, "Start the debug webserver.")
	flags.String("ipaddress", defaults.ListenAddress.Host, "Backend service address.")
	flags.Int("be-port", defaults.ListenAddress.Port, "Backend service port.")
	flags.Int("webserver-port", defaults.WebServer.Port, "Debug webserver port.")
	flags.String("node-name", "", "Unique node name. Defaults to the hostname.")
	flags.String("membership-bind", defaults.Membership.BindAddr, "Address to bind membership gossip on.")
	flags.StringSlice("membership-seeds", nil, "Existing cluster members to join.")
	flags.StringSlice("disk-dirs", defaults.DiskIO.Dirs, "Data directories, one per disk.")
	flags.String("log-level", defaults.Logging.Level, "Log level: DEBUG, INFO, WARN or ERROR.")
	return cmd
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger, level, err := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	env := runtime.New(cfg, runtime.WithLogger(logger), runtime.WithLevel(level))
	if err := start(env, logger); err != nil {
		return err
	}
	logger.Info("node started", zap.String("node", cfg.NodeName))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logger.Info("shutting down", zap.Stringer("signal", sig))

	return shutdown(env, logger)
}

// start runs the startup sequence. A node that fails to start still leaves
// the cluster and releases whatever was started before the failure.
func start(env *runtime.Environment, logger *zap.Logger) error {
	err := env.StartServices()
	if err == nil {
		return nil
	}
	logger.Error("failed to start services", zap.Error(err))
	_ = shutdown(env, logger)
	return err
}

// shutdown releases what the environment leaves running after closing the
// scheduler.
func shutdown(env *runtime.Environment, logger *zap.Logger) error {
	var errs []error
	if err := env.Close(); err != nil {
		errs = append(errs, err)
	}
	if ws, ok := env.WebServer().(*webserver.Server); ok && env.Config().EnableDebugWebServer {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ws.Stop(ctx); err != nil && !errors.Is(err, webserver.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	if m, ok := env.Subscriber().(*discovery.Membership); ok && env.Config().UseExternalMembershipService {
		if err := m.Leave(); err != nil && !errors.Is(err, discovery.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, env.ClientCache().Close(), env.TableCache().Close())
	if d, ok := env.DiskIOManager().(io.Closer); ok {
		errs = append(errs, d.Close())
	}
	err := errors.Join(errs...)
	if err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	return err
}
