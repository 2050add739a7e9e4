package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const Path = "/metrics"

// PathHandlerRegistrar is the surface the registry reports through.
type PathHandlerRegistrar interface {
	RegisterPathHandler(path string, handler http.Handler)
}

// Registry holds the node's collectors. Subsystems register their collectors
// at construction; Init adds the runtime collectors and exposes the registry.
type Registry struct {
	reg    *prometheus.Registry
	logger *zap.Logger
}

func New() *Registry {
	return &Registry{
		reg:    prometheus.NewRegistry(),
		logger: zap.L().Named("metrics"),
	}
}

func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Init registers the Go and process collectors and, when ws is not nil,
// mounts the exposition handler on it. Init has no failure path.
func (r *Registry) Init(ws PathHandlerRegistrar) {
	r.register(collectors.NewGoCollector())
	r.register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if ws == nil {
		r.logger.Info("metrics not exposed, no webserver")
		return
	}
	ws.RegisterPathHandler(Path, promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(r.logger),
	}))
	r.logger.Info("metrics exposed", zap.String("path", Path))
}

func (r *Registry) register(c prometheus.Collector) {
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		r.logger.Error("failed to register collector", zap.Error(err))
	}
}
