package webserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/soheilhy/cmux"
	"go.opencensus.io/plugin/ocgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	ErrAlreadyStarted = errors.New("webserver already started")
	ErrNotStarted     = errors.New("webserver not started")
)

// PathHandlerRegistrar is implemented by anything debug pages can be mounted on.
type PathHandlerRegistrar interface {
	RegisterPathHandler(path string, handler http.Handler)
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the node's debug webserver. HTTP debug pages and the gRPC health
// service share one listener through cmux.
type Server struct {
	Config

	handlersLock sync.RWMutex
	handlers     map[string]http.Handler

	mu         sync.Mutex
	ln         net.Listener
	mux        cmux.CMux
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	logger *zap.Logger
}

func New(config Config) *Server {
	s := &Server{
		Config:   config,
		handlers: make(map[string]http.Handler),
		health:   health.NewServer(),
		logger:   zap.L().Named("webserver"),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	s.httpServer = &http.Server{
		Handler:      s.newRouter(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		ErrorLog:     zap.NewStdLog(s.logger),
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_zap.UnaryServerInterceptor(s.logger),
			grpc_recovery.UnaryServerInterceptor(),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(),
			grpc_zap.StreamServerInterceptor(s.logger),
			grpc_recovery.StreamServerInterceptor(),
		)),
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	return s
}

func (s *Server) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Mount("/debug", middleware.Profiler())
	r.Get("/", s.index)
	r.Handle("/*", http.HandlerFunc(s.dispatch))
	return r
}

// RegisterPathHandler mounts handler on path. Handlers can be registered before
// or after Start.
func (s *Server) RegisterPathHandler(path string, handler http.Handler) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[path] = handler
	s.logger.Debug("registered path handler", zap.String("path", path))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	s.handlersLock.RLock()
	h, ok := s.handlers[r.URL.Path]
	s.handlersLock.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

// index lists the registered pages.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h2>queryd</h2><ul>"))
	for _, path := range s.paths() {
		_, _ = w.Write([]byte(`<li><a href="` + path + `">` + path + `</a></li>`))
	}
	_, _ = w.Write([]byte("</ul></body></html>"))
}

func (s *Server) paths() []string {
	s.handlersLock.RLock()
	defer s.handlersLock.RUnlock()
	paths := make([]string, 0, len(s.handlers))
	for path := range s.handlers {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Start binds the listener and serves in the background. Bind errors are
// returned to the caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.mux = cmux.New(ln)
	grpcLn := s.mux.MatchWithWriters(
		cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"),
	)
	httpLn := s.mux.Match(cmux.Any())

	go func() {
		if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			s.logger.Error("grpc serve failed", zap.Error(err))
		}
	}()
	go func() {
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, cmux.ErrListenerClosed) {
			s.logger.Error("http serve failed", zap.Error(err))
		}
	}()
	go s.serve()

	s.logger.Info("webserver listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) serve() {
	if err := s.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("mux stopped", zap.Error(err))
	}
}

// BoundAddr returns the listener address once started, or the configured one.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.Addr
	}
	return s.ln.Addr().String()
}

// SetServing flips the gRPC health status of the node.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Stop shuts both protocols down and releases the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ErrNotStarted
	}
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	err := s.httpServer.Shutdown(ctx)
	if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	s.logger.Info("webserver stopped")
	return err
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug(
			"request completed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
