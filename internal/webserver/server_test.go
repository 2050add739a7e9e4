package webserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func setupServer(t *testing.T) (*Server, func()) {
	t.Helper()
	port := dynaport.Get(1)[0]
	s := New(Config{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return s, func() {
		require.NoError(t, s.Stop(context.Background()))
	}
}

func get(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + s.BoundAddr() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerDefaultHandlers(t *testing.T) {
	s, teardown := setupServer(t)
	defer teardown()

	AddDefaultPathHandlers(s, DefaultHandlers{
		Settings: map[string]interface{}{"node_name": "backend-1"},
		Level:    zap.NewAtomicLevel(),
	})
	require.NoError(t, s.Start())

	code, body := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "OK", body)

	code, body = get(t, s, "/varz")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "backend-1"))

	code, body = get(t, s, "/memz")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "num_goroutine"))

	code, body = get(t, s, "/logz")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "info"))

	code, body = get(t, s, "/")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "/varz"))

	code, _ = get(t, s, "/missing")
	require.Equal(t, http.StatusNotFound, code)
}

func TestServerRegisterAfterStart(t *testing.T) {
	s, teardown := setupServer(t)
	defer teardown()

	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), ErrAlreadyStarted)

	s.RegisterPathHandler("/late", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("late"))
	}))
	code, body := get(t, s, "/late")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "late", body)
}

func TestServerHealth(t *testing.T) {
	s, teardown := setupServer(t)
	defer teardown()
	require.NoError(t, s.Start())

	conn, err := grpc.Dial(s.BoundAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	s.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestServerStartFailsWhenPortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := New(Config{Addr: ln.Addr().String()})
	require.Error(t, s.Start())
	require.ErrorIs(t, s.Stop(context.Background()), ErrNotStarted)
}
