package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type registrar struct {
	handlers map[string]http.Handler
}

func (r *registrar) RegisterPathHandler(path string, handler http.Handler) {
	if r.handlers == nil {
		r.handlers = make(map[string]http.Handler)
	}
	r.handlers[path] = handler
}

func TestInitWithoutWebserver(t *testing.T) {
	r := New()
	r.Init(nil)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestInitExposesMetrics(t *testing.T) {
	r := New()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "queryd_test_total", Help: "test"})
	require.NoError(t, r.Registerer().Register(c))
	c.Inc()

	ws := &registrar{}
	r.Init(ws)
	// A second Init must not fail on already registered collectors.
	r.Init(ws)

	handler, ok := ws.handlers[Path]
	require.True(t, ok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "queryd_test_total 1"))
	require.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
