package clientcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
)

func addrs(n int) []string {
	var out []string
	for _, port := range dynaport.Get(n) {
		out = append(out, fmt.Sprintf("127.0.0.1:%d", port))
	}
	return out
}

func TestCacheReusesReleasedClients(t *testing.T) {
	c := New(Unbounded, Unbounded)
	defer c.Close()
	addr := addrs(1)[0]

	first, err := c.Get(addr)
	require.NoError(t, err)
	second, err := c.Get(addr)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	require.NoError(t, c.Release(first))
	total, idle := c.Size()
	require.Equal(t, 2, total)
	require.Equal(t, 1, idle)

	again, err := c.Get(addr)
	require.NoError(t, err)
	require.Same(t, first, again)

	require.NoError(t, c.Release(again))
	require.NoError(t, c.Release(second))
	require.ErrorIs(t, c.Release(second), ErrUnknownClient)
}

func TestCacheLimits(t *testing.T) {
	a := addrs(2)

	c := New(Unbounded, 1)
	_, err := c.Get(a[0])
	require.NoError(t, err)
	_, err = c.Get(a[0])
	require.ErrorIs(t, err, ErrTooManyClients)
	_, err = c.Get(a[1])
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c = New(1, Unbounded)
	conn, err := c.Get(a[0])
	require.NoError(t, err)
	_, err = c.Get(a[1])
	require.ErrorIs(t, err, ErrTooManyClients)
	require.NoError(t, c.Release(conn))
	require.NoError(t, c.Close())
}

func TestCacheCloseConnections(t *testing.T) {
	c := New(Unbounded, 1)
	defer c.Close()
	addr := addrs(1)[0]

	conn, err := c.Get(addr)
	require.NoError(t, err)
	require.NoError(t, c.Release(conn))

	c.CloseConnections(addr)
	total, idle := c.Size()
	require.Equal(t, 0, total)
	require.Equal(t, 0, idle)

	// The per backend slot is free again.
	_, err = c.Get(addr)
	require.NoError(t, err)
}

func TestCacheClosed(t *testing.T) {
	c := New(Unbounded, Unbounded)
	addr := addrs(1)[0]
	conn, err := c.Get(addr)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Get(addr)
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, c.Release(conn))
	total, _ := c.Size()
	require.Equal(t, 0, total)
}
