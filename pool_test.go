package coev

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/coev/coeverr"
)

// startEchoServer runs a plain net.Listener accept loop (outside any
// coev.Runtime — it stands in for an external server the pool dials
// into) and returns the Endpoint to reach it plus a stop func.
func startEchoServer(t *testing.T) (Endpoint, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return ParseEndpoint(host, port), func() { ln.Close() }
}

// TestPoolCapacity implements spec.md §8 scenario 4: pool of capacity
// 2, 3 coroutines each get/sleep(0.1)/release; the third must park
// until one of the first two releases, and completion order is
// (1,2,3).
func TestPoolCapacity(t *testing.T) {
	ep, stop := startEchoServer(t)
	defer stop()

	rt, err := New()
	require.NoError(t, err)
	pool := NewConnectionPool(rt, 2, time.Second, time.Second, time.Second, 4096, ep)

	var mu sync.Mutex
	var completion []int
	record := func(i int) {
		mu.Lock()
		completion = append(completion, i)
		mu.Unlock()
	}

	start := time.Now()
	for i := 1; i <= 3; i++ {
		idx := i
		rt.Spawn(func(rt *Runtime, _ any) error {
			h, err := pool.Get()
			if err != nil {
				return err
			}
			if err := rt.Sleep(100 * time.Millisecond); err != nil {
				h.MarkDead()
			}
			h.Release()
			record(idx)
			return nil
		}, nil)
	}

	require.NoError(t, rt.RunUntilIdle())
	elapsed := time.Since(start)

	require.Equal(t, []int{1, 2, 3}, completion)
	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

// TestPoolExhaustion implements spec.md §8 scenario 5: pool of capacity
// 1 with busy_wait=0.05; two coroutines both get, first holds for
// 0.2s; second must raise TooManyConnections after roughly 0.05s.
func TestPoolExhaustion(t *testing.T) {
	ep, stop := startEchoServer(t)
	defer stop()

	rt, err := New()
	require.NoError(t, err)
	pool := NewConnectionPool(rt, 1, 50*time.Millisecond, time.Second, time.Second, 4096, ep)

	var elapsed time.Duration
	var secondErr error

	rt.Spawn(func(rt *Runtime, _ any) error {
		h, err := pool.Get()
		require.NoError(t, err)
		defer h.Release()
		return rt.Sleep(200 * time.Millisecond)
	}, nil)

	rt.Spawn(func(rt *Runtime, _ any) error {
		// give the holder a moment to acquire first.
		if err := rt.Sleep(5 * time.Millisecond); err != nil {
			return err
		}
		start := time.Now()
		_, err := pool.Get()
		elapsed = time.Since(start)
		secondErr = err
		return nil
	}, nil)

	require.NoError(t, rt.RunUntilIdle())
	assert.ErrorIs(t, secondErr, coeverr.TooManyConnections)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond)
}
