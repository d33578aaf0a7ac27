package coev

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/coev/coeverr"
)

func TestSleepOrdering(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)

	var mu sync.Mutex
	var log string
	record := func(s string) {
		mu.Lock()
		log += s
		mu.Unlock()
	}

	rt.Spawn(func(rt *Runtime, _ any) error {
		require.NoError(t, rt.Sleep(100*time.Millisecond))
		record("A")
		return nil
	}, nil)
	rt.Spawn(func(rt *Runtime, _ any) error {
		require.NoError(t, rt.Sleep(50*time.Millisecond))
		record("B")
		return nil
	}, nil)

	require.NoError(t, rt.RunUntilIdle())
	assert.Equal(t, "BA", log)
}

func TestWaitFDTimeout(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var elapsed time.Duration
	rt.Spawn(func(rt *Runtime, _ any) error {
		start := time.Now()
		_, err := rt.WaitFD(int(r.Fd()), Read, 50*time.Millisecond)
		elapsed = time.Since(start)
		assert.ErrorIs(t, err, coeverr.Timeout)
		return nil
	}, nil)

	require.NoError(t, rt.RunUntilIdle())
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 80*time.Millisecond)
}

func TestThrowIntoCancellation(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)

	observed := make(chan error, 1)
	co := rt.Spawn(func(rt *Runtime, _ any) error {
		err := rt.Sleep(10 * time.Second)
		observed <- err
		return err
	}, nil)

	rt.Spawn(func(rt *Runtime, _ any) error {
		return rt.ThrowInto(co, coeverr.Exit)
	}, nil)

	require.NoError(t, rt.RunUntilIdle())
	select {
	case err := <-observed:
		assert.ErrorIs(t, err, coeverr.Exit)
	default:
		t.Fatal("cancelled coroutine never observed Exit")
	}
}

// TestSwitchToImmediateHandoff verifies the ordering guarantee of a
// direct peer switch: the target runs before the scheduler reclaims
// control, i.e. before the switcher's own next statement.
func TestSwitchToImmediateHandoff(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var calleeCo, callerCo *Coroutine
	callerCo = rt.SpawnNamed("caller", func(rt *Runtime, _ any) error {
		record("caller-start")
		_, _ = rt.SwitchTo(calleeCo, nil)
		record("caller-resumed")
		return rt.ThrowInto(calleeCo, coeverr.Exit)
	}, nil)
	calleeCo = rt.SpawnNamed("callee", func(rt *Runtime, _ any) error {
		record("callee-start")
		_, err := rt.SwitchTo(callerCo, nil)
		return err
	}, nil)

	require.NoError(t, rt.RunUntilIdle())
	require.Equal(t, []string{"caller-start", "callee-start", "caller-resumed"}, order)
}
