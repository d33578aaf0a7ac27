package coev

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStreamReadLine implements spec.md §8 scenario 6.
func TestStreamReadLine(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	_, err = w.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rt, err := New()
	require.NoError(t, err)

	var first, second []byte
	rt.Spawn(func(rt *Runtime, _ any) error {
		stream, err := rt.SocketFile(int(r.Fd()), 0, 8192)
		if err != nil {
			return err
		}
		first, err = stream.ReadLine(8192)
		if err != nil {
			return err
		}
		second, err = stream.ReadLine(8192)
		return err
	}, nil)

	require.NoError(t, rt.RunUntilIdle())
	assert.Equal(t, "GET / HTTP/1.0\r\n", string(first))
	assert.Equal(t, "\r\n", string(second))
}

// TestStreamWriteFlushRoundTrip verifies write(x); flush() transmits
// exactly x bytes through a loopback pipe.
func TestStreamWriteFlushRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rt, err := New()
	require.NoError(t, err)

	payload := []byte("hello, coroutine world")
	var got []byte

	rt.Spawn(func(rt *Runtime, _ any) error {
		out, err := rt.SocketFile(int(w.Fd()), 0, 4096)
		if err != nil {
			return err
		}
		if _, err := out.Write(payload); err != nil {
			return err
		}
		return out.Flush()
	}, nil)
	rt.Spawn(func(rt *Runtime, _ any) error {
		in, err := rt.SocketFile(int(r.Fd()), 0, 4096)
		if err != nil {
			return err
		}
		got, err = in.ReadFull(len(payload))
		return err
	}, nil)

	require.NoError(t, rt.RunUntilIdle())
	assert.Equal(t, payload, got)
}
