package coev

import (
	"bytes"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/coev/coeverr"
)

// Stream is the buffered non-blocking socket stream of spec.md §4.4: a
// non-blocking fd wrapped with a read buffer bounded by readLimit, a
// write buffer, a per-operation timeout, and a closed flag. Reads and
// writes that hit EAGAIN suspend the calling coroutine via WaitFD
// rather than blocking the OS thread — the same EAGAIN-retry shape the
// teacher's tryRead/tryWrite use, adapted from proactor callbacks to
// coroutine suspension points.
type Stream struct {
	rt        *Runtime
	fd        int
	readLimit int
	timeout   time.Duration
	wbufSize  int

	rbuf   []byte
	wbuf   []byte
	eof    bool
	closed bool
}

// SocketFile wraps an already-connected fd in a Stream, per spec.md
// §6's socketfile(fd, timeout, read_limit) contract. The fd is set
// non-blocking if it isn't already.
func (rt *Runtime) SocketFile(fd int, timeout time.Duration, readLimit int) (*Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, coeverr.NewSocketError("set_nonblock", err)
	}
	return &Stream{rt: rt, fd: fd, timeout: timeout, readLimit: readLimit, wbufSize: 4096}, nil
}

// FD returns the underlying file descriptor.
func (s *Stream) FD() int { return s.fd }

// Read returns up to n bytes, servicing as much as possible from the
// buffer before issuing a recv, per spec.md §4.4's algorithm. Returns
// an empty slice and nil error on EOF.
func (s *Stream) Read(n int) ([]byte, error) {
	if s.closed {
		return nil, coeverr.WaitAbort
	}
	for {
		if len(s.rbuf) > 0 {
			take := n
			if take > len(s.rbuf) {
				take = len(s.rbuf)
			}
			out := append([]byte(nil), s.rbuf[:take]...)
			s.rbuf = s.rbuf[take:]
			return out, nil
		}
		if s.eof {
			return nil, nil
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// ReadFull reads exactly n bytes or raises, used by callers like
// pgclient that need exact-length protocol frames — supplementing
// spec.md §9's short-read-vs-blocking-read open question with an
// explicit opt-in, rather than changing Read's best-effort semantics.
func (s *Stream) ReadFull(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk, err := s.Read(n - len(out))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, coeverr.NewSocketError("read_full", syscall.ECONNRESET)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// ReadLine returns bytes through the first '\n' inclusive, or up to max
// bytes if no newline appears, or whatever remains (possibly empty) on
// EOF, per spec.md §4.4.
func (s *Stream) ReadLine(max int) ([]byte, error) {
	if s.closed {
		return nil, coeverr.WaitAbort
	}
	for {
		if idx := bytes.IndexByte(s.rbuf, '\n'); idx >= 0 {
			line := append([]byte(nil), s.rbuf[:idx+1]...)
			s.rbuf = s.rbuf[idx+1:]
			return line, nil
		}
		if len(s.rbuf) >= max {
			line := append([]byte(nil), s.rbuf[:max]...)
			s.rbuf = s.rbuf[max:]
			return line, nil
		}
		if s.eof {
			line := s.rbuf
			s.rbuf = nil
			return line, nil
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// fill issues one recv into the read buffer, suspending on EAGAIN and
// retrying on EINTR, per spec.md §4.4.
func (s *Stream) fill() error {
	room := s.readLimit - len(s.rbuf)
	if room <= 0 {
		// buffer is already at the cap; the invariant "buffered content
		// never exceeds read_limit" holds by construction since callers
		// only grow rbuf here.
		return coeverr.NewSocketError("read", syscall.ENOBUFS)
	}
	tmp := make([]byte, room)
	for {
		nr, err := unix.Read(s.fd, tmp)
		if nr > 0 {
			s.rbuf = append(s.rbuf, tmp[:nr]...)
			return nil
		}
		if nr == 0 && err == nil {
			s.eof = true
			return nil
		}
		errno, _ := err.(syscall.Errno)
		if errno == syscall.EINTR {
			continue
		}
		if coeverr.IsRetryable(errno) {
			if _, werr := s.rt.WaitFD(s.fd, Read, s.timeout); werr != nil {
				return werr
			}
			continue
		}
		s.closed = true
		return coeverr.NewSocketError("read", err)
	}
}

// Write appends to the write buffer, draining through send/WaitFD once
// it reaches wbufSize, per spec.md §4.4.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, coeverr.WaitAbort
	}
	s.wbuf = append(s.wbuf, p...)
	if len(s.wbuf) >= s.wbufSize {
		if err := s.drain(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush drains the write buffer unconditionally.
func (s *Stream) Flush() error {
	if s.closed && len(s.wbuf) == 0 {
		return nil
	}
	return s.drain()
}

func (s *Stream) drain() error {
	for len(s.wbuf) > 0 {
		nw, err := unix.Write(s.fd, s.wbuf)
		if nw > 0 {
			s.wbuf = s.wbuf[nw:]
			continue
		}
		errno, _ := err.(syscall.Errno)
		if errno == syscall.EPIPE {
			s.closed = true
			return coeverr.NewSocketError("write", err)
		}
		if errno == syscall.EINTR {
			continue
		}
		if coeverr.IsRetryable(errno) {
			if _, werr := s.rt.WaitFD(s.fd, Write, s.timeout); werr != nil {
				return werr
			}
			continue
		}
		s.closed = true
		return coeverr.NewSocketError("write", err)
	}
	return nil
}

// Close marks the stream closed and closes its fd, including after a
// read or write error already marked it closed; further reads/writes
// raise WaitAbort.
func (s *Stream) Close() error {
	s.closed = true
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	return unix.Close(fd)
}
