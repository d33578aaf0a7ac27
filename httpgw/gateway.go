// Package httpgw is a WSGI-style HTTP/1.x gateway built as a thin
// client of package coev: it never touches a socket directly except
// through coev.Stream, so every read and accept can suspend the
// coroutine it runs on instead of blocking an OS thread.
//
// Request-line/header parsing and response framing reuse net/http's
// own Request/Response types (spec.md §1 explicitly puts "HTTP/1.x
// request parsing and response framing" out of the core's scope, as an
// external collaborator's concern) — this package supplies the
// coroutine-driven transport and the route dispatch, grounded on
// original_source/python-coewsgi/coewsgi/httpserver.py's accept-loop/
// per-connection-coroutine shape.
package httpgw

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sys/unix"

	"github.com/xtaci/coev"
	"github.com/xtaci/coev/coeverr"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithReadLimit bounds the per-connection Stream's read buffer,
// mirroring coewsgi's read_limit wiring into socketfile.
func WithReadLimit(n int) Option { return func(g *Gateway) { g.readLimit = n } }

// WithTimeout sets the per-operation read/write timeout for accepted
// connections.
func WithTimeout(d time.Duration) Option { return func(g *Gateway) { g.opTimeout = d } }

// WithMaxRequestLine sets the size of the per-connection bufio.Reader
// that requests are parsed through. It does not limit the length of a
// request line or header line: longer lines are still read whole.
func WithMaxRequestLine(n int) Option { return func(g *Gateway) { g.maxLine = n } }

// Gateway dispatches one coroutine per accepted connection, parses
// HTTP/1.x requests off its Stream, and routes them through a
// chi.Router.
type Gateway struct {
	rt        *coev.Runtime
	router    chi.Router
	readLimit int
	opTimeout time.Duration
	maxLine   int
}

// New builds a Gateway over rt, dispatching accepted requests to
// router.
func New(rt *coev.Runtime, router chi.Router, opts ...Option) *Gateway {
	gw := &Gateway{
		rt:        rt,
		router:    router,
		readLimit: 64 * 1024,
		opTimeout: 30 * time.Second,
		maxLine:   8192,
	}
	for _, o := range opts {
		o(gw)
	}
	return gw
}

// Listen creates a non-blocking TCP listening socket bound to addr
// ("host:port").
func Listen(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, err
	}

	fam := unix.AF_INET
	if strings.Contains(host, ":") {
		fam = unix.AF_INET6
	}
	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	var sa unix.Sockaddr
	if fam == unix.AF_INET6 {
		var a [16]byte
		if ip := net.ParseIP(host); ip != nil {
			copy(a[:], ip.To16())
		}
		sa = &unix.SockaddrInet6{Port: port, Addr: a}
	} else {
		var a [4]byte
		ip := net.ParseIP(host)
		if ip == nil {
			ip = net.IPv4zero
		}
		copy(a[:], ip.To4())
		sa = &unix.SockaddrInet4{Port: port, Addr: a}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// acceptPollInterval bounds how long Serve's accept loop waits between
// retries; every coev wait takes a concrete deadline (spec.md §5), so
// "wait for the next connection" is modeled as a timeout retried in a
// loop rather than an infinite wait.
const acceptPollInterval = 30 * time.Second

// Serve runs the accept loop on the calling coroutine, spawning one new
// coroutine per accepted connection, until accept fails with a
// non-retryable error or the calling coroutine is cancelled.
func (gw *Gateway) Serve(listenFD int) error {
	for {
		connFD, _, err := unix.Accept(listenFD)
		if err != nil {
			errno, _ := err.(syscall.Errno)
			if coeverr.IsRetryable(errno) {
				if _, werr := gw.rt.WaitFD(listenFD, coev.Read, acceptPollInterval); werr != nil {
					if werr == coeverr.Timeout {
						continue
					}
					return werr
				}
				continue
			}
			return err
		}

		gw.rt.Spawn(func(rt *coev.Runtime, args any) error {
			return gw.handleConn(connFD)
		}, nil)
	}
}

// handleConn services one accepted connection: parse request, route,
// write response, loop while the client asked to keep the connection
// alive.
func (gw *Gateway) handleConn(fd int) error {
	stream, err := gw.rt.SocketFile(fd, gw.opTimeout, gw.readLimit)
	if err != nil {
		unix.Close(fd)
		return err
	}
	defer stream.Close()

	br := bufio.NewReaderSize(&streamReader{s: stream}, gw.maxLine)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return nil // client closed, or sent garbage; either way we're done with this connection
		}

		rec := httptest.NewRecorder()
		gw.router.ServeHTTP(rec, req)
		resp := rec.Result()
		if req.Close {
			resp.Close = true
		}

		if werr := resp.Write(&streamWriter{s: stream}); werr != nil {
			return werr
		}
		if ferr := stream.Flush(); ferr != nil {
			return ferr
		}
		if req.Close {
			return nil
		}
	}
}

// streamReader adapts coev.Stream's suspend-on-EAGAIN Read to io.Reader
// so bufio/net/http can parse requests off it without knowing about
// coroutines.
type streamReader struct{ s *coev.Stream }

func (r *streamReader) Read(p []byte) (int, error) {
	b, err := r.s.Read(len(p))
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, coeverr.WaitAbort // EOF surfaces to bufio as an error, matching io.EOF's role
	}
	n := copy(p, b)
	return n, nil
}

// streamWriter adapts coev.Stream to io.Writer for http.Response.Write.
type streamWriter struct{ s *coev.Stream }

func (w *streamWriter) Write(p []byte) (int, error) {
	return w.s.Write(p)
}
