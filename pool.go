package coev

import (
	"errors"
	"math/rand"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/coev/coeverr"
)

// errPoolWoken is a private sentinel delivered by Release into a parked
// waiter via ThrowInto, distinguishing an explicit wakeup from a
// natural Sleep expiry (which returns a nil error on pure sleeps per
// spec.md §4.1 step 1). It never crosses the package boundary.
var errPoolWoken = errors.New("coev: pool slot released")

// conn is the pool entry of spec.md §3: (endpoint, stream, dead flag).
// Ownership (busy vs available) lives in the pool's own lists, not on
// conn itself.
type conn struct {
	endpoint Endpoint
	stream   *Stream
	dead     bool
}

// Handle is a borrowed reference to a pooled connection. It does not
// auto-release on scope exit the way a GC-finalizer-backed handle in
// the source runtime would (spec.md §9) — callers use Go's own
// scope-guard mechanism instead:
//
//	h, err := pool.Get()
//	if err != nil { return err }
//	defer h.Release()
type Handle struct {
	pool     *ConnectionPool
	conn     *conn
	released bool
}

// Stream returns the handle's underlying buffered socket stream.
func (h *Handle) Stream() *Stream { return h.conn.stream }

// Endpoint returns which endpoint this connection is to.
func (h *Handle) Endpoint() Endpoint { return h.conn.endpoint }

// MarkDead flags the underlying connection as unusable; spec.md §4.5's
// handle safety rule is that any I/O error observed through a handle
// should call this before propagating, so Release closes rather than
// reinserts it.
func (h *Handle) MarkDead() { h.conn.dead = true }

// Release returns the handle to its pool.
func (h *Handle) Release() { h.pool.Release(h) }

// ConnectionPool is the per-endpoint-set pool of spec.md §4.5: capacity
// cap, idle and busy lists, and a FIFO wait queue of parked coroutines
// for fair sharing under contention.
type ConnectionPool struct {
	rt *Runtime

	endpoints      []Endpoint
	capacity       int
	busyWait       time.Duration
	connectTimeout time.Duration
	opTimeout      time.Duration
	readLimit      int

	busy      map[*conn]struct{}
	available []*conn
	waitQueue []*Coroutine

	rng *rand.Rand
}

// NewConnectionPool constructs a pool per spec.md §4.5's
// ConnectionPool(capacity, busy_wait_s, connect_timeout_s, op_timeout_s,
// read_limit, endpoints…) contract.
func NewConnectionPool(rt *Runtime, capacity int, busyWait, connectTimeout, opTimeout time.Duration, readLimit int, endpoints ...Endpoint) *ConnectionPool {
	return &ConnectionPool{
		rt:             rt,
		endpoints:      endpoints,
		capacity:       capacity,
		busyWait:       busyWait,
		connectTimeout: connectTimeout,
		opTimeout:      opTimeout,
		readLimit:      readLimit,
		busy:           make(map[*conn]struct{}),
		rng:            rand.New(rand.NewSource(processStart.UnixNano())),
	}
}

// Get implements spec.md §4.5's acquisition algorithm. The Open
// Question on the pool wait loop (SPEC_FULL.md §9) is resolved here in
// favor of explicit wakeup: a parked caller Sleeps for its remaining
// share of busy_wait, and Release wakes it early via ThrowInto with a
// private sentinel rather than this loop polling on a fixed interval.
func (p *ConnectionPool) Get() (*Handle, error) {
	co := p.rt.Current()
	deadline := nowMonotonicNS() + int64(p.busyWait)

	for {
		if len(p.busy) < p.capacity && len(p.available) > 0 {
			c := p.available[len(p.available)-1]
			p.available = p.available[:len(p.available)-1]
			p.busy[c] = struct{}{}
			return &Handle{pool: p, conn: c}, nil
		}

		if len(p.busy) < p.capacity {
			// hold the slot while connectAny may suspend in WaitFD, so
			// coroutines that run meanwhile see it as taken
			slot := &conn{}
			p.busy[slot] = struct{}{}
			c, err := p.connectAny()
			delete(p.busy, slot)
			if err != nil {
				return nil, err
			}
			p.busy[c] = struct{}{}
			return &Handle{pool: p, conn: c}, nil
		}

		remaining := deadline - nowMonotonicNS()
		if remaining <= 0 {
			return nil, coeverr.TooManyConnections
		}

		p.waitQueue = append(p.waitQueue, co)
		err := p.rt.Sleep(time.Duration(remaining))
		p.removeFromWaitQueue(co)
		if err != nil {
			if errors.Is(err, errPoolWoken) {
				continue
			}
			return nil, err
		}
		// natural expiry of the full remaining budget: fall through,
		// the next loop iteration's deadline check raises TooManyConnections.
	}
}

func (p *ConnectionPool) removeFromWaitQueue(co *Coroutine) {
	for i, c := range p.waitQueue {
		if c == co {
			p.waitQueue = append(p.waitQueue[:i], p.waitQueue[i+1:]...)
			return
		}
	}
}

// Release implements spec.md §4.5's release algorithm: dead connections
// are closed and dropped, live ones return to available and the oldest
// parked waiter (if any) is woken.
func (p *ConnectionPool) Release(h *Handle) {
	if h.released {
		return
	}
	h.released = true
	delete(p.busy, h.conn)

	if h.conn.dead {
		_ = h.conn.stream.Close()
	} else {
		p.available = append(p.available, h.conn)
	}

	if len(p.waitQueue) > 0 {
		next := p.waitQueue[0]
		p.waitQueue = p.waitQueue[1:]
		_ = p.rt.ThrowInto(next, errPoolWoken)
	}
}

// DropIdle closes every idle connection, per spec.md §4.5.
func (p *ConnectionPool) DropIdle() {
	for _, c := range p.available {
		_ = c.stream.Close()
	}
	p.available = nil
}

// connectAny tries p.endpoints in randomised order so a single dead
// endpoint never blocks progress on the first attempt, per spec.md
// §4.5's fairness note.
func (p *ConnectionPool) connectAny() (*conn, error) {
	if len(p.endpoints) == 0 {
		return nil, coeverr.NoEndpointsConnectable
	}
	order := p.rng.Perm(len(p.endpoints))
	for _, idx := range order {
		c, err := p.dial(p.endpoints[idx])
		if err == nil {
			return c, nil
		}
		var se *coeverr.SocketError
		if errors.Is(err, coeverr.Timeout) || (errors.As(err, &se) && coeverr.IsConnRefused(se.Errno)) {
			continue
		}
		return nil, err
	}
	return nil, coeverr.NoEndpointsConnectable
}

func (p *ConnectionPool) dial(ep Endpoint) (*conn, error) {
	fd, sa, err := ep.socket()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	err = unix.Connect(fd, sa)
	if err != nil {
		errno, _ := err.(syscall.Errno)
		if errno != syscall.EINPROGRESS {
			unix.Close(fd)
			return nil, coeverr.NewSocketError("connect", err)
		}
		if _, werr := p.rt.WaitFD(fd, Write, p.connectTimeout); werr != nil {
			unix.Close(fd)
			return nil, werr
		}
		if serr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && serr != 0 {
			unix.Close(fd)
			return nil, coeverr.NewSocketError("connect", syscall.Errno(serr))
		}
	}

	stream, serr := p.rt.SocketFile(fd, p.opTimeout, p.readLimit)
	if serr != nil {
		unix.Close(fd)
		return nil, serr
	}
	return &conn{endpoint: ep, stream: stream}, nil
}
