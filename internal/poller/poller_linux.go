//go:build linux

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poller wraps an epoll instance, level-triggered so that readiness a
// waiter doesn't fully consume in one operation re-fires on the next
// Poll without an explicit re-arm — recommended by spec.md §4.6 since
// stream ops consume readiness lazily, one read/write at a time.
type Poller struct {
	epfd int

	mu       sync.Mutex
	interest map[int]*entry
	events   []unix.EpollEvent
}

type entry struct {
	readWaiter, writeWaiter bool
}

// New creates an epoll-backed Poller.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:     epfd,
		interest: make(map[int]*entry),
		events:   make([]unix.EpollEvent, 128),
	}, nil
}

// Register adds interest in fd becoming ready for dir. Returns ErrBusy
// if a waiter already holds this (fd, direction) slot.
func (p *Poller) Register(fd int, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.interest[fd]
	op := unix.EPOLL_CTL_MOD
	if !ok {
		e = &entry{}
		p.interest[fd] = e
		op = unix.EPOLL_CTL_ADD
	}
	if dir == Read {
		if e.readWaiter {
			return ErrBusy
		}
		e.readWaiter = true
	} else {
		if e.writeWaiter {
			return ErrBusy
		}
		e.writeWaiter = true
	}
	if err := p.applyLocked(fd, e, op); err != nil {
		// roll back on failure so the interest table stays consistent
		// with what the kernel actually holds
		if dir == Read {
			e.readWaiter = false
		} else {
			e.writeWaiter = false
		}
		return err
	}
	return nil
}

// Unregister drops interest in fd for dir. A no-op if nothing was
// registered.
func (p *Poller) Unregister(fd int, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.interest[fd]
	if !ok {
		return nil
	}
	if dir == Read {
		e.readWaiter = false
	} else {
		e.writeWaiter = false
	}
	if !e.readWaiter && !e.writeWaiter {
		delete(p.interest, fd)
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return p.applyLocked(fd, e, unix.EPOLL_CTL_MOD)
}

func (p *Poller) applyLocked(fd int, e *entry, op int) error {
	var events uint32
	if e.readWaiter {
		events |= unix.EPOLLIN
	}
	if e.writeWaiter {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, op, fd, &ev)
}

// Poll blocks for up to timeout for readiness events. A negative
// timeout blocks indefinitely; zero polls without blocking.
func (p *Poller) Poll(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	var out []Event
	p.mu.Lock()
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		e, ok := p.interest[fd]
		if !ok {
			continue
		}
		// HUP/ERR wake whichever waiter(s) are present so a dropped
		// peer surfaces as a readiness event rather than hanging.
		if e.readWaiter && ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
			out = append(out, Event{FD: fd, Dir: Read})
		}
		if e.writeWaiter && ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			out = append(out, Event{FD: fd, Dir: Write})
		}
	}
	p.mu.Unlock()
	return out, nil
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
