//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poller wraps a kqueue instance for the BSD/Darwin family, mirroring
// the Linux epoll Poller's contract and level-triggered semantics.
type Poller struct {
	kq int

	mu       sync.Mutex
	interest map[int]*entry
	events   []unix.Kevent_t
}

type entry struct {
	readWaiter, writeWaiter bool
}

// New creates a kqueue-backed Poller.
func New() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &Poller{
		kq:       kq,
		interest: make(map[int]*entry),
		events:   make([]unix.Kevent_t, 128),
	}, nil
}

func (p *Poller) Register(fd int, dir Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.interest[fd]
	if !ok {
		e = &entry{}
		p.interest[fd] = e
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

	filter := int16(unix.EVFILT_READ)
	if dir == Write {
		filter = int16(unix.EVFILT_WRITE)
	}
	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		// no EV_CLEAR: level-triggered, matching the epoll poller —
		// unconsumed readiness re-fires on the next Poll.
		Flags: unix.EV_ADD,
	}
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		if dir == Read {
			e.readWaiter = false
		} else {
			e.writeWaiter = false
		}
		return err
	}
	return nil
}

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

	filter := int16(unix.EVFILT_READ)
	if dir == Write {
		filter = int16(unix.EVFILT_WRITE)
	}
	kev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: unix.EV_DELETE}
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)

	if !e.readWaiter && !e.writeWaiter {
		delete(p.interest, fd)
	}
	return nil
}

func (p *Poller) Poll(timeout time.Duration) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.events, ts)
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
		fd := int(ev.Ident)
		e, ok := p.interest[fd]
		if !ok {
			continue
		}
		switch int16(ev.Filter) {
		case unix.EVFILT_READ:
			if e.readWaiter {
				out = append(out, Event{FD: fd, Dir: Read})
			}
		case unix.EVFILT_WRITE:
			if e.writeWaiter {
				out = append(out, Event{FD: fd, Dir: Write})
			}
		}
	}
	p.mu.Unlock()
	return out, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.kq)
}
