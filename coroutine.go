package coev

import (
	"fmt"
	"time"
)

// Entry is a coroutine's body. args is whatever was passed to Spawn. A
// non-nil return is stored as the coroutine's terminal error and
// delivered to anything that Join()s it; an unhandled panic inside
// Entry is recovered and treated the same way.
type Entry func(rt *Runtime, args any) error

// reqKind tags what a suspended coroutine's suspendRequest is asking
// the scheduler for.
type reqKind uint8

const (
	reqWaitIO reqKind = iota
	reqSleep
	reqPeerPark
	reqSwitchTo
	reqDead
)

// suspendRequest is posted to the scheduler's schedCh by a coroutine
// that is yielding control, describing what should happen before (or
// instead of) it runs again.
type suspendRequest struct {
	kind reqKind

	fd      int
	dir     Direction
	timeout time.Duration
	hasTO   bool

	target *Coroutine
	value  any

	err error // populated for reqDead
}

// resumeMsg is delivered to a coroutine's resumeCh by the scheduler
// when handing it control: value is the result of whatever it was
// waiting for, err is set for Timeout/WaitAbort/Exit or any value
// passed to ThrowInto.
type resumeMsg struct {
	value any
	err   error
}

// yieldMsg is posted to the scheduler's schedCh whenever the currently
// running coroutine gives up control, for any reason.
type yieldMsg struct {
	co  *Coroutine
	req suspendRequest
}

// Coroutine is a suspendable execution context, per spec.md §3. Its
// stack is a real goroutine stack: switching is realised as a baton
// handoff over resumeCh/schedCh (see Runtime docs) rather than a
// hand-rolled stack swap, so Go's own stack growth and guard-page
// handling cover spec.md §4.2's stack-sizing and overflow concerns.
type Coroutine struct {
	id    uint64
	name  string
	rt    *Runtime
	state State

	entry Entry
	args  any

	resumeCh chan resumeMsg
	waiter   *waiter // non-nil while Waiting*

	err     error
	joiners []*Coroutine
}

// ID returns the coroutine's stable identity.
func (c *Coroutine) ID() uint64 { return c.id }

// Name returns the coroutine's diagnostic name, which may be empty.
func (c *Coroutine) Name() string { return c.name }

// State returns the coroutine's current lifecycle state.
func (c *Coroutine) State() State { return c.state }

// Err returns the terminal error a Dead coroutine finished with, or
// nil if it hasn't finished or finished cleanly.
func (c *Coroutine) Err() error { return c.err }

func (c *Coroutine) String() string {
	if c.name != "" {
		return fmt.Sprintf("coroutine(%d:%s,%s)", c.id, c.name, c.state)
	}
	return fmt.Sprintf("coroutine(%d,%s)", c.id, c.state)
}

// run is the body every spawned coroutine's goroutine executes: block
// for the first resume, run Entry with panic recovery, then report
// death to the scheduler. It never returns control any other way —
// every suspension inside Entry goes through Runtime.suspend, which
// itself blocks on resumeCh, so at most one coroutine's Go code is
// ever actually executing at a time.
func (c *Coroutine) run() {
	first := <-c.resumeCh
	if first.err != nil {
		// thrown into before ever starting: Entry never runs, the
		// injected error becomes the terminal error directly.
		c.rt.schedCh <- yieldMsg{co: c, req: suspendRequest{kind: reqDead, err: first.err}}
		return
	}

	var terminal error
	func() {
		defer func() {
			if r := recover(); r != nil {
				if e, ok := r.(error); ok {
					terminal = e
				} else {
					terminal = fmt.Errorf("coev: coroutine panic: %v", r)
				}
			}
		}()
		terminal = c.entry(c.rt, c.args)
	}()

	c.rt.schedCh <- yieldMsg{co: c, req: suspendRequest{kind: reqDead, err: terminal}}
}
