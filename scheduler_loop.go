package coev

import (
	"fmt"
	"time"

	"github.com/xtaci/coev/coeverr"
	"github.com/xtaci/coev/internal/poller"
)

// eventT aliases the poller's ready-event type so this file doesn't
// need to repeat the import everywhere it names one.
type eventT = poller.Event

// fdKey identifies one (fd, direction) slot in the poller's interest
// table, mirrored here so the scheduler can map a ready event back to
// the waiter it belongs to.
type fdKey struct {
	fd  int
	dir Direction
}

// runnableEntry is one FIFO run-queue slot: a coroutine plus the value
// (or error) it should be resumed with.
type runnableEntry struct {
	co  *Coroutine
	msg resumeMsg
}

// fdWaiters and waitingCount live alongside Runtime's other scheduling
// state; declared here since they're only ever touched by the loop
// below.
type schedulerExtra struct {
	fdWaiters    map[fdKey]*waiter
	waitingCount int
}

func (rt *Runtime) extra() *schedulerExtra {
	if rt.extraState == nil {
		rt.extraState = &schedulerExtra{fdWaiters: make(map[fdKey]*waiter)}
	}
	return rt.extraState
}

// RunForever drives the scheduler until Shutdown has been called and
// both the run queue and every waiter have drained (spec.md §4.1 step
// 5). Poller errors are fatal and are returned to the caller, matching
// spec.md §4.1's "poller errors are fatal to the scheduler".
func (rt *Runtime) RunForever() error {
	return rt.loop(false)
}

// RunUntilIdle drives the scheduler until there is nothing left to run
// and nothing left waiting, regardless of whether Shutdown was called.
// Useful for tests and for batch-style callers that spawn a bounded
// amount of work and want to wait for all of it to finish.
func (rt *Runtime) RunUntilIdle() error {
	return rt.loop(true)
}

func (rt *Runtime) loop(stopWhenIdle bool) (err error) {
	rt.started = true
	lockOSThreadFor(func() {
		for {
			rt.processExpiredTimers()

			idle := len(rt.runQueue) == 0 && rt.extra().waitingCount == 0
			if idle && (stopWhenIdle || rt.shuttingDown) {
				return
			}

			timeout := rt.computeTimeout()
			events, perr := rt.poller.Poll(timeout)
			rt.stats.pollerWaits++
			if perr != nil {
				err = perr
				return
			}
			rt.enqueueReadyEvents(events)

			if len(rt.runQueue) > 0 {
				next := rt.runQueue[0]
				rt.runQueue = rt.runQueue[1:]
				rt.runChain(next.co, next.msg)
			}
		}
	})
	return err
}

// computeTimeout implements spec.md §4.1 step 2. A non-empty run queue
// polls without blocking so newly-ready fds are picked up opportunistically
// before the next coroutine runs; an empty queue blocks up to the
// earliest timer deadline, or indefinitely if none is pending.
func (rt *Runtime) computeTimeout() time.Duration {
	if len(rt.runQueue) > 0 {
		return 0
	}
	deadline, ok := rt.timers.nextDeadline()
	if !ok {
		return -1
	}
	d := deadline - nowMonotonicNS()
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// processExpiredTimers implements spec.md §4.1 step 1: pop every timer
// entry whose deadline has passed, cancel any poller interest it was
// paired with, and enqueue its coroutine Runnable.
func (rt *Runtime) processExpiredTimers() {
	expired := rt.timers.popExpired(nowMonotonicNS())
	for _, e := range expired {
		w := e.waiter
		co := w.co
		rt.clearWaiting(co)

		var msg resumeMsg
		switch w.kind {
		case waitIO:
			delete(rt.extra().fdWaiters, fdKey{w.fd, w.dir})
			_ = rt.poller.Unregister(w.fd, w.dir)
			msg = resumeMsg{err: coeverr.Timeout}
		case waitTimerOnly:
			msg = resumeMsg{} // plain sleep wakeup, not an error
		default:
			msg = resumeMsg{err: coeverr.Timeout}
		}
		co.state = Runnable
		co.waiter = nil
		rt.runQueue = append(rt.runQueue, runnableEntry{co: co, msg: msg})
		rt.stats.timerFires++
	}
}

// enqueueReadyEvents implements spec.md §4.1 step 3.
func (rt *Runtime) enqueueReadyEvents(events []eventT) {
	for _, ev := range events {
		key := fdKey{ev.FD, ev.Dir}
		w, ok := rt.extra().fdWaiters[key]
		if !ok {
			continue
		}
		delete(rt.extra().fdWaiters, key)
		_ = rt.poller.Unregister(ev.FD, ev.Dir)

		co := w.co
		rt.clearWaiting(co)
		if w.hasDeadline {
			w.cancelTimer()
		}
		co.state = Runnable
		co.waiter = nil
		rt.runQueue = append(rt.runQueue, runnableEntry{co: co, msg: resumeMsg{value: Ready}})
		rt.stats.ioReadies++
	}
}

// markWaiting records that co has entered one of the Waiting* states.
func (rt *Runtime) markWaiting(co *Coroutine, w *waiter) {
	co.waiter = w
	rt.extra().waitingCount++
}

// clearWaiting records that co has left a Waiting* state, for whatever
// reason (timer fire, fd fire, ThrowInto, or a direct peer SwitchTo).
func (rt *Runtime) clearWaiting(co *Coroutine) {
	if co.waiter == nil {
		return
	}
	rt.extra().waitingCount--
}

// cancelWaiterRegistrations drops any poller/timer registration a
// waiting coroutine currently holds, used before forcing it to run via
// ThrowInto or a direct SwitchTo.
func (rt *Runtime) cancelWaiterRegistrations(co *Coroutine) {
	w := co.waiter
	if w == nil {
		return
	}
	if w.hasFD {
		delete(rt.extra().fdWaiters, fdKey{w.fd, w.dir})
		_ = rt.poller.Unregister(w.fd, w.dir)
	}
	if w.hasDeadline {
		w.cancelTimer()
	}
	rt.clearWaiting(co)
	co.waiter = nil
}

// removeFromRunQueue splices co out of the run queue if present,
// returning its pending resume message if it was found.
func (rt *Runtime) removeFromRunQueue(co *Coroutine) (resumeMsg, bool) {
	for i, e := range rt.runQueue {
		if e.co == co {
			rt.runQueue = append(rt.runQueue[:i], rt.runQueue[i+1:]...)
			return e.msg, true
		}
	}
	return resumeMsg{}, false
}

// runChain implements spec.md §4.1 step 4 plus the direct peer-switch
// fast path of §5 ordering guarantee (ii): resuming co may hand off
// control directly to another coroutine (SwitchTo) any number of times
// before anything returns to this function, or it may raise a
// synchronous Busy error and keep running co without ever leaving
// Running state. It returns once some coroutine in the chain actually
// suspends (IO, timer, or peer-park) or dies.
func (rt *Runtime) runChain(co *Coroutine, resume resumeMsg) {
	for {
		rt.current = co
		co.state = Running
		co.resumeCh <- resume
		ym := <-rt.schedCh
		rt.current = nil
		rt.stats.switches++

		switch ym.req.kind {
		case reqSwitchTo:
			target := ym.req.target
			if verr := rt.validateSwitchTarget(ym.co, target); verr != nil {
				co, resume = ym.co, resumeMsg{err: verr}
				continue
			}
			// pull the target out of wherever it currently sits —
			// run queue, or a registered wait — so it isn't resumed
			// twice.
			if target.state == Runnable {
				rt.removeFromRunQueue(target)
			} else if target.state == WaitingIO || target.state == WaitingTimer || target.state == WaitingPeer {
				rt.cancelWaiterRegistrations(target)
			}
			rt.markWaiting(ym.co, &waiter{co: ym.co, kind: waitPeer})
			ym.co.state = WaitingPeer
			co, resume = target, resumeMsg{value: ym.req.value}
			continue

		case reqWaitIO:
			w := &waiter{co: ym.co, kind: waitIO, fd: ym.req.fd, dir: ym.req.dir, hasFD: true}
			if rerr := rt.poller.Register(ym.req.fd, ym.req.dir); rerr != nil {
				co, resume = ym.co, resumeMsg{err: coeverr.Busy}
				continue
			}
			rt.extra().fdWaiters[fdKey{ym.req.fd, ym.req.dir}] = w
			if ym.req.hasTO {
				w.hasDeadline = true
				w.deadline = deadlineFrom(ym.req.timeout)
				w.timerEntry = rt.timers.schedule(w.deadline, w)
			}
			ym.co.state = WaitingIO
			rt.markWaiting(ym.co, w)
			if ym.req.timeout <= 0 {
				// the deadline has already passed, so the next timer step
				// would report Timeout before any poll: check readiness
				// once now, without blocking
				if events, perr := rt.poller.Poll(0); perr == nil {
					rt.enqueueReadyEvents(events)
				}
			}
			return

		case reqSleep:
			w := &waiter{co: ym.co, kind: waitTimerOnly, hasDeadline: true, deadline: deadlineFrom(ym.req.timeout)}
			w.timerEntry = rt.timers.schedule(w.deadline, w)
			ym.co.state = WaitingTimer
			rt.markWaiting(ym.co, w)
			return

		case reqPeerPark:
			w := &waiter{co: ym.co, kind: waitPeer}
			ym.co.state = WaitingPeer
			rt.markWaiting(ym.co, w)
			return

		case reqDead:
			rt.reap(ym.co, ym.req.err)
			return

		default:
			panic(fmt.Sprintf("coev: unhandled suspend request kind %d", ym.req.kind))
		}
	}
}

// validateSwitchTarget enforces spec.md §4.2's "a coroutine in Running
// state cannot be thrown into (only suspended or runnable)" rule for
// SwitchTo as well, plus rejects switching to self or to a dead peer.
func (rt *Runtime) validateSwitchTarget(from, target *Coroutine) error {
	if target == nil {
		return fmt.Errorf("coev: switch to nil coroutine")
	}
	if target == from {
		return fmt.Errorf("coev: coroutine cannot switch to itself")
	}
	if target.state == Running {
		return fmt.Errorf("coev: cannot switch into a running coroutine")
	}
	if target.state == Dead {
		return coeverr.WaitAbort
	}
	return nil
}

// reap finalizes a dead coroutine: stores its terminal error, removes
// it from the registry, and wakes anything joined on it (spec.md
// §4.1's "if another coroutine is waiting on it via a join mechanism,
// that coroutine receives the error").
func (rt *Runtime) reap(co *Coroutine, err error) {
	co.state = Dead
	co.err = err

	rt.registryMu.Lock()
	delete(rt.coroutines, co.id)
	rt.registryMu.Unlock()

	for _, joiner := range co.joiners {
		rt.clearWaiting(joiner)
		joiner.state = Runnable
		joiner.waiter = nil
		rt.runQueue = append(rt.runQueue, runnableEntry{co: joiner, msg: resumeMsg{err: err}})
	}
	co.joiners = nil

	if ev := rt.log.Event(uint32(FlagCoroutine)); ev != nil {
		ev.Stringer("coroutine", co).AnErr("err", err).Msg("reaped")
	}
}

// suspend is the single choke point every wait primitive below uses:
// post what we're waiting for, then block until the scheduler hands
// control back. Must only be called from inside a coroutine's own
// goroutine.
func (rt *Runtime) suspend(co *Coroutine, req suspendRequest) (any, error) {
	rt.schedCh <- yieldMsg{co: co, req: req}
	msg := <-co.resumeCh
	return msg.value, msg.err
}

// WaitFD suspends the calling coroutine until fd becomes ready for dir,
// timeout elapses, or the wait is aborted, per spec.md §4.3. timeout<=0
// polls once without blocking when the wait is registered: the call
// still suspends for one scheduler turn and returns Ready if the fd was
// ready then, Timeout otherwise.
func (rt *Runtime) WaitFD(fd int, dir Direction, timeout time.Duration) (Resume, error) {
	co := rt.mustCurrent("WaitFD")
	v, err := rt.suspend(co, suspendRequest{kind: reqWaitIO, fd: fd, dir: dir, timeout: timeout, hasTO: true})
	if err != nil {
		return 0, err
	}
	r, _ := v.(Resume)
	return r, nil
}

// Sleep suspends the calling coroutine for d, per spec.md §4.3.
func (rt *Runtime) Sleep(d time.Duration) error {
	co := rt.mustCurrent("Sleep")
	_, err := rt.suspend(co, suspendRequest{kind: reqSleep, timeout: d})
	return err
}

// SwitchToScheduler parks the calling coroutine with no wait condition;
// it is resumed only when another coroutine calls SwitchTo(this, v) or
// ThrowInto(this, err). This is the primitive a worker coroutine uses
// to hand a result back to whichever coroutine is joining it, per
// spec.md §4.3.
func (rt *Runtime) SwitchToScheduler() (any, error) {
	co := rt.mustCurrent("SwitchToScheduler")
	return rt.suspend(co, suspendRequest{kind: reqPeerPark})
}

// SwitchTo transfers control directly to target with value v, without
// going through the run queue or poller — per spec.md §5 ordering
// guarantee (ii), target resumes before the scheduler reclaims control.
// The caller becomes WaitingPeer until something resumes it the same
// way.
func (rt *Runtime) SwitchTo(target *Coroutine, v any) (any, error) {
	co := rt.mustCurrent("SwitchTo")
	return rt.suspend(co, suspendRequest{kind: reqSwitchTo, target: target, value: v})
}

// ThrowInto injects err at target's current suspension point and marks
// it Runnable, cancelling any poller/timer registration it held. A
// coroutine in Running state cannot be thrown into. Per spec.md §4.1's
// cancellation semantics, unlike SwitchTo this goes through the normal
// run queue rather than an immediate hand-off: the thrower keeps
// running until it next yields.
func (rt *Runtime) ThrowInto(target *Coroutine, err error) error {
	if target == nil {
		return fmt.Errorf("coev: throw into nil coroutine")
	}
	if target.state == Running {
		return fmt.Errorf("coev: cannot throw into a running coroutine")
	}
	if target.state == Dead {
		return coeverr.WaitAbort
	}
	if target.state == Runnable {
		if msg, ok := rt.removeFromRunQueue(target); ok {
			_ = msg // the pending resume value is superseded by the thrown error
		}
	} else {
		rt.cancelWaiterRegistrations(target)
	}
	target.state = Runnable
	rt.runQueue = append(rt.runQueue, runnableEntry{co: target, msg: resumeMsg{err: err}})
	return nil
}

// Join blocks the calling coroutine until target dies, returning its
// terminal error (nil on clean exit). Implements spec.md §4.1's join
// mechanism on top of SwitchToScheduler/reap.
func (rt *Runtime) Join(target *Coroutine) error {
	if target.state == Dead {
		return target.err
	}
	co := rt.mustCurrent("Join")
	target.joiners = append(target.joiners, co)
	_, err := rt.suspend(co, suspendRequest{kind: reqPeerPark})
	return err
}

func (rt *Runtime) mustCurrent(op string) *Coroutine {
	co := rt.current
	if co == nil {
		panic(fmt.Sprintf("coev: %s called outside any coroutine", op))
	}
	return co
}
