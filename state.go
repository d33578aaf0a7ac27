package coev

import "github.com/xtaci/coev/internal/poller"

// State is a coroutine's lifecycle state, per spec.md §3.
type State uint8

const (
	// Nascent is a coroutine's state only while Spawn builds it; Spawn
	// puts it on the run queue as Runnable before returning.
	Nascent State = iota
	// Running is held by at most one coroutine at any instant.
	Running
	// Runnable coroutines sit on the scheduler's run queue.
	Runnable
	// WaitingIO coroutines are parked on a poller registration.
	WaitingIO
	// WaitingTimer coroutines are parked on a timer-heap entry only.
	WaitingTimer
	// WaitingPeer coroutines are parked awaiting an explicit SwitchTo
	// or ThrowInto from another coroutine, or the death of a coroutine
	// they Join — no fd or timer involved.
	WaitingPeer
	// Dead coroutines have returned or raised out of their entry
	// function and will not run again.
	Dead
)

func (s State) String() string {
	switch s {
	case Nascent:
		return "nascent"
	case Running:
		return "running"
	case Runnable:
		return "runnable"
	case WaitingIO:
		return "waiting_io"
	case WaitingTimer:
		return "waiting_timer"
	case WaitingPeer:
		return "waiting_peer"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Direction is the readiness direction a wait_fd call waits on, aliased
// to the poller's own Direction so callers never need to convert.
type Direction = poller.Direction

const (
	Read  = poller.Read
	Write = poller.Write
)

// Resume is the value delivered to a successful WaitFD call: whether it
// woke because the fd became ready or because of a historical bug
// working around a lost wakeup is not modeled — only Ready is returned
// on success, Timeout/WaitAbort surface as errors.
type Resume uint8

const (
	// Ready indicates the fd became ready for the requested direction.
	Ready Resume = iota
	// TimedOut names the case where the deadline elapsed first. The
	// scheduler does not deliver it: a timed-out WaitFD returns the
	// coeverr.Timeout error instead of a Resume value.
	TimedOut
)
