package coev

// waitKind classifies what a suspended coroutine is waiting for.
type waitKind uint8

const (
	waitIO waitKind = iota
	waitTimerOnly
	waitPeer  // parked via SwitchToScheduler, SwitchTo or Join; resumed by SwitchTo/ThrowInto, or by the joined coroutine's death
	waitSwitch // immediate peer hand-off, never actually parks
)

// waiter is the record described in spec.md §3: at most one exists per
// suspended coroutine, binding it to its wake condition. If fd is set
// the poller holds a registration keyed by (fd, dir) that resolves this
// waiter; if hasDeadline is set the timer heap holds an entry pointing
// at it. generation is bumped on cancellation so a stale timer-heap
// entry can be discarded on pop without a heap.Remove.
type waiter struct {
	co   *Coroutine
	kind waitKind

	fd       int
	dir      Direction
	hasFD    bool

	hasDeadline bool
	deadline    int64 // monotonic nanoseconds

	generation uint64
	timerEntry *timerEntry
}
