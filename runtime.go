// Package coev implements a cooperative coroutine runtime and its
// attached I/O substrate: a scheduler that dispatches coroutines and
// suspends them on file-descriptor readiness or time, a buffered
// non-blocking socket stream coroutines read and write through, and a
// per-endpoint connection pool that gates coroutines on bounded
// resources.
//
// Coroutines are not goroutines used for parallelism — exactly one
// coroutine is logically Running at any instant, even though each is
// backed by a real goroutine. Control is baton-passed over unbuffered
// channels: the scheduler sends a coroutine its resume value and then
// blocks reading its own notification channel until that coroutine (or
// whichever peer it symmetrically switches to) yields back. No two
// coroutines' Entry code ever executes concurrently, which is what
// makes the run queue, timer heap and poller interest table safe to
// mutate without locks.
package coev

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/xtaci/coev/internal/corelog"
	"github.com/xtaci/coev/internal/poller"
)

// DebugFlag is a bitmask selecting which debug trace categories
// SetDebug enables, named per spec.md §6's stable debug-flag surface.
type DebugFlag uint32

const (
	FlagCoroutine DebugFlag = 1 << iota // COEV
	FlagCoroutineDump                   // COEV_DUMP
	FlagLock                            // COLOCK
	FlagLockDump                        // COLOCK_DUMP
	FlagBuffer                          // NBUF
	FlagBufferDump                      // NBUF_DUMP
	FlagRunqueueDump                    // RUNQ_DUMP
	FlagStack                           // STACK
	FlagStackDump                       // STACK_DUMP
)

// Stats is the mapping returned by Runtime.Stats, per spec.md §6.
type Stats struct {
	CoroutinesAlive       int
	CoroutinesTotalSpawned uint64
	PollerWaits           uint64
	TimerFires            uint64
	IOReadies             uint64
	Switches              uint64
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithStackSize is accepted for interface parity with spec.md §5's
// configurable stack size. Go coroutines here run on goroutine stacks,
// which grow on demand, so this only records the value on the Runtime;
// nothing in the package reads it and it does not preallocate anything.
func WithStackSize(n int) Option {
	return func(rt *Runtime) { rt.stackSize = n }
}

// WithLogger installs a debug logger; if omitted a default
// corelog.Logger writing to stderr is used.
func WithLogger(l *corelog.Logger) Option {
	return func(rt *Runtime) { rt.log = l }
}

// Runtime is a first-class scheduler value: the source this runtime is
// ported from assumes one process-wide scheduler, but callers here
// construct and run independent Runtimes, including concurrently in
// tests, each with its own poller, timer heap and run queue.
type Runtime struct {
	poller   *poller.Poller
	timers   timerHeap
	runQueue []runnableEntry
	schedCh  chan yieldMsg

	registryMu sync.Mutex
	coroutines map[uint64]*Coroutine
	nextID     uint64

	current    *Coroutine
	extraState *schedulerExtra

	shuttingDown bool

	stackSize int
	log       *corelog.Logger

	stats struct {
		totalSpawned uint64
		pollerWaits  uint64
		timerFires   uint64
		ioReadies    uint64
		switches     uint64
	}

	started bool
	idle    chan struct{} // closed when RunUntilIdle should return
}

// New constructs a Runtime with its own poller and empty scheduling
// state.
func New(opts ...Option) (*Runtime, error) {
	pfd, err := poller.New()
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		poller:     pfd,
		schedCh:    make(chan yieldMsg),
		coroutines: make(map[uint64]*Coroutine),
		stackSize:  64 * 1024,
		log:        corelog.New(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// SetDebug toggles debug tracing and selects which categories are
// logged, per spec.md §6.
func (rt *Runtime) SetDebug(enabled bool, mask DebugFlag) {
	rt.log.Enable(enabled, uint32(mask))
}

// Stats returns a snapshot of runtime counters.
func (rt *Runtime) Stats() Stats {
	rt.registryMu.Lock()
	alive := len(rt.coroutines)
	rt.registryMu.Unlock()
	return Stats{
		CoroutinesAlive:        alive,
		CoroutinesTotalSpawned: atomic.LoadUint64(&rt.stats.totalSpawned),
		PollerWaits:            atomic.LoadUint64(&rt.stats.pollerWaits),
		TimerFires:             atomic.LoadUint64(&rt.stats.timerFires),
		IOReadies:              atomic.LoadUint64(&rt.stats.ioReadies),
		Switches:               atomic.LoadUint64(&rt.stats.switches),
	}
}

// Current returns the coroutine presently running on rt, or nil if
// called from outside any coroutine (e.g. from the goroutine that
// called RunForever directly, between iterations — which should not
// happen since RunForever itself never calls back into user code
// except via coroutines).
func (rt *Runtime) Current() *Coroutine { return rt.current }

// Spawn creates a new coroutine and makes it immediately Runnable;
// it is resumed for the first time on its turn in the scheduler's run
// queue, per spec.md §4.1's "spawn(entry, args) → Coroutine" contract.
func (rt *Runtime) Spawn(entry Entry, args any) *Coroutine {
	co := &Coroutine{
		id:       atomic.AddUint64(&rt.nextID, 1),
		rt:       rt,
		state:    Nascent,
		entry:    entry,
		args:     args,
		resumeCh: make(chan resumeMsg),
	}
	return rt.spawn(co)
}

// SpawnNamed is Spawn with a diagnostic name, surfaced in debug traces
// and String().
func (rt *Runtime) SpawnNamed(name string, entry Entry, args any) *Coroutine {
	co := &Coroutine{
		id:       atomic.AddUint64(&rt.nextID, 1),
		name:     name,
		rt:       rt,
		state:    Nascent,
		entry:    entry,
		args:     args,
		resumeCh: make(chan resumeMsg),
	}
	return rt.spawn(co)
}

func (rt *Runtime) spawn(co *Coroutine) *Coroutine {
	rt.registryMu.Lock()
	rt.coroutines[co.id] = co
	rt.registryMu.Unlock()
	atomic.AddUint64(&rt.stats.totalSpawned, 1)

	go co.run()

	co.state = Runnable
	rt.runQueue = append(rt.runQueue, runnableEntry{co: co, msg: resumeMsg{}})
	if ev := rt.log.Event(uint32(FlagCoroutine)); ev != nil {
		ev.Stringer("coroutine", co).Msg("spawned")
	}
	return co
}

// Shutdown requests that RunForever return once the run queue drains
// and no waiters remain (spec.md §4.1 step 5). It does not forcibly
// cancel anything in flight.
func (rt *Runtime) Shutdown() {
	rt.shuttingDown = true
}

// lockOSThreadFor pins the calling goroutine to its OS thread for the
// duration of fn, honoring spec.md §1's "multiplexed over a single OS
// thread" framing literally for the scheduler's own driver loop. This
// is not load-bearing for correctness — the channel handoff in
// runChain already guarantees only one coroutine's code runs at a time
// — it documents the intent that the scheduler itself never migrates
// threads mid-loop.
func lockOSThreadFor(fn func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	fn()
}
