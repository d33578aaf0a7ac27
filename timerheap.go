package coev

import "container/heap"

// timerEntry is one pending (deadline, waiter) pair, per spec.md §3.
// generation lets a cancelled waiter's heap entry go stale without a
// heap.Remove: the scheduler bumps generation on cancel and pop()
// discards anything whose generation no longer matches.
type timerEntry struct {
	deadline   int64 // monotonic nanoseconds
	waiter     *waiter
	generation uint64
	index      int // heap.Interface bookkeeping
}

// timerHeap is a container/heap min-heap ordered by deadline, the same
// structure the teacher (xtaci/gaio) keeps for its timeout queue,
// adapted here to key off waiters instead of in-flight aiocb requests.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// schedule pushes a new timer entry and returns it.
func (h *timerHeap) schedule(deadline int64, w *waiter) *timerEntry {
	e := &timerEntry{deadline: deadline, waiter: w, generation: w.generation}
	heap.Push(h, e)
	return e
}

// cancelTimer bumps the waiter's generation so its heap entry is discarded
// lazily on pop, avoiding an O(log n) heap.Remove on the common
// "I/O beat the timeout" path.
func (w *waiter) cancelTimer() {
	w.generation++
}

// popExpired removes and returns every entry whose deadline has passed
// and whose generation still matches its waiter (i.e. was not
// cancelled), leaving stale entries to fall out silently.
func (h *timerHeap) popExpired(now int64) []*timerEntry {
	var expired []*timerEntry
	for h.Len() > 0 {
		top := (*h)[0]
		if top.generation != top.waiter.generation {
			heap.Pop(h)
			continue
		}
		if top.deadline > now {
			break
		}
		heap.Pop(h)
		expired = append(expired, top)
	}
	return expired
}

// nextDeadline reports the deadline of the earliest live entry, and
// whether one exists.
func (h *timerHeap) nextDeadline() (int64, bool) {
	for h.Len() > 0 {
		top := (*h)[0]
		if top.generation != top.waiter.generation {
			heap.Pop(h)
			continue
		}
		return top.deadline, true
	}
	return 0, false
}
