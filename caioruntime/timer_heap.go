package caioruntime

import (
	"container/heap"
)

// A timer wakes a sleeping task. Every task embeds exactly one.
type timer struct {
	when int64
	pos  int
	task *Task
	gen  uint32
}

// timers implements heap.Interface
type timers []*timer

func (h timers) Len() int { return len(h) }

func (h timers) Less(i, j int) bool { return h[i].when < h[j].when }

func (h timers) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *timers) Push(x any) {
	t := x.(*timer)
	if t.pos != -1 {
		panic(t.pos)
	}
	t.pos = len(*h)
	*h = append(*h, t)
}

func (h *timers) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	x.pos = -1
	return x
}

type timerHeap struct {
	timers timers
}

func (h *timerHeap) add(t *timer) {
	heap.Push(&h.timers, t)
}

func (h *timerHeap) remove(t *timer) {
	if t.pos == -1 || h.timers[t.pos] != t {
		panic(t)
	}
	heap.Remove(&h.timers, t.pos)
}

func (h *timerHeap) len() int {
	return len(h.timers)
}

func (h *timerHeap) pop() *timer {
	return heap.Pop(&h.timers).(*timer)
}

func (h *timerHeap) peek() *timer {
	return h.timers[0]
}
