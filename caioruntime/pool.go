package caioruntime

import "iter"

// A Pool is a fixed table of task slots. Tasks are never allocated outside
// of it; releasing a task keeps its memory for the next lease.
type Pool struct {
	tasks []Task
	live  int
}

// NewPool creates a pool of size slots whose call stacks are preallocated to
// depth frames.
func NewPool(size, depth int) *Pool {
	p := &Pool{
		tasks: make([]Task, size),
	}
	for i := range p.tasks {
		t := &p.tasks[i]
		t.slot = i
		t.stack = make([]Frame, 0, depth)
		t.timer = timer{pos: -1, task: t}
		// Slots start out as leftovers of a previous owner.
		t.status = StatusTerminated
	}
	p.reset()
	return p
}

// reset forces every slot that is not IDLE back to IDLE.
func (p *Pool) reset() {
	for t := range p.Scan(0, StatusAll&^StatusIdle) {
		t.clear()
		t.status = StatusIdle
	}
	p.live = 0
}

func (t *Task) clear() {
	clear(t.stack)
	t.stack = t.stack[:0]
	t.cur = 0
	t.err = nil
	t.result = 0
	t.armed = false
	t.killed = false
}

// Lease returns the first IDLE slot, reset to RUNNING with an empty stack
// and no error. It returns false if every slot is in use.
func (p *Pool) Lease() (*Task, bool) {
	for i := range p.tasks {
		t := &p.tasks[i]
		if t.status != StatusIdle {
			continue
		}
		t.clear()
		t.gen++
		t.status = StatusRunning
		p.live++
		return t, true
	}
	return nil, false
}

// Release returns t to the pool. Releasing an IDLE slot does nothing.
func (p *Pool) Release(t *Task) {
	if t.status == StatusIdle {
		return
	}
	t.clear()
	t.status = StatusIdle
	p.live--
}

// Next returns the first task at or after index cursor whose status matches
// mask, or nil.
func (p *Pool) Next(cursor int, mask Status) *Task {
	for i := max(cursor, 0); i < len(p.tasks); i++ {
		if p.tasks[i].status.Is(mask) {
			return &p.tasks[i]
		}
	}
	return nil
}

// Scan yields the tasks at or after index cursor whose status matches mask,
// in slot order. The status is checked when the scan reaches a slot, so
// tasks leased or released during the scan are seen as they are then.
func (p *Pool) Scan(cursor int, mask Status) iter.Seq[*Task] {
	return func(yield func(*Task) bool) {
		for t := p.Next(cursor, mask); t != nil; t = p.Next(t.slot+1, mask) {
			if !yield(t) {
				return
			}
		}
	}
}

// Task returns the task in slot i.
func (p *Pool) Task(i int) *Task { return &p.tasks[i] }

// Live returns the number of leased slots.
func (p *Pool) Live() int { return p.live }

func (p *Pool) Cap() int { return len(p.tasks) }

func (p *Pool) Free() int { return len(p.tasks) - p.live }
