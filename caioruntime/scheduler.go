package caioruntime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	DefaultMaxTasks = 64
	DefaultMaxDepth = 16
)

type Options struct {
	// MaxTasks is the pool capacity.
	MaxTasks int
	// MaxDepth bounds the call stack of every task.
	MaxDepth int
	// Backend completes I/O. Without one AwaitIO fails with ErrNoBackend.
	Backend Backend
	// LogHandler receives runtime logs. Records get "step" and "task"
	// attributes. Nil discards logs.
	LogHandler slog.Handler
	// OnExit is called for every task right before its slot is released,
	// while Err still holds the error it terminated with.
	OnExit func(t *Task)
}

// Stats counts scheduler events since creation.
type Stats struct {
	Sweeps  uint64
	Steps   uint64
	Spawns  uint64
	Pushes  uint64
	Pops    uint64
	Drained uint64
	Wakes   uint64
	Stale   uint64
}

// A Scheduler steps the tasks of one pool in round-robin order. It is not
// safe for concurrent use; only Backend.Wake and context cancellation cross
// goroutines.
type Scheduler struct {
	pool     *Pool
	maxDepth int
	backend  Backend
	logger   *slog.Logger
	onExit   func(*Task)

	timers timerHeap
	// armed counts tasks with an operation armed on the backend.
	armed int

	current *Task
	stats   Stats

	cancelled atomic.Bool
	now       func() int64
}

func NewScheduler(opts Options) *Scheduler {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = DefaultMaxTasks
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	s := &Scheduler{
		pool:     NewPool(opts.MaxTasks, opts.MaxDepth),
		maxDepth: opts.MaxDepth,
		backend:  opts.Backend,
		onExit:   opts.OnExit,
		now:      func() int64 { return time.Now().UnixNano() },
	}
	for i := range s.pool.tasks {
		s.pool.tasks[i].sched = s
	}
	s.logger = makeLogger(opts.LogHandler, s)
	return s
}

func (s *Scheduler) Pool() *Pool { return s.pool }

func (s *Scheduler) Backend() Backend { return s.backend }

// Logger returns the runtime logger. Records logged while a task is stepped
// carry its slot.
func (s *Scheduler) Logger() *slog.Logger { return s.logger }

// Current returns the task being stepped, or nil between steps.
func (s *Scheduler) Current() *Task { return s.current }

func (s *Scheduler) Stats() Stats { return s.stats }

// Spawn leases a task and pushes coro as its root frame. On failure nothing
// stays leased.
func Spawn[S any](s *Scheduler, coro Coroutine[S], state S) (*Task, error) {
	t, ok := s.pool.Lease()
	if !ok {
		return nil, ErrPoolExhausted
	}
	frame := bind(coro, state)
	if err := s.push(t, frame); err != nil {
		s.pool.Release(t)
		return nil, err
	}
	s.stats.Spawns++
	if s.logger.Enabled(context.TODO(), slog.LevelDebug) {
		s.logger.Debug("spawned task", "slot", t.slot, "gen", t.gen, "entry", frame.Name())
	}
	return t, nil
}

// Call pushes coro on top of t's call stack from outside the task. If the
// stack is full the whole task is disposed; when t is the task being
// stepped it is instead terminated with the error at the end of the step.
func Call[S any](s *Scheduler, t *Task, coro Coroutine[S], state S) error {
	if err := s.push(t, bind(coro, state)); err != nil {
		if s.current == t {
			t.Throw(err)
		} else {
			s.logger.Warn("disposing task", "slot", t.slot, "err", err)
			t.err = err
			s.Dispose(t)
		}
		return err
	}
	return nil
}

func (s *Scheduler) push(t *Task, f Frame) error {
	if len(t.stack) >= s.maxDepth {
		return fmt.Errorf("%w: depth %d", ErrCallStackOverflow, s.maxDepth)
	}
	f.parent = len(t.stack) - 1
	f.resume = ResumeStart
	t.stack = append(t.stack, f)
	s.stats.Pushes++
	return nil
}

func (s *Scheduler) pop(t *Task) {
	top := len(t.stack) - 1
	t.stack[top] = Frame{}
	t.stack = t.stack[:top]
}

func (s *Scheduler) invoke(t *Task, i int) {
	t.cur = i
	t.stack[i].invoke(t)
}

// Step runs one quantum of t: its top frame is invoked once. When that frame
// completes, its finally branch runs and its parent is re-entered within the
// same step. Step does nothing for tasks that are not RUNNING or
// TERMINATING.
func (s *Scheduler) Step(t *Task) {
	if !t.status.Is(statusRunnable) {
		return
	}
	s.stats.Steps++
	s.current = t
	defer func() { s.current = nil }()

	if t.killed {
		s.unwind(t)
		return
	}

	for {
		top := len(t.stack) - 1
		s.invoke(t, top)
		if t.killed {
			// The frame killed its own task.
			s.unwind(t)
			return
		}
		if len(t.stack) > top+1 && t.status == StatusRunning {
			return
		}
		if t.status != StatusTerminating {
			return
		}

		// The frame returned or threw.
		if len(t.stack) > top+1 {
			panic("caio: frame completed after pushing a child")
		}
		t.stack[top].resume = ResumeFinally
		err := t.err
		s.invoke(t, top)
		if len(t.stack) != top+1 || t.status != StatusTerminating {
			panic("caio: finally branch suspended")
		}
		if err != nil {
			// finally may add an error but not clear one.
			t.err = err
		}
		s.pop(t)
		s.stats.Pops++

		if t.err != nil || len(t.stack) == 0 {
			s.unwind(t)
			return
		}
		t.status = StatusRunning
	}
}

// unwind drops the remaining frames without invoking them and disposes t.
func (s *Scheduler) unwind(t *Task) {
	if t.err != nil {
		s.logger.Debug("unwinding task", "slot", t.slot, "depth", len(t.stack), "err", t.err)
	}
	s.drain(t)
	t.status = StatusTerminated
	s.Dispose(t)
}

func (s *Scheduler) drain(t *Task) {
	for len(t.stack) > 0 {
		s.pop(t)
		s.stats.Drained++
	}
}

// Dispose drains t's stack, disarms whatever it waits on and releases its
// slot. It is safe to call on an IDLE task.
func (s *Scheduler) Dispose(t *Task) {
	if t.status == StatusIdle {
		return
	}
	s.drain(t)
	s.disarm(t)
	if s.onExit != nil {
		s.onExit(t)
	}
	s.logger.Debug("task disposed", "slot", t.slot, "gen", t.gen, "err", t.err)
	s.pool.Release(t)
}

func (s *Scheduler) disarm(t *Task) {
	if t.armed {
		s.backend.Disarm(t)
		t.armed = false
		s.armed--
	}
	if t.timer.pos != -1 {
		s.timers.remove(&t.timer)
	}
}

// KillAll kills every live task with err.
func (s *Scheduler) KillAll(err error) {
	for t := range s.pool.Scan(0, StatusRunning|StatusWaiting) {
		t.Kill(err)
	}
}

func (s *Scheduler) sleep(t *Task, d time.Duration) {
	t.timer.when = s.now() + int64(d)
	t.timer.gen = t.gen
	s.timers.add(&t.timer)
	t.status = StatusWaiting
}

func (s *Scheduler) fireTimers() {
	now := s.now()
	for s.timers.len() > 0 && s.timers.peek().when <= now {
		tm := s.timers.pop()
		s.wakeTask(tm.task, tm.gen, 0)
	}
}

// wake is the WakeFunc handed to the backend.
func (s *Scheduler) wake(t *Task, gen uint32, res int32) {
	if t.gen != gen || t.status != StatusWaiting || !t.armed {
		s.stats.Stale++
		s.logger.Debug("dropping stale completion", "slot", t.slot, "gen", gen, "res", res)
		return
	}
	t.armed = false
	s.armed--
	s.wakeTask(t, gen, res)
}

func (s *Scheduler) wakeTask(t *Task, gen uint32, res int32) {
	if t.gen != gen || t.status != StatusWaiting {
		s.stats.Stale++
		return
	}
	t.result = res
	if res < 0 {
		t.err = unix.Errno(-res)
	}
	t.status = StatusRunning
	s.stats.Wakes++
}

// Sweep steps every runnable task once, in slot order, and returns the
// number of tasks stepped.
func (s *Scheduler) Sweep() int {
	s.stats.Sweeps++
	n := 0
	for t := range s.pool.Scan(0, statusRunnable) {
		s.Step(t)
		n++
	}
	return n
}

// Run sweeps until no task is live. Between sweeps it fires due timers and
// polls the backend, blocking only when no task can run. Cancelling ctx kills
// every task; Run then finishes unwinding them and returns the cause.
func (s *Scheduler) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.cancelled.Store(true)
		if s.backend != nil {
			if err := s.backend.Wake(); err != nil {
				s.logger.Error("waking backend", "err", err)
			}
		}
	})
	defer stop()

	killed := false
	for s.pool.Live() > 0 {
		if s.cancelled.Load() || ctx.Err() != nil {
			if !killed {
				s.logger.Info("killing all tasks", "live", s.pool.Live(), "cause", context.Cause(ctx))
			}
			killed = true
			s.KillAll(context.Cause(ctx))
		}

		s.fireTimers()
		s.Sweep()
		if s.pool.Live() == 0 {
			break
		}

		if err := s.wait(ctx); err != nil {
			return err
		}
	}

	if killed {
		return context.Cause(ctx)
	}
	return nil
}

// wait blocks until some task may be runnable again.
func (s *Scheduler) wait(ctx context.Context) error {
	timeout := time.Duration(-1)
	switch {
	case s.pool.Next(0, statusRunnable) != nil:
		timeout = 0
	case s.timers.len() > 0:
		timeout = max(time.Duration(s.timers.peek().when-s.now()), 0)
	case s.armed == 0:
		if s.cancelled.Load() {
			return nil
		}
		return s.deadlock()
	}

	if s.backend != nil && (s.armed > 0 || timeout >= 0) {
		if _, err := s.backend.Poll(timeout, s.wake); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		return nil
	}

	if timeout <= 0 {
		return nil
	}
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	select {
	case <-tm.C:
	case <-ctx.Done():
	}
	return nil
}

func (s *Scheduler) deadlock() error {
	var blocked []string
	for t := range s.pool.Scan(0, statusLive) {
		blocked = append(blocked, fmt.Sprintf("%s in %s", t, strings.Join(t.Backtrace(), " <- ")))
	}
	s.logger.Error("deadlock", "blocked", blocked)
	return fmt.Errorf("%w: %s", ErrDeadlock, strings.Join(blocked, "; "))
}
