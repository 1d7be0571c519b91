package caioruntime

import (
	"errors"
	"fmt"
	"time"
)

// A Task is a cooperative unit of execution that owns a call stack of
// frames. Tasks live in a Pool and are only handed out by a lease.
type Task struct {
	sched *Scheduler

	slot   int
	gen    uint32
	status Status
	err    error
	result int32

	stack []Frame
	// cur is the index of the frame currently being invoked.
	cur int

	armed bool
	timer timer
	// killed is set by Kill; Step then drains the stack instead of
	// completing the running frame.
	killed bool
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s)", t.slot, t.status)
}

// Slot returns the pool index of the task.
func (t *Task) Slot() int { return t.slot }

// Gen returns how many times the slot has been leased. Together with Slot it
// identifies one lifetime of the task.
func (t *Task) Gen() uint32 { return t.gen }

func (t *Task) Status() Status { return t.status }

// Depth returns the number of frames on the call stack.
func (t *Task) Depth() int { return len(t.stack) }

// Err returns the task error.
func (t *Task) Err() error { return t.err }

// Result returns the result of the last completed AwaitIO or AwaitFD: a byte
// count, a ready mask, or a negated errno.
func (t *Task) Result() int32 { return t.result }

// Resume returns the position the running frame should continue at.
func (t *Task) Resume() int {
	return t.stack[t.cur].resume
}

// Scheduler returns the scheduler that owns the task.
func (t *Task) Scheduler() *Scheduler { return t.sched }

// Backtrace lists the coroutine names on the call stack, innermost first.
func (t *Task) Backtrace() []string {
	var names []string
	for i := len(t.stack) - 1; i >= 0; i = t.stack[i].parent {
		names = append(names, t.stack[i].Name())
	}
	return names
}

func (t *Task) setResume(at int) {
	if at == ResumeFinally {
		panic("caio: cannot suspend at ResumeFinally")
	}
	t.stack[t.cur].resume = at
}

// Await calls coro as a child of the running frame. The child and everything
// it calls finish before the caller is re-entered at at. The caller must
// return right after Await.
func Await[S any](t *Task, at int, coro Coroutine[S], state S) {
	t.setResume(at)
	if err := t.sched.push(t, bind(coro, state)); err != nil {
		t.Throw(err)
	}
}

// AwaitIO arms op with the scheduler backend and suspends the task until it
// completes. On resume Result holds the outcome; a failed operation also sets
// the task error to the errno.
func (t *Task) AwaitIO(at int, op Op) {
	t.setResume(at)
	s := t.sched
	if s.backend == nil {
		t.Throw(ErrNoBackend)
		return
	}
	if err := s.backend.Arm(t, op); err != nil {
		t.Throw(fmt.Errorf("arm %s fd %d: %w", op.Kind, op.FD, err))
		return
	}
	t.armed = true
	s.armed++
	t.status = StatusWaiting
}

// AwaitFD suspends the task until fd is ready for events.
func (t *Task) AwaitFD(at int, fd int, events Events) {
	t.AwaitIO(at, Op{Kind: OpPoll, FD: fd, Events: events})
}

// Sleep suspends the task for d.
func (t *Task) Sleep(at int, d time.Duration) {
	t.setResume(at)
	t.sched.sleep(t, d)
}

// Yield lets every other runnable task take a step before the frame
// continues at at.
func (t *Task) Yield(at int) {
	t.setResume(at)
}

// Return completes the running frame and clears the task error.
func (t *Task) Return() {
	t.err = nil
	t.status = StatusTerminating
}

// Throw completes the running frame with err. The remaining frames are
// dropped without being re-entered and the task terminates. Throw(nil) is
// the same as Return.
func (t *Task) Throw(err error) {
	t.err = err
	t.status = StatusTerminating
}

// Rethrow completes the running frame with the current task error, for
// example one set by a failed AwaitIO.
func (t *Task) Rethrow() {
	t.status = StatusTerminating
}

func (t *Task) HasError() bool { return t.err != nil }

// IsError reports whether the task error matches target, as errors.Is.
func (t *Task) IsError(target error) bool {
	return errors.Is(t.err, target)
}

func (t *Task) ClearError() {
	t.err = nil
}

// Kill makes the task terminate at its next step without re-entering any of
// its frames. Operations it armed are disarmed, but resources owned by its
// coroutines are not released. A task may kill itself: the running frame
// must return right after, and its finally branch is skipped like the
// others.
func (t *Task) Kill(err error) {
	if !t.status.Is(statusLive) {
		return
	}
	if err == nil {
		err = ErrKilled
	}
	t.err = err
	t.killed = true
	t.sched.disarm(t)
	t.status = StatusTerminating
}

// Park suspends the task until another task calls Unpark.
func (t *Task) Park(at int) {
	t.setResume(at)
	t.status = StatusWaiting
}

// Unpark makes a parked task runnable again with res as its Result. It
// returns false if t is not parked.
func (t *Task) Unpark(res int32) bool {
	if t.status != StatusWaiting || t.armed || t.timer.pos != -1 {
		return false
	}
	t.sched.wakeTask(t, t.gen, res)
	return true
}
