package caioruntime

import (
	"reflect"
	"runtime"
)

const (
	// ResumeStart is the resume position of a freshly pushed frame.
	ResumeStart = 0
	// ResumeFinally is the position a frame is re-entered at exactly once
	// after it returned or threw.
	ResumeFinally = -1
)

// A Coroutine is a resumable function. Every time its frame is stepped it is
// called again and must continue at t.Resume().
type Coroutine[S any] func(t *Task, state S)

// A Frame is one activation of a coroutine on a task's call stack. Frames are
// stored by value in the task and addressed by index.
type Frame struct {
	parent int
	resume int
	// invoke calls the coroutine with its bound state.
	invoke func(t *Task)
	pc     uintptr
}

func bind[S any](coro Coroutine[S], state S) Frame {
	return Frame{
		invoke: func(t *Task) { coro(t, state) },
		pc:     reflect.ValueOf(coro).Pointer(),
	}
}

// Name returns the function name of the frame's coroutine.
func (f *Frame) Name() string {
	if fn := runtime.FuncForPC(f.pc); fn != nil {
		return fn.Name()
	}
	return "?"
}
