package caioruntime

import "errors"

type constErr struct {
	error
}

func makeConstErr(err error) error {
	return constErr{error: err}
}

var (
	ErrPoolExhausted     = makeConstErr(errors.New("task pool exhausted"))
	ErrCallStackOverflow = makeConstErr(errors.New("call stack overflow"))
	ErrDeadlock          = makeConstErr(errors.New("all tasks are blocked"))
	ErrNoBackend         = makeConstErr(errors.New("no io backend configured"))
	ErrBusy              = makeConstErr(errors.New("descriptor already armed by another task"))
	ErrKilled            = makeConstErr(errors.New("task killed"))
)

// IsRuntimeError reports whether err is, or wraps, one of the sentinel errors
// above rather than an error thrown by a coroutine or returned by the kernel.
func IsRuntimeError(err error) bool {
	var c constErr
	return errors.As(err, &c)
}
