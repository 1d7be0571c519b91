package caioruntime

import (
	"fmt"
	"time"
)

type OpKind uint8

const (
	// OpPoll waits until the descriptor is ready for Events. The result is
	// the ready mask.
	OpPoll OpKind = iota
	// OpRead reads into Buf. The result is the byte count.
	OpRead
	// OpWrite writes Buf. The result is the byte count.
	OpWrite
)

func (k OpKind) String() string {
	switch k {
	case OpPoll:
		return "poll"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("OpKind(%d)", k)
	}
}

// An Op is one I/O request armed on behalf of a waiting task.
type Op struct {
	Kind   OpKind
	FD     int
	Events Events
	Buf    []byte
	// Offset is the file position for reads and writes, or -1 to use (and
	// advance) the current position.
	Offset int64
}

// WakeFunc is called by a Backend for every finished operation. gen is the
// task generation at the time the operation was armed, so completions for a
// task that has since been killed or re-leased can be recognized. res is the
// operation result, or a negated errno.
type WakeFunc func(t *Task, gen uint32, res int32)

// A Backend turns armed operations into completions. Implementations are
// used from the scheduler goroutine only, except for Wake.
type Backend interface {
	// Arm starts op for t. At most one operation is armed per task.
	Arm(t *Task, op Op) error
	// Disarm forgets the operation armed for t, if any. A completion that
	// still arrives for it is reported with the old generation.
	Disarm(t *Task)
	// Poll waits up to timeout for completions and reports each through
	// wake. A negative timeout blocks until something completes or Wake is
	// called. It returns the number of completions delivered.
	Poll(timeout time.Duration, wake WakeFunc) (int, error)
	// Wake interrupts a blocked Poll. It is safe to call from any goroutine.
	Wake() error
	Close() error
}
