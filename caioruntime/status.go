package caioruntime

import (
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/caio/internal/caiolog"
)

// Status is the lifecycle state of a Task. Every state is a single bit so
// that pool scans can match several states at once.
type Status uint32

const (
	StatusIdle Status = 1 << iota
	StatusRunning
	StatusWaiting
	StatusTerminating
	StatusTerminated

	StatusAll = StatusIdle | StatusRunning | StatusWaiting | StatusTerminating | StatusTerminated

	// statusRunnable are the states a sweep steps.
	statusRunnable = StatusRunning | StatusTerminating
	// statusLive are the states that can still make progress.
	statusLive = StatusRunning | StatusWaiting | StatusTerminating
)

var statusFormatter = &caiolog.Formatter{
	Flags: []caiolog.Flag{
		{Value: uint32(StatusIdle), Name: "IDLE"},
		{Value: uint32(StatusRunning), Name: "RUNNING"},
		{Value: uint32(StatusWaiting), Name: "WAITING"},
		{Value: uint32(StatusTerminating), Name: "TERMINATING"},
		{Value: uint32(StatusTerminated), Name: "TERMINATED"},
	},
	Zero: "NONE",
}

func (s Status) String() string {
	return statusFormatter.Format(uint32(s))
}

// Is reports whether s matches any state in mask.
func (s Status) Is(mask Status) bool {
	return s&mask != 0
}

// Events is a readiness mask. The values are the epoll ones; the low bits
// double as poll(2) bits for the ring backend.
type Events uint32

const (
	EventIn    Events = unix.EPOLLIN
	EventPri   Events = unix.EPOLLPRI
	EventOut   Events = unix.EPOLLOUT
	EventErr   Events = unix.EPOLLERR
	EventHup   Events = unix.EPOLLHUP
	EventRdHup Events = unix.EPOLLRDHUP
)

var eventsFormatter = &caiolog.Formatter{
	Flags: []caiolog.Flag{
		{Value: uint32(EventIn), Name: "IN"},
		{Value: uint32(EventPri), Name: "PRI"},
		{Value: uint32(EventOut), Name: "OUT"},
		{Value: uint32(EventErr), Name: "ERR"},
		{Value: uint32(EventHup), Name: "HUP"},
		{Value: uint32(EventRdHup), Name: "RDHUP"},
	},
	Zero: "0",
}

func (e Events) String() string {
	return eventsFormatter.Format(uint32(e))
}
