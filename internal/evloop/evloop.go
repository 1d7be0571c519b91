// Package evloop implements a caioruntime.Backend on top of epoll.
//
// Descriptors are registered when a task arms an operation and removed again
// as soon as they report ready, so every registration produces at most one
// wake. Reads and writes are performed when the descriptor is ready and
// their byte count is handed to the woken task.
package evloop

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kmrgirish/caio/caioruntime"
)

type waiter struct {
	task *caioruntime.Task
	gen  uint32
	op   caioruntime.Op
}

// EventLoop is an epoll readiness multiplexer. Only Wake may be called from
// a goroutine other than the scheduler's.
type EventLoop struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	waiters map[int]waiter
	// immediate holds operations on descriptors epoll refuses, such as
	// regular files, which are always ready.
	immediate []waiter

	wakePending atomic.Bool
	logger      *slog.Logger
}

var _ caioruntime.Backend = &EventLoop{}

// New creates an event loop returning at most maxEvents events per Poll.
func New(maxEvents int, logger *slog.Logger) (*EventLoop, error) {
	if maxEvents <= 0 {
		maxEvents = caioruntime.DefaultMaxTasks
	}
	if logger == nil {
		logger = slog.Default()
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wake fd: %w", err)
	}

	return &EventLoop{
		epfd:    epfd,
		wakefd:  wakefd,
		events:  make([]unix.EpollEvent, maxEvents),
		waiters: make(map[int]waiter),
		logger:  logger,
	}, nil
}

// Fd returns the epoll descriptor.
func (l *EventLoop) Fd() int { return l.epfd }

// Len returns the number of armed operations.
func (l *EventLoop) Len() int { return len(l.waiters) + len(l.immediate) }

func interest(op caioruntime.Op) uint32 {
	switch op.Kind {
	case caioruntime.OpRead:
		return unix.EPOLLIN | unix.EPOLLRDHUP
	case caioruntime.OpWrite:
		return unix.EPOLLOUT
	default:
		return uint32(op.Events)
	}
}

// Arm registers op.FD for the readiness op needs. A descriptor armed by
// another task is rejected with ErrBusy.
func (l *EventLoop) Arm(t *caioruntime.Task, op caioruntime.Op) error {
	if op.FD == l.wakefd {
		return unix.EINVAL
	}
	if w, ok := l.waiters[op.FD]; ok && (w.task != t || w.gen != t.Gen()) {
		return fmt.Errorf("fd %d: %w", op.FD, caioruntime.ErrBusy)
	}

	w := waiter{task: t, gen: t.Gen(), op: op}
	ev := unix.EpollEvent{Events: interest(op), Fd: int32(op.FD)}
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, op.FD, &ev)
	if errors.Is(err, unix.EEXIST) {
		err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, op.FD, &ev)
	}
	if errors.Is(err, unix.EPERM) && op.Kind != caioruntime.OpPoll {
		l.immediate = append(l.immediate, w)
		return nil
	}
	if err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}
	l.waiters[op.FD] = w
	return nil
}

// Disarm removes whatever t has armed.
func (l *EventLoop) Disarm(t *caioruntime.Task) {
	for fd, w := range l.waiters {
		if w.task == t {
			if err := l.Unregister(fd); err != nil {
				l.logger.Warn("unregister failed", "fd", fd, "err", err)
			}
		}
	}
	for i, w := range l.immediate {
		if w.task == t {
			l.immediate = append(l.immediate[:i], l.immediate[i+1:]...)
			break
		}
	}
}

// Unregister stops watching fd. It is not an error if fd was never
// registered or has already been closed.
func (l *EventLoop) Unregister(fd int) error {
	if _, ok := l.waiters[fd]; !ok {
		return nil
	}
	delete(l.waiters, fd)
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del: %w", err)
	}
	return nil
}

func msec(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

// Poll waits for readiness and wakes the owning task of every ready
// descriptor. An interrupted wait is not an error.
func (l *EventLoop) Poll(timeout time.Duration, wake caioruntime.WakeFunc) (int, error) {
	if len(l.immediate) > 0 {
		timeout = 0
	}

	n, err := unix.EpollWait(l.epfd, l.events, msec(timeout))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	woken := 0
	for i := 0; i < n; i++ {
		ev := l.events[i]
		fd := int(ev.Fd)
		if fd == l.wakefd {
			l.drainWake()
			continue
		}
		w, ok := l.waiters[fd]
		if !ok {
			continue
		}
		if err := l.Unregister(fd); err != nil {
			return woken, err
		}
		res := perform(w.op, ev.Events)
		l.logger.Debug("fd ready", "fd", fd, "events", caioruntime.Events(ev.Events), "op", w.op.Kind, "res", res)
		wake(w.task, w.gen, res)
		woken++
	}

	immediate := l.immediate
	l.immediate = nil
	for _, w := range immediate {
		wake(w.task, w.gen, perform(w.op, 0))
		woken++
	}
	return woken, nil
}

func perform(op caioruntime.Op, events uint32) int32 {
	var n int
	var err error
	switch op.Kind {
	case caioruntime.OpRead:
		if op.Offset < 0 {
			n, err = unix.Read(op.FD, op.Buf)
		} else {
			n, err = unix.Pread(op.FD, op.Buf, op.Offset)
		}
	case caioruntime.OpWrite:
		if op.Offset < 0 {
			n, err = unix.Write(op.FD, op.Buf)
		} else {
			n, err = unix.Pwrite(op.FD, op.Buf, op.Offset)
		}
	default:
		return int32(events)
	}
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			return -int32(errno)
		}
		return -int32(unix.EIO)
	}
	return int32(n)
}

func (l *EventLoop) drainWake() {
	var buf [8]byte
	unix.Read(l.wakefd, buf[:])
	l.wakePending.Store(false)
}

// Wake interrupts a blocked Poll. Wakes before the next Poll collapse into
// one.
func (l *EventLoop) Wake() error {
	if !l.wakePending.CompareAndSwap(false, true) {
		return nil
	}
	one := uint64(1)
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	if _, err := unix.Write(l.wakefd, buf); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (l *EventLoop) Close() error {
	err := errors.Join(unix.Close(l.wakefd), unix.Close(l.epfd))
	l.waiters = nil
	l.immediate = nil
	return err
}
