// Package uring implements a caioruntime.Backend on io_uring.
//
// Operations are written to the submission ring as tasks arm them and handed
// to the kernel in one io_uring_enter call per Poll. Every submission carries
// the owning task's slot and generation in its user_data, so completions for
// tasks that were killed in the meantime can be told apart and dropped.
package uring

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gammazero/deque"
	"golang.org/x/sys/unix"

	"github.com/kmrgirish/caio/caioruntime"
)

const (
	userDataWake          = math.MaxUint64
	userDataTimeout       = math.MaxUint64 - 1
	userDataCancel        = math.MaxUint64 - 2
	userDataTimeoutRemove = math.MaxUint64 - 3
)

// controlSlots are the completion slots kept for the wake poll, the timeout
// of a blocking wait and the removal of a timeout that outlived its wait.
const controlSlots = 3

// minEntries is the smallest submission ring New sets up. The completion
// ring is twice as large, which leaves room for requests next to the
// control entries.
const minEntries = 4

// pollMask keeps the event bits poll(2) and epoll share.
const pollMask = uint32(caioruntime.EventIn | caioruntime.EventPri | caioruntime.EventOut |
	caioruntime.EventErr | caioruntime.EventHup | caioruntime.EventRdHup)

type request struct {
	// task is nil once the task disarmed the request; the kernel may still
	// be using the buffer.
	task     *caioruntime.Task
	gen      uint32
	op       caioruntime.Op
	userData uint64
	// cancelled is set once an ASYNC_CANCEL for the request was pushed.
	cancelled bool
}

func userData(t *caioruntime.Task, gen uint32) uint64 {
	return uint64(t.Slot())<<32 | uint64(gen)
}

// Ring is an io_uring instance used as a scheduler backend.
type Ring struct {
	fd     int
	params params
	single bool

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sq submissionQueue
	cq completionQueue

	// toSubmit counts entries pushed since the last enter.
	toSubmit uint32
	// pending counts pushed entries whose completion has not been reaped.
	pending uint32
	// reserved counts the completion slots held by task requests: one for
	// the request and one for the cancel it may need. With controlSlots on
	// top it never exceeds the completion ring.
	reserved uint32

	inflight map[uint64]*request
	backlog  deque.Deque[*request]
	// cancels holds the user data of disarmed requests whose cancel did
	// not fit in the submission ring yet.
	cancels deque.Deque[uint64]

	enter func(toSubmit, minComplete, flags uint32) (int, error)

	// At most one timeout is outstanding. One left over from an earlier
	// wait is removed before the next wait arms a new one.
	timeout         unix.Timespec
	timeoutArmed    bool
	timeoutRemoving bool

	wakefd      int
	wakeArmed   bool
	wakeBuf     [8]byte
	wakePending atomic.Bool

	logger *slog.Logger
}

var _ caioruntime.Backend = &Ring{}

func setup(entries uint32, p *params) (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(p)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func enter(fd int, toSubmit, minComplete, flags uint32) (int, error) {
	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func mmap(fd int, offset int64, length uint32) ([]byte, error) {
	return unix.Mmap(fd, offset, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

// New sets up a ring with room for entries submissions and maps its queues.
// Rings smaller than four entries are rounded up.
func New(entries uint32, logger *slog.Logger) (*Ring, error) {
	if entries == 0 {
		entries = caioruntime.DefaultMaxTasks
	}
	entries = max(entries, minEntries)
	if logger == nil {
		logger = slog.Default()
	}

	r := &Ring{
		fd:       -1,
		wakefd:   -1,
		inflight: make(map[uint64]*request),
		logger:   logger,
	}
	r.enter = func(toSubmit, minComplete, flags uint32) (int, error) {
		return enter(r.fd, toSubmit, minComplete, flags)
	}
	if err := r.init(entries); err != nil {
		r.Close()
		return nil, err
	}
	logger.Debug("io_uring ready", "fd", r.fd, "sq", r.sq.entries, "cq", r.cq.entries, "single_mmap", r.single)
	return r, nil
}

func (r *Ring) init(entries uint32) error {
	var err error
	if r.fd, err = setup(entries, &r.params); err != nil {
		r.fd = -1
		return fmt.Errorf("io_uring_setup: %w", err)
	}

	p := &r.params
	sqLen := p.sqOff.array + p.sqEntries*4
	cqLen := p.cqOff.cqes + p.cqEntries*uint32(cqeSize)
	r.single = p.features&featSingleMmap != 0
	if r.single {
		sqLen = max(sqLen, cqLen)
		cqLen = sqLen
	}

	if r.sqMem, err = mmap(r.fd, offSQRing, sqLen); err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	if r.single {
		r.cqMem = r.sqMem
	} else if r.cqMem, err = mmap(r.fd, offCQRing, cqLen); err != nil {
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	if r.sqeMem, err = mmap(r.fd, offSQEs, p.sqEntries*uint32(sqeSize)); err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}

	r.sq = newSubmissionQueue(r.sqMem, &p.sqOff, r.sqeMem)
	r.cq = newCompletionQueue(r.cqMem, &p.cqOff)

	if r.wakefd, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		r.wakefd = -1
		return fmt.Errorf("eventfd: %w", err)
	}
	return nil
}

// Fd returns the ring descriptor. It can itself be polled for completions.
func (r *Ring) Fd() int { return r.fd }

// SingleMmap reports whether both rings share one mapping.
func (r *Ring) SingleMmap() bool { return r.single }

// Entries returns the submission and completion ring sizes.
func (r *Ring) Entries() (sq, cq uint32) { return r.sq.entries, r.cq.entries }

// Inflight returns the number of task operations owned by the kernel or
// waiting in the backlog.
func (r *Ring) Inflight() int { return len(r.inflight) + r.backlog.Len() }

// opRoom reports whether one more task request fits next to the slots
// reserved for control entries and cancels.
func (r *Ring) opRoom() bool {
	return r.reserved+2+controlSlots <= r.cq.entries && !r.sq.full()
}

func (r *Ring) pushRequest(req *request, e *sqe) bool {
	if !r.opRoom() || !r.sq.push(e) {
		return false
	}
	r.toSubmit++
	r.pending++
	r.reserved += 2
	r.inflight[req.userData] = req
	return true
}

// pushCancel asks the kernel to cancel the request with user data ud. The
// completion slot was reserved with the request, so only the submission
// ring can be full. A request that completed meanwhile needs no cancel.
func (r *Ring) pushCancel(ud uint64) bool {
	req, ok := r.inflight[ud]
	if !ok || req.cancelled {
		return true
	}
	e := sqe{opcode: opAsyncCancel, fd: -1, addr: ud, userData: userDataCancel}
	if !r.sq.push(&e) {
		return false
	}
	r.toSubmit++
	r.pending++
	req.cancelled = true
	return true
}

// pushControl pushes a wake, timeout or removal entry. If the submission
// ring is full, what it holds is submitted first.
func (r *Ring) pushControl(e *sqe) (bool, error) {
	if r.sq.full() {
		if err := r.submit(0, 0); err != nil {
			return false, err
		}
	}
	if !r.sq.push(e) {
		return false, nil
	}
	r.toSubmit++
	r.pending++
	return true, nil
}

func (r *Ring) submit(minComplete, flags uint32) error {
	n, err := r.enter(r.toSubmit, minComplete, flags)
	switch {
	case err == nil:
		r.toSubmit -= uint32(n)
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EBUSY):
	default:
		return fmt.Errorf("io_uring_enter: %w", err)
	}
	return nil
}

func prepare(req *request) (sqe, error) {
	op := req.op
	e := sqe{
		fd:       int32(op.FD),
		userData: req.userData,
	}
	switch op.Kind {
	case caioruntime.OpPoll:
		e.opcode = opPollAdd
		e.opFlags = uint32(op.Events) & pollMask
	case caioruntime.OpRead, caioruntime.OpWrite:
		e.opcode = opRead
		if op.Kind == caioruntime.OpWrite {
			e.opcode = opWrite
		}
		if len(op.Buf) > 0 {
			e.addr = uint64(uintptr(unsafe.Pointer(&op.Buf[0])))
		}
		e.len = uint32(len(op.Buf))
		e.off = uint64(op.Offset)
	default:
		return sqe{}, unix.EINVAL
	}
	return e, nil
}

// Arm queues op for t. It is submitted to the kernel on the next Poll; if
// the rings are full it waits in the backlog until completions free room.
func (r *Ring) Arm(t *caioruntime.Task, op caioruntime.Op) error {
	req := &request{task: t, gen: t.Gen(), op: op, userData: userData(t, t.Gen())}
	e, err := prepare(req)
	if err != nil {
		return err
	}
	if _, ok := r.inflight[req.userData]; ok {
		return caioruntime.ErrBusy
	}
	if r.backlog.Len() > 0 || !r.pushRequest(req, &e) {
		r.backlog.PushBack(req)
	}
	return nil
}

// Disarm drops t's backlogged request, or asks the kernel to cancel the
// submitted one. A cancel that does not fit in the submission ring is
// retried on the next Poll. The buffer of a submitted request stays
// referenced until its completion is reaped.
func (r *Ring) Disarm(t *caioruntime.Task) {
	ud := userData(t, t.Gen())
	if i := r.backlog.Index(func(req *request) bool { return req.userData == ud }); i >= 0 {
		r.backlog.Remove(i)
		return
	}
	req, ok := r.inflight[ud]
	if !ok || req.task == nil {
		return
	}
	req.task = nil
	if r.cancels.Len() > 0 || !r.pushCancel(ud) {
		r.logger.Debug("cancel queued", "user_data", ud)
		r.cancels.PushBack(ud)
	}
}

// flushBacklog pushes queued cancels, then backlogged requests, as far as
// the rings allow.
func (r *Ring) flushBacklog() {
	for r.cancels.Len() > 0 {
		if !r.pushCancel(r.cancels.Front()) {
			return
		}
		r.cancels.PopFront()
	}
	for r.backlog.Len() > 0 {
		req := r.backlog.Front()
		e, _ := prepare(req)
		if !r.pushRequest(req, &e) {
			return
		}
		r.backlog.PopFront()
	}
}

// Poll submits everything queued and reaps completions, waiting up to
// timeout for at least one. The wait ends early when Wake is called.
func (r *Ring) Poll(timeout time.Duration, wake caioruntime.WakeFunc) (int, error) {
	r.flushBacklog()

	if r.timeoutArmed && !r.timeoutRemoving {
		// The wait it was armed for ended before it fired.
		e := sqe{
			opcode:   opTimeoutRemove,
			fd:       -1,
			addr:     userDataTimeout,
			userData: userDataTimeoutRemove,
		}
		ok, err := r.pushControl(&e)
		if err != nil {
			return 0, err
		}
		r.timeoutRemoving = ok
	}

	if !r.wakeArmed {
		e := sqe{
			opcode:   opPollAdd,
			fd:       int32(r.wakefd),
			opFlags:  unix.POLLIN,
			userData: userDataWake,
		}
		ok, err := r.pushControl(&e)
		if err != nil {
			return 0, err
		}
		r.wakeArmed = ok
	}

	var minComplete, flags uint32
	if timeout != 0 && r.cq.len() == 0 {
		minComplete, flags = 1, enterGetEvents
		switch {
		case timeout < 0:
		case r.timeoutRemoving:
			// The removal completes at once and ends this wait; the next
			// Poll arms a fresh timeout.
		case r.timeoutArmed:
			// Without a timeout entry a blocking wait could oversleep.
			minComplete, flags = 0, 0
		default:
			r.timeout = unix.NsecToTimespec(int64(timeout))
			e := sqe{
				opcode:   opTimeout,
				fd:       -1,
				addr:     uint64(uintptr(unsafe.Pointer(&r.timeout))),
				len:      1,
				userData: userDataTimeout,
			}
			ok, err := r.pushControl(&e)
			if err != nil {
				return 0, err
			}
			if r.timeoutArmed = ok; !ok {
				minComplete, flags = 0, 0
			}
		}
	}

	if r.toSubmit > 0 || minComplete > 0 {
		if err := r.submit(minComplete, flags); err != nil {
			return 0, err
		}
	}

	return r.reap(wake), nil
}

func (r *Ring) reap(wake caioruntime.WakeFunc) int {
	woken := 0
	for {
		c, ok := r.cq.pop()
		if !ok {
			break
		}
		r.pending--
		switch c.userData {
		case userDataWake:
			r.wakeArmed = false
			unix.Read(r.wakefd, r.wakeBuf[:])
			r.wakePending.Store(false)
		case userDataTimeout:
			r.timeoutArmed = false
		case userDataTimeoutRemove:
			r.timeoutRemoving = false
		case userDataCancel:
			r.reserved--
		default:
			req, ok := r.inflight[c.userData]
			if !ok {
				r.logger.Warn("completion for unknown request", "user_data", c.userData, "res", c.res)
				continue
			}
			delete(r.inflight, c.userData)
			r.reserved--
			if !req.cancelled {
				// The slot kept for its cancel is not needed.
				r.reserved--
			}
			if req.task == nil {
				continue
			}
			r.logger.Debug("completion", "op", req.op.Kind, "fd", req.op.FD, "res", c.res)
			wake(req.task, req.gen, c.res)
			woken++
		}
	}
	r.flushBacklog()
	return woken
}

// Wake interrupts a blocked Poll. Wakes before the next Poll collapse into
// one.
func (r *Ring) Wake() error {
	if !r.wakePending.CompareAndSwap(false, true) {
		return nil
	}
	one := uint64(1)
	if _, err := unix.Write(r.wakefd, (*[8]byte)(unsafe.Pointer(&one))[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close tears the ring down. Operations still owned by the kernel are
// cancelled by closing the ring descriptor.
func (r *Ring) Close() error {
	var errs []error
	if r.sqeMem != nil {
		errs = append(errs, unix.Munmap(r.sqeMem))
	}
	if r.cqMem != nil && !r.single {
		errs = append(errs, unix.Munmap(r.cqMem))
	}
	if r.sqMem != nil {
		errs = append(errs, unix.Munmap(r.sqMem))
	}
	if r.fd >= 0 {
		errs = append(errs, unix.Close(r.fd))
	}
	if r.wakefd >= 0 {
		errs = append(errs, unix.Close(r.wakefd))
	}
	r.sqMem, r.cqMem, r.sqeMem = nil, nil, nil
	r.fd, r.wakefd = -1, -1
	r.inflight = nil
	return errors.Join(errs...)
}
