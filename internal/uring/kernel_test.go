package uring

import (
	"encoding/binary"
	"log/slog"

	"golang.org/x/sys/unix"
)

// fakeKernel plays the kernel side of a pair of rings that live in ordinary
// memory.
type fakeKernel struct {
	t interface {
		Fatalf(format string, args ...any)
	}

	sqRing []byte
	sqes   []byte
	cqRing []byte
	sqOff  sqringOffsets
	cqOff  cqringOffsets

	// result decides the completion of reads and writes.
	result func(e sqe) int32
	// held are submissions that do not complete on their own: polls of
	// negative descriptors and timeouts. Timeouts stay held until they are
	// removed or expire.
	held []sqe

	enters int
	// waits counts enters that asked to wait for a completion.
	waits int
	// expired counts timeouts that fired.
	expired int
	// maxTimeouts is the most timeouts held at once.
	maxTimeouts int
}

// newFakeKernel takes a *testing.T or a *rapid.T. The completion ring is
// twice the size of the submission ring, as the kernel sets it up.
func newFakeKernel(t interface {
	Fatalf(format string, args ...any)
}, entries uint32) *fakeKernel {
	return newFakeKernelSized(t, entries, 2*entries)
}

func newFakeKernelSized(t interface {
	Fatalf(format string, args ...any)
}, sqEntries, cqEntries uint32) *fakeKernel {
	k := &fakeKernel{
		t:      t,
		sqOff:  sqringOffsets{head: 0, tail: 4, ringMask: 8, ringEntries: 12, flags: 16, dropped: 20, array: 64},
		cqOff:  cqringOffsets{head: 0, tail: 4, ringMask: 8, ringEntries: 12, overflow: 16, cqes: 64},
		sqRing: make([]byte, 64+4*sqEntries),
		sqes:   make([]byte, uint32(sqeSize)*sqEntries),
		cqRing: make([]byte, 64+uint32(cqeSize)*cqEntries),
		result: func(e sqe) int32 { return int32(e.len) },
	}
	binary.NativeEndian.PutUint32(k.sqRing[k.sqOff.ringMask:], sqEntries-1)
	binary.NativeEndian.PutUint32(k.sqRing[k.sqOff.ringEntries:], sqEntries)
	binary.NativeEndian.PutUint32(k.cqRing[k.cqOff.ringMask:], cqEntries-1)
	binary.NativeEndian.PutUint32(k.cqRing[k.cqOff.ringEntries:], cqEntries)
	return k
}

func (k *fakeKernel) timeouts() int {
	n := 0
	for _, h := range k.held {
		if h.opcode == opTimeout {
			n++
		}
	}
	return n
}

// complete posts res for the held submission with user data ud and reports
// whether there was one.
func (k *fakeKernel) complete(ud uint64, res int32) bool {
	for i, h := range k.held {
		if h.userData == ud {
			k.held = append(k.held[:i], k.held[i+1:]...)
			k.post(h.userData, res)
			return true
		}
	}
	return false
}

func (k *fakeKernel) queues() (submissionQueue, completionQueue) {
	return newSubmissionQueue(k.sqRing, &k.sqOff, k.sqes), newCompletionQueue(k.cqRing, &k.cqOff)
}

// ring returns a Ring whose enter calls are served by k.
func (k *fakeKernel) ring() *Ring {
	sq, cq := k.queues()
	return &Ring{
		fd:       -1,
		wakefd:   -1,
		sq:       sq,
		cq:       cq,
		inflight: make(map[uint64]*request),
		enter:    k.enter,
		logger:   slog.Default(),
	}
}

// consume takes the next submission, or returns false if there is none.
func (k *fakeKernel) consume() (sqe, bool) {
	head := atomicAt(k.sqRing, k.sqOff.head)
	tail := atomicAt(k.sqRing, k.sqOff.tail).Load()
	h := head.Load()
	if h == tail {
		return sqe{}, false
	}
	mask := binary.NativeEndian.Uint32(k.sqRing[k.sqOff.ringMask:])
	array := binary.NativeEndian.Uint32(k.sqRing[k.sqOff.array+4*(h&mask):])
	sqes, _ := k.queues()
	e := sqes.sqes[array]
	head.Store(h + 1)
	return e, true
}

func (k *fakeKernel) post(userData uint64, res int32) {
	head := atomicAt(k.cqRing, k.cqOff.head).Load()
	tail := atomicAt(k.cqRing, k.cqOff.tail)
	entries := binary.NativeEndian.Uint32(k.cqRing[k.cqOff.ringEntries:])
	tl := tail.Load()
	if tl-head >= entries {
		k.t.Fatalf("completion ring overflow: head %d tail %d entries %d", head, tl, entries)
	}
	_, cq := k.queues()
	cq.cqes[tl&cq.mask] = cqe{userData: userData, res: res}
	tail.Store(tl + 1)
}

func (k *fakeKernel) process(e sqe) {
	switch e.opcode {
	case opRead, opWrite:
		k.post(e.userData, k.result(e))
	case opPollAdd:
		if e.fd < 0 {
			k.held = append(k.held, e)
			return
		}
		k.post(e.userData, int32(e.opFlags))
	case opTimeout:
		k.held = append(k.held, e)
		k.maxTimeouts = max(k.maxTimeouts, k.timeouts())
	case opAsyncCancel, opTimeoutRemove:
		res := -int32(unix.ENOENT)
		if k.complete(e.addr, -int32(unix.ECANCELED)) {
			res = 0
		}
		k.post(e.userData, res)
	default:
		k.post(e.userData, -int32(unix.EINVAL))
	}
}

func (k *fakeKernel) enter(toSubmit, minComplete, flags uint32) (int, error) {
	k.enters++
	n := 0
	for uint32(n) < toSubmit {
		e, ok := k.consume()
		if !ok {
			break
		}
		k.process(e)
		n++
	}
	_, cq := k.queues()
	if minComplete > 0 {
		k.waits++
		if cq.len() == 0 {
			// Nothing else can complete, so time passes until the
			// earliest timeout expires.
			for _, h := range k.held {
				if h.opcode == opTimeout {
					k.complete(h.userData, -int32(unix.ETIME))
					k.expired++
					break
				}
			}
		}
	}
	return n, nil
}
