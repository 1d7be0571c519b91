package uring

import (
	"sync/atomic"
	"unsafe"
)

// The rings are shared with the kernel. The process produces submissions and
// consumes completions; the kernel does the opposite. Go atomics are
// sequentially consistent, which includes the release store and acquire load
// the protocol needs: a tail store publishes the entries written before it,
// and a tail load makes the kernel's entries visible.

func atomicAt(mem []byte, off uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&mem[off]))
}

func u32At(mem []byte, off uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(&mem[off]))
}

type submissionQueue struct {
	head    *atomic.Uint32
	tail    *atomic.Uint32
	mask    uint32
	entries uint32
	array   []uint32
	sqes    []sqe
}

func newSubmissionQueue(ring []byte, off *sqringOffsets, sqes []byte) submissionQueue {
	entries := u32At(ring, off.ringEntries)
	return submissionQueue{
		head:    atomicAt(ring, off.head),
		tail:    atomicAt(ring, off.tail),
		mask:    u32At(ring, off.ringMask),
		entries: entries,
		array:   unsafe.Slice((*uint32)(unsafe.Pointer(&ring[off.array])), entries),
		sqes:    unsafe.Slice((*sqe)(unsafe.Pointer(&sqes[0])), entries),
	}
}

// len returns the number of entries the kernel has not consumed yet.
func (q *submissionQueue) len() uint32 {
	return q.tail.Load() - q.head.Load()
}

func (q *submissionQueue) full() bool {
	return q.len() >= q.entries
}

// push writes e at the tail and publishes it. It returns false if the ring
// is full.
func (q *submissionQueue) push(e *sqe) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= q.entries {
		return false
	}
	idx := tail & q.mask
	q.sqes[idx] = *e
	q.array[idx] = idx
	q.tail.Store(tail + 1)
	return true
}

type completionQueue struct {
	head    *atomic.Uint32
	tail    *atomic.Uint32
	mask    uint32
	entries uint32
	cqes    []cqe
}

func newCompletionQueue(ring []byte, off *cqringOffsets) completionQueue {
	entries := u32At(ring, off.ringEntries)
	return completionQueue{
		head:    atomicAt(ring, off.head),
		tail:    atomicAt(ring, off.tail),
		mask:    u32At(ring, off.ringMask),
		entries: entries,
		cqes:    unsafe.Slice((*cqe)(unsafe.Pointer(&ring[off.cqes])), entries),
	}
}

// pop returns the completion at the head, or false if the kernel has not
// posted one.
func (q *completionQueue) pop() (cqe, bool) {
	head := q.head.Load()
	if head == q.tail.Load() {
		return cqe{}, false
	}
	e := q.cqes[head&q.mask]
	q.head.Store(head + 1)
	return e, true
}

func (q *completionQueue) len() uint32 {
	return q.tail.Load() - q.head.Load()
}
