package uring

import "unsafe"

// Kernel ABI from include/uapi/linux/io_uring.h.

const (
	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000

	featSingleMmap = 1 << 0

	enterGetEvents = 1 << 0
)

const (
	opNop           = 0
	opPollAdd       = 6
	opTimeout       = 11
	opTimeoutRemove = 12
	opAsyncCancel   = 14
	opRead          = 22
	opWrite         = 23
)

type sqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type cqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqringOffsets
	cqOff        cqringOffsets
}

type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	addr3       uint64
	pad         uint64
}

type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

const (
	paramsSize = unsafe.Sizeof(params{})
	sqeSize    = unsafe.Sizeof(sqe{})
	cqeSize    = unsafe.Sizeof(cqe{})
)

// Fail to compile if the layouts drift from the kernel's.
var (
	_ [paramsSize - 120]struct{}
	_ [120 - paramsSize]struct{}
	_ [sqeSize - 64]struct{}
	_ [64 - sqeSize]struct{}
	_ [cqeSize - 16]struct{}
	_ [16 - cqeSize]struct{}
)
