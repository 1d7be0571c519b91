package caio

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// A TimerFD is a timerfd that tasks wait on through the I/O backend
// instead of the scheduler's timers.
type TimerFD struct {
	fd  int
	buf [8]byte
}

// NewTimerFD creates a timer that first expires after d and then every
// interval. A zero interval makes it a one-shot timer.
func NewTimerFD(d, interval time.Duration) (*TimerFD, error) {
	// The descriptor stays blocking: io_uring hands nonblocking reads back
	// with EAGAIN instead of waiting.
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	its := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(int64(d)),
		Interval: unix.NsecToTimespec(int64(interval)),
	}
	if d <= 0 {
		// A zero value disarms the timer.
		its.Value = unix.Timespec{Nsec: 1}
	}
	if err := unix.TimerfdSettime(fd, 0, &its, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("timerfd_settime: %w", err)
	}
	return &TimerFD{fd: fd}, nil
}

func (t *TimerFD) Fd() int { return t.fd }

// Op returns the read that completes at the next expiry.
func (t *TimerFD) Op() Op {
	return Op{Kind: OpRead, FD: t.fd, Buf: t.buf[:], Offset: -1}
}

// Expirations decodes the count delivered by a completed Op.
func (t *TimerFD) Expirations() uint64 {
	return binary.NativeEndian.Uint64(t.buf[:])
}

func (t *TimerFD) Close() error {
	return unix.Close(t.fd)
}
