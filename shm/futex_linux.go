//go:build linux

package shm

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex(2) operation codes. golang.org/x/sys/unix exposes the futex
// syscall number but not these op codes, so they're defined here; they are
// fixed kernel ABI values (linux/futex.h).
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// futexWait parks until *addr differs from expected, a wake arrives, or
// the timeout elapses. Spurious wakeups are fine; callers re-check state.
func futexWait(addr *uint32, expected uint32, timeout time.Duration) {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	// Shared futex (no PRIVATE flag): the word lives in a segment mapped
	// by multiple processes.
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(expected),
		uintptr(unsafe.Pointer(ts)),
		0, 0)
}

// futexWake wakes up to n waiters parked on addr.
func futexWake(addr *uint32, n int) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0, 0, 0)
}

// nowNanos is the shared monotonic clock used for heartbeats. Both host
// and guests read CLOCK_MONOTONIC, which is system-wide on Linux.
func nowNanos() uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Nano())
}
