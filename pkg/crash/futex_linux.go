package crash

import (
	"sync/atomic"
	"time"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Lock and PauseCounter are built directly on the futex syscall: plain
// 32-bit words for the fast path, with the kernel wait queue for blocking.
// They are the only synchronization used on the crash path, where ordinary
// mutexes are off limits (the crashing thread may already hold them).

// Futex operation codes from <linux/futex.h>; x/sys/unix does not export them.
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

func futexWait(addr *uint32, val uint32, ts *sys.Timespec) error {
	_, _, errno := sys.Syscall6(sys.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(_FUTEX_WAIT),
		uintptr(val),
		uintptr(unsafe.Pointer(ts)),
		0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func futexWake(addr *uint32, count uint32) {
	sys.Syscall6(sys.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(_FUTEX_WAKE),
		uintptr(count),
		0, 0, 0)
}

// Lock is a binary futex mutex; the zero value is unlocked. It protects
// very short critical sections, so Acquire has no timeout.
type Lock struct {
	word uint32
}

const (
	lockFree = 0
	lockHeld = 1
)

// Acquire blocks the calling thread until it holds the lock.
func (l *Lock) Acquire() {
	for {
		if atomic.CompareAndSwapUint32(&l.word, lockFree, lockHeld) {
			return
		}
		// Wait for the word to change from "held"; EAGAIN means it
		// already had, EINTR and plain wakes just mean "try again".
		futexWait(&l.word, lockHeld, nil)
	}
}

// Release stores unlocked and wakes at most one waiter.
func (l *Lock) Release() {
	atomic.StoreUint32(&l.word, lockFree)
	futexWake(&l.word, 1)
}

// PauseCounter counts the threads that have reached their pause point
// during the current suspension cycle. It never decreases within a cycle.
type PauseCounter struct {
	count uint32
}

// Reset starts a new cycle.
func (c *PauseCounter) Reset() {
	atomic.StoreUint32(&c.count, 0)
}

// Value returns the current count.
func (c *PauseCounter) Value() uint32 {
	return atomic.LoadUint32(&c.count)
}

// NotifyPaused increments the counter and wakes one waiter.
func (c *PauseCounter) NotifyPaused() {
	atomic.AddUint32(&c.count, 1)
	futexWake(&c.count, 1)
}

// WaitPaused blocks until the counter reaches expected or the timeout
// elapses, tolerating early wakes. It reports whether the counter got
// there in time.
func (c *PauseCounter) WaitPaused(expected uint32, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		current := atomic.LoadUint32(&c.count)
		if current >= expected {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		ts := sys.NsecToTimespec(remaining.Nanoseconds())
		if err := futexWait(&c.count, current, &ts); err == sys.ETIMEDOUT {
			return atomic.LoadUint32(&c.count) >= expected
		}
		// nil, EAGAIN or EINTR: re-check the counter.
	}
}
