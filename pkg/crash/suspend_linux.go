package crash

import (
	"os"
	"os/signal"
	"runtime"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/dewedeth/crashcatch/pkg/logflags"
)

// pauseSignal is the dedicated signal used to ask other threads to pause.
// It is distinct from the fatal-signal set; SIGPROF belongs to the Go
// profiler.
const pauseSignal = sys.SIGUSR1

const taskDir = "/proc/self/task"

// maxSuspendPasses bounds the outer convergence loop. Parking a thread
// makes the scheduler spawn a replacement, so on Go a pass is never
// guaranteed to add zero new thread ids; without a bound the loop could
// chase replacements forever.
const maxSuspendPasses = 8

// suspender freezes every other thread in the process at a safe point
// before memory is read, and resumes them afterward. The lock doubles as
// the "threads are frozen" gate: every paused thread blocks acquiring it,
// so releasing it resumes them all.
type suspender struct {
	lock    Lock
	paused  PauseCounter
	reg     *Registry
	timeout time.Duration
	log     *logrus.Entry
}

func newSuspender(reg *Registry, timeout time.Duration) *suspender {
	return &suspender{
		reg:     reg,
		timeout: timeout,
		log:     logflags.CrashHandlerLogger(),
	}
}

// suspendOtherThreads stops every other thread of the process. It returns
// the number of pause signals delivered; best effort, never an error. The
// thread list is read with raw getdents because the readdir family may
// allocate or take libc-internal locks.
func (s *suspender) suspendOtherThreads(self int64) uint32 {
	s.lock.Acquire()
	s.paused.Reset()
	s.reg.Reset(self, 0)

	pauseCh := make(chan os.Signal, 128)
	signal.Notify(pauseCh, pauseSignal)
	stop := make(chan struct{})
	go s.dispatchPauses(pauseCh, stop)
	defer func() {
		signal.Stop(pauseCh)
		close(stop)
	}()

	fd, err := sys.Open(taskDir, sys.O_RDONLY|sys.O_NONBLOCK|sys.O_DIRECTORY|sys.O_CLOEXEC, 0)
	if err != nil {
		s.log.Errorf("cannot open %s: %v", taskDir, err)
		return 0
	}
	defer sys.Close(fd)

	pid := os.Getpid()
	signaled := map[int64]bool{self: true}
	var count uint32
	var buf [4096]byte

	// Threads can be created between listing and delivery, so rescan until
	// a full pass adds no new threads (or the pass bound trips).
	for pass := 0; pass < maxSuspendPasses; pass++ {
		old := count
		deadline := time.Now().Add(s.timeout)
		sys.Seek(fd, 0, 0)

		for {
			n, err := sys.Getdents(fd, buf[:])
			if err != nil || n <= 0 {
				break
			}
			for off := 0; off < n; {
				dirent := (*sys.Dirent)(unsafe.Pointer(&buf[off]))
				tid, ok := direntTID(dirent)
				off += int(dirent.Reclen)
				if !ok || signaled[tid] || s.reg.Contains(tid) {
					continue
				}
				signaled[tid] = true
				if err := sys.Tgkill(pid, int(tid), pauseSignal); err != nil {
					// The thread exited between listing and delivery.
					continue
				}
				count++
				// Wait for this delivery to be consumed before sending the
				// next one: the runtime coalesces same-signal deliveries
				// that are still pending, which would strand the counter.
				s.paused.WaitPaused(count, time.Until(deadline))
			}
		}

		s.paused.WaitPaused(count, time.Until(deadline))
		if old == count {
			break
		}
	}

	s.log.Debugf("suspended %d of %d signaled threads", s.paused.Value(), count)
	return count
}

// resumeOtherThreads unblocks every parked thread; each one re-acquires and
// releases the lock in turn, cascading the wake.
func (s *suspender) resumeOtherThreads() {
	s.lock.Release()
}

// dispatchPauses turns each pause-signal delivery into a parked thread.
func (s *suspender) dispatchPauses(ch <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ch:
			go s.park()
		}
	}
}

// park registers the calling thread and blocks it on the suspension lock
// until the coordinator resumes the world. The thread remains parked
// without spinning because Acquire waits in the kernel.
func (s *suspender) park() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := int64(sys.Gettid())
	if !s.reg.Contains(tid) {
		s.reg.Insert(tid, 0)
	}
	s.paused.NotifyPaused()

	s.lock.Acquire()
	s.lock.Release()
}

// direntTID extracts a numeric thread id from a directory entry; "." and
// ".." and anything else non-numeric report false.
func direntTID(dirent *sys.Dirent) (int64, bool) {
	var tid int64
	for i := 0; i < len(dirent.Name); i++ {
		c := byte(dirent.Name[i])
		if c == 0 {
			return tid, i > 0
		}
		if c < '0' || c > '9' {
			return 0, false
		}
		tid = tid*10 + int64(c-'0')
	}
	return tid, true
}
