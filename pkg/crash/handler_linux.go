package crash

import (
	"errors"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"

	sys "golang.org/x/sys/unix"

	"github.com/dewedeth/crashcatch/pkg/backtrace"
	"github.com/dewedeth/crashcatch/pkg/config"
	"github.com/dewedeth/crashcatch/pkg/logflags"
	"github.com/dewedeth/crashcatch/pkg/memserver"
)

// fatalSignals are the signals whose default disposition kills the process
// and for which a crash report is produced.
var fatalSignals = []os.Signal{
	sys.SIGQUIT,
	sys.SIGABRT,
	sys.SIGBUS,
	sys.SIGFPE,
	sys.SIGILL,
	sys.SIGSEGV,
	sys.SIGTRAP,
}

// Stage identifies how far the fatal-signal state machine has progressed.
// Only one crash is serviced per process lifetime, so stages only move
// forward.
type Stage int32

const (
	StageIdle Stage = iota
	StageEntered
	StageThreadsSuspended
	StageHandlersReset
	StageInfoCaptured
	StageMemoryServerStarted
	StageBacktracerRun
	StageThreadsResumed
	StageReturned
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageEntered:
		return "entered"
	case StageThreadsSuspended:
		return "threads-suspended"
	case StageHandlersReset:
		return "handlers-reset"
	case StageInfoCaptured:
		return "info-captured"
	case StageMemoryServerStarted:
		return "memory-server-started"
	case StageBacktracerRun:
		return "backtracer-run"
	case StageThreadsResumed:
		return "threads-resumed"
	case StageReturned:
		return "returned"
	}
	return "unknown"
}

var stage int32

func setStage(s Stage) {
	atomic.StoreInt32(&stage, int32(s))
}

// CurrentStage returns the current stage of the fatal-signal state machine.
func CurrentStage() Stage {
	return Stage(atomic.LoadInt32(&stage))
}

// ErrAlreadyInstalled is returned by Install when a crash handler is
// already active in this process.
var ErrAlreadyInstalled = errors.New("crash handler already installed")

var installed int32

var defaultRegistry = NewRegistry(&crashInfo.ThreadList)

// Install registers the crash handler for every fatal signal not listed in
// skip. Programs that trap one of the fatal signals themselves should pass
// it in skip; Go offers no way to query an existing disposition.
//
// The monitor runs on its own locked thread; the Go runtime has already
// established an alternate signal stack for every thread, so the handler
// survives stack overflow in the crashing thread.
func Install(opts *config.Options, skip ...os.Signal) error {
	if opts == nil {
		opts = config.Defaults()
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if !atomic.CompareAndSwapInt32(&installed, 0, 1) {
		return ErrAlreadyInstalled
	}

	sigs := make([]os.Signal, 0, len(fatalSignals))
	for _, sig := range fatalSignals {
		skipped := false
		for _, sk := range skip {
			if sk == sig {
				skipped = true
				break
			}
		}
		if !skipped {
			sigs = append(sigs, sig)
		}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go monitor(ch, opts)

	logflags.CrashHandlerLogger().Debugf("crash handler installed for %d signals", len(sigs))
	return nil
}

// Installed reports whether a crash handler is active.
func Installed() bool {
	return atomic.LoadInt32(&installed) != 0
}

func monitor(ch <-chan os.Signal, opts *config.Options) {
	// The monitor thread is the handler context; keep it pinned so the
	// crashing-thread id recorded in the snapshot stays meaningful.
	runtime.LockOSThread()
	sig, ok := <-ch
	if !ok {
		return
	}
	handleFatalSignal(sig.(sys.Signal), opts)
}

// handleFatalSignal drives the crash state machine. When it returns the
// process dies from the re-raised original fault.
func handleFatalSignal(sig sys.Signal, opts *config.Options) {
	setStage(StageEntered)
	log := logflags.CrashHandlerLogger()
	self := int64(sys.Gettid())

	// Freeze the world before touching anything else so the backtracer
	// observes a consistent snapshot.
	susp := newSuspender(defaultRegistry, config.DefaultSuspendTimeout)
	count := susp.suspendOtherThreads(self)
	setStage(StageThreadsSuspended)
	log.Debugf("signal %d on thread %d, %d threads signaled", sig, self, count)

	// Restore default dispositions first: a crash inside the diagnostic
	// pipeline must terminate the process, not recurse into this handler.
	signal.Reset(fatalSignals...)
	setStage(StageHandlersReset)

	crashInfo.CrashingThread = uint64(self)
	crashInfo.Signal = uint64(sig)
	// No siginfo reaches us through os/signal; kill-delivered faults carry
	// a zero address anyway.
	crashInfo.FaultAddress = 0
	setStage(StageInfoCaptured)

	mode := memserver.ModeThread
	if opts.MemserverProcess {
		mode = memserver.ModeProcess
	}
	fd, err := memserver.Start(memserver.Config{Mode: mode, TargetPID: os.Getpid()})
	if err != nil {
		log.Errorf("cannot start memory server: %v", err)
	} else {
		setStage(StageMemoryServerStarted)
		// The spawner owns fd and closes it when the tool exits; the
		// server side then sees end-of-stream and shuts down.
		if err := backtrace.Run(opts, CrashInfoAddress(), fd, nil); err != nil {
			log.Errorf("backtracer failed: %v", err)
		}
		setStage(StageBacktracerRun)
	}

	if mode == memserver.ModeThread {
		// The in-thread server's fault recovery may have disturbed the
		// memory-fault dispositions; reset them once more.
		signal.Reset(sys.SIGSEGV, sys.SIGBUS)
	}

	susp.resumeOtherThreads()
	setStage(StageThreadsResumed)

	// Re-deliver the original signal; with the default disposition back in
	// place the process now dies of the original fault.
	sys.Tgkill(os.Getpid(), int(self), sig)
	setStage(StageReturned)
}
