// Package backtrace launches the external diagnostic tool that renders the
// crash report. It only builds the tool's argument vector and delegates
// process creation; it never forks or execs on its own.
package backtrace

import (
	"os"
	"os/exec"

	"github.com/dewedeth/crashcatch/pkg/config"
	"github.com/dewedeth/crashcatch/pkg/logflags"
)

// Spawner starts the diagnostic tool with the given argument vector and
// hands it the memory-server endpoint. The spawner owns the descriptor and
// closes it once the tool has finished.
type Spawner func(argv []string, memserverFD int) error

// BuildArgv deterministically composes the backtracer command line from
// the resolved options and the address of the crash snapshot. The options'
// tty-dependent values must already be resolved. The fixed flag/value
// pairs always come first, in a fixed order; user-supplied extra arguments
// follow.
func BuildArgv(opts *config.Options, crashInfoAddr uintptr) []string {
	var timeoutBuf, limitBuf, topBuf [UnsignedBufLen]byte
	var addrBuf [AddressBufLen]byte

	limit := "none"
	if opts.Limit >= 0 {
		limit = string(FormatUnsigned(uint64(opts.Limit), limitBuf[:]))
	}

	argv := []string{
		opts.BacktracerPath,
		"--unwind", opts.Unwind.String(),
		"--demangle", trueOrFalse(opts.Demangle),
		"--interactive", onOff(opts.Interactive),
		"--color", onOff(opts.Color),
		"--timeout", string(FormatUnsigned(uint64(opts.Timeout), timeoutBuf[:])),
		"--preset", opts.Preset.String(),
		"--crashinfo", string(FormatAddress(crashInfoAddr, addrBuf[:])),
		"--threads", opts.Threads.String(),
		"--registers", opts.Registers.String(),
		"--images", opts.Images.String(),
		"--limit", limit,
		"--top", string(FormatUnsigned(uint64(opts.Top), topBuf[:])),
		"--sanitize", opts.Sanitize.String(),
		"--cache", trueOrFalse(opts.Cache),
		"--output-to", opts.OutputTo.String(),
	}

	extra, _ := opts.ExtraArgv()
	return append(argv, extra...)
}

func trueOrFalse(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func onOff(o config.OnOffTty) string {
	return trueOrFalse(o == config.On)
}

// Run resolves the tty-dependent options, builds the argument vector and
// spawns the backtracer, waiting for it to finish. A nil spawn uses
// DefaultSpawner.
func Run(opts *config.Options, crashInfoAddr uintptr, memserverFD int, spawn Spawner) error {
	if spawn == nil {
		spawn = DefaultSpawner
	}

	resolved := *opts
	outFd := os.Stdout.Fd()
	if resolved.OutputTo == config.OutputToStderr {
		outFd = os.Stderr.Fd()
	}
	resolved.ResolveTTY(outFd)

	argv := BuildArgv(&resolved, crashInfoAddr)
	logflags.LauncherLogger().Debugf("spawning backtracer: %v", argv)
	return spawn(argv, memserverFD)
}

// DefaultSpawner runs the tool with inherited standard streams and the
// memory-server endpoint as descriptor 3.
func DefaultSpawner(argv []string, memserverFD int) error {
	f := os.NewFile(uintptr(memserverFD), "memserver")
	defer f.Close()

	cmd := exec.Command(argv[0])
	cmd.Args = argv
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{f}
	return cmd.Run()
}
