package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	colorable "github.com/mattn/go-colorable"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sys "golang.org/x/sys/unix"

	"github.com/dewedeth/crashcatch/pkg/config"
	"github.com/dewedeth/crashcatch/pkg/crash"
	"github.com/dewedeth/crashcatch/pkg/logflags"
	"github.com/dewedeth/crashcatch/pkg/memserver"
	"github.com/dewedeth/crashcatch/pkg/version"
)

var (
	logFlag   bool
	logOutput string
)

func main() {
	rootCommand := &cobra.Command{
		Use:   "crashcatch",
		Short: "Crashcatch intercepts fatal signals and produces crash reports.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logflags.SetOutput(colorable.NewColorableStderr())
			return logflags.Setup(logFlag, logOutput)
		},
	}
	rootCommand.PersistentFlags().BoolVarP(&logFlag, "log", "", false, "Enable component logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce log output (crash, memserver, launcher).")

	rootCommand.AddCommand(crashCommand())
	rootCommand.AddCommand(inspectCommand())
	rootCommand.AddCommand(serveMemoryCommand())
	rootCommand.AddCommand(versionCommand())

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

// crashCommand deliberately crashes this process with the handler
// installed. It exists to demonstrate and exercise the crash pipeline.
func crashCommand() *cobra.Command {
	var (
		workers    int
		signalName string
	)
	cmd := &cobra.Command{
		Use:   "crash",
		Short: "Install the crash handler, start busy worker threads and raise a fatal signal.",
		Run: func(cmd *cobra.Command, args []string) {
			opts := config.LoadConfig()
			applyOverrides(cmd.Flags(), opts)

			if err := crash.Install(opts); err != nil {
				fmt.Fprintf(os.Stderr, "cannot install crash handler: %v\n", err)
				os.Exit(1)
			}

			for i := 0; i < workers; i++ {
				go func() {
					runtime.LockOSThread()
					for x := 0; ; x++ {
						_ = x
					}
				}()
			}
			// Give the workers time to land on their threads.
			time.Sleep(200 * time.Millisecond)

			sig, err := parseSignal(signalName)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			sys.Kill(os.Getpid(), sig)

			// The handler re-raises the signal with its default disposition;
			// we should never get here.
			time.Sleep(1 * time.Minute)
			fmt.Fprintln(os.Stderr, "crash handler did not terminate the process")
			os.Exit(1)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "Number of busy worker threads to start.")
	cmd.Flags().StringVar(&signalName, "signal", "segv", "Fatal signal to raise (segv, abrt, bus, fpe, ill, trap, quit).")
	cmd.Flags().String("backtracer", "", "Override the backtracer executable.")
	cmd.Flags().Bool("process", false, "Run the memory server as a separate process.")
	return cmd
}

// applyOverrides folds explicitly-set command line flags into the loaded
// options.
func applyOverrides(flags *pflag.FlagSet, opts *config.Options) {
	if flags.Changed("backtracer") {
		opts.BacktracerPath, _ = flags.GetString("backtracer")
	}
	if flags.Changed("process") {
		opts.MemserverProcess, _ = flags.GetBool("process")
	}
}

func parseSignal(name string) (sys.Signal, error) {
	switch name {
	case "segv":
		return sys.SIGSEGV, nil
	case "abrt":
		return sys.SIGABRT, nil
	case "bus":
		return sys.SIGBUS, nil
	case "fpe":
		return sys.SIGFPE, nil
	case "ill":
		return sys.SIGILL, nil
	case "trap":
		return sys.SIGTRAP, nil
	case "quit":
		return sys.SIGQUIT, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

// inspectCommand is a minimal consumer of the memory protocol: it reads
// the crash snapshot and the suspended-thread list and prints them. The
// full report renderer is a separate tool; this exists for debugging the
// pipeline itself.
func inspectCommand() *cobra.Command {
	var (
		fd        int
		crashinfo string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump the crash snapshot served over a memory-server descriptor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := strconv.ParseUint(crashinfo, 16, 64)
			if err != nil {
				return fmt.Errorf("invalid --crashinfo address: %v", err)
			}

			client := memserver.NewClient(os.NewFile(uintptr(fd), "memserver"), 128)

			buf, err := client.ReadMemory(addr, uint64(crash.CrashInfoSize))
			if err != nil {
				return fmt.Errorf("cannot read crash info: %v", err)
			}
			ci, err := crash.DecodeCrashInfo(buf)
			if err != nil {
				return err
			}

			fmt.Printf("crashing thread: %d\n", ci.CrashingThread)
			fmt.Printf("signal:          %d\n", ci.Signal)
			fmt.Printf("fault address:   0x%x\n", ci.FaultAddress)

			next := ci.ThreadList
			for next != 0 {
				buf, err := client.ReadMemory(next, uint64(crash.ThreadRecordSize))
				if err != nil {
					return fmt.Errorf("cannot read thread record at 0x%x: %v", next, err)
				}
				rec, err := crash.DecodeThreadRecord(buf)
				if err != nil {
					return err
				}
				fmt.Printf("thread %d\n", rec.TID)
				next = rec.Next
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&fd, "fd", 3, "Inherited memory-server descriptor.")
	cmd.Flags().StringVar(&crashinfo, "crashinfo", "", "Hexadecimal address of the crash snapshot.")
	cmd.MarkFlagRequired("crashinfo")
	return cmd
}

// serveMemoryCommand is the process-mode memory server entry point; the
// crash handler re-executes this binary with it when configured to serve
// memory from a separate process.
func serveMemoryCommand() *cobra.Command {
	var (
		fd     int
		target int
	)
	cmd := &cobra.Command{
		Use:    "serve-memory",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return memserver.Serve(fd, target)
		},
	}
	cmd.Flags().IntVar(&fd, "fd", 3, "Inherited channel descriptor.")
	cmd.Flags().IntVar(&target, "target", 0, "Pid of the process whose memory is served.")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("crashcatch %s\n%s\n", version.CrashcatchVersion, version.BuildInfo())
		},
	}
}
