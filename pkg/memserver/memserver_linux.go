// Package memserver lets an external, unprivileged process read bytes out
// of a crashing process's address space over a socketpair, without needing
// full debugger privileges. The wire protocol is fixed-size records in raw
// host byte order: a request {addr u64, len u64} is answered by one or more
// responses {addr u64, len i64}, each followed by len raw bytes when len is
// non-negative; a negative len reports a read fault for that request and
// carries no payload.
package memserver

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"unsafe"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/dewedeth/crashcatch/pkg/logflags"
)

// Mode selects the execution context the server runs in.
type Mode int

const (
	// ModeThread serves from a locked thread of the crashing process.
	ModeThread Mode = iota
	// ModeProcess serves from a separate helper process, approved as a
	// debugger of the crashing process so the Yama LSM permits reads.
	ModeProcess
)

// ChunkSize bounds the payload of a single response record.
const ChunkSize = 4096

type request struct {
	Addr uint64
	Len  uint64
}

type response struct {
	Addr uint64
	Len  int64
}

const requestSize = int(unsafe.Sizeof(request{}))
const responseSize = int(unsafe.Sizeof(response{}))

func (r *request) bytes() []byte {
	return (*[requestSize]byte)(unsafe.Pointer(r))[:]
}

func (r *response) bytes() []byte {
	return (*[responseSize]byte)(unsafe.Pointer(r))[:]
}

// Config describes how to start a memory server.
type Config struct {
	Mode Mode
	// TargetPID is the process whose memory is served; zero means the
	// calling process.
	TargetPID int
	// HelperArgv overrides the command used to start the ModeProcess
	// helper; it defaults to re-executing this binary with the hidden
	// serve-memory subcommand. "--fd 3 --target <pid>" is appended.
	HelperArgv []string
	// Env overrides the helper's environment (ModeProcess only).
	Env []string
}

// Start creates the socketpair and starts the server in the configured
// mode. It returns the peer endpoint, to be inherited by the diagnostic
// tool; the server's endpoint is owned by the server and closed when the
// session ends.
func Start(cfg Config) (int, error) {
	target := cfg.TargetPID
	if target == 0 {
		target = os.Getpid()
	}

	fds, err := sys.Socketpair(sys.AF_UNIX, sys.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socketpair: %v", err)
	}

	if cfg.Mode == ModeProcess {
		if err := startHelper(cfg, fds[0], target); err != nil {
			sys.Close(fds[0])
			sys.Close(fds[1])
			return -1, err
		}
		return fds[1], nil
	}

	srv := newServer(fds[0], target)
	go func() {
		// The serve loop blocks in read for most of its life; give it a
		// thread of its own so a frozen scheduler cannot starve it.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		srv.serve()
	}()
	return fds[1], nil
}

func startHelper(cfg Config, serverFD, target int) error {
	argv := cfg.HelperArgv
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate executable for helper: %v", err)
		}
		argv = []string{exe, "serve-memory"}
	}

	// The helper inherits the server endpoint as fd 3.
	serverFile := os.NewFile(uintptr(serverFD), "memserver")
	args := append(append([]string{}, argv[1:]...),
		"--fd", "3", "--target", strconv.Itoa(target))
	cmd := exec.Command(argv[0], args...)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{serverFile}
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot start memory server helper: %v", err)
	}

	// Approve the helper as our debugger so the Yama LSM permits it to
	// read our memory.
	sys.Prctl(sys.PR_SET_PTRACER, uintptr(cmd.Process.Pid), 0, 0, 0)

	serverFile.Close()
	go cmd.Wait()
	return nil
}

// Serve answers memory-read requests on fd until the peer closes the
// channel or an I/O error ends the session. It is the entry point of the
// ModeProcess helper and of the ModeThread serving thread.
func Serve(fd, targetPID int) error {
	return newServer(fd, targetPID).serve()
}

type server struct {
	fd        int
	pid       int
	hasPtrace bool
	log       *logrus.Entry
}

func newServer(fd, pid int) *server {
	return &server{fd: fd, pid: pid, log: logflags.MemServerLogger()}
}

// probePtraceCapability reports whether CAP_SYS_PTRACE is in our bounding
// set; without it, reads of a foreign address space will be refused and
// only the guarded self-copy works.
func probePtraceCapability() bool {
	v, err := sys.PrctlRetInt(sys.PR_CAPBSET_READ, sys.CAP_SYS_PTRACE, 0, 0, 0)
	return err == nil && v != 0
}

func (s *server) serve() error {
	defer sys.Close(s.fd)

	s.hasPtrace = probePtraceCapability()
	s.log.Debugf("serving memory of pid %d (cap_sys_ptrace=%v)", s.pid, s.hasPtrace)

	var buf [ChunkSize]byte
	for {
		var req request
		if err := readFull(s.fd, req.bytes()); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		addr, remaining := req.Addr, req.Len

		if remaining == 0 {
			resp := response{Addr: addr, Len: 0}
			if err := writeFull(s.fd, resp.bytes()); err != nil {
				return err
			}
			continue
		}

		for remaining > 0 {
			todo := remaining
			if todo > ChunkSize {
				todo = ChunkSize
			}

			n := s.readMemory(buf[:todo], addr)
			resp := response{Addr: addr, Len: n}
			if err := writeFull(s.fd, resp.bytes()); err != nil {
				return err
			}
			if n < 0 {
				// Fault: no payload for this request, await the next one.
				break
			}
			if err := writeFull(s.fd, buf[:n]); err != nil {
				return err
			}

			addr += uint64(n)
			remaining -= uint64(n)
		}
	}
}

// readMemory is the guarded copy: it reads the target's memory through
// process_vm_readv, which reports unmapped or forbidden addresses as an
// error instead of faulting the server. Returns the bytes read, or -1 on
// failure.
func (s *server) readMemory(buf []byte, addr uint64) int64 {
	local := []sys.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []sys.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}

	n, err := sys.ProcessVMReadv(s.pid, local, remote, 0)
	if err != nil || n <= 0 {
		return -1
	}
	return int64(n)
}

func readFull(fd int, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := sys.Read(fd, buf[read:])
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			if read == 0 {
				return io.EOF
			}
			return io.ErrUnexpectedEOF
		}
		read += n
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := sys.Write(fd, buf[written:])
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}
