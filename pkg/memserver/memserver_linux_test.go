package memserver

import (
	"bytes"
	"os"
	"testing"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// memPattern is the memory the tests read back over the protocol. A global
// has a stable address; stack memory can move under a growing goroutine.
var memPattern [3 * ChunkSize]byte

func init() {
	for i := range memPattern {
		memPattern[i] = byte(i*31 + 7)
	}
}

func patternAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&memPattern[0])))
}

// The helper mode makes this binary usable as a ModeProcess server: it
// serves the parent's memory on the inherited descriptor and exits.
func TestMain(m *testing.M) {
	if os.Getenv("MEMSERVER_TEST_MODE") == "helper" {
		Serve(3, sys.Getppid())
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// startThreadServer wires a ModeThread server to a fresh socketpair and
// returns a client on the peer end. Closing the returned file ends the
// session.
func startThreadServer(t *testing.T, cacheSize int) (*Client, *os.File) {
	t.Helper()
	fd, err := Start(Config{Mode: ModeThread})
	if err != nil {
		t.Fatal(err)
	}
	f := os.NewFile(uintptr(fd), "memserver-client")
	return NewClient(f, cacheSize), f
}

func TestReadMemorySizes(t *testing.T) {
	client, f := startThreadServer(t, 0)
	defer f.Close()

	addr := patternAddr()
	for _, n := range []uint64{ChunkSize, 10, 1, 0} {
		buf, err := client.ReadMemory(addr, n)
		if err != nil {
			t.Fatalf("ReadMemory(%d bytes): %v", n, err)
		}
		if uint64(len(buf)) != n {
			t.Fatalf("ReadMemory(%d bytes) returned %d bytes", n, len(buf))
		}
		if !bytes.Equal(buf, memPattern[:n]) {
			t.Fatalf("ReadMemory(%d bytes) returned wrong data", n)
		}
	}
}

func TestReadMemoryChunked(t *testing.T) {
	client, f := startThreadServer(t, 0)
	defer f.Close()

	// Larger than one chunk, and not a chunk multiple.
	n := uint64(2*ChunkSize + 123)
	buf, err := client.ReadMemory(patternAddr(), n)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, memPattern[:n]) {
		t.Fatal("chunked read returned wrong data")
	}
}

func TestReadMemoryFault(t *testing.T) {
	client, f := startThreadServer(t, 0)
	defer f.Close()

	// Page zero is never mapped.
	if _, err := client.ReadMemory(1, 16); err != ErrFault {
		t.Fatalf("reading an unmapped address returned %v, expected ErrFault", err)
	}

	// The session survives a fault; the next request is served normally.
	buf, err := client.ReadMemory(patternAddr(), 64)
	if err != nil {
		t.Fatalf("read after fault: %v", err)
	}
	if !bytes.Equal(buf, memPattern[:64]) {
		t.Fatal("read after fault returned wrong data")
	}
}

func TestReadMemoryPartialFault(t *testing.T) {
	client, f := startThreadServer(t, 0)
	defer f.Close()

	// Map a readable page followed by an inaccessible one and request a
	// range spanning both. The readable prefix comes back with the fault.
	page := os.Getpagesize()
	mem, err := sys.Mmap(-1, 0, 2*page, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_PRIVATE|sys.MAP_ANON)
	if err != nil {
		t.Fatal(err)
	}
	defer sys.Munmap(mem)
	for i := 0; i < page; i++ {
		mem[i] = byte(i)
	}
	if err := sys.Mprotect(mem[page:], sys.PROT_NONE); err != nil {
		t.Fatal(err)
	}

	addr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	out, err := client.ReadMemory(addr, uint64(page)+16)
	if err != ErrFault {
		t.Fatalf("expected ErrFault reading into a protected page, got %v", err)
	}
	if len(out) != page {
		t.Fatalf("got %d bytes before the fault, expected %d", len(out), page)
	}
	if !bytes.Equal(out, mem[:page]) {
		t.Fatal("bytes before the fault are wrong")
	}
}

func TestClientCache(t *testing.T) {
	client, f := startThreadServer(t, 8)

	addr := patternAddr()
	first, err := client.ReadMemory(addr, 64)
	if err != nil {
		t.Fatal(err)
	}

	// End the session; a cached read must still succeed.
	f.Close()
	second, err := client.ReadMemory(addr, 64)
	if err != nil {
		t.Fatalf("cached read failed after session end: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("cached read returned different data")
	}

	// A range that was never fetched cannot be served anymore.
	if _, err := client.ReadMemory(addr, 128); err == nil {
		t.Fatal("uncached read succeeded on a closed session")
	}
}

func TestServerEndsOnPeerClose(t *testing.T) {
	fds, err := sys.Socketpair(sys.AF_UNIX, sys.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- Serve(fds[0], os.Getpid())
	}()

	sys.Close(fds[1])
	if err := <-done; err != nil {
		t.Fatalf("server returned %v on peer close, expected nil", err)
	}
}

func TestProcessModeServer(t *testing.T) {
	if testing.Short() {
		t.Skip("re-executes the test binary")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	fd, err := Start(Config{
		Mode:       ModeProcess,
		HelperArgv: []string{exe},
		Env:        append(os.Environ(), "MEMSERVER_TEST_MODE=helper"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f := os.NewFile(uintptr(fd), "memserver-client")
	defer f.Close()
	client := NewClient(f, 0)

	buf, err := client.ReadMemory(patternAddr(), 256)
	if err == ErrFault {
		// The kernel's ptrace policy can forbid even an approved helper.
		t.Skip("cross-process read refused by ptrace policy")
	}
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, memPattern[:256]) {
		t.Fatal("helper served wrong data")
	}
}
