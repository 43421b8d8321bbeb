package memserver

import (
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru"
)

// ErrFault is returned by ReadMemory when the server reports a read fault
// for the requested range. Bytes received before the fault are returned
// alongside it.
var ErrFault = errors.New("memory server reported a read fault")

// Client is the consumer side of the memory protocol, used by diagnostic
// tools to read the crashing process's memory.
type Client struct {
	rw    io.ReadWriter
	cache *lru.Cache
}

type cacheKey struct {
	addr uint64
	n    uint64
}

// NewClient returns a client speaking the memory protocol over rw. If
// cacheSize is positive, successful reads are memoized in an LRU cache;
// the served memory is frozen for the lifetime of the session, so cached
// results never go stale.
func NewClient(rw io.ReadWriter, cacheSize int) *Client {
	c := &Client{rw: rw}
	if cacheSize > 0 {
		c.cache, _ = lru.New(cacheSize)
	}
	return c
}

// ReadMemory reads n bytes at addr from the served address space.
func (c *Client) ReadMemory(addr, n uint64) ([]byte, error) {
	key := cacheKey{addr, n}
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return v.([]byte), nil
		}
	}

	buf, err := c.readMemory(addr, n)
	if err == nil && c.cache != nil {
		c.cache.Add(key, buf)
	}
	return buf, err
}

func (c *Client) readMemory(addr, n uint64) ([]byte, error) {
	req := request{Addr: addr, Len: n}
	if err := writeAll(c.rw, req.bytes()); err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)
	remaining := n
	for {
		var resp response
		if _, err := io.ReadFull(c.rw, resp.bytes()); err != nil {
			return nil, err
		}
		if resp.Len < 0 {
			return out, ErrFault
		}
		if uint64(resp.Len) > remaining {
			return nil, fmt.Errorf("oversized response: %d bytes with %d outstanding", resp.Len, remaining)
		}
		if n == 0 {
			// A zero-length request is acknowledged by a single empty
			// response.
			return out, nil
		}
		if resp.Len == 0 {
			return out, io.ErrUnexpectedEOF
		}

		start := len(out)
		out = out[:start+int(resp.Len)]
		if _, err := io.ReadFull(c.rw, out[start:]); err != nil {
			return nil, err
		}
		remaining -= uint64(resp.Len)
		if remaining == 0 {
			return out, nil
		}
	}
}

func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
