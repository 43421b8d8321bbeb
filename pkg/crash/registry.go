package crash

import (
	"sync/atomic"
	"unsafe"
)

// ThreadRecord identifies one suspended thread. Records are linked through
// raw addresses so the backtracer can walk the list over the memory
// protocol; the layout is three 64-bit words in host byte order.
type ThreadRecord struct {
	// Next is the address of the next record, zero at the end of the list.
	Next uint64
	TID  int64
	// UCtx is the address of the captured user context, if any.
	UCtx uint64
}

// ThreadRecordSize is the wire size of a ThreadRecord.
const ThreadRecordSize = int(unsafe.Sizeof(ThreadRecord{}))

// registryCapacity bounds the number of threads registered per crash
// episode. Inserts past the capacity are dropped rather than blocking the
// crash.
const registryCapacity = 512

// Registry is a lock-free, insert-only list of suspended-thread records.
// Records live in a fixed arena so no allocation happens while threads are
// registering; the head word is external so it can live inside the
// CrashInfo snapshot. The list is rebuilt from scratch at the start of
// every suspension cycle and nodes are never removed or mutated within a
// cycle.
type Registry struct {
	head *uint64
	used int32
	arena [registryCapacity]ThreadRecord
}

// NewRegistry returns a registry whose list head is stored in the given
// word.
func NewRegistry(head *uint64) *Registry {
	return &Registry{head: head}
}

func recordAddr(rec *ThreadRecord) uint64 {
	return uint64(uintptr(unsafe.Pointer(rec)))
}

func recordAt(addr uint64) *ThreadRecord {
	return (*ThreadRecord)(unsafe.Pointer(uintptr(addr)))
}

// Reset discards the current list and starts a new one containing only the
// given thread. Called once per suspension cycle, before any Insert.
func (r *Registry) Reset(tid int64, uctx uint64) {
	rec := &r.arena[0]
	rec.Next = 0
	rec.TID = tid
	rec.UCtx = uctx
	atomic.StoreInt32(&r.used, 1)
	atomic.StoreUint64(r.head, recordAddr(rec))
}

// Insert links a record for the given thread in front of the current head.
// It reports false if the arena is exhausted. Safe to call concurrently
// from any number of pausing threads.
func (r *Registry) Insert(tid int64, uctx uint64) bool {
	slot := atomic.AddInt32(&r.used, 1) - 1
	if int(slot) >= registryCapacity {
		return false
	}
	rec := &r.arena[slot]
	rec.TID = tid
	rec.UCtx = uctx
	for {
		head := atomic.LoadUint64(r.head)
		rec.Next = head
		if atomic.CompareAndSwapUint64(r.head, head, recordAddr(rec)) {
			return true
		}
	}
}

// Contains reports whether a record for tid is already on the list. It
// tolerates concurrent Insert calls.
func (r *Registry) Contains(tid int64) bool {
	next := atomic.LoadUint64(r.head)
	for next != 0 {
		rec := recordAt(next)
		if rec.TID == tid {
			return true
		}
		next = atomic.LoadUint64(&rec.Next)
	}
	return false
}

// Count returns the number of records currently on the list.
func (r *Registry) Count() int {
	n := 0
	next := atomic.LoadUint64(r.head)
	for next != 0 {
		n++
		next = atomic.LoadUint64(&recordAt(next).Next)
	}
	return n
}

// Snapshot returns a copy of the records currently on the list, head first.
func (r *Registry) Snapshot() []ThreadRecord {
	var recs []ThreadRecord
	next := atomic.LoadUint64(r.head)
	for next != 0 {
		rec := recordAt(next)
		recs = append(recs, *rec)
		next = atomic.LoadUint64(&rec.Next)
	}
	return recs
}
