package crash

import (
	"fmt"
	"unsafe"
)

// CrashInfo is the snapshot of crash context handed to the backtracer. It
// is read remotely through the memory server, so its layout is fixed: four
// 64-bit words in host byte order. There is exactly one instance per
// process; it is zero at load and populated once by the fatal-signal
// handler, never mutated again.
type CrashInfo struct {
	CrashingThread uint64
	Signal         uint64
	FaultAddress   uint64
	// ThreadList is the address of the first suspended-thread record. It
	// doubles as the registry head word during thread suspension.
	ThreadList uint64
}

// CrashInfoSize is the wire size of a CrashInfo record.
const CrashInfoSize = int(unsafe.Sizeof(CrashInfo{}))

var crashInfo CrashInfo

// CrashInfoAddress returns the address of the process-wide crash snapshot;
// this is the value passed to the backtracer as --crashinfo.
func CrashInfoAddress() uintptr {
	return uintptr(unsafe.Pointer(&crashInfo))
}

// Info returns a copy of the crash snapshot.
func Info() CrashInfo {
	return crashInfo
}

// DecodeCrashInfo decodes a CrashInfo read over the memory protocol.
func DecodeCrashInfo(b []byte) (CrashInfo, error) {
	if len(b) < CrashInfoSize {
		return CrashInfo{}, fmt.Errorf("short crash info record: %d bytes", len(b))
	}
	var ci CrashInfo
	copy((*[CrashInfoSize]byte)(unsafe.Pointer(&ci))[:], b)
	return ci, nil
}

// DecodeThreadRecord decodes a ThreadRecord read over the memory protocol.
func DecodeThreadRecord(b []byte) (ThreadRecord, error) {
	if len(b) < ThreadRecordSize {
		return ThreadRecord{}, fmt.Errorf("short thread record: %d bytes", len(b))
	}
	var rec ThreadRecord
	copy((*[ThreadRecordSize]byte)(unsafe.Pointer(&rec))[:], b)
	return rec, nil
}
