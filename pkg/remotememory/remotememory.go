// Package remotememory provides typed, convenience accessors for reading a
// stopped target's address space through its process inspector: fixed-
// width integers, pointers, and NUL-terminated or length-prefixed byte
// strings.
//
// Grounded on the teacher's libpf/remotememory/remotememory.go, adapted
// from an io.ReaderAt-backed reader (the teacher uses process_vm_readv, a
// single-shot bulk read) to one backed by pkg/ptrace's word-sized
// PEEKDATA/PEEKTEXT primitives, since this profiler's inspector holds the
// target stopped under ptrace rather than reading live memory out-of-band.
package remotememory // import "github.com/uber-archive/pyflame/pkg/remotememory"

import (
	"encoding/binary"

	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/ptrace"
)

// RemoteMemory reads typed values out of a target process via its
// Inspector.
type RemoteMemory struct {
	insp *ptrace.Inspector
}

// New wraps insp for typed reads.
func New(insp *ptrace.Inspector) RemoteMemory {
	return RemoteMemory{insp: insp}
}

// Uint8 reads a single byte at addr.
func (rm RemoteMemory) Uint8(addr model.Address) (uint8, error) {
	b, err := rm.insp.PeekBytes(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a little-endian uint16 at addr.
func (rm RemoteMemory) Uint16(addr model.Address) (uint16, error) {
	b, err := rm.insp.PeekBytes(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32 at addr.
func (rm RemoteMemory) Uint32(addr model.Address) (uint32, error) {
	b, err := rm.insp.PeekBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64 at addr.
func (rm RemoteMemory) Uint64(addr model.Address) (uint64, error) {
	b, err := rm.insp.PeekBytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Ptr reads a pointer-sized value at addr and returns it as an Address.
func (rm RemoteMemory) Ptr(addr model.Address) (model.Address, error) {
	v, err := rm.insp.PeekWord(addr)
	if err != nil {
		return 0, err
	}
	return model.Address(v), nil
}

// Bytes reads exactly n bytes starting at addr.
func (rm RemoteMemory) Bytes(addr model.Address, n int) ([]byte, error) {
	return rm.insp.PeekBytes(addr, n)
}

// String reads a NUL-terminated byte string at addr and returns it decoded
// as-is (callers needing CPython's own string/unicode representations use
// pkg/interp, which knows the ABI-specific encoding).
func (rm RemoteMemory) String(addr model.Address) (string, error) {
	b, err := rm.insp.PeekCString(addr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StringPtr reads a pointer at addr, then reads the NUL-terminated string
// it points to.
func (rm RemoteMemory) StringPtr(addr model.Address) (string, error) {
	p, err := rm.Ptr(addr)
	if err != nil {
		return "", err
	}
	if p == 0 {
		return "", nil
	}
	return rm.String(p)
}
