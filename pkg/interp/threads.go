package interp

import (
	"fmt"

	"github.com/uber-archive/pyflame/internal/log"
	"github.com/uber-archive/pyflame/pkg/abi"
	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/remotememory"
)

// Structural PyInterpreterState/PyThreadState offsets that have not moved
// across any of the ABI generations this profiler targets, so they live
// here rather than duplicated across abi.Offsets: PyInterpreterState's
// second field is tstate_head, and PyThreadState's first field is next.
const (
	interpTStateHeadOffset = 8
	threadStateNextOffset  = 0
)

// maxThreads bounds the thread-state linked-list walk for the same reason
// WalkStack bounds frame depth: a torn read must not become an infinite
// loop.
const maxThreads = 4096

// ThreadState describes one PyThreadState found by walking an
// interpreter's thread list.
type ThreadState struct {
	Addr     model.Address
	ThreadID uint64
	Active   bool
}

// ListThreads walks the singly-linked PyThreadState chain rooted at the
// first interpreter's tstate_head, marking whichever entry matches
// currentTState (the dereferenced value of the interpreter's
// current-thread-state global) as the one actually holding the GIL.
func ListThreads(rm remotememory.RemoteMemory, off abi.Offsets, interpHead, currentTState model.Address) ([]ThreadState, error) {
	tstateHead, err := rm.Ptr(interpHead + interpTStateHeadOffset)
	if err != nil {
		return nil, fmt.Errorf("read interpreter tstate_head: %w", err)
	}

	var out []ThreadState
	seen := make(map[model.Address]bool)
	for addr := tstateHead; addr != 0 && len(out) < maxThreads; {
		if seen[addr] {
			log.Warnf("thread state chain cycle detected at 0x%x, stopping walk", addr)
			break
		}
		seen[addr] = true

		threadID, err := rm.Uint64(addr + model.Address(off.ThreadStateThreadID))
		if err != nil {
			return out, fmt.Errorf("read thread_id at 0x%x: %w", addr, err)
		}
		out = append(out, ThreadState{
			Addr:     addr,
			ThreadID: threadID,
			Active:   addr == currentTState,
		})

		next, err := rm.Ptr(addr + threadStateNextOffset)
		if err != nil {
			return out, fmt.Errorf("read next thread state after 0x%x: %w", addr, err)
		}
		addr = next
	}
	return out, nil
}
