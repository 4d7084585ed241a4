// Package ptrace implements the process-inspector: attach by seizing,
// interrupt/resume, peek/poke of words and byte ranges, register
// snapshot/restore, and single-stepping on a paused target. No code is
// injected into the target for these primitives; the synthesized call in
// scratch.go is the one deliberate exception, used only when the ABI
// resolver cannot find the thread-state pointer any other way.
//
// Grounded on two sources from the retrieval pack: the dedicated-OS-thread
// calling convention for ptrace from golang.org/x/debug's
// program/server/ptrace.go (ptrace syscalls must all originate from the
// same OS thread that attached), and golang.org/x/sys/unix — the ptrace
// wrapper library used pervasively by the teacher repository
// (go.opentelemetry.io/ebpf-profiler) for every other raw-syscall need.
package ptrace // import "github.com/uber-archive/pyflame/pkg/ptrace"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/uber-archive/pyflame/pkg/model"
)

const wordSize = 8

// Inspector holds ptrace control of a single target process. All ptrace
// operations for this Inspector run on one dedicated, locked OS thread, per
// the kernel's requirement that a tracer's syscalls come from the thread
// that performed PTRACE_SEIZE.
type Inspector struct {
	pid model.PID

	work    chan func() error
	result  chan error
	done    chan struct{}
	stopped bool

	// scratch holds the per-session scratch-page state used by the
	// synthesized-call mechanism. It is a field here, not a package-level
	// variable, so that multiple concurrent sessions never share it.
	scratch scratchPage
}

// New creates an Inspector for pid without yet attaching to it.
func New(pid model.PID) *Inspector {
	insp := &Inspector{
		pid:    pid,
		work:   make(chan func() error),
		result: make(chan error),
		done:   make(chan struct{}),
	}
	go insp.run()
	return insp
}

func (insp *Inspector) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		select {
		case f := <-insp.work:
			insp.result <- f()
		case <-insp.done:
			return
		}
	}
}

// do runs f on the Inspector's dedicated ptrace thread and returns its error,
// translating ESRCH into ErrTargetTerminated.
func (insp *Inspector) do(f func() error) error {
	insp.work <- f
	err := <-insp.result
	if err != nil && errors.Is(err, syscall.ESRCH) {
		return ErrTargetTerminated
	}
	return err
}

// Attach seizes the target, placing it under debugger control without
// otherwise disturbing signal delivery. The target is not yet stopped;
// call Interrupt to bring it to a group-stop.
func (insp *Inspector) Attach() error {
	return insp.do(func() error {
		return unix.PtraceSeize(int(insp.pid))
	})
}

// Interrupt delivers a group-stop to a seized target and waits for it to
// report stopped. Idempotent while the target is already stopped.
func (insp *Inspector) Interrupt() error {
	if insp.stopped {
		return nil
	}
	err := insp.do(func() error {
		return unix.PtraceInterrupt(int(insp.pid))
	})
	if err != nil {
		return err
	}
	if err := insp.wait(); err != nil {
		return err
	}
	insp.stopped = true
	return nil
}

// Resume allows the target to continue execution until the next Interrupt.
func (insp *Inspector) Resume() error {
	err := insp.do(func() error {
		return unix.PtraceCont(int(insp.pid), 0)
	})
	if err != nil {
		return err
	}
	insp.stopped = false
	return nil
}

// Detach releases control of the target. It survives the target already
// having exited.
func (insp *Inspector) Detach() error {
	err := insp.do(func() error {
		return unix.PtraceDetach(int(insp.pid))
	})
	close(insp.done)
	if err != nil && !errors.Is(err, ErrTargetTerminated) {
		return err
	}
	return nil
}

// wait blocks until the target reports a ptrace-stop, translating an
// observed exit into ErrTargetTerminated.
func (insp *Inspector) wait() error {
	return insp.do(func() error {
		var status unix.WaitStatus
		_, err := unix.Wait4(int(insp.pid), &status, 0, nil)
		if err != nil {
			return err
		}
		if status.Exited() || status.Signaled() {
			return ErrTargetTerminated
		}
		return nil
	})
}

// PeekWord reads one architecture-word-sized value from the target at addr.
func (insp *Inspector) PeekWord(addr model.Address) (uint64, error) {
	var buf [wordSize]byte
	var n int
	err := insp.do(func() error {
		var err error
		n, err = unix.PtracePeekData(int(insp.pid), uintptr(addr), buf[:])
		return err
	})
	if err != nil {
		return 0, err
	}
	if n != wordSize {
		return 0, fmt.Errorf("%w: got %d of %d bytes at 0x%x", ErrPeekFailed, n, wordSize, addr)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// PeekBytes reads n bytes at addr, rounding up to a word boundary and
// reading via repeated word reads.
func (insp *Inspector) PeekBytes(addr model.Address, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	words := (n + wordSize - 1) / wordSize
	out := make([]byte, words*wordSize)
	for i := 0; i < words; i++ {
		w, err := insp.PeekWord(addr + model.Address(i*wordSize))
		if err != nil {
			return nil, err
		}
		binary.NativeEndian.PutUint64(out[i*wordSize:], w)
	}
	return out[:n], nil
}

// PeekCString repeatedly peeks words, appending bytes and stopping at the
// first embedded zero byte within a word.
func (insp *Inspector) PeekCString(addr model.Address) ([]byte, error) {
	const maxWords = 4096 // bounds pathological/corrupt strings
	var out []byte
	for i := 0; i < maxWords; i++ {
		w, err := insp.PeekWord(addr + model.Address(i*wordSize))
		if err != nil {
			return nil, err
		}
		var buf [wordSize]byte
		binary.NativeEndian.PutUint64(buf[:], w)
		if idx := indexZero(buf[:]); idx >= 0 {
			out = append(out, buf[:idx]...)
			return out, nil
		}
		out = append(out, buf[:]...)
	}
	return out, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// PokeWord writes one word to the target at addr.
func (insp *Inspector) PokeWord(addr model.Address, value uint64) error {
	var buf [wordSize]byte
	binary.NativeEndian.PutUint64(buf[:], value)
	var n int
	err := insp.do(func() error {
		var err error
		n, err = unix.PtracePokeData(int(insp.pid), uintptr(addr), buf[:])
		return err
	})
	if err != nil {
		return err
	}
	if n != wordSize {
		return fmt.Errorf("%w: wrote %d of %d bytes at 0x%x", ErrPokeFailed, n, wordSize, addr)
	}
	return nil
}

// GetRegisters snapshots the user-level register set.
func (insp *Inspector) GetRegisters() (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	err := insp.do(func() error {
		return unix.PtraceGetRegs(int(insp.pid), &regs)
	})
	return regs, err
}

// SetRegisters restores a previously snapshotted register set.
func (insp *Inspector) SetRegisters(regs *unix.PtraceRegs) error {
	return insp.do(func() error {
		return unix.PtraceSetRegs(int(insp.pid), regs)
	})
}

// SingleStep advances the target one instruction and waits for the
// resulting trap.
func (insp *Inspector) SingleStep() error {
	err := insp.do(func() error {
		return unix.PtraceSingleStep(int(insp.pid))
	})
	if err != nil {
		return err
	}
	return insp.wait()
}

// PID returns the pid this Inspector controls.
func (insp *Inspector) PID() model.PID {
	return insp.pid
}
