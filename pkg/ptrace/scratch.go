//go:build amd64

// Synthesized foreign calls are wired only for amd64: the register layout
// (unix.PtraceRegs.Rax/Rdi/...) and the trampoline bytes below are
// instruction-set specific. arm64 targets fall back to the address-map and
// static-symbol resolution paths in pkg/abi, which need no foreign call.
package ptrace

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/uber-archive/pyflame/pkg/model"
)

// ErrUnsupportedArch is returned by CallForeign on architectures other than
// amd64, where the synthesized-call trampoline below has not been ported.
var ErrUnsupportedArch = errors.New("ptrace: synthesized call unsupported on this architecture")

// scratchPage tracks the mmap'd page this Inspector has borrowed inside the
// target for synthesized calls, so it is allocated at most once per session
// and torn down exactly once on Detach.
type scratchPage struct {
	addr  model.Address
	valid bool
}

// trampoline is "call rax; int3": FF D0 CC. The synthesized call sets rax
// to the function address, rdi/rsi/rdx/rcx/r8/r9 to arguments per the
// System V AMD64 calling convention, rip to a scratch address holding this
// trampoline, and lets the target run until the int3 trap.
var trampoline = [3]byte{0xFF, 0xD0, 0xCC}

// ensureScratch mmaps a single page inside the target via a synthesized
// mmap(2) call, caching the result on the Inspector for reuse. The target
// must already be stopped.
func (insp *Inspector) ensureScratch() (model.Address, error) {
	if insp.scratch.valid {
		return insp.scratch.addr, nil
	}
	addr, err := insp.syscallMmap()
	if err != nil {
		return 0, fmt.Errorf("allocate scratch page: %w", err)
	}
	code, err := insp.PeekBytes(addr, wordSize)
	if err != nil {
		return 0, err
	}
	copy(code, trampoline[:])
	if err := insp.pokeBytes(addr, code); err != nil {
		return 0, err
	}
	insp.scratch = scratchPage{addr: addr, valid: true}
	return addr, nil
}

// pokeBytes writes an arbitrary byte range via repeated word writes,
// preserving trailing bytes outside the request by peeking first.
func (insp *Inspector) pokeBytes(addr model.Address, data []byte) error {
	for i := 0; i < len(data); i += wordSize {
		end := i + wordSize
		var chunk [wordSize]byte
		if end > len(data) {
			existing, err := insp.PeekBytes(addr+model.Address(i), wordSize)
			if err != nil {
				return err
			}
			copy(chunk[:], existing)
			copy(chunk[:], data[i:])
		} else {
			copy(chunk[:], data[i:end])
		}
		if err := insp.PokeWord(addr+model.Address(i), binary.NativeEndian.Uint64(chunk[:])); err != nil {
			return err
		}
	}
	return nil
}

// syscallMmap synthesizes a PROT_READ|PROT_EXEC, MAP_PRIVATE|MAP_ANONYMOUS
// mmap(2) call inside the target and returns the mapped address.
func (insp *Inspector) syscallMmap() (model.Address, error) {
	saved, err := insp.GetRegisters()
	if err != nil {
		return 0, err
	}
	restore := saved
	defer func() { _ = insp.SetRegisters(&restore) }()

	regs := saved
	regs.Rax = unix.SYS_MMAP
	regs.Rdi = 0
	regs.Rsi = 4096
	regs.Rdx = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	regs.R10 = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	regs.R8 = ^uint64(0) // fd = -1
	regs.R9 = 0

	result, err := insp.runSyscall(&regs)
	if err != nil {
		return 0, err
	}
	if int64(result) < 0 {
		return 0, fmt.Errorf("mmap syscall failed: errno %d", -int64(result))
	}
	return model.Address(result), nil
}

// runSyscall executes a raw syscall by pointing rip at the target's own
// entry point (guaranteed executable and already mapped) overwritten
// temporarily with a "syscall; int3" sequence, then restores the
// overwritten bytes. This avoids relying on the not-yet-allocated scratch
// page to bootstrap mmap itself.
func (insp *Inspector) runSyscall(regs *unix.PtraceRegs) (uint64, error) {
	pc := model.Address(regs.Rip)
	orig, err := insp.PeekBytes(pc, wordSize)
	if err != nil {
		return 0, err
	}
	patched := make([]byte, wordSize)
	copy(patched, orig)
	patched[0], patched[1] = 0x0F, 0x05 // syscall
	patched[2] = 0xCC                   // int3
	if err := insp.pokeBytes(pc, patched); err != nil {
		return 0, err
	}
	defer func() { _ = insp.pokeBytes(pc, orig) }()

	if err := insp.SetRegisters(regs); err != nil {
		return 0, err
	}
	if err := insp.Resume(); err != nil {
		return 0, err
	}
	if err := insp.wait(); err != nil {
		return 0, err
	}
	after, err := insp.GetRegisters()
	if err != nil {
		return 0, err
	}
	return after.Rax, nil
}

// CallForeign invokes fn(args...) inside the target using the scratch page
// and trampoline set up by ensureScratch, following the System V AMD64
// calling convention for up to six integer/pointer arguments. Used by the
// ABI resolver as a last-resort way to read a TLS-relative value it could
// not otherwise locate statically.
func (insp *Inspector) CallForeign(fn model.Address, args ...uint64) (uint64, error) {
	if len(args) > 6 {
		return 0, fmt.Errorf("synthesized call: too many arguments (%d > 6)", len(args))
	}
	scratch, err := insp.ensureScratch()
	if err != nil {
		return 0, err
	}
	saved, err := insp.GetRegisters()
	if err != nil {
		return 0, err
	}
	restore := saved
	defer func() { _ = insp.SetRegisters(&restore) }()

	regs := saved
	regs.Rip = uint64(scratch)
	regs.Rax = uint64(fn)
	argRegs := []*uint64{&regs.Rdi, &regs.Rsi, &regs.Rdx, &regs.Rcx, &regs.R8, &regs.R9}
	for i, a := range args {
		*argRegs[i] = a
	}

	if err := insp.SetRegisters(&regs); err != nil {
		return 0, err
	}
	if err := insp.Resume(); err != nil {
		return 0, err
	}
	if err := insp.wait(); err != nil {
		return 0, err
	}
	after, err := insp.GetRegisters()
	if err != nil {
		return 0, err
	}
	return after.Rax, nil
}

// ReleaseScratch munmaps the scratch page, if one was allocated. Callers
// invoke this before Detach, while the target is still stopped.
func (insp *Inspector) ReleaseScratch() error {
	if !insp.scratch.valid {
		return nil
	}
	saved, err := insp.GetRegisters()
	if err != nil {
		return err
	}
	restore := saved
	defer func() { _ = insp.SetRegisters(&restore) }()

	regs := saved
	regs.Rax = unix.SYS_MUNMAP
	regs.Rdi = uint64(insp.scratch.addr)
	regs.Rsi = 4096
	if _, err := insp.runSyscall(&regs); err != nil {
		return err
	}
	insp.scratch = scratchPage{}
	return nil
}
