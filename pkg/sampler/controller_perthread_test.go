package sampler

import (
	"encoding/binary"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/abi"
	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/ptrace"
)

// attachToScratchProcess spawns a real child and returns an Inspector
// stopped inside it, along with a writable scratch address in its stack, so
// sampleOnce can be exercised against a synthetic PyThreadState chain
// through the real ptrace path rather than a mock.
func attachToScratchProcess(t *testing.T) (*ptrace.Inspector, model.Address) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("ptrace is Linux-only")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	insp := ptrace.New(model.PID(cmd.Process.Pid))
	if err := insp.Attach(); err != nil {
		t.Skipf("ptrace attach unavailable in this environment: %v", err)
	}
	t.Cleanup(func() {
		_ = insp.Resume()
		_ = insp.Detach()
	})
	require.NoError(t, insp.Interrupt())

	regs, err := insp.GetRegisters()
	require.NoError(t, err)
	return insp, model.Address(regs.Rsp) - 16384
}

type scratch struct {
	insp *ptrace.Inspector
	next model.Address
}

func (s *scratch) alloc(size int) model.Address {
	addr := s.next
	s.next += model.Address((size + 15) &^ 15)
	return addr
}

func (s *scratch) poke(t *testing.T, addr model.Address, data []byte) {
	t.Helper()
	for i := 0; i < len(data); i += 8 {
		var chunk [8]byte
		end := i + 8
		if end > len(data) {
			existing, err := s.insp.PeekBytes(addr+model.Address(i), 8)
			require.NoError(t, err)
			copy(chunk[:], existing)
		}
		n := end
		if n > len(data) {
			n = len(data)
		}
		copy(chunk[:], data[i:n])
		require.NoError(t, s.insp.PokeWord(addr+model.Address(i), binary.LittleEndian.Uint64(chunk[:])))
	}
}

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }

// writeUnicodeString writes a synthetic ASCII-compact PyASCIIObject at a
// fresh allocation, matching the layout pkg/interp's decodeCompactUnicode
// expects for V37: an ascii-compact "state" byte followed immediately by
// inline character data.
func writeUnicodeString(t *testing.T, s *scratch, off abi.Offsets, str string) model.Address {
	t.Helper()
	const asciiCompactState = 1<<2 | 1<<5 | 1<<6 | 1<<7 // kind=1, compact=1, ascii=1, ready=1
	size := int(off.UnicodeDataOffset) + len(str)
	buf := make([]byte, size)
	putU64(buf, int(off.UnicodeLengthOffset), uint64(len(str)))
	buf[off.UnicodeStateOffset] = asciiCompactState
	copy(buf[off.UnicodeDataOffset:], str)
	addr := s.alloc(size)
	s.poke(t, addr, buf)
	return addr
}

func writeBytesObject(t *testing.T, s *scratch, data []byte) model.Address {
	t.Helper()
	const svalOffset = 32
	size := svalOffset + len(data)
	buf := make([]byte, size)
	putU64(buf, 16, uint64(len(data)))
	copy(buf[svalOffset:], data)
	addr := s.alloc(size)
	s.poke(t, addr, buf)
	return addr
}

// buildRunningThread writes a code object, a single-frame call stack, and a
// PyThreadState pointing at it, returning the thread state's address.
func buildRunningThread(t *testing.T, s *scratch, off abi.Offsets, threadID uint64, filename, name string) model.Address {
	t.Helper()
	filenameAddr := writeUnicodeString(t, s, off, filename)
	nameAddr := writeUnicodeString(t, s, off, name)
	lnotabAddr := writeBytesObject(t, s, []byte{})

	codeBuf := make([]byte, int(off.CodeLnotab)+8)
	putU64(codeBuf, int(off.CodeFilename), uint64(filenameAddr))
	putU64(codeBuf, int(off.CodeName), uint64(nameAddr))
	putU32(codeBuf, int(off.CodeFirstLineno), 3)
	putU64(codeBuf, int(off.CodeLnotab), uint64(lnotabAddr))
	codeAddr := s.alloc(len(codeBuf))
	s.poke(t, codeAddr, codeBuf)

	frameBuf := make([]byte, int(off.FrameLastI)+8)
	putU64(frameBuf, int(off.FrameCode), uint64(codeAddr))
	putU32(frameBuf, int(off.FrameLastI), 0)
	frameAddr := s.alloc(len(frameBuf))
	s.poke(t, frameAddr, frameBuf)

	tsBuf := make([]byte, int(off.ThreadStateThreadID)+8)
	putU64(tsBuf, int(off.ThreadStateFrame), uint64(frameAddr))
	putU64(tsBuf, int(off.ThreadStateThreadID), threadID)
	tsAddr := s.alloc(len(tsBuf))
	s.poke(t, tsAddr, tsBuf)
	return tsAddr
}

// buildIdleThread writes a PyThreadState whose f_frame is nil, matching a
// thread not currently executing any Python code.
func buildIdleThread(t *testing.T, s *scratch, off abi.Offsets, threadID uint64) model.Address {
	t.Helper()
	tsBuf := make([]byte, int(off.ThreadStateThreadID)+8)
	putU64(tsBuf, int(off.ThreadStateThreadID), threadID)
	tsAddr := s.alloc(len(tsBuf))
	s.poke(t, tsAddr, tsBuf)
	return tsAddr
}

func linkThreads(t *testing.T, s *scratch, addrs ...model.Address) {
	t.Helper()
	for i := 0; i < len(addrs)-1; i++ {
		var next [8]byte
		binary.LittleEndian.PutUint64(next[:], uint64(addrs[i+1]))
		s.poke(t, addrs[i], next[:])
	}
}

func TestSampleOnceSinglesOutActiveThreadWhenPerThreadDisabled(t *testing.T) {
	insp, base := attachToScratchProcess(t)
	off, ok := abi.ForABI(model.V37)
	require.True(t, ok)
	s := &scratch{insp: insp, next: base}

	active := buildRunningThread(t, s, off, 1, "worker.py", "handle")
	idle := buildIdleThread(t, s, off, 2)
	linkThreads(t, s, active, idle)

	// PyInterpreterState: tstate_head lives 8 bytes in.
	interpBuf := make([]byte, 16)
	putU64(interpBuf, 8, uint64(active))
	interpAddr := s.alloc(len(interpBuf))
	s.poke(t, interpAddr, interpBuf)

	// The current-thread-state global is a pointer-to-pointer: the address
	// this test hands the controller holds the address of the active
	// PyThreadState.
	currentBuf := make([]byte, 8)
	putU64(currentBuf, 0, uint64(active))
	currentAddr := s.alloc(len(currentBuf))
	s.poke(t, currentAddr, currentBuf)

	c := &Controller{
		cfg: NewConfig(WithPID(model.PID(1))),
		insp: insp,
		result: abi.Result{
			ABI: model.V37,
			Addresses: model.InterpreterAddresses{
				TStateAddr:     currentAddr,
				InterpHeadAddr: interpAddr,
			},
			Offsets: off,
		},
		buckets: NewBuckets(),
	}

	require.False(t, c.cfg.PerThread, "PerThread must default to off so single-thread sampling is the default path")
	require.NoError(t, c.sampleOnce())

	snap := c.buckets.Snapshot()
	require.Len(t, snap, 1, "only the active thread should have been sampled")
	require.False(t, snap[0].IsIdle())
	require.Equal(t, "worker.py", snap[0].Frames[0].File)
}

func TestSampleOnceWalksEveryThreadWhenPerThreadEnabled(t *testing.T) {
	insp, base := attachToScratchProcess(t)
	off, ok := abi.ForABI(model.V37)
	require.True(t, ok)
	s := &scratch{insp: insp, next: base}

	active := buildRunningThread(t, s, off, 1, "worker.py", "handle")
	idle := buildIdleThread(t, s, off, 2)
	linkThreads(t, s, active, idle)

	interpBuf := make([]byte, 16)
	putU64(interpBuf, 8, uint64(active))
	interpAddr := s.alloc(len(interpBuf))
	s.poke(t, interpAddr, interpBuf)

	currentBuf := make([]byte, 8)
	putU64(currentBuf, 0, uint64(active))
	currentAddr := s.alloc(len(currentBuf))
	s.poke(t, currentAddr, currentBuf)

	c := &Controller{
		cfg: NewConfig(WithPID(model.PID(1)), WithPerThread(true)),
		insp: insp,
		result: abi.Result{
			ABI: model.V37,
			Addresses: model.InterpreterAddresses{
				TStateAddr:     currentAddr,
				InterpHeadAddr: interpAddr,
			},
			Offsets: off,
		},
		buckets: NewBuckets(),
	}

	require.NoError(t, c.sampleOnce())

	snap := c.buckets.Snapshot()
	require.Len(t, snap, 2, "both the active and the idle thread should have produced a bucket")

	var sawReal, sawIdle bool
	for _, sample := range snap {
		if sample.IsIdle() {
			sawIdle = true
			continue
		}
		sawReal = true
		require.Equal(t, "worker.py", sample.Frames[0].File)
	}
	require.True(t, sawReal)
	require.True(t, sawIdle)
}
