package interp_test

import (
	"encoding/binary"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/abi"
	"github.com/uber-archive/pyflame/pkg/interp"
	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/ptrace"
	"github.com/uber-archive/pyflame/pkg/remotememory"
)

// attachToScratchProcess spawns a real child and returns an Inspector
// stopped inside it, along with a writable scratch address in its stack,
// so string-decoding tests can plant a synthetic CPython object and read
// it back through the real ptrace path rather than mocking memory access.
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

func pokeBytes(t *testing.T, insp *ptrace.Inspector, addr model.Address, data []byte) {
	t.Helper()
	for i := 0; i < len(data); i += 8 {
		var chunk [8]byte
		end := i + 8
		if end > len(data) {
			existing, err := insp.PeekBytes(addr+model.Address(i), 8)
			require.NoError(t, err)
			copy(chunk[:], existing)
		}
		copy(chunk[:], data[i:min(end, len(data))])
		require.NoError(t, insp.PokeWord(addr+model.Address(i), binary.LittleEndian.Uint64(chunk[:])))
	}
}

func TestDecodeStringByteStringV26(t *testing.T) {
	insp, scratch := attachToScratchProcess(t)
	off, ok := abi.ForABI(model.V26)
	require.True(t, ok)

	text := []byte("example.py")
	obj := make([]byte, int(off.StringOb_Sval)+len(text))
	binary.LittleEndian.PutUint64(obj[16:24], uint64(len(text))) // ob_size at PyVarObject offset 16
	copy(obj[off.StringOb_Sval:], text)
	pokeBytes(t, insp, scratch, obj)

	rm := remotememory.New(insp)
	got, err := interp.DecodeString(rm, off, model.V26, scratch)
	require.NoError(t, err)
	require.Equal(t, "example.py", got)
}

// PyASCIIObject state bitfield values used by the tests below: interned:2,
// kind:3, compact:1, ascii:1, ready:1, packed low-bit-first.
const (
	stateASCIICompactKind1 = 1<<2 | 1<<5 | 1<<6 | 1<<7 // kind=1, compact, ascii, ready
	stateLatin1CompactKind1 = 1<<2 | 1<<5 | 1<<7         // kind=1, compact, not ascii, ready
	stateCompactKind2       = 2<<2 | 1<<5 | 1<<7         // kind=2, compact, not ascii, ready
	stateCompactKind4       = 4<<2 | 1<<5 | 1<<7         // kind=4, compact, not ascii, ready
)

func TestDecodeStringCompactUnicodeV37(t *testing.T) {
	insp, scratch := attachToScratchProcess(t)
	off, ok := abi.ForABI(model.V37)
	require.True(t, ok)

	text := []byte("main.py")
	obj := make([]byte, int(off.UnicodeDataOffset)+len(text))
	binary.LittleEndian.PutUint64(obj[off.UnicodeLengthOffset:off.UnicodeLengthOffset+8], uint64(len(text)))
	binary.LittleEndian.PutUint32(obj[off.UnicodeStateOffset:off.UnicodeStateOffset+4], stateASCIICompactKind1)
	copy(obj[off.UnicodeDataOffset:], text)
	pokeBytes(t, insp, scratch, obj)

	rm := remotememory.New(insp)
	got, err := interp.DecodeString(rm, off, model.V37, scratch)
	require.NoError(t, err)
	require.Equal(t, "main.py", got)
}

func TestDecodeStringCompactUnicodeLatin1NonASCII(t *testing.T) {
	insp, scratch := attachToScratchProcess(t)
	off, ok := abi.ForABI(model.V37)
	require.True(t, ok)

	// "café" with é as a single Latin-1 byte 0xE9, one byte per character.
	text := []byte{'c', 'a', 'f', 0xE9}
	dataStart := int(off.UnicodeDataOffset) + 24 // non-ASCII compact: skip PyCompactUnicodeObject's extra fields
	obj := make([]byte, dataStart+len(text))
	binary.LittleEndian.PutUint64(obj[off.UnicodeLengthOffset:off.UnicodeLengthOffset+8], uint64(len(text)))
	binary.LittleEndian.PutUint32(obj[off.UnicodeStateOffset:off.UnicodeStateOffset+4], stateLatin1CompactKind1)
	copy(obj[dataStart:], text)
	pokeBytes(t, insp, scratch, obj)

	rm := remotememory.New(insp)
	got, err := interp.DecodeString(rm, off, model.V37, scratch)
	require.NoError(t, err)
	require.Equal(t, "café", got)
}

func TestDecodeStringCompactUnicodeKind2(t *testing.T) {
	insp, scratch := attachToScratchProcess(t)
	off, ok := abi.ForABI(model.V37)
	require.True(t, ok)

	// "π.py" using UCS-2 code units.
	runes := []rune("π.py")
	dataStart := int(off.UnicodeDataOffset) + 24
	obj := make([]byte, dataStart+len(runes)*2)
	binary.LittleEndian.PutUint64(obj[off.UnicodeLengthOffset:off.UnicodeLengthOffset+8], uint64(len(runes)))
	binary.LittleEndian.PutUint32(obj[off.UnicodeStateOffset:off.UnicodeStateOffset+4], stateCompactKind2)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(obj[dataStart+i*2:], uint16(r))
	}
	pokeBytes(t, insp, scratch, obj)

	rm := remotememory.New(insp)
	got, err := interp.DecodeString(rm, off, model.V37, scratch)
	require.NoError(t, err)
	require.Equal(t, "π.py", got)
}

func TestDecodeStringCompactUnicodeKind4(t *testing.T) {
	insp, scratch := attachToScratchProcess(t)
	off, ok := abi.ForABI(model.V37)
	require.True(t, ok)

	// U+1F40D (snake emoji) needs a full 4-byte code point, outside the
	// basic multilingual plane a kind-2 string could represent.
	runes := []rune("🐍.py")
	dataStart := int(off.UnicodeDataOffset) + 24
	obj := make([]byte, dataStart+len(runes)*4)
	binary.LittleEndian.PutUint64(obj[off.UnicodeLengthOffset:off.UnicodeLengthOffset+8], uint64(len(runes)))
	binary.LittleEndian.PutUint32(obj[off.UnicodeStateOffset:off.UnicodeStateOffset+4], stateCompactKind4)
	for i, r := range runes {
		binary.LittleEndian.PutUint32(obj[dataStart+i*4:], uint32(r))
	}
	pokeBytes(t, insp, scratch, obj)

	rm := remotememory.New(insp)
	got, err := interp.DecodeString(rm, off, model.V37, scratch)
	require.NoError(t, err)
	require.Equal(t, "🐍.py", got)
}

func TestDecodeStringNilAddrIsEmpty(t *testing.T) {
	insp, _ := attachToScratchProcess(t)
	off, _ := abi.ForABI(model.V37)
	rm := remotememory.New(insp)
	got, err := interp.DecodeString(rm, off, model.V37, 0)
	require.NoError(t, err)
	require.Equal(t, "", got)
}
