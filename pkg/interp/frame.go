package interp

import (
	"fmt"

	"github.com/uber-archive/pyflame/internal/log"
	"github.com/uber-archive/pyflame/pkg/abi"
	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/remotememory"
)

// maxFrameDepth bounds the frame-chain walk. A well-behaved interpreter
// stack is rarely more than a few hundred frames deep; capping the walk
// protects against a torn read (a frame captured mid-mutation, or a
// corrupted f_back) turning into an infinite loop.
const maxFrameDepth = 4096

// WalkStack reads the frame chain starting at threadState's f_frame
// pointer and returns it most-recent-frame first.
//
// This walk is iterative, not recursive, per this system's own design
// notes: a recursive walk over untrusted, concurrently-mutating target
// memory risks unbounded native stack growth on a torn or cyclic chain,
// where an iterative walk only needs the depth cap above.
func WalkStack(rm remotememory.RemoteMemory, off abi.Offsets, targetABI model.ABI, threadState model.Address) ([]model.Frame, error) {
	frameAddr, err := rm.Ptr(threadState + model.Address(off.ThreadStateFrame))
	if err != nil {
		return nil, fmt.Errorf("read thread state frame pointer: %w", err)
	}

	var frames []model.Frame
	seen := make(map[model.Address]bool)
	for i := 0; frameAddr != 0 && i < maxFrameDepth; i++ {
		if seen[frameAddr] {
			log.Warnf("frame chain cycle detected at 0x%x, stopping walk", frameAddr)
			break
		}
		seen[frameAddr] = true

		frame, err := decodeFrame(rm, off, targetABI, frameAddr)
		if err != nil {
			return frames, fmt.Errorf("decode frame at 0x%x (depth %d): %w", frameAddr, i, err)
		}
		frames = append(frames, frame)

		frameAddr, err = rm.Ptr(frameAddr + model.Address(off.FrameBack))
		if err != nil {
			return frames, fmt.Errorf("read f_back at depth %d: %w", i, err)
		}
	}
	return frames, nil
}

func decodeFrame(rm remotememory.RemoteMemory, off abi.Offsets, targetABI model.ABI, frameAddr model.Address) (model.Frame, error) {
	codeAddr, err := rm.Ptr(frameAddr + model.Address(off.FrameCode))
	if err != nil {
		return model.Frame{}, fmt.Errorf("read f_code: %w", err)
	}
	if codeAddr == 0 {
		return model.Frame{}, fmt.Errorf("frame has a nil f_code")
	}

	lastI, err := rm.Uint32(frameAddr + model.Address(off.FrameLastI))
	if err != nil {
		return model.Frame{}, fmt.Errorf("read f_lasti: %w", err)
	}

	filenameAddr, err := rm.Ptr(codeAddr + model.Address(off.CodeFilename))
	if err != nil {
		return model.Frame{}, fmt.Errorf("read co_filename: %w", err)
	}
	filename, err := DecodeString(rm, off, targetABI, filenameAddr)
	if err != nil {
		return model.Frame{}, fmt.Errorf("decode co_filename: %w", err)
	}
	filename = normalizeFrozenName(filename)

	nameAddr, err := rm.Ptr(codeAddr + model.Address(off.CodeName))
	if err != nil {
		return model.Frame{}, fmt.Errorf("read co_name: %w", err)
	}
	name, err := DecodeString(rm, off, targetABI, nameAddr)
	if err != nil {
		return model.Frame{}, fmt.Errorf("decode co_name: %w", err)
	}

	firstLineno, err := rm.Uint32(codeAddr + model.Address(off.CodeFirstLineno))
	if err != nil {
		return model.Frame{}, fmt.Errorf("read co_firstlineno: %w", err)
	}

	line, err := frameLine(rm, off, targetABI, codeAddr, frameAddr, firstLineno, lastI)
	if err != nil {
		return model.Frame{}, err
	}

	return model.Frame{
		File:     filename,
		Function: name,
		Line:     line,
	}, nil
}

// frameLine returns a frame's current line number. When a trace function
// is installed (f_trace non-nil), f_lineno is authoritative and is
// returned directly without consulting the line-number table at all,
// mirroring the original pyflame's GetLine, which checks f_trace before
// ever reading co_lnotab. Otherwise the line is derived from f_lasti via
// the compressed lnotab walk, as normal.
func frameLine(rm remotememory.RemoteMemory, off abi.Offsets, targetABI model.ABI, codeAddr, frameAddr model.Address, firstLineno uint32, lastI uint32) (uint32, error) {
	trace, err := rm.Ptr(frameAddr + model.Address(off.FrameTrace))
	if err != nil {
		return 0, fmt.Errorf("read f_trace: %w", err)
	}
	if trace != 0 {
		lineno, err := rm.Uint32(frameAddr + model.Address(off.FrameLineno))
		if err != nil {
			return 0, fmt.Errorf("read f_lineno: %w", err)
		}
		return lineno, nil
	}

	lnotabAddr, err := rm.Ptr(codeAddr + model.Address(off.CodeLnotab))
	if err != nil {
		return 0, fmt.Errorf("read co_lnotab: %w", err)
	}
	lnotab, err := readLnotabBytes(rm, off, targetABI, lnotabAddr)
	if err != nil {
		return 0, fmt.Errorf("read co_lnotab bytes: %w", err)
	}
	return DecodeLine(lnotab, firstLineno, lastI), nil
}

// readLnotabBytes reads co_lnotab's raw byte contents. co_lnotab is itself
// a bytes/str object with the same variable-length-object shape as any
// other string, so this reuses the same ob_size/ob_sval convention as
// decodeByteString regardless of ABI: co_lnotab is always a bytes object,
// never unicode, even on the ABI generations that store filenames and
// names as compact unicode.
func readLnotabBytes(rm remotememory.RemoteMemory, off abi.Offsets, targetABI model.ABI, addr model.Address) ([]byte, error) {
	if addr == 0 {
		return nil, nil
	}
	size, err := rm.Uint64(addr + varObjectSizeOffset)
	if err != nil {
		return nil, err
	}
	const maxLen = 1 << 20
	if size > maxLen {
		return nil, fmt.Errorf("lnotab length %d exceeds sanity bound", size)
	}
	if size == 0 {
		return nil, nil
	}
	svalOffset := off.StringOb_Sval
	if svalOffset == 0 {
		// V34+ still represent co_lnotab as a PyBytesObject. Python 3
		// dropped the interning-state byte PyStringObject carried, so its
		// ob_sval sits 4 bytes earlier than V26's.
		svalOffset = 32
	}
	return rm.Bytes(addr+model.Address(svalOffset), int(size))
}

// normalizeFrozenName turns CPython's frozen-module display form,
// "<frozen importlib._bootstrap>", into the plain module filename a
// folded-stack consumer expects, "_bootstrap.py". Grounded on the
// teacher's frozenNameToFileName.
func normalizeFrozenName(filename string) string {
	const prefix = "<frozen "
	const suffix = ">"
	if len(filename) <= len(prefix)+len(suffix) || filename[:len(prefix)] != prefix || filename[len(filename)-1:] != suffix {
		return filename
	}
	dotted := filename[len(prefix) : len(filename)-1]
	last := dotted
	for i := len(dotted) - 1; i >= 0; i-- {
		if dotted[i] == '.' {
			last = dotted[i+1:]
			break
		}
	}
	return last + ".py"
}
