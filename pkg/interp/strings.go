// Package interp decodes CPython source-level values out of a stopped
// target's memory — strings (byte or compact-unicode, depending on ABI),
// compressed line-number tables, and call stacks built by walking
// PyFrameObject.f_back — using the struct offsets pkg/abi resolved.
//
// The string and line-table decoders are grounded directly on the
// teacher's interpreter/python/python.go: its PyASCIIObject/PyBytesObject
// field access for names, and its mapByteCodeIndexToLine for the
// compressed line table. The frame walker follows this system's own
// design guidance to iterate instead of recurse, since the teacher's
// walk is itself iterative but this profiler additionally caps depth to
// guard against a corrupted or torn frame chain.
package interp // import "github.com/uber-archive/pyflame/pkg/interp"

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/uber-archive/pyflame/pkg/abi"
	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/remotememory"
)

// PyASCIIObject's state bitfield packs interned:2, kind:3, compact:1,
// ascii:1, ready:1 into the low eight bits of a 4-byte unsigned int.
const (
	unicodeStateKindShift    = 2
	unicodeStateKindMask     = 0x7
	unicodeStateCompactShift = 5
	unicodeStateASCIIShift   = 6
)

// unicodeKind values, per PyCompactUnicodeObject's byte-width-per-character
// encoding.
const (
	unicodeKind1Byte = 1 // Latin-1
	unicodeKind2Byte = 2 // UCS-2
	unicodeKind4Byte = 4 // UCS-4
)

// compactExtraHeaderSize is sizeof(PyCompactUnicodeObject) -
// sizeof(PyASCIIObject): utf8_length, utf8, and wstr_length, each one
// machine word. A non-ASCII compact object's inline character data starts
// this many bytes after where an ASCII-compact object's data would.
const compactExtraHeaderSize = 24

// varObjectSizeOffset is PyVarObject.ob_size: it sits right after the
// standard two-word PyObject_HEAD (ob_refcnt, ob_type) on every ABI
// generation this profiler targets, so it is not part of the per-ABI
// Offsets table.
const varObjectSizeOffset = 16

// DecodeString reads the source text of a PyStringObject (V26) or a
// compact PyUnicodeObject/PyASCIIObject (V34/V36/V37) at addr.
func DecodeString(rm remotememory.RemoteMemory, off abi.Offsets, targetABI model.ABI, addr model.Address) (string, error) {
	if addr == 0 {
		return "", nil
	}
	if targetABI == model.V26 {
		return decodeByteString(rm, off, addr)
	}
	return decodeCompactUnicode(rm, off, addr)
}

func decodeByteString(rm remotememory.RemoteMemory, off abi.Offsets, addr model.Address) (string, error) {
	size, err := rm.Uint64(addr + varObjectSizeOffset)
	if err != nil {
		return "", fmt.Errorf("read ob_size: %w", err)
	}
	if size == 0 {
		return "", nil
	}
	const maxLen = 1 << 16
	if size > maxLen {
		return "", fmt.Errorf("string length %d exceeds sanity bound", size)
	}
	b, err := rm.Bytes(addr+model.Address(off.StringOb_Sval), int(size))
	if err != nil {
		return "", fmt.Errorf("read ob_sval: %w", err)
	}
	return string(b), nil
}

// decodeCompactUnicode decodes a compact PyUnicodeObject: it reads the
// state bitfield to determine the object's kind (1/2/4 bytes per
// character) and whether it is ASCII-compact (data starts right after
// PyASCIIObject) or non-ASCII compact (data starts after the three extra
// PyCompactUnicodeObject fields), then re-encodes the inline character
// data as UTF-8. Every filename and identifier CPython's own frontend
// produces is ASCII-compact, kind 1, but embedded applications and
// user-controlled strings that end up as function/argument names are not
// guaranteed to be, so all three kinds are decoded rather than assuming
// one byte per character.
func decodeCompactUnicode(rm remotememory.RemoteMemory, off abi.Offsets, addr model.Address) (string, error) {
	length, err := rm.Uint64(addr + model.Address(off.UnicodeLengthOffset))
	if err != nil {
		return "", fmt.Errorf("read unicode length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	const maxLen = 1 << 16
	if length > maxLen {
		return "", fmt.Errorf("unicode length %d exceeds sanity bound", length)
	}

	state, err := rm.Uint32(addr + model.Address(off.UnicodeStateOffset))
	if err != nil {
		return "", fmt.Errorf("read unicode state: %w", err)
	}
	compact := (state>>unicodeStateCompactShift)&1 != 0
	ascii := (state>>unicodeStateASCIIShift)&1 != 0
	kind := (state >> unicodeStateKindShift) & unicodeStateKindMask
	if !compact {
		return "", fmt.Errorf("unicode object at 0x%x is not compact, cannot decode inline data", addr)
	}

	dataAddr := addr + model.Address(off.UnicodeDataOffset)
	if !ascii {
		dataAddr += compactExtraHeaderSize
	}

	switch kind {
	case unicodeKind1Byte:
		b, err := rm.Bytes(dataAddr, int(length))
		if err != nil {
			return "", fmt.Errorf("read unicode kind-1 data: %w", err)
		}
		if ascii {
			return string(b), nil
		}
		// Latin-1: byte value N is Unicode code point U+00NN.
		runes := make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c)
		}
		return string(runes), nil
	case unicodeKind2Byte:
		b, err := rm.Bytes(dataAddr, int(length)*2)
		if err != nil {
			return "", fmt.Errorf("read unicode kind-2 data: %w", err)
		}
		units := make([]uint16, length)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(b[i*2:])
		}
		return string(utf16.Decode(units)), nil
	case unicodeKind4Byte:
		b, err := rm.Bytes(dataAddr, int(length)*4)
		if err != nil {
			return "", fmt.Errorf("read unicode kind-4 data: %w", err)
		}
		runes := make([]rune, length)
		for i := range runes {
			runes[i] = rune(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return string(runes), nil
	default:
		return "", fmt.Errorf("unicode object at 0x%x has unrecognized kind %d", addr, kind)
	}
}
