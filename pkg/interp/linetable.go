package interp

// DecodeLine maps a bytecode index (f_lasti) to a source line number using
// CPython's legacy co_lnotab format: a sequence of (byte_increment,
// line_increment) unsigned-byte pairs, each meaning "line_increment more
// lines start byte_increment bytes further into the bytecode than the
// previous entry". firstLineno is co_firstlineno, the line the code object
// itself starts on.
//
// Grounded directly on the teacher's mapByteCodeIndexToLine, which walks
// this exact legacy table for interpreters older than the location-table
// (3.11) and line-table (3.10) formats this profiler does not target.
func DecodeLine(lnotab []byte, firstLineno uint32, byteCodeIndex uint32) uint32 {
	line := firstLineno
	var addr uint32
	for i := 0; i+1 < len(lnotab); i += 2 {
		byteIncr := uint32(lnotab[i])
		lineIncr := uint32(lnotab[i+1])
		if addr+byteIncr > byteCodeIndex {
			break
		}
		addr += byteIncr
		line += lineIncr
	}
	return line
}
