package interp_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/interp"
)

func TestDecodeLineFlatFunction(t *testing.T) {
	// Three statements, one line each, no branches: byte offsets 0, 4, 8
	// each advance one line past co_firstlineno.
	lnotab := []byte{0, 1, 4, 1, 4, 1}
	require.Equal(t, uint32(10), interp.DecodeLine(lnotab, 10, 0))
	require.Equal(t, uint32(11), interp.DecodeLine(lnotab, 10, 4))
	require.Equal(t, uint32(12), interp.DecodeLine(lnotab, 10, 8))
}

func TestDecodeLineBeyondTableClampsToLastEntry(t *testing.T) {
	lnotab := []byte{0, 1, 4, 1}
	require.Equal(t, uint32(11), interp.DecodeLine(lnotab, 10, 999))
}

func TestDecodeLineEmptyTableReturnsFirstLineno(t *testing.T) {
	require.Equal(t, uint32(42), interp.DecodeLine(nil, 42, 0))
}

func TestDecodeLineMultiLineIncrement(t *testing.T) {
	// A blank-line gap: byte offset 4 jumps three source lines at once.
	lnotab := []byte{4, 3}
	require.Equal(t, uint32(1), interp.DecodeLine(lnotab, 1, 0))
	require.Equal(t, uint32(4), interp.DecodeLine(lnotab, 1, 4))
}
