package execfmt_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/execfmt"
)

// TestOpenSelfBinary exercises the header/program-header/dynamic-section
// parse path against the test binary's own ELF file, which is guaranteed
// to exist and be a real dynamically linked ELF64 executable on Linux.
func TestOpenSelfBinary(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	f, err := execfmt.Open(exe)
	if err != nil {
		t.Skipf("could not open test binary as ELF (unusual build environment): %v", err)
	}
	defer f.Close()

	require.NotZero(t, f.Entry)

	libs, err := f.RequiredLibraries()
	require.NoError(t, err)
	t.Logf("required libraries: %v", libs)
}

func TestLookupSymbolMissingReturnsNotFound(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := execfmt.Open(exe)
	if err != nil {
		t.Skipf("could not open test binary as ELF: %v", err)
	}
	defer f.Close()

	_, err = f.LookupSymbol("this_symbol_definitely_does_not_exist_anywhere")
	require.Error(t, err)
}

// TestHasStaticSymbolTableDoesNotPanicOnStrippedOrUnstrippedBinary exercises
// the section-header walk that locates SHT_SYMTAB/SHT_STRTAB; the test
// binary may or may not be stripped, but either way this must not error.
func TestHasStaticSymbolTableDoesNotPanicOnStrippedOrUnstrippedBinary(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	f, err := execfmt.Open(exe)
	if err != nil {
		t.Skipf("could not open test binary as ELF: %v", err)
	}
	defer f.Close()

	t.Logf("has static symbol table: %v", f.HasStaticSymbolTable())
}
