// Package execfmt reads ELF executables and shared objects the way the
// ABI resolver needs: program headers for the PIE load bias, the dynamic
// section for DT_NEEDED/DT_SONAME, both hash-table forms for dynamic
// symbol lookup, and a linear walk of the static SHT_SYMTAB section as a
// fallback for unstripped, non-shared builds, all without requiring the
// file to be fully loaded into memory.
//
// Grounded on the teacher's libpf/pfelf/file.go for the hash-table walks,
// trimmed to what this profiler's ABI resolver actually consumes (no
// eh_frame/CFI, no build-ID/debuglink chasing), and on the original
// pyflame's symbol.cc for the dynsym-then-symtab fallback chain
// (ELF::GetAddresses calls WalkTable against dynsym/dynstr first, then
// against symtab/strtab when present).
package execfmt // import "github.com/uber-archive/pyflame/pkg/execfmt"

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/uber-archive/pyflame/pkg/model"
)

// ErrNotDynamic is returned by operations that need a PT_DYNAMIC segment
// (symbol lookup, DT_NEEDED) on a statically linked file.
var ErrNotDynamic = errors.New("execfmt: no PT_DYNAMIC segment")

// Symbol is one entry read out of a dynamic or static symbol table.
type Symbol struct {
	Name    string
	Value   model.Address
	Size    uint64
	Section elf.SectionIndex
}

// File is an opened ELF executable or shared object.
type File struct {
	r      io.ReaderAt
	closer io.Closer

	class      elf.Class
	data       binary.ByteOrder
	fileHeader elf.FileHeader
	Type       elf.Type
	Machine    elf.Machine
	Entry      model.Address

	progs []elf.ProgHeader

	dynamic     map[elf.DynTag][]uint64
	dynStrTab   []byte
	loadBias    model.Address // lowest PT_LOAD vaddr; subtract from file vaddrs to get PIE bias math right
	isPIE       bool
	gnuHashOff  uint64
	sysvHashOff uint64
	symTabOff   uint64
	strTabOff   uint64

	// staticSymTab/staticStrTab describe the SHT_SYMTAB section and its
	// linked SHT_STRTAB, addressed directly by file offset (sh_addr is 0
	// for these sections; they are never loaded, so vaddrToFileOffset does
	// not apply). Present only on unstripped binaries, which is the
	// common case for statically linked, non-shared Python builds.
	hasStaticSymTab  bool
	staticSymTabOff  uint64
	staticSymTabSize uint64
	staticSymEntSize uint64
	staticStrTabOff  uint64
}

// Open opens the ELF file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := newFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ef.closer = f
	return ef, nil
}

// OpenReaderAt opens an ELF file already available as a ReaderAt (used by
// the namespace bridge's fallback path, which hands back an *os.File
// opened through /proc/<pid>/root).
func OpenReaderAt(r io.ReaderAt) (*File, error) {
	return newFile(r)
}

func newFile(r io.ReaderAt) (*File, error) {
	var ident [16]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("read ELF ident: %w", err)
	}
	if ident[0] != '\x7f' || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return nil, errors.New("execfmt: not an ELF file")
	}
	class := elf.Class(ident[elf.EI_CLASS])
	if class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("execfmt: unsupported ELF class %v (only 64-bit targets are supported)", class)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if elf.Data(ident[elf.EI_DATA]) == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	f := &File{r: r, class: class, data: order, dynamic: map[elf.DynTag][]uint64{}}

	var hdr struct {
		Ident     [16]byte
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		Phoff     uint64
		Shoff     uint64
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}
	sr := io.NewSectionReader(r, 0, 1<<63-1)
	if err := binary.Read(sr, order, &hdr); err != nil {
		return nil, fmt.Errorf("read ELF header: %w", err)
	}
	f.Type = elf.Type(hdr.Type)
	f.Machine = elf.Machine(hdr.Machine)
	f.Entry = model.Address(hdr.Entry)
	f.isPIE = f.Type == elf.ET_DYN

	if err := f.readProgramHeaders(hdr.Phoff, hdr.Phnum, hdr.Phentsize, order); err != nil {
		return nil, err
	}
	f.computeLoadBias()
	if err := f.readDynamic(order); err != nil && !errors.Is(err, ErrNotDynamic) {
		return nil, err
	}
	if err := f.readSectionHeaders(hdr.Shoff, hdr.Shnum, hdr.Shentsize, order); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) readProgramHeaders(off uint64, num, entsize uint16, order binary.ByteOrder) error {
	for i := uint16(0); i < num; i++ {
		var ph struct {
			Type   uint32
			Flags  uint32
			Off    uint64
			Vaddr  uint64
			Paddr  uint64
			Filesz uint64
			Memsz  uint64
			Align  uint64
		}
		sr := io.NewSectionReader(f.r, int64(off)+int64(i)*int64(entsize), int64(entsize))
		if err := binary.Read(sr, order, &ph); err != nil {
			return fmt.Errorf("read program header %d: %w", i, err)
		}
		f.progs = append(f.progs, elf.ProgHeader{
			Type:   elf.ProgType(ph.Type),
			Flags:  elf.ProgFlag(ph.Flags),
			Off:    ph.Off,
			Vaddr:  ph.Vaddr,
			Paddr:  ph.Paddr,
			Filesz: ph.Filesz,
			Memsz:  ph.Memsz,
			Align:  ph.Align,
		})
	}
	return nil
}

func (f *File) computeLoadBias() {
	lowest := ^uint64(0)
	for _, p := range f.progs {
		if p.Type == elf.PT_LOAD && p.Vaddr < lowest {
			lowest = p.Vaddr
		}
	}
	if lowest == ^uint64(0) {
		lowest = 0
	}
	f.loadBias = model.Address(lowest)
}

func (f *File) dynamicProg() *elf.ProgHeader {
	for i := range f.progs {
		if f.progs[i].Type == elf.PT_DYNAMIC {
			return &f.progs[i]
		}
	}
	return nil
}

func (f *File) readDynamic(order binary.ByteOrder) error {
	dyn := f.dynamicProg()
	if dyn == nil {
		return ErrNotDynamic
	}
	sr := io.NewSectionReader(f.r, int64(dyn.Off), int64(dyn.Filesz))
	entrySize := int64(16) // Elf64_Dyn: 2 x uint64
	n := int64(dyn.Filesz) / entrySize
	for i := int64(0); i < n; i++ {
		var tag, val uint64
		if err := binary.Read(sr, order, &tag); err != nil {
			return err
		}
		if err := binary.Read(sr, order, &val); err != nil {
			return err
		}
		dt := elf.DynTag(tag)
		if dt == elf.DT_NULL {
			break
		}
		f.dynamic[dt] = append(f.dynamic[dt], val)
		switch dt {
		case elf.DT_STRTAB:
			f.strTabOff = val
		case elf.DT_SYMTAB:
			f.symTabOff = val
		case elf.DT_GNU_HASH:
			f.gnuHashOff = val
		case elf.DT_HASH:
			f.sysvHashOff = val
		}
	}
	return nil
}

// readSectionHeaders scans the section-header table for a static SHT_SYMTAB
// section and its linked SHT_STRTAB, mirroring the original pyflame's
// ELF::Parse walk of the same two sections. Stripped binaries and shared
// objects built without -g have no SHT_SYMTAB; that is not an error here,
// symbol lookup simply has nothing to fall back to beyond the dynamic hash
// tables in that case.
func (f *File) readSectionHeaders(off uint64, num, entsize uint16, order binary.ByteOrder) error {
	if num == 0 {
		return nil
	}
	var symtabIdx = -1
	links := make([]uint32, num)
	offsets := make([]uint64, num)
	sizes := make([]uint64, num)
	entsizes := make([]uint64, num)
	for i := uint16(0); i < num; i++ {
		var sh struct {
			Name      uint32
			Type      uint32
			Flags     uint64
			Addr      uint64
			Off       uint64
			Size      uint64
			Link      uint32
			Info      uint32
			Addralign uint64
			Entsize   uint64
		}
		sr := io.NewSectionReader(f.r, int64(off)+int64(i)*int64(entsize), int64(entsize))
		if err := binary.Read(sr, order, &sh); err != nil {
			return fmt.Errorf("read section header %d: %w", i, err)
		}
		links[i] = sh.Link
		offsets[i] = sh.Off
		sizes[i] = sh.Size
		entsizes[i] = sh.Entsize
		if elf.SectionType(sh.Type) == elf.SHT_SYMTAB {
			symtabIdx = int(i)
		}
	}
	if symtabIdx < 0 {
		return nil
	}
	strtabIdx := links[symtabIdx]
	if int(strtabIdx) >= int(num) {
		return fmt.Errorf("execfmt: SHT_SYMTAB sh_link %d out of range", strtabIdx)
	}
	f.hasStaticSymTab = true
	f.staticSymTabOff = offsets[symtabIdx]
	f.staticSymTabSize = sizes[symtabIdx]
	f.staticSymEntSize = entsizes[symtabIdx]
	f.staticStrTabOff = offsets[strtabIdx]
	return nil
}

// vaddrToFileOffset converts a virtual address, as it appears in the
// dynamic section or symbol table, into a file offset by locating the
// PT_LOAD segment that covers it.
func (f *File) vaddrToFileOffset(vaddr uint64) (int64, error) {
	for _, p := range f.progs {
		if p.Type == elf.PT_LOAD && vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return int64(p.Off + (vaddr - p.Vaddr)), nil
		}
	}
	return 0, fmt.Errorf("execfmt: vaddr 0x%x not covered by any PT_LOAD segment", vaddr)
}

// HasStaticSymbolTable reports whether the file carries an SHT_SYMTAB
// section, i.e. it was not stripped. LookupSymbol consults this table only
// after both dynamic hash tables miss.
func (f *File) HasStaticSymbolTable() bool {
	return f.hasStaticSymTab
}

// IsPIE reports whether the file is a position-independent executable or
// shared object, meaning symbol addresses need a runtime load bias added.
func (f *File) IsPIE() bool {
	return f.isPIE
}

// LoadBias returns the lowest PT_LOAD virtual address, used together with
// a runtime-observed mapping base to compute the PIE load offset.
func (f *File) LoadBias() model.Address {
	return f.loadBias
}

// RequiredLibraries returns the DT_NEEDED entries, resolved through the
// dynamic string table.
func (f *File) RequiredLibraries() ([]string, error) {
	needed := f.dynamic[elf.DT_NEEDED]
	if len(needed) == 0 {
		return nil, nil
	}
	libs := make([]string, 0, len(needed))
	for _, off := range needed {
		s, err := f.dynString(off)
		if err != nil {
			return nil, err
		}
		libs = append(libs, s)
	}
	return libs, nil
}

// SOName returns the DT_SONAME entry, if present.
func (f *File) SOName() (string, bool, error) {
	vals := f.dynamic[elf.DT_SONAME]
	if len(vals) == 0 {
		return "", false, nil
	}
	s, err := f.dynString(vals[0])
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (f *File) dynString(off uint64) (string, error) {
	if f.strTabOff == 0 {
		return "", ErrNotDynamic
	}
	foff, err := f.vaddrToFileOffset(f.strTabOff + off)
	if err != nil {
		return "", err
	}
	return readCString(f.r, foff)
}

func readCString(r io.ReaderAt, off int64) (string, error) {
	const chunk = 256
	var out []byte
	buf := make([]byte, chunk)
	for {
		n, err := r.ReadAt(buf, off+int64(len(out)))
		if n == 0 && err != nil {
			return "", err
		}
		if idx := indexZero(buf[:n]); idx >= 0 {
			out = append(out, buf[:idx]...)
			return string(out), nil
		}
		out = append(out, buf[:n]...)
		if err != nil {
			return string(out), nil
		}
	}
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// ReadAt satisfies io.ReaderAt over the underlying file, used by the
// address-map reader to hand this File to code expecting a raw reader.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.r.ReadAt(p, off)
}

// Close releases the underlying file, if Open opened one.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}
