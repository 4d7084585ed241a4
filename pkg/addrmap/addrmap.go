// Package addrmap locates a target's loaded executable and shared object
// mappings, giving the ABI resolver the file path and load address it
// needs to turn a symbol's file-relative value into an absolute address in
// the running process.
//
// Grounded on parca-dev-parca-agent's pkg/runtime/python/interpreter.go,
// which walks github.com/prometheus/procfs's ProcMaps() output the same
// way: filter by executable mappings, match against the main executable
// path or a "libpython"-shaped basename.
package addrmap // import "github.com/uber-archive/pyflame/pkg/addrmap"

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/uber-archive/pyflame/pkg/model"
)

// ErrNoMatch is returned when no mapping's path matches the requested
// pattern.
var ErrNoMatch = errors.New("addrmap: no matching mapping")

var libpythonPattern = regexp.MustCompile(`libpython(\d+(\.\d+)?)?(m|d)?\.so(\.\d+)*$`)

// Mapping is one matched memory mapping.
type Mapping struct {
	Path      string
	LowAddr   model.Address
	HighAddr  model.Address
	Offset    uint64
	Executable bool
}

// Reader reads /proc/<pid>/maps for a target.
type Reader struct {
	pid model.PID
}

// New returns a Reader for pid.
func New(pid model.PID) Reader {
	return Reader{pid: pid}
}

func (r Reader) proc() (procfs.Proc, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return procfs.Proc{}, fmt.Errorf("open procfs: %w", err)
	}
	return fs.Proc(int(r.pid))
}

// All returns every executable mapping for the target, in /proc/<pid>/maps
// order.
func (r Reader) All() ([]Mapping, error) {
	proc, err := r.proc()
	if err != nil {
		return nil, err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("read maps for pid %d: %w", r.pid, err)
	}
	out := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		out = append(out, Mapping{
			Path:       m.Pathname,
			LowAddr:    model.Address(m.StartAddr),
			HighAddr:   model.Address(m.EndAddr),
			Offset:     uint64(m.Offset),
			Executable: m.Perms != nil && m.Perms.Execute,
		})
	}
	return out, nil
}

// FindExecutable returns the target's own main executable mapping, i.e.
// the first executable mapping at file offset 0 whose path resolves via
// /proc/<pid>/exe.
func (r Reader) FindExecutable(exePath string) (Mapping, error) {
	mappings, err := r.All()
	if err != nil {
		return Mapping{}, err
	}
	for _, m := range mappings {
		if m.Executable && m.Path == exePath {
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: main executable %s", ErrNoMatch, exePath)
}

// FindLibpython returns the first mapping whose basename looks like a
// libpython shared object, for interpreters that embed CPython in a
// separate library from the main executable.
func (r Reader) FindLibpython() (Mapping, error) {
	mappings, err := r.All()
	if err != nil {
		return Mapping{}, err
	}
	for _, m := range mappings {
		if !m.Executable {
			continue
		}
		base := m.Path
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		if libpythonPattern.MatchString(base) {
			return m, nil
		}
	}
	return Mapping{}, fmt.Errorf("%w: no libpython-shaped mapping", ErrNoMatch)
}

// LoadOffset computes the runtime load offset for a PIE binary given its
// lowest PT_LOAD virtual address (as read from the ELF file) and the
// lowest mapped address procfs reports for it.
func LoadOffset(fileLoadBias, mappedLow model.Address) model.Address {
	return mappedLow - fileLoadBias
}
