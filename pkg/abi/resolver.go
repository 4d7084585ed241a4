package abi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/uber-archive/pyflame/internal/log"
	"github.com/uber-archive/pyflame/pkg/addrmap"
	"github.com/uber-archive/pyflame/pkg/execfmt"
	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/nsbridge"
	"github.com/uber-archive/pyflame/pkg/ptrace"
)

// ErrNotPython is returned when the target's executable and its shared
// libraries carry none of the marker symbols this resolver looks for.
var ErrNotPython = errors.New("abi: target does not look like a CPython interpreter")

// markers maps a symbol whose mere presence identifies an ABI generation
// to that generation. Order matters: entries are checked in order, so
// more version-specific symbols come first, mirroring the
// version-inference chain in the teacher's Loader(). Each ABI generation
// may list more than one candidate symbol, tried in order, the same way
// tstateSymbols/interpHeadSymbols hedge against one symbol having been
// stripped.
var markers = []struct {
	symbols []string
	abi     model.ABI
}{
	{[]string{"Py_UTF8Mode"}, model.V37},
	{[]string{"_PyEval_RequestCodeExtraIndex", "_PyCode_ConstantKey"}, model.V36},
	{[]string{"PyBytes_Type"}, model.V34},
	{[]string{"PyString_Type"}, model.V26},
}

// libpython2LegacyName is the fallback shared-object name tried when a
// target neither carries a marker symbol itself nor lists a "libpython"
// DT_NEEDED entry. A process can dlopen() the interpreter with no
// DT_NEEDED entry recorded in its own dynamic section at all (a
// classic case being uwsgi's Python plugin), so the marker search must
// still fall back to whatever is actually mapped in memory named like
// the historical CPython 2.7 shared library, matching
// original_source/src/tstate.cc's ThreadStateAddr: "let's just guess
// that the DSO is called libpython2.7.so".
const libpython2LegacyName = "libpython2.7.so"

// tstateSymbols are tried, in order, to find the interpreter's "current
// thread state" global. All four target ABI generations still expose this
// as a plain global pointer rather than requiring TLS-slot decoding, which
// only becomes necessary from CPython 3.8 onward.
var tstateSymbols = []string{"_PyThreadState_Current"}

// interpHeadSymbols locate the head of the linked list of interpreter
// states, needed to walk every OS thread's PyThreadState when the GIL
// holder (_PyThreadState_Current) is not the thread being sampled.
var interpHeadSymbols = []string{"interp_head", "_PyRuntime"}

// Result is what the resolver hands back once it has located a target's
// interpreter.
type Result struct {
	ABI       model.ABI
	Addresses model.InterpreterAddresses
	Offsets   Offsets
}

// Resolver discovers the CPython ABI and interpreter addresses for a
// target process.
type Resolver struct {
	pid    model.PID
	bridge *nsbridge.Bridge
	insp   *ptrace.Inspector
}

// New returns a Resolver for pid, using insp for any synthesized-call
// fallback it needs.
func New(pid model.PID, insp *ptrace.Inspector) *Resolver {
	return &Resolver{pid: pid, bridge: nsbridge.New(pid), insp: insp}
}

// Attempts bounds how many times Resolve retries before giving up. Callers
// attaching to an already-running, presumably-initialized interpreter only
// need one attempt; callers who spawned the target themselves and are
// racing its own startup want many, short-spaced attempts instead.
type Attempts int

const (
	// SingleAttempt is used when attaching to an already-running target.
	SingleAttempt Attempts = 1
	// SpawnAttempts is used when the profiler itself launched the target
	// and must wait for the interpreter to finish initializing.
	SpawnAttempts Attempts = 50
)

// Resolve determines the target's ABI and interpreter addresses, retrying
// up to attempts times with capped exponential backoff between attempts.
func (r *Resolver) Resolve(ctx context.Context, attempts Attempts) (Result, error) {
	var result Result
	op := func() error {
		res, err := r.resolveOnce()
		if err != nil {
			log.Debugf("abi resolution attempt failed for pid %d: %v", r.pid, err)
			return err
		}
		result = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	if err := backoff.Retry(op, bctx); err != nil {
		return Result{}, fmt.Errorf("resolve ABI for pid %d after %d attempt(s): %w", r.pid, attempts, err)
	}
	return result, nil
}

func (r *Resolver) resolveOnce() (Result, error) {
	exePath := fmt.Sprintf("/proc/%d/exe", r.pid)
	exeFile, err := r.openELF(exePath)
	if err != nil {
		return Result{}, fmt.Errorf("open target executable: %w", err)
	}
	defer exeFile.Close()

	detectedABI, symFile, err := r.detectABI(exeFile)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if symFile != exeFile {
			symFile.Close()
		}
	}()

	offsets, ok := ForABI(detectedABI)
	if !ok {
		return Result{}, fmt.Errorf("%w: unsupported ABI %v", ErrNotPython, detectedABI)
	}

	addrs, err := r.resolveAddresses(symFile, detectedABI)
	if err != nil {
		return Result{}, err
	}

	return Result{ABI: detectedABI, Addresses: addrs, Offsets: offsets}, nil
}

// openELF opens path through the namespace bridge so a containerized
// target's binary resolves against its own root filesystem.
func (r *Resolver) openELF(path string) (*execfmt.File, error) {
	f, err := r.bridge.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := execfmt.OpenReaderAt(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ef, nil
}

// detectABI looks for a marker symbol in the main executable first, then
// in any DT_NEEDED library whose name looks like libpython, matching a
// statically-linked interpreter (marker in the executable itself) as well
// as one that dynamically links libpython. If neither finds anything, it
// makes one last attempt against whatever libpython-shaped shared object
// is actually mapped into the target's address space, since a target can
// dlopen() the interpreter without ever recording it as a DT_NEEDED entry.
func (r *Resolver) detectABI(exe *execfmt.File) (model.ABI, *execfmt.File, error) {
	if abi, ok := findMarker(exe); ok {
		return abi, exe, nil
	}

	libs, err := exe.RequiredLibraries()
	if err != nil {
		return model.Unknown, nil, err
	}
	for _, lib := range libs {
		if !strings.Contains(lib, "libpython") {
			continue
		}
		if abi, libFile, ok := r.tryMappedLibpython(); ok {
			return abi, libFile, nil
		}
	}

	// No DT_NEEDED entry named anything libpython-shaped, or the mapped
	// library it named carried no recognizable marker: fall back to
	// whatever the process actually has mapped, which covers the legacy
	// dlopen("libpython2.7.so") case tstate.cc guards against even
	// though this lookup itself matches any libpythonX.so basename
	// rather than only the hardcoded legacy name.
	if abi, libFile, ok := r.tryMappedLibpython(); ok {
		return abi, libFile, nil
	}
	return model.Unknown, nil, fmt.Errorf("%w (checked executable, DT_NEEDED libraries, and mapped %s)", ErrNotPython, libpython2LegacyName)
}

// tryMappedLibpython opens whatever libpython-shaped shared object is
// currently mapped into the target (regardless of whether the main
// executable's own dynamic section names it) and checks it for a marker
// symbol.
func (r *Resolver) tryMappedLibpython() (model.ABI, *execfmt.File, bool) {
	mapping, err := addrmap.New(r.pid).FindLibpython()
	if err != nil {
		return model.Unknown, nil, false
	}
	libFile, err := r.openELF(mapping.Path)
	if err != nil {
		return model.Unknown, nil, false
	}
	if abi, ok := findMarker(libFile); ok {
		return abi, libFile, true
	}
	libFile.Close()
	return model.Unknown, nil, false
}

func findMarker(f *execfmt.File) (model.ABI, bool) {
	for _, m := range markers {
		for _, sym := range m.symbols {
			if _, err := f.LookupSymbol(sym); err == nil {
				return m.abi, true
			}
		}
	}
	return model.Unknown, false
}

// resolveAddresses locates the current-thread-state and interpreter-head
// globals, computing the PIE load offset from addrmap when the file is
// position independent, and falling back to a synthesized call through
// ptrace when the globals are not exported as data symbols but an
// accessor function is.
func (r *Resolver) resolveAddresses(f *execfmt.File, targetABI model.ABI) (model.InterpreterAddresses, error) {
	var addrs model.InterpreterAddresses
	addrs.PIE = f.IsPIE()

	bias := model.Address(0)
	if addrs.PIE {
		mapping, err := addrmap.New(r.pid).FindExecutable(fmt.Sprintf("/proc/%d/exe", r.pid))
		if err == nil {
			bias = addrmap.LoadOffset(f.LoadBias(), mapping.LowAddr)
		}
	}

	if addr, ok := lookupData(f, tstateSymbols); ok {
		addrs.TStateAddr = addr + bias
	} else if fn, ok := lookupFunc(f, []string{"PyThreadState_Get", "PyGILState_GetThisThreadState"}); ok && r.insp != nil {
		addrs.TStateGetFnAddr = fn + bias
	}

	if addr, ok := lookupData(f, interpHeadSymbols); ok {
		addrs.InterpHeadAddr = addr + bias
	} else if fn, ok := lookupFunc(f, []string{"PyInterpreterState_Head"}); ok && r.insp != nil {
		addrs.InterpHeadFnAddr = fn + bias
	}

	if !addrs.Resolved() {
		return addrs, fmt.Errorf("%w: no thread-state address for ABI %v", ErrNotPython, targetABI)
	}
	return addrs, nil
}

func lookupData(f *execfmt.File, names []string) (model.Address, bool) {
	for _, n := range names {
		if sym, err := f.LookupSymbol(n); err == nil && sym.Value != 0 {
			return sym.Value, true
		}
	}
	return 0, false
}

func lookupFunc(f *execfmt.File, names []string) (model.Address, bool) {
	return lookupData(f, names)
}

// ResolveTStateViaCall invokes the TStateGetFnAddr accessor inside the
// stopped target when no data symbol was available, using the
// synthesized-call mechanism. Only meaningful on amd64; on other
// architectures the accessor-function fallback is simply unavailable and
// resolution must succeed via a data symbol instead.
func ResolveTStateViaCall(insp *ptrace.Inspector, fnAddr model.Address) (model.Address, error) {
	v, err := insp.CallForeign(fnAddr)
	if err != nil {
		return 0, fmt.Errorf("call thread-state accessor at 0x%x: %w", fnAddr, err)
	}
	return model.Address(v), nil
}
