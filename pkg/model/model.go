// Package model holds the data types shared by every layer of the sampler:
// the target's address space, the ABI tag, and the frame/stack shapes
// produced by a stack walk. Grounded on the shape of
// go.opentelemetry.io/ebpf-profiler's libpf.Frame and libpf.PID, adapted to
// this profiler's ptrace-based, per-process (not per-trace-hash) model.
package model

import "time"

// Address is an absolute virtual address inside a target process, after
// any load-offset has already been added. Zero means "not found".
type Address uint64

// PID identifies a traced process or task.
type PID int32

// ABI identifies which interpreter binary interface a target process is
// running. It is selected once at discovery time and is immutable for the
// life of a sampling session.
type ABI int

const (
	// Unknown means the ABI has not yet been determined, or could not be.
	Unknown ABI = iota
	// V26 covers CPython 2.6 and 2.7.
	V26
	// V34 covers CPython 3.4 and 3.5.
	V34
	// V36 covers CPython 3.6.
	V36
	// V37 covers CPython 3.7.
	V37
)

func (a ABI) String() string {
	switch a {
	case V26:
		return "2.6/2.7"
	case V34:
		return "3.4/3.5"
	case V36:
		return "3.6"
	case V37:
		return "3.7"
	default:
		return "unknown"
	}
}

// Frame is one stack entry recovered from a target's call stack.
//
// Equal compares only File and Line, matching CPython's own frame
// identity semantics as observed in the reference profilers this system
// is grounded on: two frames at the same source line are the same bucket
// key even if FunctionName differs (e.g. a function renamed via
// __name__ trickery, or two co_name values sharing a line after a
// decorator rewrite). This asymmetry is deliberate — see DESIGN.md.
type Frame struct {
	File     string
	Function string
	Line     uint32
}

// Equal reports whether f and o hash to the same bucket. FunctionName is
// carried for display only and is intentionally excluded here.
func (f Frame) Equal(o Frame) bool {
	return f.File == o.File && f.Line == o.Line
}

// ThreadSnapshot is one interpreter thread as observed at one sample
// instant, most-recent-frame first.
type ThreadSnapshot struct {
	ThreadID uint64
	IsActive bool
	Frames   []Frame
}

// TimestampedStack is one sample's worth of frames for one thread,
// captured at a monotonic instant.
type TimestampedStack struct {
	CapturedAt time.Time
	Frames     []Frame
}

// InterpreterAddresses holds every address the ABI resolver located for a
// target. All fields are absolute virtual addresses after the load offset
// has been applied; zero means "not found".
type InterpreterAddresses struct {
	TStateAddr       Address
	TStateGetFnAddr  Address
	InterpHeadAddr   Address
	InterpHeadFnAddr Address
	InterpHeadHint   Address
	PIE              bool
}

// Resolved reports whether resolution produced enough information for the
// stack walker to proceed: at least one of TStateAddr or TStateGetFnAddr
// must be non-zero.
func (a InterpreterAddresses) Resolved() bool {
	return a.TStateAddr != 0 || a.TStateGetFnAddr != 0
}
