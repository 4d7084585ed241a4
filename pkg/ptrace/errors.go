package ptrace

import "errors"

// ErrTargetTerminated is returned by any Inspector operation once the
// target process has exited. Callers should stop sampling and emit
// whatever partial results were already collected.
var ErrTargetTerminated = errors.New("ptrace: target terminated")

// ErrPeekFailed is returned when a single word/byte-range read of the
// target's memory could not be completed. It is non-fatal: the caller
// counts it and continues sampling.
var ErrPeekFailed = errors.New("ptrace: peek failed")

// ErrPokeFailed is returned when a write to the target's memory could not
// be completed.
var ErrPokeFailed = errors.New("ptrace: poke failed")
