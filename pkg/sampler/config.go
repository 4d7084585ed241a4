// Package sampler drives the top-level attach/discover/sample/detach loop:
// given a pid or a command to spawn, it resolves the target's CPython ABI,
// samples its call stacks at a fixed rate for a fixed duration, and
// aggregates them into folded-stack buckets pkg/output can render.
//
// Grounded on the teacher's internal/controller/controller.go for the
// overall Config/New/Start/Shutdown shape and its logrus-based logging at
// this orchestration layer (leaf packages use internal/log instead, per
// SPEC_FULL.md's ambient-stack split), and on config/times.go for the
// sample-interval holder.
package sampler // import "github.com/uber-archive/pyflame/pkg/sampler"

import (
	"io"
	"time"

	"github.com/uber-archive/pyflame/pkg/model"
)

// Config holds everything a sampling session needs to run.
type Config struct {
	// Exactly one of PID or Command must be set. PID attaches to an
	// already-running process; Command spawns a new one under ptrace
	// control from birth.
	PID     model.PID
	Command []string

	SampleRate  int // samples per second
	Duration    time.Duration
	ExcludeIdle bool
	PerThread   bool
	FlameChart  bool
	NoLineNumbers bool
	Dump        bool

	// ABIOverride skips ABI auto-detection when non-zero, for targets
	// whose marker symbols were stripped.
	ABIOverride model.ABI

	Output io.Writer
}

// DefaultConfig returns a Config with the same defaults `cmd/pyflame`
// falls back to when a flag is not given.
func DefaultConfig() Config {
	return Config{
		SampleRate: 100,
		Duration:   10 * time.Second,
	}
}

// Validate checks that cfg describes a runnable session.
func (cfg Config) Validate() error {
	if cfg.PID == 0 && len(cfg.Command) == 0 {
		return Fatalf("either a pid or a command to launch must be given")
	}
	if cfg.PID != 0 && len(cfg.Command) != 0 {
		return Fatalf("pid and command are mutually exclusive")
	}
	if cfg.SampleRate <= 0 {
		return Fatalf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Output == nil {
		return Fatalf("an output writer is required")
	}
	return nil
}
