package sampler

import (
	"io"
	"time"

	"github.com/uber-archive/pyflame/pkg/model"
)

// Option customizes a Config built by NewConfig.
type Option func(*Config)

// NewConfig applies opts on top of DefaultConfig.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithPID attaches to an already-running process.
func WithPID(pid model.PID) Option {
	return func(c *Config) { c.PID = pid }
}

// WithCommand spawns argv under ptrace control.
func WithCommand(argv []string) Option {
	return func(c *Config) { c.Command = argv }
}

// WithSampleRate sets the number of samples per second.
func WithSampleRate(hz int) Option {
	return func(c *Config) { c.SampleRate = hz }
}

// WithDuration bounds how long the session samples for.
func WithDuration(d time.Duration) Option {
	return func(c *Config) { c.Duration = d }
}

// WithExcludeIdle drops samples from threads not holding the GIL.
func WithExcludeIdle(exclude bool) Option {
	return func(c *Config) { c.ExcludeIdle = exclude }
}

// WithPerThread breaks output out by OS thread instead of merging them.
func WithPerThread(perThread bool) Option {
	return func(c *Config) { c.PerThread = perThread }
}

// WithFlameChart selects the timestamped flame-chart renderer instead of
// the folded-stack renderer.
func WithFlameChart(flameChart bool) Option {
	return func(c *Config) { c.FlameChart = flameChart }
}

// WithNoLineNumbers omits line numbers from rendered frames.
func WithNoLineNumbers(noLines bool) Option {
	return func(c *Config) { c.NoLineNumbers = noLines }
}

// WithDump selects a single one-shot stack dump of every thread instead of
// sampling on a ticker for Duration, mirroring the original pyflame's
// -d/--dump mode.
func WithDump(dump bool) Option {
	return func(c *Config) { c.Dump = dump }
}

// WithABIOverride skips auto-detection and forces a specific ABI.
func WithABIOverride(abi model.ABI) Option {
	return func(c *Config) { c.ABIOverride = abi }
}

// WithOutput sets the writer sampled results are rendered to.
func WithOutput(w io.Writer) Option {
	return func(c *Config) { c.Output = w }
}
