package sampler

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/model"
)

func TestConfigValidateRequiresPidOrCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = &bytes.Buffer{}
	err := cfg.Validate()
	require.Error(t, err)

	var samplerErr *Error
	require.ErrorAs(t, err, &samplerErr)
	require.Equal(t, Fatal, samplerErr.Kind)
}

func TestConfigValidatePidAndCommandMutuallyExclusive(t *testing.T) {
	cfg := NewConfig(WithPID(model.PID(1)), WithCommand([]string{"python3"}), WithOutput(&bytes.Buffer{}))
	require.Error(t, cfg.Validate())
}

func TestConfigValidateAccepts(t *testing.T) {
	cfg := NewConfig(WithPID(model.PID(1234)), WithOutput(&bytes.Buffer{}))
	require.NoError(t, cfg.Validate())
}

func TestNewTimesComputesIntervalAndDeadline(t *testing.T) {
	cfg := NewConfig(WithSampleRate(100), WithDuration(2*time.Second))
	start := time.Unix(1000, 0)
	tm := newTimes(cfg, start)

	require.Equal(t, 10*time.Millisecond, tm.interval)
	require.False(t, tm.expired(start.Add(time.Second)))
	require.True(t, tm.expired(start.Add(2*time.Second)))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
