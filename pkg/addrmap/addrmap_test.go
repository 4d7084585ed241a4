package addrmap_test

import (
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/addrmap"
	"github.com/uber-archive/pyflame/pkg/model"
)

func TestFindExecutableMatchesSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs maps are Linux-only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	r := addrmap.New(model.PID(os.Getpid()))
	m, err := r.FindExecutable(exe)
	require.NoError(t, err)
	require.Equal(t, exe, m.Path)
	require.True(t, m.Executable)
	require.Less(t, uint64(m.LowAddr), uint64(m.HighAddr))
}

func TestLoadOffset(t *testing.T) {
	got := addrmap.LoadOffset(model.Address(0x1000), model.Address(0x555555555000))
	require.Equal(t, model.Address(0x555555554000), got)
}
