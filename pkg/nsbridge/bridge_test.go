package nsbridge_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/nsbridge"
)

func TestSameNamespaceForSelf(t *testing.T) {
	b := nsbridge.New(model.PID(os.Getpid()))
	same, err := b.SameNamespace()
	require.NoError(t, err)
	require.True(t, same, "a process is always in its own mount namespace")
}

func TestOpenOwnNamespaceLeavesNamespaceUnchanged(t *testing.T) {
	before, err := os.Readlink("/proc/self/ns/mnt")
	require.NoError(t, err)

	b := nsbridge.New(model.PID(os.Getpid()))
	f, err := b.Open("/proc/self/comm")
	require.NoError(t, err)
	defer f.Close()

	after, err := os.Readlink("/proc/self/ns/mnt")
	require.NoError(t, err)
	require.Equal(t, before, after, "opening a file in the caller's own namespace must not perturb it")
}
