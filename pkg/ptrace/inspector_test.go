package ptrace_test

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/ptrace"
)

// spawnSleeper starts a short-lived child the test can attach to, skipping
// the test when ptrace is unavailable in the current sandbox (no
// CAP_SYS_PTRACE, restrictive yama scope, or non-Linux CI).
func spawnSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("ptrace is Linux-only")
	}
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return cmd
}

func TestAttachInterruptResumeDetach(t *testing.T) {
	cmd := spawnSleeper(t)
	insp := ptrace.New(model.PID(cmd.Process.Pid))

	if err := insp.Attach(); err != nil {
		t.Skipf("ptrace attach unavailable in this environment: %v", err)
	}
	require.NoError(t, insp.Interrupt())
	require.NoError(t, insp.Resume())
	require.NoError(t, insp.Detach())
}

func TestDetachAfterTargetExitsIsNotAnError(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ptrace is Linux-only")
	}
	cmd := exec.Command("sleep", "0.05")
	require.NoError(t, cmd.Start())
	insp := ptrace.New(model.PID(cmd.Process.Pid))
	if err := insp.Attach(); err != nil {
		t.Skipf("ptrace attach unavailable in this environment: %v", err)
	}
	require.NoError(t, insp.Interrupt())
	require.NoError(t, insp.Resume())

	_ = cmd.Wait()
	time.Sleep(50 * time.Millisecond)

	err := insp.Detach()
	require.NoError(t, err)
}

func TestPeekWordRoundTripsThroughPoke(t *testing.T) {
	cmd := spawnSleeper(t)
	insp := ptrace.New(model.PID(cmd.Process.Pid))
	if err := insp.Attach(); err != nil {
		t.Skipf("ptrace attach unavailable in this environment: %v", err)
	}
	require.NoError(t, insp.Interrupt())
	defer func() {
		_ = insp.Resume()
		_ = insp.Detach()
	}()

	regs, err := insp.GetRegisters()
	require.NoError(t, err)

	addr := model.Address(regs.Rsp) - 4096 // well below the current stack pointer, in the mapped stack region
	const magic = uint64(0xdeadbeefcafefeed)

	original, err := insp.PeekWord(addr)
	require.NoError(t, err)

	require.NoError(t, insp.PokeWord(addr, magic))
	got, err := insp.PeekWord(addr)
	require.NoError(t, err)
	require.Equal(t, magic, got)

	require.NoError(t, insp.PokeWord(addr, original))
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
