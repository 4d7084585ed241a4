// Package nsbridge lets the profiler open files that live inside a
// target's mount namespace — its own /proc/<pid>/exe and any shared
// libraries it has mapped — even when that namespace differs from the
// profiler's own (a containerized target, most commonly).
//
// Grounded on the teacher's libpf/pfnamespaces/namespaces.go for the
// setns(2) enter/restore pattern, and on process/process.go's OpenELF for
// the /proc/<pid>/root/<path> fallback used when namespace-switching
// itself is unavailable (missing CAP_SYS_ADMIN, or a namespace already
// gone by the time it is inspected).
package nsbridge // import "github.com/uber-archive/pyflame/pkg/nsbridge"

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/uber-archive/pyflame/pkg/model"
)

// Bridge lets the caller read files as they appear inside a target
// process's mount namespace.
type Bridge struct {
	pid model.PID
}

// New returns a Bridge for the given target pid.
func New(pid model.PID) *Bridge {
	return &Bridge{pid: pid}
}

// SameNamespace reports whether the target shares the profiler's own mount
// namespace, in which case no switching is ever required. Since Linux 3.8,
// /proc/<pid>/ns/mnt is a symlink and namespace identity is compared as
// symlink-target equality; on older kernels it is a hard link instead, and
// identity is compared as inode equality after an lstat.
func (b *Bridge) SameNamespace() (bool, error) {
	selfInfo, err := os.Lstat("/proc/self/ns/mnt")
	if err != nil {
		return false, err
	}
	targetPath := fmt.Sprintf("/proc/%d/ns/mnt", b.pid)

	if selfInfo.Mode()&os.ModeSymlink != 0 {
		self, err := os.Readlink("/proc/self/ns/mnt")
		if err != nil {
			return false, err
		}
		target, err := os.Readlink(targetPath)
		if err != nil {
			return false, err
		}
		return self == target, nil
	}

	selfIno, err := inode("/proc/self/ns/mnt")
	if err != nil {
		return false, err
	}
	targetIno, err := inode(targetPath)
	if err != nil {
		return false, err
	}
	return selfIno == targetIno, nil
}

// inode stats path and returns its inode number, used for the pre-3.8-kernel
// hard-link comparison in SameNamespace.
func inode(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// Open opens path as it resolves inside the target's mount namespace. If
// the target is in the profiler's own namespace, this is a plain os.Open.
// Otherwise it enters the target's mnt namespace for the duration of the
// open, then unconditionally switches back — the switch-back happens even
// if entering succeeded but the open failed, so the caller's own namespace
// is never left altered.
func (b *Bridge) Open(path string) (*os.File, error) {
	same, err := b.SameNamespace()
	if err != nil {
		return nil, err
	}
	if same {
		return os.Open(path)
	}

	// setns(2) is per-OS-thread; the goroutine must stay pinned to the
	// thread it switched on until it has switched back.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore, err := enterNamespace(b.pid, "mnt")
	if err != nil {
		return b.openViaProcRoot(path)
	}
	f, openErr := os.Open(path)
	restoreErr := restore()
	if openErr != nil {
		return nil, multierr.Append(openErr, restoreErr)
	}
	return f, restoreErr
}

// openViaProcRoot is the degraded path used when the profiler lacks the
// privilege to setns(2) into the target's namespace: /proc/<pid>/root is a
// symlink the kernel itself resolves through the target's mount namespace,
// so opening through it needs no privilege beyond ptrace access to the
// target.
func (b *Bridge) openViaProcRoot(path string) (*os.File, error) {
	return os.Open(fmt.Sprintf("/proc/%d/root%s", b.pid, path))
}

// enterNamespace switches the calling OS thread into pid's namespace of the
// given type and returns a function that switches back to the namespace
// the thread started in.
func enterNamespace(pid model.PID, nsType string) (func() error, error) {
	selfFD, err := unix.Open("/proc/self/ns/"+nsType, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	targetFD, err := unix.Open(fmt.Sprintf("/proc/%d/ns/%s", pid, nsType), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(selfFD)
		return nil, err
	}
	defer unix.Close(targetFD)

	if err := unix.Setns(targetFD, unix.CLONE_NEWNS); err != nil {
		_ = unix.Close(selfFD)
		return nil, fmt.Errorf("setns into pid %d: %w", pid, err)
	}

	return func() error {
		defer unix.Close(selfFD)
		if err := unix.Setns(selfFD, unix.CLONE_NEWNS); err != nil {
			return fmt.Errorf("setns back to own namespace: %w", err)
		}
		return nil
	}, nil
}
