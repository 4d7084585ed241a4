//go:build !amd64

package ptrace

import "github.com/uber-archive/pyflame/pkg/model"

// scratchPage is a no-op placeholder on architectures where synthesized
// calls are not implemented; see scratch.go for the amd64 version.
type scratchPage struct{}

// CallForeign always fails on non-amd64 targets. pkg/abi only reaches for
// it as a last resort after static resolution has failed, and treats this
// error the same as "TLS key could not be determined".
func (insp *Inspector) CallForeign(model.Address, ...uint64) (uint64, error) {
	return 0, ErrUnsupportedArch
}

// ReleaseScratch is a no-op: no scratch page is ever allocated on this
// architecture.
func (insp *Inspector) ReleaseScratch() error {
	return nil
}
