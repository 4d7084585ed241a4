package abi_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/abi"
	"github.com/uber-archive/pyflame/pkg/model"
)

func TestForABIReturnsFalseForUnknown(t *testing.T) {
	_, ok := abi.ForABI(model.Unknown)
	require.False(t, ok)
}

func TestForABICoversEveryTargetGeneration(t *testing.T) {
	for _, a := range []model.ABI{model.V26, model.V34, model.V36, model.V37} {
		offsets, ok := abi.ForABI(a)
		require.True(t, ok, "missing offsets for %v", a)
		require.NotZero(t, offsets.FrameCode, "%v: FrameCode offset must be set", a)
		require.NotZero(t, offsets.CodeFilename, "%v: CodeFilename offset must be set", a)
	}
}
