package sampler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/model"
)

func TestBucketsMergeSameFileLineDifferentFunction(t *testing.T) {
	b := NewBuckets()
	b.Add([]model.Frame{{File: "app.py", Function: "handler", Line: 42}})
	b.Add([]model.Frame{{File: "app.py", Function: "renamed_handler", Line: 42}})

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint64(2), snap[0].Count)
	require.Equal(t, "handler", snap[0].Frames[0].Function, "first-seen function name is kept")
}

func TestBucketsIdleAndFailedAreSeparateFromRealStacks(t *testing.T) {
	b := NewBuckets()
	b.Add([]model.Frame{{File: "app.py", Line: 1}})
	b.AddIdle()
	b.AddIdle()
	b.AddFailed()

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	require.EqualValues(t, 4, b.Total())

	var sawIdle, sawFailed bool
	for _, s := range snap {
		if s.IsIdle() {
			sawIdle = true
			require.Equal(t, uint64(2), s.Count)
		}
		if s.IsFailed() {
			sawFailed = true
			require.Equal(t, uint64(1), s.Count)
		}
	}
	require.True(t, sawIdle)
	require.True(t, sawFailed)
}

func TestSnapshotPutsIdleAndFailedAheadOfHigherCountRealBucket(t *testing.T) {
	b := NewBuckets()
	for i := 0; i < 100; i++ {
		b.Add([]model.Frame{{File: "hot.py", Line: 1}})
	}
	b.AddIdle()
	b.AddFailed()

	snap := b.Snapshot()
	require.Len(t, snap, 3)
	require.True(t, snap[0].IsIdle(), "idle must sort first regardless of count")
	require.True(t, snap[1].IsFailed(), "failed must sort second regardless of count")
	require.False(t, snap[2].IsIdle())
	require.False(t, snap[2].IsFailed())
	require.Equal(t, uint64(100), snap[2].Count)
}

func TestSnapshotOrderedByCountDescending(t *testing.T) {
	b := NewBuckets()
	b.Add([]model.Frame{{File: "a.py", Line: 1}})
	for i := 0; i < 3; i++ {
		b.Add([]model.Frame{{File: "b.py", Line: 2}})
	}

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, uint64(3), snap[0].Count)
	require.Equal(t, uint64(1), snap[1].Count)
}
