package output_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/output"
	"github.com/uber-archive/pyflame/pkg/sampler"
)

func TestWriteFoldedOrdersRootToLeaf(t *testing.T) {
	b := sampler.NewBuckets()
	b.Add([]model.Frame{
		{File: "app.py", Function: "handler", Line: 10},
		{File: "app.py", Function: "main", Line: 3},
	})

	var buf bytes.Buffer
	require.NoError(t, output.WriteFolded(&buf, b, false))
	require.Equal(t, "app.py:main:3;app.py:handler:10 1\n", buf.String())
}

func TestWriteFoldedIdleAndFailedHeaders(t *testing.T) {
	b := sampler.NewBuckets()
	b.AddIdle()
	b.AddFailed()

	var buf bytes.Buffer
	require.NoError(t, output.WriteFolded(&buf, b, false))
	out := buf.String()
	require.Contains(t, out, "(idle) 1\n")
	require.Contains(t, out, "(failed) 1\n")
}

func TestWriteFoldedNoLineNumbersOmitsLine(t *testing.T) {
	b := sampler.NewBuckets()
	b.Add([]model.Frame{{File: "app.py", Function: "main", Line: 3}})

	var buf bytes.Buffer
	require.NoError(t, output.WriteFolded(&buf, b, true))
	require.Equal(t, "app.py:main 1\n", buf.String())
}

func TestWriteFlameChartAdvancesOffsetPerSample(t *testing.T) {
	b := sampler.NewBuckets()
	b.Add([]model.Frame{{File: "app.py", Function: "main", Line: 3}})
	b.Add([]model.Frame{{File: "app.py", Function: "main", Line: 3}})

	var buf bytes.Buffer
	require.NoError(t, output.WriteFlameChart(&buf, b, 10000, false))
	require.Equal(t, "0\napp.py:main:3\n10000\napp.py:main:3\n", buf.String())
}
