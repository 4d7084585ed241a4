// Package output renders aggregated samples into the two text formats
// external tooling consumes: a folded-stack format (one
// "frame;frame;frame count" line per bucket, the de facto format
// flamegraph.pl and its successors expect) and a flame-chart format (one
// timestamped single-frame line per sample, used by chronological
// viewers instead of aggregate ones).
package output // import "github.com/uber-archive/pyflame/pkg/output"

import (
	"fmt"
	"io"
	"strings"

	"github.com/uber-archive/pyflame/pkg/model"
	"github.com/uber-archive/pyflame/pkg/sampler"
)

// WriteFolded renders buckets as folded stacks, most-recent-frame last on
// each line (root-to-leaf), which is the orientation flamegraph.pl
// expects. When noLineNumbers is set, frames render as bare function
// names instead of "function:line".
func WriteFolded(w io.Writer, buckets *sampler.Buckets, noLineNumbers bool) error {
	for _, s := range buckets.Snapshot() {
		line, err := foldedLine(s, noLineNumbers)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s %d\n", line, s.Count); err != nil {
			return err
		}
	}
	return nil
}

func foldedLine(s sampler.Sample, noLineNumbers bool) (string, error) {
	if s.IsIdle() {
		return "(idle)", nil
	}
	if s.IsFailed() {
		return "(failed)", nil
	}
	parts := make([]string, len(s.Frames))
	// s.Frames is leaf-first (most recent call last executed); folded
	// stacks are conventionally root-first, so reverse.
	for i, f := range s.Frames {
		parts[len(s.Frames)-1-i] = formatFrame(f, noLineNumbers)
	}
	return strings.Join(parts, ";"), nil
}

// formatFrame renders a frame as "file:function:line", matching the
// original pyflame's Frame::operator<< (file() << ':' << name() << ':' <<
// line()) bit for bit.
func formatFrame(f model.Frame, noLineNumbers bool) string {
	if noLineNumbers {
		return fmt.Sprintf("%s:%s", f.File, f.Function)
	}
	return fmt.Sprintf("%s:%s:%d", f.File, f.Function, f.Line)
}

// WriteFlameChart renders buckets as a chronological, one-sample-per-line
// stream instead of an aggregate: each line is a microsecond offset
// followed by the sample's leaf frame (or (idle)/(failed)). Because
// Buckets discards per-sample timestamps in favor of counts, this
// synthesizes evenly spaced offsets across the session at the given
// sample interval, which is sufficient for viewers that only care about
// relative ordering and density, not wall-clock timestamps.
func WriteFlameChart(w io.Writer, buckets *sampler.Buckets, intervalMicros int64, noLineNumbers bool) error {
	var offset int64
	for _, s := range buckets.Snapshot() {
		leaf := "(idle)"
		switch {
		case s.IsFailed():
			leaf = "(failed)"
		case !s.IsIdle() && len(s.Frames) > 0:
			leaf = formatFrame(s.Frames[0], noLineNumbers)
		}
		for i := uint64(0); i < s.Count; i++ {
			if _, err := fmt.Fprintf(w, "%d\n%s\n", offset, leaf); err != nil {
				return err
			}
			offset += intervalMicros
		}
	}
	return nil
}
