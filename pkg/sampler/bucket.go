package sampler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/uber-archive/pyflame/pkg/model"
)

// idleKey and failedKey are the two synthetic bucket keys the folded-stack
// renderer treats specially, matching the "(idle)"/"(failed)" headers this
// system's external interface requires.
const (
	idleKey   = "(idle)"
	failedKey = "(failed)"
)

// entry is one aggregated bucket: a representative frame chain (the first
// one that hashed to this key) and how many samples fell into it.
type entry struct {
	frames []model.Frame
	count  uint64
}

// Buckets aggregates sampled stacks into folded-stack counts. Two stacks
// bucket together when every frame's File+Line matches, per model.Frame's
// own equality semantics — FunctionName is not part of the key, so it is
// only ever read back from whichever stack first populated a bucket.
type Buckets struct {
	entries map[string]*entry
	order   []string
	total   uint64
}

// NewBuckets returns an empty aggregator.
func NewBuckets() *Buckets {
	return &Buckets{entries: map[string]*entry{}}
}

// Add records one sampled stack, most-recent-frame first.
func (b *Buckets) Add(frames []model.Frame) {
	b.add(bucketKey(frames), frames)
}

// AddIdle records one sample from a thread that was not holding the GIL
// and so produced no usable stack.
func (b *Buckets) AddIdle() {
	b.add(idleKey, nil)
}

// AddFailed records one sample attempt that could not be completed (a
// transient peek failure, a torn read, ...).
func (b *Buckets) AddFailed() {
	b.add(failedKey, nil)
}

func (b *Buckets) add(key string, frames []model.Frame) {
	b.total++
	if e, ok := b.entries[key]; ok {
		e.count++
		return
	}
	b.entries[key] = &entry{frames: frames, count: 1}
	b.order = append(b.order, key)
}

// Total returns the number of samples recorded across every bucket.
func (b *Buckets) Total() uint64 {
	return b.total
}

// bucketKey builds the File+Line-only key model.Frame.Equal implies,
// leaf-frame first as spec.md's folded-stack format expects.
func bucketKey(frames []model.Frame) string {
	if len(frames) == 0 {
		return idleKey
	}
	var sb strings.Builder
	for i, f := range frames {
		if i > 0 {
			sb.WriteByte(';')
		}
		fmt.Fprintf(&sb, "%s:%d", f.File, f.Line)
	}
	return sb.String()
}

// Snapshot returns every bucket for rendering. The synthetic (idle) and
// (failed) buckets always sort first, matching the historical pyflame
// CLI's fixed "(idle) N" / "(failed) N" headers ahead of the per-stack
// buckets; real stacks then sort by descending count so the hottest ones
// render first.
func (b *Buckets) Snapshot() []Sample {
	out := make([]Sample, 0, len(b.order))
	for _, key := range b.order {
		e := b.entries[key]
		out = append(out, Sample{Key: key, Frames: e.frames, Count: e.count})
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].sortPriority(), out[j].sortPriority()
		if pi != pj {
			return pi < pj
		}
		return out[i].Count > out[j].Count
	})
	return out
}

// sortPriority ranks the synthetic idle/failed buckets ahead of every real
// stack bucket, regardless of count.
func (s Sample) sortPriority() int {
	switch s.Key {
	case idleKey:
		return 0
	case failedKey:
		return 1
	default:
		return 2
	}
}

// Sample is one bucket's rendered form: its frame chain (empty for
// (idle)/(failed)) and how many stack samples landed in it.
type Sample struct {
	Key    string
	Frames []model.Frame
	Count  uint64
}

// IsIdle reports whether s is the synthetic idle bucket.
func (s Sample) IsIdle() bool { return s.Key == idleKey }

// IsFailed reports whether s is the synthetic failed-sample bucket.
func (s Sample) IsFailed() bool { return s.Key == failedKey }
