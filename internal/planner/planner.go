// Package planner splits a resource into contiguous byte-range segments.
package planner

import "github.com/val-en-tine124/cliant/internal/domain"

// DefaultMinSegmentSize is the smallest segment worth a separate request.
const DefaultMinSegmentSize int64 = 1 << 20

// Plan returns segments covering [0, total).
//
// An unknown total (negative) yields a single unbounded segment and a zero
// total yields no segments. Otherwise the resource is split into
// min(desired, ceil(total/minSegmentSize)) ranges whose lengths differ by
// at most one byte, the longer ones first. desired and minSegmentSize are
// clamped to at least 1.
func Plan(total int64, desired int, minSegmentSize int64) []*domain.Segment {
	if desired < 1 {
		desired = 1
	}
	if minSegmentSize < 1 {
		minSegmentSize = 1
	}

	switch {
	case total < 0:
		return []*domain.Segment{domain.NewSegment(0, domain.Range{Start: 0, End: domain.UnknownSize})}
	case total == 0:
		return nil
	}

	n := (total + minSegmentSize - 1) / minSegmentSize
	if n > int64(desired) {
		n = int64(desired)
	}

	base, rem := total/n, total%n
	segments := make([]*domain.Segment, 0, n)
	var start int64
	for i := int64(0); i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		segments = append(segments, domain.NewSegment(int(i), domain.Range{Start: start, End: start + size}))
		start += size
	}
	return segments
}

// Unbounded returns the single segment used when ranges cannot be used.
func Unbounded() []*domain.Segment {
	return Plan(domain.UnknownSize, 1, DefaultMinSegmentSize)
}
