package domain

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SegmentState is the lifecycle state of a segment.
type SegmentState int32

const (
	// SegmentPending means the segment is waiting for a worker slot.
	SegmentPending SegmentState = iota
	// SegmentInFlight means the first attempt is running.
	SegmentInFlight
	// SegmentRetrying means a previous attempt failed and another is scheduled or running.
	SegmentRetrying
	// SegmentCompleted means every byte of the segment reached the destination.
	SegmentCompleted
	// SegmentFailed means the segment gave up.
	SegmentFailed
)

func (s SegmentState) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentInFlight:
		return "in_flight"
	case SegmentRetrying:
		return "retrying"
	case SegmentCompleted:
		return "completed"
	case SegmentFailed:
		return "failed"
	default:
		return fmt.Sprintf("SegmentState(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s SegmentState) Terminal() bool {
	return s == SegmentCompleted || s == SegmentFailed
}

// Range is a half-open byte range [Start, End). End is UnknownSize for a range
// that extends to the end of the resource.
type Range struct {
	Start int64
	End   int64
}

// Bounded reports whether the range has a known end.
func (r Range) Bounded() bool {
	return r.End >= 0
}

// Len returns the length of a bounded range, or UnknownSize.
func (r Range) Len() int64 {
	if !r.Bounded() {
		return UnknownSize
	}
	return r.End - r.Start
}

// From returns the range with its start moved to off.
func (r Range) From(off int64) Range {
	return Range{Start: off, End: r.End}
}

func (r Range) String() string {
	if !r.Bounded() {
		return fmt.Sprintf("[%d, EOF)", r.Start)
	}
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Segment is a contiguous slice of the resource downloaded independently.
// The state is updated concurrently by the segment's own task and read by
// the coordinator, so it is stored atomically.
type Segment struct {
	ID    int
	Range Range

	state atomic.Int32
}

// NewSegment returns a pending segment.
func NewSegment(id int, r Range) *Segment {
	return &Segment{ID: id, Range: r}
}

// State returns the current state.
func (s *Segment) State() SegmentState {
	return SegmentState(s.state.Load())
}

// SetState moves the segment to next. Terminal states are sticky.
func (s *Segment) SetState(next SegmentState) {
	for {
		cur := s.state.Load()
		if SegmentState(cur).Terminal() {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment %d %s", s.ID, s.Range)
}

// Chunk is a block of bytes bound to an absolute destination offset. Chunks
// are never modified after creation.
type Chunk struct {
	Offset int64
	Data   []byte
}

// End returns the offset just past the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// ProgressSnapshot is a point-in-time view of a transfer.
type ProgressSnapshot struct {
	BytesTransferred int64
	TotalBytes       int64
	Elapsed          time.Duration

	TotalSegments     int
	ActiveSegments    int
	CompletedSegments int
}

// Known reports whether the total size is known.
func (p ProgressSnapshot) Known() bool {
	return p.TotalBytes >= 0
}

// Percent returns completion in percent, or 0 when the total is unknown.
func (p ProgressSnapshot) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	return float64(p.BytesTransferred) / float64(p.TotalBytes) * 100
}

// Throughput returns the average rate in bytes per second.
func (p ProgressSnapshot) Throughput() float64 {
	secs := p.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(p.BytesTransferred) / secs
}

// Remaining estimates the time left at the average rate. It returns -1 when
// no estimate is possible.
func (p ProgressSnapshot) Remaining() time.Duration {
	rate := p.Throughput()
	if !p.Known() || rate <= 0 {
		return -1
	}
	left := float64(p.TotalBytes - p.BytesTransferred)
	if left < 0 {
		left = 0
	}
	return time.Duration(left / rate * float64(time.Second))
}
