package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/val-en-tine124/cliant/internal/domain"
)

// DefaultInterval is the minimum time between two sink pushes.
const DefaultInterval = 500 * time.Millisecond

// Sink receives progress snapshots. Calls are serialized and snapshots
// arrive with non-decreasing BytesTransferred.
type Sink interface {
	Update(domain.ProgressSnapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(domain.ProgressSnapshot)

// Update implements Sink.
func (f SinkFunc) Update(s domain.ProgressSnapshot) {
	f(s)
}

// Aggregator folds per-segment byte deltas into one transfer-wide view.
// All methods are safe for concurrent use.
type Aggregator struct {
	start time.Time

	total       atomic.Int64
	transferred atomic.Int64
	segments    atomic.Int32
	active      atomic.Int32
	completed   atomic.Int32

	sink    Sink
	limiter *rate.Limiter

	// pushMu serializes sink calls so snapshots stay ordered.
	pushMu   sync.Mutex
	finished bool
}

// New returns an aggregator for a transfer of total bytes (domain.UnknownSize
// if unknown) split into segments. sink may be nil; interval <= 0 uses
// DefaultInterval.
func New(total int64, segments int, sink Sink, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	a := &Aggregator{
		start:   time.Now(),
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
	a.total.Store(total)
	a.segments.Store(int32(segments))
	return a
}

// Record adds delta received bytes for a segment. Negative deltas are ignored
// so the total never decreases.
func (a *Aggregator) Record(segmentID int, delta int64) {
	if delta <= 0 {
		return
	}
	a.transferred.Add(delta)

	if a.sink != nil && a.limiter.Allow() {
		a.tryPush()
	}
}

// SegmentStarted marks a segment as active.
func (a *Aggregator) SegmentStarted(segmentID int) {
	a.active.Add(1)
}

// SegmentCompleted marks an active segment as completed.
func (a *Aggregator) SegmentCompleted(segmentID int) {
	a.active.Add(-1)
	a.completed.Add(1)
}

// SegmentFailed marks an active segment as no longer active.
func (a *Aggregator) SegmentFailed(segmentID int) {
	a.active.Add(-1)
}

// Replan resets the segment counters for a new segment set. Bytes already
// recorded stay counted.
func (a *Aggregator) Replan(segments int) {
	a.segments.Store(int32(segments))
	a.active.Store(0)
	a.completed.Store(0)
}

// SetTotal updates the expected size, e.g. once an unbounded transfer ends.
func (a *Aggregator) SetTotal(total int64) {
	a.total.Store(total)
}

// Transferred returns the bytes recorded so far.
func (a *Aggregator) Transferred() int64 {
	return a.transferred.Load()
}

// Snapshot returns the current state without blocking on the sink.
func (a *Aggregator) Snapshot() domain.ProgressSnapshot {
	return domain.ProgressSnapshot{
		BytesTransferred:  a.transferred.Load(),
		TotalBytes:        a.total.Load(),
		Elapsed:           time.Since(a.start),
		TotalSegments:     int(a.segments.Load()),
		ActiveSegments:    int(a.active.Load()),
		CompletedSegments: int(a.completed.Load()),
	}
}

// tryPush sends a snapshot unless another push is in progress.
func (a *Aggregator) tryPush() {
	if !a.pushMu.TryLock() {
		return
	}
	defer a.pushMu.Unlock()
	if a.finished {
		return
	}
	a.sink.Update(a.Snapshot())
}

// Finish pushes the final snapshot and stops further pushes. It returns the
// final snapshot; later calls return a fresh snapshot without pushing.
func (a *Aggregator) Finish() domain.ProgressSnapshot {
	a.pushMu.Lock()
	defer a.pushMu.Unlock()

	s := a.Snapshot()
	if a.finished {
		return s
	}
	a.finished = true
	if a.sink != nil {
		a.sink.Update(s)
	}
	return s
}
