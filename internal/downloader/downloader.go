package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/val-en-tine124/cliant/internal/domain"
	"github.com/val-en-tine124/cliant/internal/fetcher"
	"github.com/val-en-tine124/cliant/internal/logger"
	"github.com/val-en-tine124/cliant/internal/planner"
	"github.com/val-en-tine124/cliant/internal/progress"
	"github.com/val-en-tine124/cliant/internal/retry"
	"github.com/val-en-tine124/cliant/internal/writer"
)

// Options configures the downloader.
type Options struct {
	// Transport performs HEAD and range requests. Required.
	Transport fetcher.Transport

	// FS is the destination filesystem. Nil writes to the local disk, with
	// relative destinations resolved against the working directory.
	FS billy.Filesystem

	// Logger receives transfer logs. Nil disables logging.
	Logger *zap.Logger

	// Sink receives progress snapshots. Nil disables progress output.
	Sink progress.Sink

	// ProgressInterval is the minimum time between two sink pushes.
	// Default: 500ms
	ProgressInterval time.Duration

	// MinSegmentSize is the smallest segment worth a separate request.
	// Default: 1 MiB
	MinSegmentSize int64

	// BufferSize is the per-segment write buffer.
	// Default: 4 MiB
	BufferSize int

	// ChunkSize is the read size of a single body read.
	// Default: 256 KiB
	ChunkSize int

	// OnPlan is called once the size is known and the segments are planned.
	OnPlan func(total int64, segments int)
}

type state int

const (
	statePlanning state = iota
	stateRunning
	stateAborting
	stateCompleted
	stateFailed
)

func (s state) String() string {
	switch s {
	case statePlanning:
		return "planning"
	case stateRunning:
		return "running"
	case stateAborting:
		return "aborting"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// coordinator holds the state of one Download call.
type coordinator struct {
	req     domain.TransferRequest
	opts    Options
	log     *zap.Logger
	fetcher *fetcher.Fetcher
	policy  retry.Policy

	w   *writer.Writer
	agg *progress.Aggregator

	state state
}

// Download transfers req.Source to req.Destination and blocks until the
// transfer completes, fails or ctx is cancelled. It never returns a partial
// success: either every byte was written or Cause is set.
func Download(ctx context.Context, req domain.TransferRequest, opts Options) domain.TransferResult {
	start := time.Now()
	result := download(ctx, req, opts)
	result.Elapsed = time.Since(start)
	return result
}

func download(ctx context.Context, req domain.TransferRequest, opts Options) domain.TransferResult {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return domain.Failure(err, 0)
	}
	if opts.Transport == nil {
		return domain.Failure(&domain.ConfigurationError{Field: "transport", Reason: "is required"}, 0)
	}
	if opts.FS == nil {
		abs, err := filepath.Abs(req.Destination)
		if err != nil {
			return domain.Failure(&domain.ConfigurationError{Field: "destination", Reason: err.Error()}, 0)
		}
		req.Destination = abs
		opts.FS = osfs.New("/", osfs.WithBoundOS())
	}
	if opts.MinSegmentSize <= 0 {
		opts.MinSegmentSize = planner.DefaultMinSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = writer.DefaultBufferSize
	}

	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	log := logger.OrNop(opts.Logger).With(zap.String("transfer_id", req.ID))
	c := &coordinator{
		req:  req,
		opts: opts,
		log:  log,
		fetcher: fetcher.New(opts.Transport,
			fetcher.WithChunkSize(opts.ChunkSize),
			fetcher.WithLogger(log),
		),
		policy: retry.Policy{
			MaxAttempts: req.MaxAttempts(),
			BaseDelay:   req.RetryDelay,
			MaxDelay:    req.MaxRetryDelay,
		},
	}
	return c.run(ctx)
}

func (c *coordinator) setState(s state) {
	c.log.Debug("transfer state", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
}

func (c *coordinator) run(ctx context.Context) domain.TransferResult {
	c.setState(statePlanning)

	total, err := c.resolveSize(ctx)
	if err != nil {
		c.setState(stateFailed)
		return domain.Failure(err, 0)
	}

	segments := planner.Plan(total, c.req.Concurrency, c.opts.MinSegmentSize)
	c.log.Info("transfer planned",
		zap.String("source", c.req.Source),
		zap.String("destination", c.req.Destination),
		zap.Int64("total_bytes", total),
		zap.Int("segments", len(segments)),
	)

	c.w, err = writer.Open(c.opts.FS, c.req.Destination, total,
		writer.WithBufferSize(c.opts.BufferSize),
		writer.WithLogger(c.log),
	)
	if err != nil {
		c.setState(stateFailed)
		return domain.Failure(err, 0)
	}

	c.agg = progress.New(total, len(segments), c.opts.Sink, c.opts.ProgressInterval)
	if c.opts.OnPlan != nil {
		c.opts.OnPlan(total, len(segments))
	}

	c.setState(stateRunning)
	size, err := c.runPlan(ctx, segments, total, 0)

	fellBack := false
	// The fallback rewrites the file from offset 0, so a failure reports
	// only what the final plan wrote.
	var superseded int64
	if err != nil && domain.IsRangeUnsupported(err) && ctx.Err() == nil {
		fellBack = true
		superseded = c.w.BytesWritten()
		credit := c.agg.Transferred()
		segments = planner.Unbounded()
		c.agg.Replan(len(segments))

		c.log.Warn("server ignored range request, retrying as a single stream",
			zap.Error(err),
			zap.Int64("credited_bytes", credit),
		)
		size, err = c.runPlan(ctx, segments, total, credit)
	}

	if err != nil {
		c.setState(stateAborting)
		if closeErr := c.w.Close(); closeErr != nil {
			c.log.Warn("close destination after failure", zap.Error(closeErr))
		}
		c.agg.Finish()
		c.setState(stateFailed)

		result := domain.Failure(err, c.w.BytesWritten()-superseded)
		result.FellBack = fellBack
		result.Segments = len(segments)
		c.log.Warn("transfer failed",
			zap.Error(err),
			zap.Bool("partially_written", result.PartiallyWritten),
			zap.Int64("bytes_written", result.BytesWritten),
		)
		return result
	}

	if err := c.w.Close(); err != nil {
		c.agg.Finish()
		c.setState(stateFailed)
		result := domain.Failure(err, c.w.BytesWritten()-superseded)
		result.FellBack = fellBack
		result.Segments = len(segments)
		return result
	}

	c.agg.SetTotal(size)
	c.agg.Finish()
	c.setState(stateCompleted)
	c.log.Info("transfer complete",
		zap.Int64("bytes_written", size),
		zap.Bool("fell_back", fellBack),
	)

	result := domain.Success(size)
	result.FellBack = fellBack
	result.Segments = len(segments)
	return result
}

// resolveSize returns the resource size from the hint or a HEAD request.
// domain.UnknownSize means the server did not report one.
func (c *coordinator) resolveSize(ctx context.Context) (int64, error) {
	if c.req.SizeHint > 0 {
		return c.req.SizeHint, nil
	}

	var size int64
	err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		info, err := c.opts.Transport.Head(ctx, c.req.Source)
		if err != nil {
			return err
		}
		size = info.Size
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &domain.EmptyOrUnreachableError{Source: c.req.Source, Err: err}
	}

	switch {
	case size == 0:
		return 0, &domain.EmptyOrUnreachableError{Source: c.req.Source}
	case size < 0:
		c.log.Info("server did not report a size, downloading as a single stream")
		return domain.UnknownSize, nil
	}
	return size, nil
}

// runPlan downloads every segment and returns the final size of the
// destination. credit is the number of bytes already counted by the
// progress aggregator from an earlier plan.
func (c *coordinator) runPlan(ctx context.Context, segments []*domain.Segment, total, credit int64) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.req.Concurrency)

	writers := make([]*writer.SegmentWriter, len(segments))
	for i, seg := range segments {
		if gctx.Err() != nil {
			break
		}
		sw := c.w.Segment(seg.ID, seg.Range.Start)
		writers[i] = sw
		seg := seg
		g.Go(func() error {
			return c.runSegment(gctx, seg, sw, credit)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if len(segments) != 1 || segments[0].Range.Bounded() {
		return total, nil
	}

	// A single unbounded segment decides the size.
	received := segments[0].Range.Start + writers[0].Written()
	if total >= 0 && received != total {
		return 0, &domain.ProtocolError{Err: fmt.Errorf("received %d bytes, expected %d", received, total)}
	}
	if err := c.w.Truncate(received); err != nil {
		return 0, err
	}
	return received, nil
}

// runSegment downloads one segment under the retry policy.
func (c *coordinator) runSegment(ctx context.Context, seg *domain.Segment, sw *writer.SegmentWriter, credit int64) error {
	log := c.log.With(zap.Int("segment", seg.ID), zap.Stringer("range", seg.Range))

	seg.SetState(domain.SegmentInFlight)
	c.agg.SegmentStarted(seg.ID)
	log.Debug("segment started")

	policy := c.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		seg.SetState(domain.SegmentRetrying)
		log.Warn("segment attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Int64("resume_at", seg.Range.Start+sw.Written()),
			zap.Error(err),
		)
	}

	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return c.fetchSegment(ctx, seg, sw, credit)
	})
	if flushErr := sw.Flush(); err == nil {
		err = flushErr
	}

	if err != nil {
		seg.SetState(domain.SegmentFailed)
		c.agg.SegmentFailed(seg.ID)
		if !errors.Is(err, context.Canceled) {
			log.Debug("segment failed", zap.Error(err))
		}
		return fmt.Errorf("segment %d: %w", seg.ID, err)
	}

	seg.SetState(domain.SegmentCompleted)
	c.agg.SegmentCompleted(seg.ID)
	log.Debug("segment completed", zap.Int64("bytes", sw.Written()))
	return nil
}

// fetchSegment runs one attempt. It resumes after the bytes the segment has
// already written and flushes its buffer before returning an error, so the
// next attempt starts exactly where this one stopped.
func (c *coordinator) fetchSegment(ctx context.Context, seg *domain.Segment, sw *writer.SegmentWriter, credit int64) error {
	err := c.stream(ctx, seg, sw, credit)
	if err != nil {
		if flushErr := sw.Flush(); flushErr != nil {
			return flushErr
		}
	}
	return err
}

func (c *coordinator) stream(ctx context.Context, seg *domain.Segment, sw *writer.SegmentWriter, credit int64) error {
	offset := seg.Range.Start + sw.Written()
	if seg.Range.Bounded() && offset >= seg.Range.End {
		return nil
	}

	s, err := c.fetcher.Fetch(ctx, c.req.Source, seg.Range.From(offset))
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sw.Write(chunk); err != nil {
			return err
		}

		// Bytes below credit were counted before a fallback.
		lo := max(chunk.Offset, credit)
		if end := chunk.End(); end > lo {
			c.agg.Record(seg.ID, end-lo)
		}
	}
}
