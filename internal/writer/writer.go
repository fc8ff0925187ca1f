// Package writer persists downloaded chunks at their absolute offsets in the
// destination file.
//
// A [Writer] owns the destination for the whole transfer. Each segment gets a
// [SegmentWriter] that buffers its chunks and flushes them with a single
// positional write once the buffer threshold is reached.
//
// # Usage
//
//	w, err := writer.Open(osfs.New("/", osfs.WithBoundOS()), "/tmp/out.bin", size)
//	sw := w.Segment(0, 0)
//	err = sw.Write(chunk)
//	err = sw.Flush()
//	err = w.Close()
package writer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"github.com/val-en-tine124/cliant/internal/domain"
)

// DefaultBufferSize is the per-segment flush threshold.
const DefaultBufferSize = 4 << 20

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("writer: closed")

// ErrOutOfOrder is returned when a chunk does not continue its segment.
var ErrOutOfOrder = errors.New("writer: chunk out of order")

// Option configures a Writer.
type Option func(*Writer)

// WithBufferSize sets the per-segment flush threshold. Values below 1 flush
// every chunk.
func WithBufferSize(n int) Option {
	return func(w *Writer) {
		w.bufferSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Writer) {
		if log != nil {
			w.log = log
		}
	}
}

// Writer owns the destination file of one transfer.
type Writer struct {
	path       string
	file       billy.File
	at         io.WriterAt
	shared     bool
	bufferSize int
	log        *zap.Logger

	// mu is held shared by descriptor backed WriteAt calls, which target
	// disjoint ranges, and exclusively by Seek+Write, Truncate and Close.
	mu sync.RWMutex

	segMu    sync.Mutex
	segments []*SegmentWriter

	written atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Open creates or truncates path in fs. A positive size extends the file so
// that segments can be written in any order; an unknown size leaves it empty.
func Open(fs billy.Filesystem, path string, size int64, opts ...Option) (*Writer, error) {
	w := &Writer{
		path:       path,
		bufferSize: DefaultBufferSize,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &domain.IOError{Op: "open", Path: path, Err: err}
	}
	w.file = f

	if at, ok := f.(io.WriterAt); ok {
		w.at = at
		// pwrite on a descriptor does not move a shared file position.
		_, w.shared = f.(interface{ Fd() uintptr })
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, &domain.IOError{Op: "preallocate", Path: path, Err: err}
		}
	}

	w.log.Debug("destination opened",
		zap.String("path", path),
		zap.Int64("size", size),
		zap.Bool("positional", w.at != nil),
		zap.Bool("shared", w.shared),
	)
	return w, nil
}

// Path returns the destination path.
func (w *Writer) Path() string {
	return w.path
}

// Segment returns the writer for segment id whose first byte is at offset.
// Calling it again for the same id returns a fresh writer; callers keep one
// per segment for the whole transfer.
func (w *Writer) Segment(id int, offset int64) *SegmentWriter {
	sw := &SegmentWriter{
		w:     w,
		id:    id,
		start: offset,
		next:  offset,
		base:  offset,
	}

	w.segMu.Lock()
	w.segments = append(w.segments, sw)
	w.segMu.Unlock()
	return sw
}

// BytesWritten returns the number of bytes that reached the destination.
func (w *Writer) BytesWritten() int64 {
	return w.written.Load()
}

// PartiallyWritten reports whether any byte reached the destination.
func (w *Writer) PartiallyWritten() bool {
	return w.BytesWritten() > 0
}

// Truncate sets the destination size.
func (w *Writer) Truncate(size int64) error {
	if w.closed.Load() {
		return &domain.IOError{Op: "truncate", Path: w.path, Err: ErrWriterClosed}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(size); err != nil {
		return &domain.IOError{Op: "truncate", Path: w.path, Err: err}
	}
	return nil
}

// Close flushes every segment buffer, syncs and releases the file. It is
// idempotent; later calls return the result of the first.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		var errs []error

		w.segMu.Lock()
		segments := append([]*SegmentWriter(nil), w.segments...)
		w.segMu.Unlock()
		for _, sw := range segments {
			if err := sw.Flush(); err != nil {
				errs = append(errs, err)
			}
		}

		w.closed.Store(true)

		w.mu.Lock()
		defer w.mu.Unlock()

		if s, ok := w.file.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				errs = append(errs, &domain.IOError{Op: "sync", Path: w.path, Err: err})
			}
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, &domain.IOError{Op: "close", Path: w.path, Err: err})
		}

		w.closeErr = errors.Join(errs...)
		w.log.Debug("destination closed",
			zap.String("path", w.path),
			zap.Int64("bytes_written", w.BytesWritten()),
			zap.Error(w.closeErr),
		)
	})
	return w.closeErr
}

// writeAt writes p at off.
func (w *Writer) writeAt(p []byte, off int64) (int, error) {
	if w.closed.Load() {
		return 0, ErrWriterClosed
	}

	if w.shared {
		w.mu.RLock()
		defer w.mu.RUnlock()
		return w.at.WriteAt(p, off)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.at != nil {
		return w.at.WriteAt(p, off)
	}
	if _, err := w.file.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

// SegmentWriter buffers the chunks of one segment. It is used by a single
// goroutine at a time.
type SegmentWriter struct {
	w     *Writer
	id    int
	start int64

	mu   sync.Mutex
	buf  []byte
	base int64 // destination offset of buf[0]
	next int64 // offset the next chunk must start at
}

// Write appends chunk to the segment buffer, flushing when the buffer
// reaches the threshold. The chunk must start where the previous one ended.
func (sw *SegmentWriter) Write(chunk domain.Chunk) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.w.closed.Load() {
		return &domain.IOError{Op: "write", Path: sw.w.path, Err: ErrWriterClosed}
	}
	if chunk.Offset != sw.next {
		return &domain.IOError{
			Op:   "write",
			Path: sw.w.path,
			Err:  fmt.Errorf("%w: segment %d expected offset %d, got %d", ErrOutOfOrder, sw.id, sw.next, chunk.Offset),
		}
	}

	sw.buf = append(sw.buf, chunk.Data...)
	sw.next = chunk.End()

	if len(sw.buf) >= sw.w.bufferSize {
		return sw.flushLocked()
	}
	return nil
}

// Flush writes the buffered bytes to the destination.
func (sw *SegmentWriter) Flush() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.flushLocked()
}

func (sw *SegmentWriter) flushLocked() error {
	var off int
	for off < len(sw.buf) {
		n, err := sw.w.writeAt(sw.buf[off:], sw.base)
		off += n
		sw.base += int64(n)
		sw.w.written.Add(int64(n))

		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			sw.buf = append(sw.buf[:0], sw.buf[off:]...)
			return &domain.IOError{Op: "write", Path: sw.w.path, Err: err}
		}
	}
	sw.buf = sw.buf[:0]
	return nil
}

// Written returns the bytes of this segment that reached the destination.
func (sw *SegmentWriter) Written() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.base - sw.start
}

// Offset returns the absolute offset where the next chunk must start.
func (sw *SegmentWriter) Offset() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.next
}

// Buffered returns the number of bytes waiting for a flush.
func (sw *SegmentWriter) Buffered() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.buf)
}
