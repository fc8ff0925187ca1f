// Package fetcher turns one byte range of a remote resource into a stream of
// chunks, validating that the server answered the range that was asked for.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/val-en-tine124/cliant/internal/domain"
	httpclient "github.com/val-en-tine124/cliant/internal/http"
)

// DefaultChunkSize is the read size of a single Next call.
const DefaultChunkSize = 256 << 10

// Transport is the minimal capability the fetcher needs from a network
// client. end is inclusive; a negative end asks for everything from start.
type Transport interface {
	Head(ctx context.Context, url string) (*httpclient.FileInfo, error)
	GetRange(ctx context.Context, url string, start, end int64) (*httpclient.RangeResponse, error)
}

// Fetcher opens streams for byte ranges.
type Fetcher struct {
	transport Transport
	chunkSize int
	log       *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithChunkSize sets the maximum chunk length.
func WithChunkSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(f *Fetcher) {
		if log != nil {
			f.log = log
		}
	}
}

// New returns a Fetcher using transport.
func New(transport Transport, opts ...Option) *Fetcher {
	f := &Fetcher{
		transport: transport,
		chunkSize: DefaultChunkSize,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch requests r from source and returns a stream of its bytes.
//
// A 206 response must start at r.Start. A 200 response is only accepted
// when the request starts at zero and covers the whole resource; anything
// else is a ProtocolError with RangeUnsupported set.
func (f *Fetcher) Fetch(ctx context.Context, source string, r domain.Range) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := domain.UnknownSize
	if r.Bounded() {
		if r.Len() <= 0 {
			return nil, fmt.Errorf("fetch %s: empty range", r)
		}
		end = r.End - 1
	}

	resp, err := f.transport.GetRange(ctx, source, r.Start, end)
	if err != nil {
		return nil, err
	}

	body, err := f.validate(r, resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	f.log.Debug("stream opened",
		zap.Stringer("range", r),
		zap.Int("status", resp.StatusCode),
		zap.String("encoding", resp.ContentEncoding),
	)

	s := &Stream{
		rng:    r,
		offset: r.Start,
		raw:    resp.Body,
		body:   body,
		buf:    f.chunkSize,
	}
	if c, ok := body.(io.Closer); ok && body != io.Reader(resp.Body) {
		s.decoder = c
	}
	if r.Bounded() {
		s.body = io.LimitReader(body, r.Len())
	}
	return s, nil
}

// validate checks resp against r and returns the reader for the payload.
func (f *Fetcher) validate(r domain.Range, resp *httpclient.RangeResponse) (io.Reader, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.ContentEncoding))
	if encoding == "identity" {
		encoding = ""
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if resp.ContentRange == "" {
			return nil, &domain.ProtocolError{StatusCode: resp.StatusCode, Err: errors.New("partial content without Content-Range")}
		}
		start, _, _, err := httpclient.ParseContentRange(resp.ContentRange)
		if err != nil {
			return nil, &domain.ProtocolError{StatusCode: resp.StatusCode, Err: err}
		}
		if start != r.Start {
			return nil, &domain.ProtocolError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("content range starts at %d, requested %d", start, r.Start),
			}
		}
		if encoding != "" {
			return nil, &domain.ProtocolError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("encoded partial content (%s) cannot be placed by offset", encoding),
			}
		}
		return resp.Body, nil

	case http.StatusOK:
		whole := r.Start == 0 && (!r.Bounded() || resp.ContentLength == r.End)
		if !whole {
			return nil, &domain.ProtocolError{
				StatusCode:       resp.StatusCode,
				RangeUnsupported: true,
				Err:              httpclient.ErrRangeNotSupported,
			}
		}
		return decode(resp.Body, encoding, resp.StatusCode)

	default:
		return nil, &domain.ProtocolError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}
}

func decode(body io.Reader, encoding string, status int) (io.Reader, error) {
	switch encoding {
	case "":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, &domain.TransportError{Op: "gzip", StatusCode: status, Err: err}
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, &domain.TransportError{Op: "zstd", StatusCode: status, Err: err}
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, &domain.ProtocolError{StatusCode: status, Err: fmt.Errorf("unsupported content encoding %q", encoding)}
	}
}

// Stream yields the chunks of one range in offset order. It is not
// restartable; open a new one to resume.
type Stream struct {
	rng     domain.Range
	offset  int64
	raw     io.ReadCloser
	decoder io.Closer
	body    io.Reader
	buf     int
	err     error
	done    bool
	closed  bool
}

// Offset returns the absolute offset of the next byte.
func (s *Stream) Offset() int64 {
	return s.offset
}

// Next returns the next chunk, or io.EOF once the range is complete. A
// bounded range whose body ends early fails with a TransportError wrapping
// io.ErrUnexpectedEOF.
func (s *Stream) Next(ctx context.Context) (domain.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return domain.Chunk{}, err
	}
	if s.err != nil {
		return domain.Chunk{}, s.err
	}
	if s.done {
		return domain.Chunk{}, s.finish()
	}

	buf := make([]byte, s.buf)
	n, err := s.fill(buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.done = true
	default:
		s.err = s.fail(ctx, err)
	}

	if n > 0 {
		chunk := domain.Chunk{Offset: s.offset, Data: buf[:n]}
		s.offset += int64(n)
		return chunk, nil
	}
	if s.err != nil {
		return domain.Chunk{}, s.err
	}
	return domain.Chunk{}, s.finish()
}

// fill reads until buf is full or the body fails. Unlike io.ReadFull it
// keeps a truncated body (io.ErrUnexpectedEOF from the transport) distinct
// from a clean end of stream.
func (s *Stream) fill(buf []byte) (int, error) {
	var n int
	for n < len(buf) {
		m, err := s.body.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Stream) finish() error {
	if s.rng.Bounded() && s.offset < s.rng.End {
		return &domain.TransportError{
			Op:  "read",
			Err: fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, s.offset-s.rng.Start, s.rng.Len()),
		}
	}
	return io.EOF
}

func (s *Stream) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &domain.TransportError{Op: "read", Err: err}
}

// Close releases the underlying response. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.decoder != nil {
		s.decoder.Close()
	}
	return s.raw.Close()
}
