// Package testutils provides shared test infrastructure: deterministic test
// data, a range-capable HTTP server with fault injection and digest helpers.
package testutils

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// TestFile defines a served file.
type TestFile struct {
	Name string
	Data []byte

	// IgnoreRanges makes the server answer every GET with 200 and the full body.
	IgnoreRanges bool

	// NoContentLength omits Content-Length from HEAD and streams GET bodies chunked.
	NoContentLength bool

	// HeadStatus overrides the HEAD response status, e.g. 405.
	HeadStatus int

	// Encoding compresses whole-file responses ("gzip" or "zstd") when the
	// client accepts it.
	Encoding string

	// ContentDisposition is sent on HEAD and GET when set.
	ContentDisposition string

	// ContentType is sent on HEAD and GET when set.
	ContentType string

	// Delay is slept before every 32 KiB written.
	Delay time.Duration

	// Faults are applied to GET requests in order.
	Faults []*Fault
}

// AnyStart matches a fault against every request.
const AnyStart int64 = -1

// Fault breaks a number of GET requests.
type Fault struct {
	// Start restricts the fault to requests whose range starts here, or AnyStart.
	Start int64

	// Status answers with this status instead of the body when non-zero.
	Status int

	// AfterBytes cuts the connection after this many body bytes when Status is zero.
	AfterBytes int64

	// Times is the number of requests to break. Zero or negative breaks every request.
	Times int

	mu   sync.Mutex
	used int
}

func (f *Fault) take(start int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Start != AnyStart && f.Start != start {
		return false
	}
	if f.Times > 0 && f.used >= f.Times {
		return false
	}
	f.used++
	return true
}

// Used returns how many requests the fault broke.
func (f *Fault) Used() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// Request records one request received by the server.
type Request struct {
	Method string
	Path   string
	Range  string
	Start  int64
	End    int64 // inclusive, -1 when open ended or absent
}

// Server is an httptest.Server serving TestFiles with range support.
type Server struct {
	*httptest.Server

	files map[string]*TestFile

	mu       sync.Mutex
	requests []Request
}

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t testing.TB, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte((i*7 + i/251) % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// StartTestHTTPServer starts an HTTP server that serves files with range
// request support. The server is closed when the test ends.
func StartTestHTTPServer(t testing.TB, files ...*TestFile) *Server {
	t.Helper()

	s := &Server{files: make(map[string]*TestFile)}
	for _, f := range files {
		s.files["/"+f.Name] = f
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// FileURL returns the absolute URL of a served file.
func (s *Server) FileURL(name string) string {
	return s.Server.URL + "/" + name
}

// Requests returns a copy of the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Gets returns the GET requests received so far.
func (s *Server) Gets() []Request {
	var gets []Request
	for _, r := range s.Requests() {
		if r.Method == http.MethodGet {
			gets = append(gets, r)
		}
	}
	return gets
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	f, ok := s.files[r.URL.Path]
	if !ok {
		s.record(r, 0, -1)
		http.NotFound(w, r)
		return
	}

	data := f.Data
	size := int64(len(data))

	if f.ContentType != "" {
		w.Header().Set("Content-Type", f.ContentType)
	}
	if f.ContentDisposition != "" {
		w.Header().Set("Content-Disposition", f.ContentDisposition)
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%s-%d"`, strings.TrimPrefix(r.URL.Path, "/"), size))

	if r.Method == http.MethodHead {
		s.record(r, 0, -1)
		if f.HeadStatus != 0 {
			w.WriteHeader(f.HeadStatus)
			return
		}
		if !f.IgnoreRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		if !f.NoContentLength {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		return
	}

	start, end, ranged := parseRange(r.Header.Get("Range"), size)
	s.record(r, start, end)

	if ranged && start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	for _, fault := range f.Faults {
		if !fault.take(start) {
			continue
		}
		if fault.Status != 0 {
			w.WriteHeader(fault.Status)
			return
		}
		if !ranged || f.IgnoreRanges {
			start, end = 0, size-1
		}
		s.writeHeaders(w, f, start, end, size, ranged && !f.IgnoreRanges)
		cut := min(start+fault.AfterBytes, end+1)
		s.writeBody(w, r, f, data[start:cut])
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
		}
		return
	}

	if !ranged || f.IgnoreRanges {
		if f.Encoding != "" && strings.Contains(r.Header.Get("Accept-Encoding"), f.Encoding) {
			s.writeEncoded(w, f)
			return
		}
		s.writeHeaders(w, f, 0, size-1, size, false)
		s.writeBody(w, r, f, data)
		return
	}

	s.writeHeaders(w, f, start, end, size, true)
	s.writeBody(w, r, f, data[start:end+1])
}

func (s *Server) writeHeaders(w http.ResponseWriter, f *TestFile, start, end, size int64, partial bool) {
	if !f.NoContentLength {
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	}
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeBody(w http.ResponseWriter, r *http.Request, f *TestFile, body []byte) {
	const step = 32 << 10
	for len(body) > 0 {
		if f.Delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(f.Delay):
			}
		}
		n := min(step, len(body))
		if _, err := w.Write(body[:n]); err != nil {
			return
		}
		body = body[n:]
	}
}

func (s *Server) writeEncoded(w http.ResponseWriter, f *TestFile) {
	var buf bytes.Buffer
	switch f.Encoding {
	case "gzip":
		zw := gzip.NewWriter(&buf)
		zw.Write(f.Data)
		zw.Close()
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		zw.Write(f.Data)
		zw.Close()
	default:
		http.Error(w, "unknown encoding "+f.Encoding, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Encoding", f.Encoding)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) record(r *http.Request, start, end int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Range:  r.Header.Get("Range"),
		Start:  start,
		End:    end,
	})
}

// parseRange parses "bytes=start-end" or "bytes=start-". end is clamped to
// the last byte of the file.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	if header == "" {
		return 0, -1, false
	}
	rangeSpec := strings.TrimPrefix(header, "bytes=")
	first, last, found := strings.Cut(rangeSpec, "-")
	if !found {
		return 0, -1, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, -1, false
	}
	end = size - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			return 0, -1, false
		}
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileDigest returns the hex SHA-256 of a file in fs.
func FileDigest(t testing.TB, fs billy.Filesystem, path string) string {
	t.Helper()
	f, err := fs.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		t.Fatalf("hash %s: %v", path, err)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReadFile returns the content of a file in fs.
func ReadFile(t testing.TB, fs billy.Filesystem, path string) []byte {
	t.Helper()
	f, err := fs.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}

// CompareReaderToData compares reader output with expected data in chunks.
func CompareReaderToData(t testing.TB, reader io.Reader, expected []byte) {
	t.Helper()

	buf := make([]byte, 1024*1024)
	offset := 0

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if offset+n > len(expected) {
				t.Fatalf("read more data than expected: offset=%d, n=%d, expected len=%d",
					offset, n, len(expected))
			}
			if !bytes.Equal(buf[:n], expected[offset:offset+n]) {
				t.Fatalf("data mismatch at offset %d", offset)
			}
			offset += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read error at offset %d: %v", offset, err)
		}
	}

	if offset != len(expected) {
		t.Fatalf("incomplete read: got %d bytes, want %d", offset, len(expected))
	}
}
