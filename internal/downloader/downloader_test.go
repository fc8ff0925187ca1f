package downloader

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/val-en-tine124/cliant/internal/domain"
	httpclient "github.com/val-en-tine124/cliant/internal/http"
	"github.com/val-en-tine124/cliant/internal/progress"
	"github.com/val-en-tine124/cliant/internal/testutils"
)

type recordingSink struct {
	mu        sync.Mutex
	snapshots []domain.ProgressSnapshot
}

func (s *recordingSink) Update(snap domain.ProgressSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func (s *recordingSink) all() []domain.ProgressSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProgressSnapshot(nil), s.snapshots...)
}

type fixture struct {
	server *testutils.Server
	opts   Options
}

func newFixture(t *testing.T, files ...*testutils.TestFile) *fixture {
	t.Helper()
	client, err := httpclient.NewClient(httpclient.DefaultOptions())
	require.NoError(t, err)
	return &fixture{
		server: testutils.StartTestHTTPServer(t, files...),
		opts: Options{
			Transport:        client,
			FS:               memfs.New(),
			MinSegmentSize:   1024,
			ProgressInterval: time.Millisecond,
		},
	}
}

// useTimeout replaces the transport with one using the given HTTP timeout.
func (f *fixture) useTimeout(t *testing.T, timeout time.Duration) {
	t.Helper()
	opts := httpclient.DefaultOptions()
	opts.Timeout = timeout
	client, err := httpclient.NewClient(opts)
	require.NoError(t, err)
	f.opts.Transport = client
}

func (f *fixture) request(name string, concurrency int) domain.TransferRequest {
	return domain.TransferRequest{
		ID:          "test",
		Source:      f.server.FileURL(name),
		Destination: "/out/" + name,
		Concurrency: concurrency,
		Retries:     3,
		RetryDelay:  5 * time.Millisecond,
	}
}

func TestDownloadSegmented(t *testing.T) {
	data := testutils.GenerateTestData(t, 10_000_000)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data})
	f.opts.MinSegmentSize = 0

	sink := &recordingSink{}
	f.opts.Sink = sink

	var planned []int64
	f.opts.OnPlan = func(total int64, segments int) {
		planned = []int64{total, int64(segments)}
	}

	res := Download(context.Background(), f.request("file.bin", 4), f.opts)
	require.NoError(t, res.Cause)

	assert.Equal(t, int64(len(data)), res.BytesWritten)
	assert.Equal(t, 4, res.Segments)
	assert.False(t, res.FellBack)
	assert.False(t, res.PartiallyWritten)
	assert.Equal(t, []int64{10_000_000, 4}, planned)
	assert.Equal(t, testutils.Digest(data), testutils.FileDigest(t, f.opts.FS, "/out/file.bin"))

	var ranges []string
	for _, r := range f.server.Gets() {
		ranges = append(ranges, r.Range)
	}
	assert.ElementsMatch(t, []string{
		"bytes=0-2499999",
		"bytes=2500000-4999999",
		"bytes=5000000-7499999",
		"bytes=7500000-9999999",
	}, ranges)

	snaps := sink.all()
	require.NotEmpty(t, snaps)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].BytesTransferred, snaps[i-1].BytesTransferred)
	}
	last := snaps[len(snaps)-1]
	assert.Equal(t, int64(len(data)), last.BytesTransferred)
	assert.Equal(t, int64(len(data)), last.TotalBytes)
	assert.Equal(t, 4, last.CompletedSegments)
}

func TestDownloadConcurrencyDoesNotChangeContent(t *testing.T) {
	data := testutils.GenerateTestData(t, 3<<20)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data})
	f.opts.MinSegmentSize = 64 << 10

	for _, concurrency := range []int{1, 3, 8} {
		req := f.request("file.bin", concurrency)
		res := Download(context.Background(), req, f.opts)
		require.NoError(t, res.Cause, "concurrency %d", concurrency)
		assert.Equal(t, concurrency, res.Segments)
		assert.Equal(t, testutils.Digest(data), testutils.FileDigest(t, f.opts.FS, req.Destination), "concurrency %d", concurrency)
	}
}

func TestDownloadResumesAfterCutConnection(t *testing.T) {
	data := testutils.GenerateTestData(t, 1<<20)
	fault := &testutils.Fault{Start: 0, AfterBytes: 100_000, Times: 1}
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, Faults: []*testutils.Fault{fault}})

	res := Download(context.Background(), f.request("file.bin", 2), f.opts)
	require.NoError(t, res.Cause)
	assert.Equal(t, 1, fault.Used())
	assert.Equal(t, testutils.Digest(data), testutils.FileDigest(t, f.opts.FS, "/out/file.bin"))

	var resumed bool
	for _, r := range f.server.Gets() {
		if r.Range == "bytes=100000-524287" {
			resumed = true
		}
	}
	assert.True(t, resumed, "second attempt must resume after the received bytes: %+v", f.server.Gets())
	assert.Len(t, f.server.Gets(), 3)
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	data := testutils.GenerateTestData(t, 64<<10)
	fault := &testutils.Fault{Start: testutils.AnyStart, Status: http.StatusServiceUnavailable, Times: 2}
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, Faults: []*testutils.Fault{fault}})

	res := Download(context.Background(), f.request("file.bin", 1), f.opts)
	require.NoError(t, res.Cause)
	assert.Equal(t, 2, fault.Used())
	assert.Len(t, f.server.Gets(), 3)
	assert.Equal(t, testutils.Digest(data), testutils.FileDigest(t, f.opts.FS, "/out/file.bin"))
}

func TestDownloadRetriesExhausted(t *testing.T) {
	data := testutils.GenerateTestData(t, 10_000)
	fault := &testutils.Fault{Start: testutils.AnyStart, AfterBytes: 100}
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, Faults: []*testutils.Fault{fault}})

	req := f.request("file.bin", 1)
	req.Retries = 2

	res := Download(context.Background(), req, f.opts)
	require.Error(t, res.Cause)
	assert.True(t, domain.IsExhausted(res.Cause), "got %v", res.Cause)
	var transport *domain.TransportError
	assert.ErrorAs(t, res.Cause, &transport, "last attempt error is kept")

	var exhausted *domain.RetriesExhausted
	require.ErrorAs(t, res.Cause, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	gets := f.server.Gets()
	require.Len(t, gets, 3)
	assert.Equal(t, "bytes=0-9999", gets[0].Range)
	assert.Equal(t, "bytes=100-9999", gets[1].Range)
	assert.Equal(t, "bytes=200-9999", gets[2].Range)

	assert.True(t, res.PartiallyWritten)
	assert.Equal(t, int64(300), res.BytesWritten)
	assert.Equal(t, data[:300], testutils.ReadFile(t, f.opts.FS, "/out/file.bin")[:300])
}

func TestDownloadExhaustedSegmentKeepsOtherSegments(t *testing.T) {
	data := testutils.GenerateTestData(t, 200_000)
	fault := &testutils.Fault{Start: 100_000, Status: http.StatusServiceUnavailable}
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, Faults: []*testutils.Fault{fault}})

	req := f.request("file.bin", 2)
	req.Retries = 2
	req.RetryDelay = 20 * time.Millisecond

	res := Download(context.Background(), req, f.opts)
	require.Error(t, res.Cause)
	assert.True(t, domain.IsExhausted(res.Cause), "got %v", res.Cause)
	assert.Equal(t, 3, fault.Used())

	assert.True(t, res.PartiallyWritten)
	assert.Equal(t, int64(100_000), res.BytesWritten)
	assert.Equal(t, data[:100_000], testutils.ReadFile(t, f.opts.FS, "/out/file.bin")[:100_000])
}

func TestDownloadSlowBodyOutlivesTimeout(t *testing.T) {
	tests := []struct {
		name         string
		ignoreRanges bool
	}{
		{"ranges", false},
		{"ranges ignored", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testutils.GenerateTestData(t, 1<<20)
			f := newFixture(t, &testutils.TestFile{
				Name:         "file.bin",
				Data:         data,
				IgnoreRanges: tt.ignoreRanges,
				Delay:        20 * time.Millisecond,
			})
			f.useTimeout(t, 300*time.Millisecond)

			req := f.request("file.bin", 1)
			req.Retries = 1

			res := Download(context.Background(), req, f.opts)
			require.NoError(t, res.Cause)
			assert.False(t, res.FellBack)
			assert.Len(t, f.server.Gets(), 1)
			assert.Equal(t, testutils.Digest(data), testutils.FileDigest(t, f.opts.FS, "/out/file.bin"))
		})
	}
}

func TestDownloadUnknownSize(t *testing.T) {
	data := testutils.GenerateTestData(t, 200_000)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, NoContentLength: true})

	res := Download(context.Background(), f.request("file.bin", 4), f.opts)
	require.NoError(t, res.Cause)
	assert.Equal(t, 1, res.Segments)
	assert.Equal(t, int64(len(data)), res.BytesWritten)

	gets := f.server.Gets()
	require.Len(t, gets, 1)
	assert.Empty(t, gets[0].Range)
	assert.Equal(t, data, testutils.ReadFile(t, f.opts.FS, "/out/file.bin"))
}

func TestDownloadHeadNotAllowed(t *testing.T) {
	data := testutils.GenerateTestData(t, 50_000)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, HeadStatus: http.StatusMethodNotAllowed})

	res := Download(context.Background(), f.request("file.bin", 4), f.opts)
	require.NoError(t, res.Cause)
	assert.Equal(t, 1, res.Segments)
	assert.Equal(t, data, testutils.ReadFile(t, f.opts.FS, "/out/file.bin"))
}

func TestDownloadFallsBackWhenRangesIgnored(t *testing.T) {
	data := testutils.GenerateTestData(t, 1<<20)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, IgnoreRanges: true})
	sink := &recordingSink{}
	f.opts.Sink = sink

	res := Download(context.Background(), f.request("file.bin", 4), f.opts)
	require.NoError(t, res.Cause)
	assert.True(t, res.FellBack)
	assert.Equal(t, 1, res.Segments)
	assert.Equal(t, int64(len(data)), res.BytesWritten)
	assert.Equal(t, data, testutils.ReadFile(t, f.opts.FS, "/out/file.bin"))

	gets := f.server.Gets()
	assert.Empty(t, gets[len(gets)-1].Range)

	snaps := sink.all()
	require.NotEmpty(t, snaps)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].BytesTransferred, snaps[i-1].BytesTransferred)
	}
	assert.Equal(t, int64(len(data)), snaps[len(snaps)-1].BytesTransferred)
}

func TestDownloadFallbackHappensOnce(t *testing.T) {
	data := testutils.GenerateTestData(t, 64<<10)
	fault := &testutils.Fault{Start: testutils.AnyStart, AfterBytes: 1000}
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, IgnoreRanges: true, Faults: []*testutils.Fault{fault}})

	res := Download(context.Background(), f.request("file.bin", 2), f.opts)
	require.Error(t, res.Cause)
	assert.True(t, domain.IsRangeUnsupported(res.Cause), "got %v", res.Cause)
	assert.True(t, res.FellBack)
	assert.True(t, res.PartiallyWritten)
}

func TestDownloadFailedFallbackReportsFinalPlanBytes(t *testing.T) {
	data := testutils.GenerateTestData(t, 64<<10)
	fault := &testutils.Fault{Start: testutils.AnyStart, AfterBytes: 1000}
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, IgnoreRanges: true, Faults: []*testutils.Fault{fault}})

	res := Download(context.Background(), f.request("file.bin", 1), f.opts)
	require.Error(t, res.Cause)
	assert.True(t, domain.IsRangeUnsupported(res.Cause), "got %v", res.Cause)
	assert.True(t, res.FellBack)

	var ranges []string
	for _, r := range f.server.Gets() {
		ranges = append(ranges, r.Range)
	}
	assert.Equal(t, []string{"bytes=0-65535", "bytes=1000-65535", "", "bytes=1000-"}, ranges)

	assert.Equal(t, int64(1000), res.BytesWritten)
	assert.Equal(t, data[:1000], testutils.ReadFile(t, f.opts.FS, "/out/file.bin")[:1000])
}

func TestDownloadEmptySource(t *testing.T) {
	f := newFixture(t, &testutils.TestFile{Name: "empty.bin", Data: []byte{}})

	res := Download(context.Background(), f.request("empty.bin", 4), f.opts)
	require.Error(t, res.Cause)
	assert.True(t, domain.IsEmptyOrUnreachable(res.Cause))
	assert.False(t, res.PartiallyWritten)
	assert.Empty(t, f.server.Gets())

	_, err := f.opts.FS.Stat("/out/empty.bin")
	assert.Error(t, err, "destination must not be created")
}

func TestDownloadNotFound(t *testing.T) {
	f := newFixture(t)

	res := Download(context.Background(), f.request("missing.bin", 4), f.opts)
	require.Error(t, res.Cause)
	assert.True(t, domain.IsEmptyOrUnreachable(res.Cause))
	assert.True(t, errors.Is(res.Cause, httpclient.ErrNotFound))
	assert.Len(t, f.server.Requests(), 1, "not found is not retried")
}

func TestDownloadSizeHintSkipsHead(t *testing.T) {
	data := testutils.GenerateTestData(t, 8192)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data})

	req := f.request("file.bin", 2)
	req.SizeHint = int64(len(data))

	res := Download(context.Background(), req, f.opts)
	require.NoError(t, res.Cause)
	for _, r := range f.server.Requests() {
		assert.Equal(t, http.MethodGet, r.Method)
	}
	assert.Equal(t, data, testutils.ReadFile(t, f.opts.FS, "/out/file.bin"))
}

func TestDownloadDecodesCompressedStream(t *testing.T) {
	data := testutils.GenerateTestData(t, 300_000)
	f := newFixture(t, &testutils.TestFile{Name: "file.txt", Data: data, NoContentLength: true, Encoding: "gzip"})

	res := Download(context.Background(), f.request("file.txt", 4), f.opts)
	require.NoError(t, res.Cause)
	assert.Equal(t, int64(len(data)), res.BytesWritten)
	assert.Equal(t, data, testutils.ReadFile(t, f.opts.FS, "/out/file.txt"))
}

func TestDownloadInvalidRequest(t *testing.T) {
	f := newFixture(t)

	req := f.request("file.bin", -1)
	res := Download(context.Background(), req, f.opts)
	assert.True(t, domain.IsConfiguration(res.Cause))
	assert.Empty(t, f.server.Requests())

	res = Download(context.Background(), f.request("file.bin", 1), Options{})
	assert.True(t, domain.IsConfiguration(res.Cause))
}

func TestDownloadCancel(t *testing.T) {
	data := testutils.GenerateTestData(t, 1<<20)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, Delay: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	res := Download(ctx, f.request("file.bin", 4), f.opts)
	require.Error(t, res.Cause)
	assert.ErrorIs(t, res.Cause, context.Canceled)
	assert.False(t, domain.IsRetryable(res.Cause))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDownloadDeadline(t *testing.T) {
	data := testutils.GenerateTestData(t, 1<<20)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data, Delay: 20 * time.Millisecond})

	req := f.request("file.bin", 2)
	req.Deadline = 100 * time.Millisecond

	res := Download(context.Background(), req, f.opts)
	require.Error(t, res.Cause)
	assert.ErrorIs(t, res.Cause, context.DeadlineExceeded)
}

func TestDownloadReportsToReporter(t *testing.T) {
	data := testutils.GenerateTestData(t, 100_000)
	f := newFixture(t, &testutils.TestFile{Name: "file.bin", Data: data})

	var seen int64
	f.opts.Sink = progress.SinkFunc(func(s domain.ProgressSnapshot) {
		seen = s.BytesTransferred
	})

	res := Download(context.Background(), f.request("file.bin", 2), f.opts)
	require.NoError(t, res.Cause)
	assert.Equal(t, int64(len(data)), seen)
}
