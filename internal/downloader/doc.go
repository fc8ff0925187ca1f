// Package downloader coordinates a segmented HTTP download into a local file.
//
// A transfer resolves the resource size, splits it into contiguous byte
// ranges, and fetches those ranges concurrently into one preallocated
// destination. Each segment writes to its own offsets, so no two segments
// touch the same bytes.
//
// # Usage
//
// The main entry point is the Download function:
//
//	client, _ := http.NewClient(http.DefaultOptions())
//	result := downloader.Download(ctx, domain.TransferRequest{
//	    ID:          ksuid.New().String(),
//	    Source:      "https://example.com/file.iso",
//	    Destination: "file.iso",
//	    Concurrency: 8,
//	}, downloader.Options{
//	    Transport: client,
//	    Sink:      reporter,
//	})
//	if !result.OK() {
//	    return result.Cause
//	}
//
// # Segments
//
// Segments are submitted in ID order and at most Concurrency run at once.
// A failed attempt flushes what it received and the next attempt resumes
// right after it, with exponential backoff between attempts. The first
// segment to fail for good cancels all others.
//
// # Fallback
//
// When the server ignores range requests, the plan is discarded once and
// the resource is fetched as a single stream from offset 0. Bytes already
// reported to the progress sink are not reported twice.
//
// # Cancellation
//
// Cancelling the context stops every segment, flushes buffered data and
// closes the destination. The result then carries the context error and
// reports whether the destination holds partial data.
package downloader
