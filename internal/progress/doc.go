// Package progress aggregates per-segment byte counts and reports them.
//
// An [Aggregator] keeps an atomic running total and pushes snapshots to a
// [Sink] at most once per interval, plus a final push from Finish. The
// [Reporter] sink renders them: a redrawn status line on terminals, log
// lines otherwise.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    SourceURL:   url,
//	    Destination: path,
//	})
//	reporter.Start(total, segments)
//
//	agg := progress.New(total, segments, reporter, 500*time.Millisecond)
//	agg.Record(segmentID, n)
//	agg.Finish()
//
// # Output Format
//
//	[cliant] Downloading: https://example.com/file.tar.gz
//	[cliant] Total size: 2.5 GiB | Segments: 8
//	[cliant] Progress: 45.2% | 1.1 GiB / 2.5 GiB | Speed: 42 MiB/s | ETA: 34s | Segments: 3/8
package progress
