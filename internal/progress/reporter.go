package progress

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/val-en-tine124/cliant/internal/domain"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// Logger receives progress lines when Output is not a terminal.
	// Nil falls back to plain lines on Output.
	Logger *zap.Logger

	// Interactive forces the single-line bar on or off. Nil detects it from
	// Output.
	Interactive *bool

	// SourceURL is the URL being downloaded (for display).
	SourceURL string

	// Destination is the path being written (for display).
	Destination string
}

// Reporter renders snapshots. On a terminal it redraws one status line;
// otherwise each update becomes a log line.
type Reporter struct {
	opts        Options
	interactive bool

	mu         sync.Mutex
	lastUpdate time.Time
	lastBytes  int64
	lastWidth  int
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	interactive := false
	if opts.Interactive != nil {
		interactive = *opts.Interactive
	} else if f, ok := opts.Output.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	return &Reporter{
		opts:        opts,
		interactive: interactive,
	}
}

// Start prints the header for a transfer.
func (r *Reporter) Start(total int64, segments int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastUpdate = time.Now()
	r.lastBytes = 0

	size := "unknown"
	if total >= 0 {
		size = FormatBytes(total)
	}

	if r.opts.Logger != nil && !r.interactive {
		r.opts.Logger.Info("download started",
			zap.String("source", r.opts.SourceURL),
			zap.String("destination", r.opts.Destination),
			zap.Int64("total_bytes", total),
			zap.Int("segments", segments),
		)
		return
	}

	fmt.Fprintf(r.opts.Output, "[cliant] Downloading: %s\n", r.opts.SourceURL)
	fmt.Fprintf(r.opts.Output, "[cliant] Total size: %s | Segments: %d\n", size, segments)
}

// Update implements Sink.
func (r *Reporter) Update(s domain.ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(s.BytesTransferred-r.lastBytes) / elapsed
	r.lastUpdate = now
	r.lastBytes = s.BytesTransferred

	eta := "calculating..."
	if !s.Known() {
		eta = "unknown"
	} else if speed > 0 {
		remaining := float64(s.TotalBytes - s.BytesTransferred)
		eta = formatDuration(time.Duration(math.Max(remaining, 0) / speed * float64(time.Second)))
	}

	if r.opts.Logger != nil && !r.interactive {
		r.opts.Logger.Info("progress",
			zap.Int64("bytes", s.BytesTransferred),
			zap.Int64("total_bytes", s.TotalBytes),
			zap.String("percent", fmt.Sprintf("%.1f", s.Percent())),
			zap.String("speed", FormatBytes(int64(speed))+"/s"),
			zap.Int("active_segments", s.ActiveSegments),
			zap.Int("completed_segments", s.CompletedSegments),
		)
		return
	}

	line := r.line(s, speed, eta)
	if !r.interactive {
		fmt.Fprintln(r.opts.Output, line)
		return
	}

	pad := ""
	if r.lastWidth > len(line) {
		pad = fmt.Sprintf("%*s", r.lastWidth-len(line), "")
	}
	r.lastWidth = len(line)
	fmt.Fprintf(r.opts.Output, "\r%s%s", line, pad)
}

func (r *Reporter) line(s domain.ProgressSnapshot, speed float64, eta string) string {
	if !s.Known() {
		return fmt.Sprintf("[cliant] Progress: %s | Speed: %s/s | Segments: %d active",
			FormatBytes(s.BytesTransferred),
			FormatBytes(int64(speed)),
			s.ActiveSegments,
		)
	}
	return fmt.Sprintf("[cliant] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s | Segments: %d/%d",
		s.Percent(),
		FormatBytes(s.BytesTransferred),
		FormatBytes(s.TotalBytes),
		FormatBytes(int64(speed)),
		eta,
		s.CompletedSegments,
		s.TotalSegments,
	)
}

// Done prints the completion summary for a transfer.
func (r *Reporter) Done(result domain.TransferResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	avg := float64(0)
	if secs := result.Elapsed.Seconds(); secs > 0 {
		avg = float64(result.BytesWritten) / secs
	}

	if r.interactive {
		fmt.Fprintln(r.opts.Output)
	}

	if r.opts.Logger != nil && !r.interactive {
		fields := []zap.Field{
			zap.String("destination", r.opts.Destination),
			zap.Int64("bytes_written", result.BytesWritten),
			zap.Duration("elapsed", result.Elapsed),
			zap.String("average_speed", FormatBytes(int64(avg))+"/s"),
		}
		if result.OK() {
			r.opts.Logger.Info("download complete", fields...)
		} else {
			r.opts.Logger.Warn("download failed", append(fields, zap.Error(result.Cause))...)
		}
		return
	}

	if !result.OK() {
		fmt.Fprintf(r.opts.Output, "[cliant] Failed after %s: %v\n", formatDuration(result.Elapsed), result.Cause)
		if result.PartiallyWritten {
			fmt.Fprintf(r.opts.Output, "[cliant] %s is incomplete (%s written)\n", r.opts.Destination, FormatBytes(result.BytesWritten))
		}
		return
	}

	fmt.Fprintf(r.opts.Output, "[cliant] Saved %s (%s)\n", r.opts.Destination, FormatBytes(result.BytesWritten))
	fmt.Fprintf(r.opts.Output, "[cliant] Total time: %s | Average speed: %s/s\n",
		formatDuration(result.Elapsed),
		FormatBytes(int64(avg)),
	)
}

// formatDuration rounds d to whole seconds, e.g. "1m5s".
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// FormatBytes formats a byte count with IEC units, e.g. "256 MiB".
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string. SI suffixes are powers of
// 1000 ("1KB" = 1000) and IEC suffixes powers of 1024 ("1KiB" = 1024).
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("byte string %q overflows", s)
	}
	return int64(n), nil
}
