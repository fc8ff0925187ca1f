package progress

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/val-en-tine124/cliant/internal/domain"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{256 * 1024 * 1024, "256 MiB"},
		{1024 * 1024 * 1024, "1.0 GiB"},
		{1024 * 1024 * 1024 * 1024, "1.0 TiB"},
		{2.5 * 1024 * 1024 * 1024 * 1024, "2.5 TiB"},
	}

	for _, tt := range tests {
		result := FormatBytes(tt.input)
		if result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0s"},
		{1400 * time.Millisecond, "1s"},
		{65 * time.Second, "1m5s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h3m4s"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.input); got != tt.expected {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"100", 100},
		{"100B", 100},
		{"1KiB", 1024},
		{"1.5KiB", 1536},
		{"256MiB", 256 * 1024 * 1024},
		{"1GiB", 1024 * 1024 * 1024},
		{"1TiB", 1024 * 1024 * 1024 * 1024},
		// SI units
		{"1KB", 1000},
		{"1MB", 1000 * 1000},
		{"1GB", 1000 * 1000 * 1000},
	}

	for _, tt := range tests {
		result, err := ParseBytes(tt.input)
		if err != nil {
			t.Errorf("ParseBytes(%q): %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("ParseBytes(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}

func TestParseBytesInvalid(t *testing.T) {
	_, err := ParseBytes("invalid")
	if err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestReporterLines(t *testing.T) {
	var out bytes.Buffer
	off := false
	r := NewReporter(Options{
		Output:      &out,
		Interactive: &off,
		SourceURL:   "https://example.com/file.bin",
		Destination: "file.bin",
	})

	r.Start(1024*1024, 4)
	r.Update(domain.ProgressSnapshot{BytesTransferred: 512 * 1024, TotalBytes: 1024 * 1024, TotalSegments: 4, CompletedSegments: 2})
	r.Done(domain.TransferResult{BytesWritten: 1024 * 1024, Elapsed: 2 * time.Second})

	got := out.String()
	for _, want := range []string{
		"[cliant] Downloading: https://example.com/file.bin",
		"Total size: 1.0 MiB | Segments: 4",
		"Progress: 50.0% | 512 KiB / 1.0 MiB",
		"Segments: 2/4",
		"Saved file.bin (1.0 MiB)",
		"Average speed: 512 KiB/s",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "\r") {
		t.Error("non-interactive output must not contain carriage returns")
	}
}

func TestReporterInteractiveRedraws(t *testing.T) {
	var out bytes.Buffer
	on := true
	r := NewReporter(Options{Output: &out, Interactive: &on})

	r.Update(domain.ProgressSnapshot{BytesTransferred: 10, TotalBytes: domain.UnknownSize})
	r.Update(domain.ProgressSnapshot{BytesTransferred: 20, TotalBytes: domain.UnknownSize})

	if n := strings.Count(out.String(), "\r"); n != 2 {
		t.Errorf("expected 2 redraws, got %d", n)
	}
	if strings.Contains(out.String(), "ETA") {
		t.Error("unknown totals must not show an ETA")
	}
}

func TestReporterFailureSummary(t *testing.T) {
	var out bytes.Buffer
	off := false
	r := NewReporter(Options{Output: &out, Interactive: &off, Destination: "file.bin"})

	r.Done(domain.Failure(errors.New("boom"), 300))

	got := out.String()
	if !strings.Contains(got, "Failed after") || !strings.Contains(got, "boom") {
		t.Errorf("unexpected summary: %s", got)
	}
	if !strings.Contains(got, "file.bin is incomplete (300 B written)") {
		t.Errorf("expected partial write notice: %s", got)
	}
}

func TestReporterLogsWhenNotInteractive(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	off := false
	r := NewReporter(Options{Logger: zap.New(core), Interactive: &off, Output: &bytes.Buffer{}})

	r.Start(100, 1)
	r.Update(domain.ProgressSnapshot{BytesTransferred: 50, TotalBytes: 100})
	r.Done(domain.Success(100))

	if logs.FilterMessage("download started").Len() != 1 {
		t.Error("expected a start log line")
	}
	if logs.FilterMessage("progress").Len() != 1 {
		t.Error("expected a progress log line")
	}
	if logs.FilterMessage("download complete").Len() != 1 {
		t.Error("expected a completion log line")
	}
}
