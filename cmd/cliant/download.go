package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/val-en-tine124/cliant/internal/config"
	"github.com/val-en-tine124/cliant/internal/domain"
	"github.com/val-en-tine124/cliant/internal/downloader"
	"github.com/val-en-tine124/cliant/internal/fetcher"
	"github.com/val-en-tine124/cliant/internal/naming"
	"github.com/val-en-tine124/cliant/internal/progress"
)

type downloadFlags struct {
	output         string
	concurrency    int
	retries        int
	retryDelay     time.Duration
	maxRetryDelay  time.Duration
	deadline       time.Duration
	minSegmentSize byteSize
	bufferSize     byteSize
	noProgress     bool
}

func newDownloadCommand(a *app) *cobra.Command {
	var df downloadFlags

	cmd := &cobra.Command{
		Use:   "download [flags] URL",
		Short: "Download a file with parallel range requests",
		Long: `Download a file with parallel range requests.

The file is split into segments that are fetched concurrently. Failed
segments are retried with exponential backoff and resume where they
stopped. Servers without range support are downloaded as a single stream.`,
		Example: `  cliant download -c 8 https://example.com/image.iso
  cliant download -o downloads/ -H "Authorization: Bearer $TOKEN" https://example.com/file`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override := config.Config{
				Concurrency:    df.concurrency,
				MinSegmentSize: int64(df.minSegmentSize),
				BufferSize:     int64(df.bufferSize),
				Deadline:       df.deadline,
				Retry: config.RetryConfig{
					Delay:    df.retryDelay,
					MaxDelay: df.maxRetryDelay,
				},
			}
			if cmd.Flags().Changed("retries") {
				override.Retry.Retries = config.Int(df.retries)
			}
			if cmd.Flags().Changed("concurrency") && df.concurrency == 0 {
				return &domain.ConfigurationError{Field: "concurrency", Reason: "must be at least 1, got 0"}
			}
			return a.download(cmd.Context(), args[0], df, override)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&df.output, "output", "o", "", "Output file or directory (default: inferred from the response)")
	f.IntVarP(&df.concurrency, "concurrency", "c", 0, fmt.Sprintf("Number of segments downloaded in parallel (default %d)", domain.DefaultConcurrency))
	f.IntVarP(&df.retries, "retries", "r", domain.DefaultRetries, "Retries per segment after the first attempt")
	f.DurationVar(&df.retryDelay, "retry-delay", 0, "Initial retry backoff (default 1s)")
	f.DurationVar(&df.maxRetryDelay, "max-retry-delay", 0, "Maximum retry backoff (default 30s)")
	f.DurationVar(&df.deadline, "deadline", 0, "Abort the whole download after this long")
	f.Var(&df.minSegmentSize, "min-segment-size", "Smallest segment worth its own request (default 1.0 MiB)")
	f.Var(&df.bufferSize, "buffer-size", "Write buffer per segment (default 4.0 MiB)")
	f.BoolVar(&df.noProgress, "no-progress", false, "Do not print progress")
	return cmd
}

func (a *app) download(ctx context.Context, source string, df downloadFlags, override config.Config) error {
	cfg, err := a.loadConfig(override)
	if err != nil {
		return err
	}
	log, err := a.newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	client, err := a.newClient(cfg, log)
	if err != nil {
		return err
	}

	id := ksuid.New().String()
	log = log.With(zap.String("transfer_id", id))

	dest, sizeHint, err := a.resolveDestination(ctx, client, source, df.output, log)
	if err != nil {
		return err
	}

	req := cfg.TransferRequest(id, source, dest)
	req.SizeHint = sizeHint

	var reporter *progress.Reporter
	if !a.quiet && !df.noProgress {
		ropts := progress.Options{
			Output:      a.stderr,
			SourceURL:   source,
			Destination: dest,
		}
		if cfg.Log.Format == "json" {
			ropts.Logger = log
		}
		reporter = progress.NewReporter(ropts)
	}

	opts := downloader.Options{
		Transport:      client,
		FS:             osfs.New("/", osfs.WithBoundOS()),
		Logger:         log,
		MinSegmentSize: cfg.MinSegmentSize,
		BufferSize:     int(cfg.BufferSize),
	}
	if reporter != nil {
		opts.Sink = reporter
		opts.OnPlan = reporter.Start
	}

	result := downloader.Download(ctx, req, opts)
	if reporter != nil {
		reporter.Done(result)
	}

	if result.OK() {
		return nil
	}
	if errors.Is(result.Cause, context.Canceled) {
		fmt.Fprintln(a.stderr, "[cliant] Interrupted")
	}
	if reporter != nil {
		return &reportedError{err: result.Cause}
	}
	return result.Cause
}

// resolveDestination returns the absolute destination path and, when the
// name had to be inferred, the size reported by the server.
func (a *app) resolveDestination(ctx context.Context, client fetcher.Transport, source, output string, log *zap.Logger) (string, int64, error) {
	fs := osfs.New("/", osfs.WithBoundOS())
	sizeHint := domain.UnknownSize

	out := output
	if out != "" {
		abs, err := filepath.Abs(out)
		if err != nil {
			return "", 0, &domain.ConfigurationError{Field: "output", Reason: err.Error()}
		}
		if strings.HasSuffix(out, "/") || strings.HasSuffix(out, string(filepath.Separator)) {
			abs += string(filepath.Separator)
		}
		out = abs
	}

	resolver := &naming.Resolver{FS: fs, Transport: client, Logger: log}
	if out != "" && !strings.HasSuffix(out, string(filepath.Separator)) {
		if fi, err := fs.Stat(out); err != nil || !fi.IsDir() {
			return out, sizeHint, nil
		}
	}

	// The name comes from the response, so ask the server first.
	info, err := client.Head(ctx, source)
	if err != nil {
		log.Debug("head for file name failed", zap.Error(err))
		info = nil
	} else if info.Size > 0 {
		sizeHint = info.Size
	}

	dest := resolver.Resolve(ctx, out, source, info)
	if !filepath.IsAbs(dest) {
		abs, err := filepath.Abs(dest)
		if err != nil {
			return "", 0, &domain.ConfigurationError{Field: "output", Reason: err.Error()}
		}
		dest = abs
	}
	return dest, sizeHint, nil
}
