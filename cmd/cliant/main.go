package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/val-en-tine124/cliant/internal/domain"
	httpclient "github.com/val-en-tine124/cliant/internal/http"
)

// Exit codes
const (
	ExitSuccess           = 0
	ExitGeneralError      = 1
	ExitInvalidArgs       = 2
	ExitSourceNotAccess   = 3
	ExitRangeNotSupported = 4
	ExitStorageError      = 5
	ExitRetriesExhausted  = 6
	ExitInterrupted       = 130
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var reported *reportedError
	if !errors.As(err, &reported) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintln(stderr, "Run 'cliant --help' for usage.")
	}
	return exitCode(err)
}

// usageError marks errors in the command line itself.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// reportedError marks errors that were already printed to the user.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &usage), domain.IsConfiguration(err):
		return ExitInvalidArgs
	case domain.IsRangeUnsupported(err):
		return ExitRangeNotSupported
	case domain.IsEmptyOrUnreachable(err),
		errors.Is(err, httpclient.ErrNotFound),
		errors.Is(err, httpclient.ErrForbidden),
		errors.Is(err, httpclient.ErrUnauthorized):
		return ExitSourceNotAccess
	case domain.IsIO(err):
		return ExitStorageError
	case domain.IsExhausted(err):
		return ExitRetriesExhausted
	default:
		return ExitGeneralError
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "cliant",
		Short: "Segmented HTTP downloader",
		Long: `cliant downloads a file over HTTP by splitting it into byte ranges that are
fetched in parallel and written into a single local file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	a.bindGlobalFlags(root)
	root.AddCommand(
		newDownloadCommand(a),
		newInfoCommand(a),
	)
	return root
}

// exactArgs is cobra.ExactArgs with usage errors.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}
