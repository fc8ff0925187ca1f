package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/val-en-tine124/cliant/internal/config"
	"github.com/val-en-tine124/cliant/internal/domain"
	"github.com/val-en-tine124/cliant/internal/naming"
	"github.com/val-en-tine124/cliant/internal/progress"
)

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info URL",
		Short: "Show what the server reports about a file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.info(cmd.Context(), args[0])
		},
	}
}

func (a *app) info(ctx context.Context, source string) error {
	cfg, err := a.loadConfig(config.Config{})
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

	info, err := client.Head(ctx, source)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &domain.EmptyOrUnreachableError{Source: source, Err: err}
	}

	size := "unknown"
	if info.Size >= 0 {
		size = fmt.Sprintf("%s (%d bytes)", progress.FormatBytes(info.Size), info.Size)
	}
	ranges := "no"
	if info.AcceptsRanges {
		ranges = "yes"
	}
	name := naming.FromDisposition(info.ContentDisposition)
	if name == "" {
		name = naming.FromURL(source)
	}

	w := a.stdout
	fmt.Fprintf(w, "URL:           %s\n", source)
	fmt.Fprintf(w, "Size:          %s\n", size)
	fmt.Fprintf(w, "Accept-Ranges: %s\n", ranges)
	if name != "" {
		fmt.Fprintf(w, "File name:     %s\n", name)
	}
	if info.ContentType != "" {
		fmt.Fprintf(w, "Content-Type:  %s\n", info.ContentType)
	}
	if info.ETag != "" {
		fmt.Fprintf(w, "ETag:          %s\n", info.ETag)
	}
	if !info.LastModified.IsZero() {
		fmt.Fprintf(w, "Last-Modified: %s\n", info.LastModified.Format(time.RFC1123))
	}
	return nil
}
