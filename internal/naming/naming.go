// Package naming picks a destination file name when the user did not give
// one.
//
// Candidates are tried in order: the filename parameter of the
// Content-Disposition header, the last segment of the URL path, and finally
// a generated name whose extension is sniffed from the first bytes of the
// resource.
package naming

import (
	"context"
	"io"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/val-en-tine124/cliant/internal/fetcher"
	httpclient "github.com/val-en-tine124/cliant/internal/http"
	"github.com/val-en-tine124/cliant/internal/logger"
)

// SniffSize is the number of leading bytes used to detect the file type.
const SniffSize = 2048

// GeneratedPrefix starts every generated file name.
const GeneratedPrefix = "cliant-"

// Resolver resolves destination paths.
type Resolver struct {
	// FS is used to check whether the output is a directory.
	FS billy.Filesystem

	// Transport fetches the leading bytes for type detection. Nil skips it.
	Transport fetcher.Transport

	Logger *zap.Logger
}

// Resolve returns the destination for source. An output that is empty or an
// existing directory gets an inferred file name; any other output is
// returned unchanged. info may be nil.
func (r *Resolver) Resolve(ctx context.Context, output, source string, info *httpclient.FileInfo) string {
	log := logger.OrNop(r.Logger)

	dir := ""
	if output != "" {
		if !r.isDir(output) && !strings.HasSuffix(output, "/") {
			return output
		}
		dir = output
	}

	var name string
	if info != nil {
		name = FromDisposition(info.ContentDisposition)
	}
	if name == "" {
		name = FromURL(source)
	}
	if name == "" {
		ext := r.sniff(ctx, source)
		name = Generated(ext)
		log.Info("no file name in response or URL, generated one", zap.String("name", name))
	}

	return filepath.Join(dir, name)
}

func (r *Resolver) isDir(p string) bool {
	if r.FS == nil {
		return false
	}
	fi, err := r.FS.Stat(p)
	return err == nil && fi.IsDir()
}

func (r *Resolver) sniff(ctx context.Context, source string) string {
	if r.Transport == nil {
		return ""
	}
	resp, err := r.Transport.GetRange(ctx, source, 0, SniffSize-1)
	if err != nil {
		logger.OrNop(r.Logger).Debug("sniff file type", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	head, err := io.ReadAll(io.LimitReader(resp.Body, SniffSize))
	if err != nil && len(head) == 0 {
		return ""
	}
	return Extension(head)
}

// Extension returns the file extension for data, including the leading dot,
// or "" when the type is not recognized.
func Extension(data []byte) string {
	return mimetype.Detect(data).Extension()
}

// Generated returns a unique file name with ext.
func Generated(ext string) string {
	return GeneratedPrefix + ksuid.New().String() + ext
}

// FromDisposition returns the filename parameter of a Content-Disposition
// header, or "" when there is none.
func FromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	// mime decodes filename* into filename.
	return sanitize(params["filename"])
}

// FromURL returns the last segment of the URL path, or "" when the path has
// none.
func FromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return sanitize(path.Base(u.Path))
}

// sanitize strips directories so that a name can never escape the output
// directory.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}
