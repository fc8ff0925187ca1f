package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/val-en-tine124/cliant/internal/domain"
)

// Common errors.
var (
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrServerError       = errors.New("http: server error")
	ErrTooManyRedirects  = errors.New("http: too many redirects")
	ErrIdleTimeout       = errors.New("http: body read timed out")
)

// DefaultUserAgent is sent when Options.UserAgent is empty.
const DefaultUserAgent = "cliant/1.0"

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout bounds a HEAD request, the wait for GET response headers and
	// the silence between two reads of a GET body. A body that keeps
	// delivering bytes is never cut off. Zero disables the timeout.
	// Default: 60s
	Timeout time.Duration

	// MaxRedirects is the number of redirects followed before giving up.
	// Default: 10
	MaxRedirects int

	// Username and Password enable basic authentication when Username is set.
	Username string
	Password string

	// Proxy is a proxy URL. Empty means the environment proxy settings.
	Proxy string

	// Headers are added to every request.
	Headers http.Header

	// Cookies are sent with every request.
	Cookies []*http.Cookie

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// HTTP1Only disables HTTP/2 negotiation.
	HTTP1Only bool

	// Logger receives request level debug logs. Nil disables logging.
	Logger *zap.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		Timeout:             60 * time.Second,
		MaxRedirects:        10,
		UserAgent:           DefaultUserAgent,
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	// Size is the content length, or -1 when the server did not report it.
	Size               int64
	ETag               string
	AcceptsRanges      bool
	ContentType        string
	ContentDisposition string
	LastModified       time.Time
}

// RangeResponse represents a response from a range request. The caller owns
// Body and must close it.
type RangeResponse struct {
	Body       io.ReadCloser
	StatusCode int

	// ContentLength is -1 when unknown.
	ContentLength int64

	// ContentRange is the raw Content-Range header, empty if absent.
	ContentRange string

	// ContentEncoding is the raw Content-Encoding header, empty if absent.
	ContentEncoding string

	ETag string
}

// Client is an HTTP client optimized for large file downloads. It performs a
// single request per call; retries are the caller's concern.
type Client struct {
	client *http.Client
	opts   Options
	log    *zap.Logger
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) (*Client, error) {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 100
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		ForceAttemptHTTP2:     !opts.HTTP1Only,
		DisableCompression:    true, // raw bytes for range requests
	}
	if opts.HTTP1Only {
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, &domain.ConfigurationError{Field: "proxy", Reason: err.Error()}
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	maxRedirects := opts.MaxRedirects
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
				}
				return nil
			},
		},
		opts: opts,
		log:  log,
	}, nil
}

// Head performs a HEAD request to get file metadata.
//
// Servers that reject HEAD with 405 or 501 are reported as a FileInfo of
// unknown size rather than an error.
func (c *Client) Head(ctx context.Context, url string) (*FileInfo, error) {
	reqCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	req, err := c.newRequest(reqCtx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req, "head")
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		c.log.Debug("head not supported, size unknown", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return &FileInfo{Size: domain.UnknownSize}, nil
	}
	if err := checkStatusCode(resp.StatusCode, "head"); err != nil {
		return nil, err
	}

	info := &FileInfo{
		Size:               resp.ContentLength,
		ETag:               cleanETag(resp.Header.Get("ETag")),
		AcceptsRanges:      resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:        resp.Header.Get("Content-Type"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}

	return info, nil
}

// GetRange performs a GET for a portion of the file.
// startByte and endByte are inclusive (like HTTP Range header). A negative
// endByte requests everything from startByte; with startByte 0 no Range
// header is sent and the server may compress the body.
//
// Both 200 and 206 responses are returned; validating that the response
// matches the request is left to the caller.
//
// The body fails with ErrIdleTimeout when no bytes arrive for
// Options.Timeout. There is no limit on the total transfer time.
func (c *Client) GetRange(ctx context.Context, url string, startByte, endByte int64) (*RangeResponse, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(reqCtx, http.MethodGet, url)
	if err != nil {
		cancel()
		return nil, err
	}

	switch {
	case endByte >= 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, endByte))
	case startByte > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	default:
		req.Header.Set("Accept-Encoding", "zstd, gzip")
	}

	resp, err := c.do(ctx, req, "get")
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		cancel()
		return nil, &domain.ProtocolError{
			StatusCode:       resp.StatusCode,
			RangeUnsupported: true,
			Err:              ErrRangeNotSupported,
		}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		cancel()
		if err := checkStatusCode(resp.StatusCode, "get"); err != nil {
			return nil, err
		}
		return nil, &domain.ProtocolError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	return &RangeResponse{
		Body:            newIdleBody(resp.Body, c.opts.Timeout, cancel),
		StatusCode:      resp.StatusCode,
		ContentLength:   resp.ContentLength,
		ContentRange:    resp.Header.Get("Content-Range"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		ETag:            cleanETag(resp.Header.Get("ETag")),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "source", Reason: err.Error()}
	}

	for k, values := range c.opts.Headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	for _, cookie := range c.opts.Cookies {
		req.AddCookie(cookie)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}
	return req, nil
}

// do sends req and classifies transport failures.
func (c *Client) do(ctx context.Context, req *http.Request, op string) (*http.Response, error) {
	c.log.Debug("http request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.String("range", req.Header.Get("Range")),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrTooManyRedirects) {
			return nil, &domain.ProtocolError{Err: err}
		}
		return nil, &domain.TransportError{Op: op, Err: err}
	}

	c.log.Debug("http response",
		zap.String("method", req.Method),
		zap.Int("status", resp.StatusCode),
		zap.Int64("content_length", resp.ContentLength),
	)
	return resp, nil
}

// idleBody cancels its request when Read makes no progress for timeout.
type idleBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func newIdleBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{body: body, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() {
			b.expired.Store(true)
			cancel()
		})
	}
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if b.timer != nil && n > 0 && !b.expired.Load() {
		b.timer.Reset(b.timeout)
	}
	if err != nil && !errors.Is(err, io.EOF) && b.expired.Load() {
		err = fmt.Errorf("%w: no data for %s", ErrIdleTimeout, b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.cancel()
	return b.body.Close()
}

// checkStatusCode returns an appropriate error for non-success status codes.
// Transient statuses become retryable transport errors, every other failure
// is a protocol error.
func checkStatusCode(code int, op string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return &domain.TransportError{Op: op, StatusCode: code, Err: ErrServerError}
	case code == http.StatusNotFound:
		return &domain.ProtocolError{StatusCode: code, Err: ErrNotFound}
	case code == http.StatusForbidden:
		return &domain.ProtocolError{StatusCode: code, Err: ErrForbidden}
	case code == http.StatusUnauthorized:
		return &domain.ProtocolError{StatusCode: code, Err: ErrUnauthorized}
	default:
		return &domain.ProtocolError{StatusCode: code, Err: fmt.Errorf("unexpected status code: %d", code)}
	}
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(strings.TrimSpace(header), "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range: end %d before start %d", end, start)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}

// ParseHeader parses a "Key: Value" header line as given on the command line.
func ParseHeader(line string) (key, value string, err error) {
	key, value, ok := strings.Cut(line, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", fmt.Errorf("invalid header %q: expected \"Key: Value\"", line)
	}
	return http.CanonicalHeaderKey(key), strings.TrimSpace(value), nil
}

// ParseCookie parses a "name=value" cookie as given on the command line.
func ParseCookie(s string) (*http.Cookie, error) {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, fmt.Errorf("invalid cookie %q: expected name=value", s)
	}
	return &http.Cookie{Name: name, Value: strings.TrimSpace(value)}, nil
}
