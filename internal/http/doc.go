// Package http provides the HTTP transport used by the fetcher.
//
// This package handles:
//   - Connection pooling for high parallelism
//   - HEAD requests to get file metadata
//   - Range requests for segmented downloads
//   - Authentication, proxies, cookies and custom headers
//   - Mapping failures onto the domain error taxonomy
//
// Transient failures (network errors, 5xx, 408, 429) are returned as
// domain.TransportError and every other rejection as domain.ProtocolError.
// The client never retries on its own.
//
// # Usage
//
//	client, err := http.NewClient(http.Options{
//	    MaxIdleConnsPerHost: 100,
//	    Timeout:             60 * time.Second,
//	})
//
//	// Get file info
//	info, err := client.Head(ctx, url)
//	// info.Size, info.ETag, info.AcceptsRanges
//
//	// Download a range, end inclusive
//	resp, err := client.GetRange(ctx, url, startByte, endByte)
//	defer resp.Body.Close()
package http
