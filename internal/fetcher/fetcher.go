package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads remote export files.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)

	// HeadETag performs a HEAD request and returns the ETag header value.
	// The Land Registry download host serves stable ETags per monthly file.
	HeadETag(ctx context.Context, url string) (string, error)

	// DownloadIfChanged fetches the URL only when its ETag differs from etag.
	// Returns (body, newETag, changed, error); body is nil when unchanged.
	DownloadIfChanged(ctx context.Context, url string, etag string) (io.ReadCloser, string, bool, error)
}
