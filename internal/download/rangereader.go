package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// RangeReader reads a remote object with HTTP Range requests. It satisfies
// io.ReaderAt so archive/zip can list and extract members without fetching
// the whole archive.
type RangeReader struct {
	ctx    context.Context
	client *Client
	url    string
	size   int64
}

// OpenRange prepares a RangeReader for url, using HEAD to learn the size.
func (c *Client) OpenRange(ctx context.Context, url string) (*RangeReader, error) {
	resp, err := c.Head(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("server did not report a size for %s", url)
	}
	return &RangeReader{
		ctx:    ctx,
		client: c,
		url:    resp.Request.URL.String(),
		size:   resp.ContentLength,
	}, nil
}

// Size is the total length of the remote object.
func (r *RangeReader) Size() int64 { return r.size }

// ReadAt implements io.ReaderAt.
func (r *RangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}

	h := http.Header{}
	h.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	resp, err := r.client.Get(r.ctx, r.url, h)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		// Range ignored, skip ahead in the full body
		if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
			return 0, fmt.Errorf("failed to skip to offset %d: %w", off, err)
		}
	}

	want := int(end - off + 1)
	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
