package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/BadgerOps/taleport/internal/safety"
)

// DefaultMaxBodySize caps JSON responses read into memory.
const DefaultMaxBodySize int64 = 64 << 20

// ProgressFunc is called periodically to report download progress.
// bytesDownloaded is the number of bytes downloaded so far,
// totalBytes is the total size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// DownloadOptions contains configuration for a single download.
type DownloadOptions struct {
	URL              string
	DestPath         string
	Header           http.Header
	ExpectedChecksum string // SHA256 hex string, empty to skip validation
	ExpectedSize     int64  // 0 to skip size check
	RetryCount       int    // 0 uses the client default
	OnProgress       ProgressFunc
}

// DownloadResult contains the result of a successful download.
type DownloadResult struct {
	Path     string        // Path to the downloaded file
	Size     int64         // Final file size in bytes
	SHA256   string        // SHA256 checksum in hex
	Resumed  bool          // Whether the download was resumed
	Attempts int           // Number of attempts made
	Duration time.Duration // Total download duration
}

// Client is the HTTP client shared by every repository adapter. It
// rate-limits outgoing requests, retries transient failures and can stream
// content to disk with resume and checksum validation.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	limiter     *rate.Limiter
	retryCount  int
	maxBodySize int64
	backoffFunc func(attempt int) time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outgoing requests at rps with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetryCount sets how many attempts a request gets.
func WithRetryCount(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retryCount = n
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a new client with the given logger.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall Timeout; body reads can take as long as needed.
			// Context cancellation still works for user-initiated cancel.
		},
		logger:      logger,
		userAgent:   "taleport/1.0",
		retryCount:  3,
		maxBodySize: DefaultMaxBodySize,
		backoffFunc: calculateBackoffDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Request helpers
// ============================================================================

// Head issues a HEAD request, following redirects. The returned response has
// its body closed; the final URL is resp.Request.URL.
func (c *Client) Head(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	resp, err := c.do(ctx, http.MethodHead, url, nil, header)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

// Get issues a GET request and returns the open response. The caller closes
// the body.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, url, nil, header)
}

// GetJSON fetches url and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out interface{}) error {
	h := cloneHeader(header)
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	resp, err := c.do(ctx, http.MethodGet, url, nil, h)
	if err != nil {
		return err
	}
	return c.decodeBody(resp, url, out)
}

// PostJSON sends body as JSON and decodes the JSON reply into out.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	h := cloneHeader(header)
	h.Set("Content-Type", "application/json")
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	resp, err := c.do(ctx, http.MethodPost, url, payload, h)
	if err != nil {
		return err
	}
	return c.decodeBody(resp, url, out)
}

func (c *Client) decodeBody(resp *http.Response, url string, out interface{}) error {
	defer resp.Body.Close()
	data, err := safety.ReadAllWithLimit(resp.Body, c.maxBodySize)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// do performs a request with rate limiting and retries. Non-2xx replies
// become *HTTPError.
func (c *Client) do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, vals := range header {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err == nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			err = &HTTPError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       string(errBody),
				URL:        url,
			}
		} else {
			err = fmt.Errorf("http request failed: %w", err)
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || shouldNotRetry(err) {
			return nil, err
		}
		c.logger.Debug("request attempt failed", "method", method, "url", url, "attempt", attempt, "error", err)

		if attempt < c.retryCount {
			select {
			case <-time.After(c.backoffFunc(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("request cancelled during retry: %w", ctx.Err())
			}
		}
	}
	if c.retryCount == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.retryCount, lastErr)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

// ============================================================================
// Download
// ============================================================================

// Download downloads a file from the given URL to the destination path.
// It supports resumable downloads, retries with exponential backoff, and checksum validation.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.RetryCount == 0 {
		opts.RetryCount = c.retryCount
	}

	startTime := time.Now()
	var lastErr error
	var resumed bool

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("download cancelled: %w", err)
		}

		// Resume only when a smaller partial file exists
		offset := int64(0)
		if fi, err := os.Stat(opts.DestPath); err == nil {
			existingSize := fi.Size()
			if opts.ExpectedSize > 0 && existingSize < opts.ExpectedSize {
				offset = existingSize
				resumed = true
			} else if existingSize > 0 {
				_ = os.Remove(opts.DestPath)
			}
		}

		if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}

		flags := os.O_CREATE | os.O_WRONLY
		if offset > 0 {
			flags |= os.O_APPEND
		}
		file, err := os.OpenFile(opts.DestPath, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}

		result, err := c.downloadAttempt(ctx, file, opts, offset, attempt)
		file.Close()

		if err == nil {
			result.Resumed = resumed && attempt == 1
			result.Attempts = attempt
			result.Duration = time.Since(startTime)
			return result, nil
		}

		lastErr = err
		c.logger.Warn("download attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		// Keep the partial file on cancellation so a later call can resume
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if shouldNotRetry(err) {
			_ = os.Remove(opts.DestPath)
			return nil, err
		}

		if attempt < opts.RetryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying download", "url", opts.URL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", opts.RetryCount, lastErr)
}

// downloadAttempt performs a single download attempt.
func (c *Client) downloadAttempt(ctx context.Context, file *os.File, opts DownloadOptions, offset int64, attempt int) (*DownloadResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vals := range opts.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
			URL:        opts.URL,
		}
	}

	// 200 on a ranged request means the server ignored the range
	if resp.StatusCode == http.StatusOK && offset > 0 {
		_ = file.Truncate(0)
		_, _ = file.Seek(0, io.SeekStart)
		offset = 0
	}

	totalSize := resp.ContentLength
	if totalSize > 0 && offset > 0 {
		totalSize += offset
	}
	if totalSize < 0 {
		totalSize = opts.ExpectedSize
	}

	reader := io.Reader(resp.Body)
	if opts.OnProgress != nil {
		reader = &progressReader{
			reader:   resp.Body,
			callback: opts.OnProgress,
			current:  offset,
			total:    totalSize,
		}
	}

	written, err := io.Copy(file, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to write to file: %w", err)
	}
	finalSize := offset + written

	// Hash the whole file, resumed downloads only fetched the tail
	sha256Hex, err := hashFile(opts.DestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}

	if opts.ExpectedChecksum != "" {
		if sha256Hex != opts.ExpectedChecksum {
			_ = os.Remove(opts.DestPath)
			return nil, fmt.Errorf("checksum mismatch: got %s, expected %s", sha256Hex, opts.ExpectedChecksum)
		}
		if opts.ExpectedSize > 0 && finalSize != opts.ExpectedSize {
			c.logger.Warn("size differs from metadata but checksum matches, accepting file",
				"path", opts.DestPath, "got_size", finalSize, "expected_size", opts.ExpectedSize)
		}
	} else if opts.ExpectedSize > 0 && finalSize != opts.ExpectedSize {
		_ = os.Remove(opts.DestPath)
		return nil, fmt.Errorf("size mismatch: got %d bytes, expected %d", finalSize, opts.ExpectedSize)
	}

	return &DownloadResult{
		Path:     opts.DestPath,
		Size:     finalSize,
		SHA256:   sha256Hex,
		Attempts: attempt,
	}, nil
}

// hashFile computes the SHA256 hex digest of an entire file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// 4xx other than 429 is final
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("http error %d from %s: %s", e.StatusCode, e.URL, e.Status)
	}
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.callback != nil {
			pr.callback(pr.current, pr.total)
		}
	}
	return n, err
}
