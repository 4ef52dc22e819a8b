// Package downloader handles XMLTV document acquisition over HTTP.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/AntonSheinin/epg-service/internal/httpclient"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-200 upstream response. 4xx responses are
// permanent; 5xx responses are retried.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Downloader fetches remote XMLTV documents with retry on transient
// failures. Network errors and 5xx responses are retried with exponential
// backoff; 4xx responses fail immediately.
type Downloader struct {
	client      HTTPClient
	maxAttempts uint64
	backoff     time.Duration
}

// New creates a Downloader using the shared pooled HTTP client. timeout
// bounds one whole attempt including the body copy; zero keeps the
// client's default.
func New(maxAttempts int, backoff, timeout time.Duration) *Downloader {
	client := httpclient.Default()
	if timeout > 0 {
		client = httpclient.WithTimeout(timeout)
	}
	return NewWithClient(client, maxAttempts, backoff)
}

// NewWithClient creates a Downloader with a custom HTTP client (useful for
// testing).
func NewWithClient(client HTTPClient, maxAttempts int, backoff time.Duration) *Downloader {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Downloader{
		client:      client,
		maxAttempts: uint64(maxAttempts),
		backoff:     backoff,
	}
}

// Fetch downloads url into a temporary file and returns its path together
// with a cleanup func that removes it. The caller owns the file and must
// call cleanup on every exit path. Failed attempts never leave a file
// behind.
func (d *Downloader) Fetch(ctx context.Context, url string) (path string, cleanup func(), err error) {
	b := retry.WithMaxRetries(d.maxAttempts-1, retry.NewExponential(d.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		p, ferr := d.fetchOnce(ctx, url)
		if ferr != nil {
			return ferr
		}
		path = p
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return path, func() { _ = os.Remove(path) }, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "epg-service/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", retry.RetryableError(fmt.Errorf("http get: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", retry.RetryableError(&StatusError{Code: resp.StatusCode})
	default:
		return "", &StatusError{Code: resp.StatusCode}
	}

	tmp, err := os.CreateTemp("", "epg-*.xml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		// Read failure mid-body is as transient as a connection failure.
		return "", retry.RetryableError(fmt.Errorf("read body: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), nil
}

// IsPermanent reports whether err is a client error that retrying cannot
// fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}
