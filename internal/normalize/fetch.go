package normalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/cenkalti/backoff.v1"

	"studio/internal/domain"
)

const maxImageBytes = 32 << 20

// Fetcher downloads the bytes behind an image URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, rawURL string) ([]byte, string, error)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	return f(ctx, rawURL)
}

// StatusError reports a non-2xx download response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download status %d", e.StatusCode)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// HTTPFetcher is the default Fetcher backed by an *http.Client.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with a 30s client when client is nil.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", fmt.Errorf("normalize: invalid image url %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("normalize: build download request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: download image: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", &StatusError{URL: parsed.Redacted(), StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read image: %v", domain.ErrTransport, err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("normalize: image exceeds %d bytes", maxImageBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// retryable separates transient download failures from permanent ones.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	return errors.Is(err, domain.ErrTransport)
}

// fetchOnceRetried calls the fetcher and retries a transient failure at most
// once after delay.
func (n *Normalizer) fetchOnceRetried(ctx context.Context, rawURL string) ([]byte, string, error) {
	var (
		data []byte
		mime string
	)
	op := func() error {
		var err error
		data, mime, err = n.fetcher.Fetch(ctx, rawURL)
		if err == nil && len(data) == 0 {
			err = fmt.Errorf("normalize: empty image body from %s", redactURL(rawURL))
		}
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxTries(backoff.NewConstantBackOff(n.retryDelay), 1), ctx)
	notify := func(err error, wait time.Duration) {
		n.logger.Debug().Err(err).Str("url", redactURL(rawURL)).Dur("wait", wait).Msg("normalize: retrying image download")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, "", err
	}
	return data, mime, nil
}
