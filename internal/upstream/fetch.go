package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rickgao/doge-gateway/internal/metrics"
)

// maxBackoff caps the delay between attempts.
const maxBackoff = 30 * time.Second

// ErrBodyTooLarge is returned when a response exceeds the configured size cap.
var ErrBodyTooLarge = errors.New("upstream body too large")

// StatusError is returned when the upstream answers with anything but 200.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.StatusCode)
}

// IsRetryable returns true if the status should trigger a retry.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Resource is a fully buffered upstream response.
type Resource struct {
	Body        []byte
	ContentType string
}

// Fetch GETs url and buffers the whole body. The body is only returned for a
// 200 response, so callers never see half of a failed download.
func (c *Client) Fetch(ctx context.Context, url string) (*Resource, error) {
	var lastErr error
	backoff := min(max(c.retryBackoff, 0), maxBackoff)

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff / 2
			if backoff > 0 {
				jitter += time.Duration(rand.Int64N(int64(backoff) + 1))
			}
			c.logger.Debug("retrying upstream fetch",
				"attempt", attempt,
				"backoff", jitter,
				"url", url,
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff = min(backoff*2, maxBackoff)
		}

		res, err := c.fetchOnce(ctx, url)
		if err == nil {
			metrics.UpstreamFetches.WithLabelValues("ok").Inc()
			return res, nil
		}

		lastErr = err
		if !retryable(ctx, err) || attempt == c.maxRetries {
			break
		}
		metrics.UpstreamFetches.WithLabelValues("retry").Inc()
	}

	metrics.UpstreamFetches.WithLabelValues("error").Inc()
	if c.maxRetries > 0 {
		return nil, fmt.Errorf("fetch %s: %w", url, lastErr)
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, url string) (*Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, ErrBodyTooLarge
	}

	return &Resource{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// retryable reports whether another attempt could succeed: transport errors
// and 5xx/429 statuses are retried, everything else fails fast.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsRetryable()
	}
	return true
}
