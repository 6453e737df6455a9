package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mykhaliev/llmdispatch/logger"
)

// RetryAfterHTTPClient wraps an http.Client to capture Retry-After headers
// from 429 responses. Several langchaingo provider backends don't surface
// HTTP headers through their error values, only the error message, so this
// transport intercepts the raw response to extract the header directly.
type RetryAfterHTTPClient struct {
	wrapped *http.Client

	mu               sync.RWMutex
	lastRetryAfter   time.Duration
	lastRetryAfterAt time.Time
}

// NewRetryAfterHTTPClient wraps client (or a default 30s-timeout client if
// nil) with Retry-After capture.
func NewRetryAfterHTTPClient(wrapped *http.Client) *RetryAfterHTTPClient {
	if wrapped == nil {
		wrapped = &http.Client{Timeout: 30 * time.Second}
	}
	return &RetryAfterHTTPClient{wrapped: wrapped}
}

// Do satisfies the Doer interface most langchaingo providers accept.
func (c *RetryAfterHTTPClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.wrapped.Do(req)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := c.extractRetryAfterFromResponse(resp); retryAfter > 0 {
			c.mu.Lock()
			c.lastRetryAfter = retryAfter
			c.lastRetryAfterAt = time.Now()
			c.mu.Unlock()
			if logger.Logger != nil {
				logger.Logger.Debug("captured retry-after from 429 response",
					"retry_after_seconds", retryAfter.Seconds())
			}
		}
	}

	return resp, err
}

// extractRetryAfterFromResponse prefers the millisecond-precision
// retry-after-ms header (seen on Azure OpenAI) over the standard
// second-precision Retry-After header.
func (c *RetryAfterHTTPClient) extractRetryAfterFromResponse(resp *http.Response) time.Duration {
	if msValue := resp.Header.Get("retry-after-ms"); msValue != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(msValue)); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return c.parseRetryAfterHeader(resp.Header.Get("Retry-After"))
}

// Unwrap returns the underlying *http.Client, for providers (like googleai)
// that want a concrete client rather than a Doer.
func (c *RetryAfterHTTPClient) Unwrap() *http.Client {
	return c.wrapped
}

// GetLastRetryAfter returns the last captured duration and its capture time.
// A capture older than 60 seconds is treated as stale and reported as zero.
func (c *RetryAfterHTTPClient) GetLastRetryAfter() (time.Duration, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if time.Since(c.lastRetryAfterAt) > 60*time.Second {
		return 0, time.Time{}
	}
	return c.lastRetryAfter, c.lastRetryAfterAt
}

// ClearRetryAfter discards the cached value so it isn't reused by a later,
// unrelated call.
func (c *RetryAfterHTTPClient) ClearRetryAfter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRetryAfter = 0
	c.lastRetryAfterAt = time.Time{}
}

// parseRetryAfterHeader accepts either a plain integer-seconds value or an
// HTTP-date.
func (c *RetryAfterHTTPClient) parseRetryAfterHeader(value string) time.Duration {
	if value == "" {
		return 0
	}
	value = strings.TrimSpace(value)

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	formats := []string{time.RFC1123, time.RFC1123Z, "Mon, 02 Jan 2006 15:04:05 MST"}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			return time.Second
		}
	}

	if logger.Logger != nil {
		logger.Logger.Warn("could not parse Retry-After header", "value", value)
	}
	return 0
}

// RetryAfterProvider is satisfied by transports that can report a captured
// Retry-After value.
type RetryAfterProvider interface {
	GetLastRetryAfter() (time.Duration, time.Time)
	ClearRetryAfter()
}
