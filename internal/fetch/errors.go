package fetch

import (
	"fmt"
	"time"
)

// TransientError covers transport failures and 5xx responses: the poll cycle
// fails, counts against the target's breaker, and is expected to clear on
// its own.
type TransientError struct {
	URL string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("fetch: transient failure for %s: %v", e.URL, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RateLimitedError is the remote telling us to slow down (HTTP 429). The
// scheduler reschedules at RetryAfter without a breaker penalty, same as a
// local budget denial.
type RateLimitedError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("fetch: rate limited by %s, retry after %s", e.URL, e.RetryAfter)
}

// ParseError is a response that arrived but could not be decoded as a
// listing page. The fetcher retries the page a couple of times before
// failing the cycle with this.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("fetch: parse page %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is a response status the fetcher has no handling for,
// such as an auth failure or a gone target. Not retried within the cycle.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError indicates request setup failed before any transport
// attempt was made, for example a malformed target URL.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("fetch: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}
