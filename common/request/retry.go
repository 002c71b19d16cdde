package request

import (
	"net"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy determines whether the request should be retried, and if an
// error is encountered, optionally wraps it.
type RetryPolicy func(resp *http.Response, err error) (bool, error)

// DefaultRetryPolicy retries on temporary network errors, rate limit
// responses and responses carrying a Retry-After header. It is the policy
// for third party data providers which signal backpressure this way.
func DefaultRetryPolicy(resp *http.Response, err error) (bool, error) {
	if timeoutErr, ok := err.(net.Error); ok && timeoutErr.Timeout() {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.Header.Get("Retry-After") != "" {
		return true, nil
	}

	return false, nil
}

// ServiceRetryPolicy retries on temporary network errors and 5xx responses.
// 4xx responses are never retried; they carry a decodable error payload for
// the caller. It is the policy for calls between internal services.
func ServiceRetryPolicy(resp *http.Response, err error) (bool, error) {
	if timeoutErr, ok := err.(net.Error); ok && timeoutErr.Timeout() {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	return resp.StatusCode >= http.StatusInternalServerError, nil
}

// RetryAfter parses a Retry-After header and returns how long the server
// asked us to wait, measured from now. Sub-second and malformed values
// yield zero.
func RetryAfter(resp *http.Response, now time.Time) time.Duration {
	if resp == nil {
		return 0
	}

	after := resp.Header.Get("Retry-After")
	if after == "" {
		return 0
	}

	if secs, err := strconv.ParseInt(after, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if when, err := time.Parse(http.TimeFormat, after); err == nil {
		delay := when.Sub(now)
		if delay <= 0 {
			return 0
		}
		return delay
	}

	return 0
}
