package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	userAgent = "User-Agent"

	drainBodyLimit int64 = 100000

	// MaxRequestJobs is the number of in-flight requests a Requester will
	// accept before refusing new work.
	MaxRequestJobs int32 = 50

	// MaxRetryAttempts is the default number of retries after a failed
	// first attempt.
	MaxRetryAttempts = 3
)

var (
	errRequestSystemIsNil   = errors.New("request system is nil")
	errMaxRequestJobs       = errors.New("max request jobs reached")
	errRequestFunctionIsNil = errors.New("request function is nil")
	errRequestItemNil       = errors.New("request item is nil")
	errInvalidPath          = errors.New("invalid path")

	errFailedToRetryRequest = errors.New("failed to retry request")
)

// Requester struct for the request client
type Requester struct {
	HTTPClient  *http.Client
	Name        string
	UserAgent   string
	limiter     Limiter
	backoff     Backoff
	retryPolicy RetryPolicy
	maxRetries  int
	jobs        int32
}

// Item is a temporary holder for an individual request
type Item struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    io.Reader

	// Result, when non-nil, receives the unmarshalled response body.
	Result any

	// StatusResponse, when non-nil, receives the final HTTP status code and
	// disables the 2xx check so callers can decode error payloads carried on
	// non-2xx responses.
	StatusResponse *int

	Verbose bool
}

// Generate is a closure for functions that generate requests. It is called
// once per attempt so request bodies can be rebuilt between retries.
type Generate func() (*Item, error)

// RequesterOption is a function option for the Requester
type RequesterOption func(*Requester)

// WithLimiter sets the rate limiter for the Requester
func WithLimiter(l Limiter) RequesterOption {
	return func(r *Requester) { r.limiter = l }
}

// WithBackoff sets the backoff strategy for the Requester
func WithBackoff(b Backoff) RequesterOption {
	return func(r *Requester) { r.backoff = b }
}

// WithRetryPolicy sets the retry policy for the Requester
func WithRetryPolicy(p RetryPolicy) RequesterOption {
	return func(r *Requester) { r.retryPolicy = p }
}

// WithMaxRetries sets the number of retries after a failed first attempt
func WithMaxRetries(n int) RequesterOption {
	return func(r *Requester) { r.maxRetries = n }
}

// New returns a new Requester
func New(name string, httpRequester *http.Client, opts ...RequesterOption) *Requester {
	r := &Requester{
		HTTPClient:  httpRequester,
		Name:        name,
		backoff:     DefaultBackoff(),
		retryPolicy: DefaultRetryPolicy,
		maxRetries:  MaxRetryAttempts,
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// SendPayload handles sending HTTP requests
func (r *Requester) SendPayload(ctx context.Context, newRequest Generate) error {
	if r == nil {
		return errRequestSystemIsNil
	}

	if newRequest == nil {
		return errRequestFunctionIsNil
	}

	if atomic.LoadInt32(&r.jobs) >= MaxRequestJobs {
		return errMaxRequestJobs
	}

	atomic.AddInt32(&r.jobs, 1)
	err := r.doRequest(ctx, newRequest)
	atomic.AddInt32(&r.jobs, -1)

	return err
}

// validateRequest validates the requester item fields
func (i *Item) validateRequest(ctx context.Context, r *Requester) (*http.Request, error) {
	if i == nil {
		return nil, errRequestItemNil
	}

	if i.Path == "" {
		return nil, errInvalidPath
	}

	req, err := http.NewRequestWithContext(ctx, i.Method, i.Path, i.Body)
	if err != nil {
		return nil, err
	}

	for k, v := range i.Headers {
		req.Header.Add(k, v)
	}

	if r.UserAgent != "" && req.Header.Get(userAgent) == "" {
		req.Header.Add(userAgent, r.UserAgent)
	}

	return req, nil
}

// canRetry reports whether another attempt is permitted for the given item.
// Only idempotent GETs are retried; mutations rely on the caller's own
// idempotency keys instead.
func (r *Requester) canRetry(ctx context.Context, i *Item, attempt int) bool {
	if hasRetryNotAllowed(ctx) {
		return false
	}
	if i.Method != http.MethodGet && i.Method != "" {
		return false
	}
	return attempt <= r.maxRetries
}

func (r *Requester) doRequest(ctx context.Context, newRequest Generate) error {
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Limit(ctx); err != nil {
				return fmt.Errorf("%s rate limit: %w", r.Name, err)
			}
		}

		p, err := newRequest()
		if err != nil {
			return err
		}

		req, err := p.validateRequest(ctx, r)
		if err != nil {
			return err
		}

		if IsVerbose(ctx, p.Verbose) {
			log.Debug().
				Str("service", r.Name).
				Int("attempt", attempt).
				Str("method", p.Method).
				Str("path", p.Path).
				Msg("sending request")
		}

		resp, err := r.HTTPClient.Do(req)
		if retry, checkErr := r.retryPolicy(resp, err); checkErr != nil {
			return checkErr
		} else if retry && r.canRetry(ctx, p, attempt) {
			if err == nil {
				// If the body isn't fully read, the connection cannot be re-used
				r.drainBody(resp.Body)
			}

			after := RetryAfter(resp, time.Now())
			delay := r.backoff(attempt)
			if after > delay {
				delay = after
			}

			if d, ok := req.Context().Deadline(); ok && d.After(time.Now()) && time.Now().Add(delay).After(d) {
				if err != nil {
					return fmt.Errorf("deadline would be exceeded by retry, err: %w", err)
				}
				return fmt.Errorf("deadline would be exceeded by retry, status: %s", resp.Status)
			}

			if IsVerbose(ctx, p.Verbose) {
				log.Debug().
					Str("service", r.Name).
					Dur("delay", delay).
					Int("attempt", attempt).
					Msg("request failed, retrying")
			}

			time.Sleep(delay)
			continue
		} else if retry {
			if err != nil {
				return fmt.Errorf("%w, err: %w", errFailedToRetryRequest, err)
			}
			r.drainBody(resp.Body)
			return fmt.Errorf("%w, status: %s", errFailedToRetryRequest, resp.Status)
		} else if err != nil {
			return err
		}

		contents, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if p.StatusResponse != nil {
			*p.StatusResponse = resp.StatusCode
		} else if resp.StatusCode < http.StatusOK || resp.StatusCode > http.StatusAccepted {
			return fmt.Errorf("%s unsuccessful HTTP status code: %d raw response: %s",
				r.Name,
				resp.StatusCode,
				string(contents))
		}

		if IsVerbose(ctx, p.Verbose) {
			log.Debug().
				Str("service", r.Name).
				Int("status", resp.StatusCode).
				Str("response", string(contents)).
				Msg("received response")
		}

		if p.Result != nil {
			return json.Unmarshal(contents, p.Result)
		}
		return nil
	}
}

func (r *Requester) drainBody(body io.ReadCloser) {
	defer body.Close()
	if _, err := io.Copy(io.Discard, io.LimitReader(body, drainBodyLimit)); err != nil {
		log.Error().
			Str("service", r.Name).
			Err(err).
			Msg("failed to drain request body")
	}
}
