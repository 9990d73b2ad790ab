// Package httpretry provides an HTTP client with bounded retries,
// exponential backoff with jitter, and a pluggable retry policy.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy decides whether an attempt should be retried. Exactly one of
// resp and err is non-nil.
type Policy func(resp *http.Response, err error) bool

// TransientOnly retries transport errors and 429/5xx gateway statuses.
func TransientOnly(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return isRetryableStatus(resp.StatusCode)
}

// AnyFailure retries transport errors and every non-2xx status.
func AnyFailure(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode < 200 || resp.StatusCode > 299
}

// RetryClient wraps an HTTPDoer with retry logic.
type RetryClient struct {
	client      HTTPDoer
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	policy      Policy
}

// Option configures a RetryClient.
type Option func(*RetryClient)

// WithMaxAttempts sets the total number of attempts, first try included.
func WithMaxAttempts(n int) Option {
	return func(rc *RetryClient) {
		if n > 0 {
			rc.maxAttempts = n
		}
	}
}

// WithBackoff sets the base and cap of the exponential backoff.
func WithBackoff(base, max time.Duration) Option {
	return func(rc *RetryClient) {
		rc.baseDelay = base
		rc.maxDelay = max
	}
}

// WithPolicy replaces the default TransientOnly policy.
func WithPolicy(p Policy) Option {
	return func(rc *RetryClient) {
		if p != nil {
			rc.policy = p
		}
	}
}

// NewRetryClient creates a RetryClient that wraps the given HTTPDoer.
// If client is nil, an http.Client with a 30s timeout is used. The default
// is 4 attempts with TransientOnly.
func NewRetryClient(client HTTPDoer, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	rc := &RetryClient{
		client:      client,
		maxAttempts: 4,
		baseDelay:   1 * time.Second,
		maxDelay:    30 * time.Second,
		policy:      TransientOnly,
	}
	for _, o := range opts {
		o(rc)
	}
	return rc
}

// Do executes the request, retrying while the policy allows and attempts
// remain. Context cancellation is never retried. On the final attempt the
// response is returned as-is so the caller can read the status and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= rc.maxAttempts; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 1 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.calculateDelay(attempt - 1)
			logger.Debug("httpretry: retrying",
				"attempt", attempt, "max_attempts", rc.maxAttempts,
				"method", req.Method, "host", req.URL.Host, "path", req.URL.Path, "delay", delay.String())

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			if !rc.policy(nil, err) {
				return nil, err
			}
			continue
		}

		if !rc.policy(resp, nil) || attempt == rc.maxAttempts {
			return resp, nil
		}

		// drain for connection reuse
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// calculateDelay returns random(0, min(maxDelay, baseDelay*2^(retry-1))),
// floored at a small minimum unless the base delay is zero.
func (rc *RetryClient) calculateDelay(retry int) time.Duration {
	if rc.baseDelay <= 0 {
		return 0
	}
	expDelay := float64(rc.baseDelay) * math.Pow(2, float64(retry-1))
	if expDelay > float64(rc.maxDelay) {
		expDelay = float64(rc.maxDelay)
	}
	jittered := time.Duration(rand.Float64() * expDelay)
	if floor := rc.baseDelay / 10; jittered < floor {
		jittered = floor
	}
	return jittered
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
