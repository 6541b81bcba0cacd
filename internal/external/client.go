// Package external adapts the scheduler's collaborator interfaces
// (InvoiceGenerator, PDFRenderer, CommunicationDispatcher) to real vendors.
// Every outbound HTTP call goes through BaseClient, which adds circuit
// breaking, bounded retries with backoff, trace propagation and mapping of
// transport failures to AppErrors.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"jewelerp/internal/types"
)

// RetryPolicy bounds the in-call HTTP retries of a BaseClient. It is distinct
// from the batch retry schedule: these retries happen inside a single
// collaborator call and must finish within its timeout.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the policy used by collaborator clients.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient wraps an *http.Client with a circuit breaker. upstream is the
// error code reported when the vendor itself fails.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	upstream    types.ErrorCode
	wait        func(ctx context.Context, d time.Duration) error
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithWaitFunc overrides the backoff wait. Tests use it to avoid real delays.
func WithWaitFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) {
		c.wait = fn
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// NewBreaker builds the circuit breaker shared by collaborator clients: it
// opens after more than five consecutive failures and probes again after 30s.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// NewBaseClient creates a BaseClient. breakerName labels the circuit breaker;
// upstream is the error code used for vendor-side failures.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	upstream types.ErrorCode,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	bc := &BaseClient{
		client:      httpClient,
		breaker:     NewBreaker(breakerName),
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		upstream:    upstream,
		wait:        sleepContext,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes req, retrying 429 and 5xx responses and transport errors.
// Non-retryable responses (2xx-4xx except 429) are returned as-is and the
// caller must close the body. When retries are exhausted, the breaker is
// open, or the request context ends, Do returns an AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if traceID := types.GetRequestID(ctx); traceID != "" {
		req.Header.Set("X-Request-ID", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Buffer the body so it can be replayed on retries.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	attempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			if werr := c.wait(ctx, c.backoff(attempt, resp)); werr != nil {
				lastErr = werr
				break
			}
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.mapError(ctx, lastResp, lastErr)
}

// backoff honors Retry-After when present, otherwise uses exponential backoff
// with jitter in [MinWait, min(MaxWait, MinWait*2^attempt)].
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return min(time.Duration(secs)*time.Second, c.retryPolicy.MaxWait)
			}
			if at, err := http.ParseTime(ra); err == nil {
				wait := time.Until(at)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				return min(wait, c.retryPolicy.MaxWait)
			}
		}
	}

	lo := float64(c.retryPolicy.MinWait)
	hi := math.Min(lo*math.Pow(2, float64(attempt)), float64(c.retryPolicy.MaxWait))
	if hi <= lo {
		return c.retryPolicy.MinWait
	}
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

func (c *BaseClient) mapError(ctx context.Context, resp *http.Response, err error) *types.AppError {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "upstream call timed out", err)
	case errors.Is(err, context.Canceled):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream call canceled", err)
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker is open", err)
	}

	if resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
		}
		return types.NewAppError(c.upstream, fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err)
	}
	return types.NewAppError(c.upstream, "upstream request failed", err)
}
