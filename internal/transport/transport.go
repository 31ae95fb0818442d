// Package transport implements the single protected call path used by
// every external service client: circuit breaker around a retry loop,
// with each attempt consuming budget and holding an in-flight slot.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Kkasuga904/sedori/internal/models"
	"github.com/Kkasuga904/sedori/internal/ratelimit"
)

const (
	connectTimeout = 2 * time.Second
	headerTimeout  = 5 * time.Second
)

// ErrRetryExhausted marks a call that failed with retryable outcomes on
// every allowed attempt.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// errRetryable tags outcomes the retry loop is allowed to repeat.
var errRetryable = errors.New("retryable")

// StatusError is a non-retryable HTTP failure (4xx other than 429).
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, truncate(e.Body, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RetryPolicy bounds the retry loop. Base and MaxSleep shape the
// exponential backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxSleep    time.Duration
}

// Result is a successful HTTP exchange with the body drained.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client drives requests for one external service. Budget limit and
// semaphore are keyed so one Client can serve several endpoints.
type Client struct {
	httpc       *http.Client
	budget      *ratelimit.RequestBudget
	budgetLimit int
	sem         *ratelimit.KeySemaphore
	breaker     *ratelimit.Breaker
	retry       RetryPolicy
	log         zerolog.Logger
}

func NewClient(
	budget *ratelimit.RequestBudget,
	budgetLimit int,
	sem *ratelimit.KeySemaphore,
	breaker *ratelimit.Breaker,
	retry RetryPolicy,
	logger zerolog.Logger,
) *Client {
	return &Client{
		httpc: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		budget:      budget,
		budgetLimit: budgetLimit,
		sem:         sem,
		breaker:     breaker,
		retry:       retry,
		log:         logger,
	}
}

// SetHTTPClient swaps the underlying HTTP client. Tests use this to
// install stub round trippers.
func (c *Client) SetHTTPClient(httpc *http.Client) { c.httpc = httpc }

// loop outcome distinguishes budget exhaustion from success: budget
// exhaustion says nothing about the service's health, so it is never
// reported to the breaker in either direction.
type outcome struct {
	res            *Result
	budgetExceeded bool
}

// Do runs the protected call path for one logical request. build is
// invoked once per attempt so headers that depend on time are fresh.
//
// The three soft outcomes (open circuit, spent budget, exhausted
// retries) return a nil Result with degraded flags and a nil error.
// Fatal outcomes (StatusError, request construction failures,
// non-retryable transport errors) return the error itself.
func (c *Client) Do(ctx context.Context, key string, build func(ctx context.Context) (*http.Request, error)) (*Result, models.ServiceFlags, error) {
	report, err := c.breaker.Allow()
	if err != nil {
		c.log.Warn().Str("key", key).Msg("circuit open, skipping call")
		return nil, models.ServiceFlags{Degraded: true, CircuitOpen: true, Reason: models.ReasonCircuitOpen}, nil
	}

	out, err := c.attempt(ctx, key, build)
	if err != nil {
		report(false)
		if errors.Is(err, ErrRetryExhausted) {
			c.log.Warn().Str("key", key).Msg("retries exhausted")
			return nil, models.ServiceFlags{Degraded: true, Reason: models.ReasonRetryExhausted}, nil
		}
		return nil, models.ServiceFlags{}, err
	}
	if out.budgetExceeded {
		c.log.Warn().Str("key", key).Msg("request budget exhausted")
		return nil, models.ServiceFlags{Degraded: true, Reason: models.ReasonBudgetExceeded}, nil
	}
	report(true)
	return out.res, models.ServiceFlags{}, nil
}

func (c *Client) attempt(ctx context.Context, key string, build func(ctx context.Context) (*http.Request, error)) (*outcome, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.Base
	bo.MaxInterval = c.retry.MaxSleep
	bo.MaxElapsedTime = 0

	attempts := uint64(1)
	if c.retry.MaxAttempts > 1 {
		attempts = uint64(c.retry.MaxAttempts)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx)

	res, err := backoff.RetryWithData(func() (*Result, error) {
		return c.sendOnce(ctx, key, build)
	}, policy)
	switch {
	case err == nil:
		return &outcome{res: res}, nil
	case errors.Is(err, ratelimit.ErrBudgetExceeded):
		return &outcome{budgetExceeded: true}, nil
	case errors.Is(err, errRetryable):
		return nil, fmt.Errorf("%w: %w", ErrRetryExhausted, err)
	default:
		return nil, err
	}
}

func (c *Client) sendOnce(ctx context.Context, key string, build func(ctx context.Context) (*http.Request, error)) (*Result, error) {
	if _, err := c.budget.Consume(key, c.budgetLimit); err != nil {
		return nil, backoff.Permanent(err)
	}
	release, err := c.sem.Acquire(ctx, key)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	defer release()

	req, err := build(ctx)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if retryableNetError(err) {
			c.log.Debug().Str("key", key).Err(err).Msg("transport error, retrying")
			return nil, fmt.Errorf("%w: %w", errRetryable, err)
		}
		return nil, backoff.Permanent(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", errRetryable, err)
	}

	switch {
	case retryableStatus(resp.StatusCode):
		c.log.Debug().Str("key", key).Int("status", resp.StatusCode).Msg("retryable status")
		return nil, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(&StatusError{Status: resp.StatusCode, Body: string(body)})
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryableNetError covers timeouts and connection-level failures.
// Anything else at the transport layer is fatal for the call.
func retryableNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
