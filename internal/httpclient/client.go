// Package httpclient is the single place where outbound timeout, retry and
// backoff policy lives. Token exchanges, usage polls and proxied calls all go
// through Client.Send.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quotaguard/quotamux/internal/logging"
	"github.com/quotaguard/quotamux/internal/metrics"
)

// DefaultRetryableStatusCodes are retried when the caller does not supply a set.
var DefaultRetryableStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooEarly,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Options controls one Send call. Zero fields fall back to the client defaults.
type Options struct {
	Timeout              time.Duration
	MaxAttempts          int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	// JitterRatio scales the random part of each backoff. Nil keeps the
	// default; a ratio of 0 disables jitter.
	JitterRatio          *float64
	RetryableStatusCodes []int
}

// Ratio returns a pointer to r for Options.JitterRatio.
func Ratio(r float64) *float64 {
	return &r
}

// DefaultOptions returns the policy used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Timeout:              15 * time.Second,
		MaxAttempts:          3,
		BaseDelay:            250 * time.Millisecond,
		MaxDelay:             4 * time.Second,
		JitterRatio:          Ratio(0.2),
		RetryableStatusCodes: DefaultRetryableStatusCodes,
	}
}

func (o Options) merge(override *Options) Options {
	if override == nil {
		return o
	}
	if override.Timeout > 0 {
		o.Timeout = override.Timeout
	}
	if override.MaxAttempts > 0 {
		o.MaxAttempts = override.MaxAttempts
	}
	if override.BaseDelay > 0 {
		o.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		o.MaxDelay = override.MaxDelay
	}
	if override.JitterRatio != nil {
		o.JitterRatio = override.JitterRatio
	}
	if override.RetryableStatusCodes != nil {
		o.RetryableStatusCodes = override.RetryableStatusCodes
	}
	return o
}

func (o Options) retryable(status int) bool {
	for _, code := range o.RetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// RequestSpec describes the request to send. Body is replayed on every attempt.
type RequestSpec struct {
	Method string
	Header http.Header
	Body   []byte
}

// NetworkError is a transient transport failure or per-attempt timeout.
type NetworkError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed after %d attempt(s): %s", e.URL, e.Attempts, logging.RedactError(e.Err))
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the last attempt hit its deadline.
func (e *NetworkError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Client sends requests with per-attempt timeouts and retries.
type Client struct {
	http      *http.Client
	defaults  Options
	userAgent string
	metrics   *metrics.Metrics

	mu     sync.Mutex
	rng    *rand.Rand
	random func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport replaces the underlying transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.http.Transport = rt
	}
}

// WithUserAgent sets the User-Agent applied when a request carries none.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMetrics records one observation per attempt.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = fn
	}
}

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) ClientOption {
	return func(c *Client) {
		c.random = fn
	}
}

func defaultTransport() http.RoundTripper {
	t, err := NewTransport(TransportOptions{})
	if err != nil {
		return http.DefaultTransport
	}
	return t
}

// New creates a Client using defaults for any Send call without overrides.
func New(defaults Options, opts ...ClientOption) *Client {
	c := &Client{
		http:     &http.Client{Transport: defaultTransport()},
		defaults: DefaultOptions().merge(&defaults),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.random == nil {
		c.random = c.lockedFloat
	}
	return c
}

func (c *Client) lockedFloat() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

// Defaults returns the client's default options.
func (c *Client) Defaults() Options {
	return c.defaults
}

// Send issues the request, retrying transient failures and retryable statuses.
// A non-2xx response is returned as-is once it is not retryable or attempts run
// out. A cancelled ctx is returned immediately without retrying.
func (c *Client) Send(ctx context.Context, rawURL string, spec RequestSpec, opts *Options) (*http.Response, error) {
	o := c.defaults.merge(opts)
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	host := hostOf(rawURL)

	var lastErr error
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.do(ctx, rawURL, spec, o.Timeout)
		var delay time.Duration
		if err != nil {
			if ctx.Err() != nil {
				c.observe(host, "cancelled")
				return nil, ctx.Err()
			}
			c.observe(host, "network_error")
			lastErr = &NetworkError{URL: redactURL(rawURL), Attempts: attempt, Err: err}
			if attempt == o.MaxAttempts {
				break
			}
			delay = c.backoff(o, attempt)
		} else {
			if !o.retryable(resp.StatusCode) || attempt == o.MaxAttempts {
				c.observe(host, statusOutcome(resp.StatusCode))
				return resp, nil
			}
			c.observe(host, "retry")
			if hint, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				delay = min(o.MaxDelay, hint)
			} else {
				delay = c.backoff(o, attempt)
			}
			drain(resp)
		}

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, rawURL string, spec RequestSpec, timeout time.Duration) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, body)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vals := range spec.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// backoff is min(maxDelay, base*2^(attempt-1)) scaled by 1+jitter*random.
func (c *Client) backoff(o Options, attempt int) time.Duration {
	exp := float64(o.BaseDelay) * math.Pow(2, float64(attempt-1))
	d := math.Min(float64(o.MaxDelay), exp)
	if o.JitterRatio == nil || *o.JitterRatio == 0 {
		return time.Duration(d)
	}
	return time.Duration(d * (1 + *o.JitterRatio*c.random()))
}

func (c *Client) observe(host, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordHTTPAttempt(host, outcome)
	}
}

func statusOutcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "success"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}

// cancelOnClose keeps the attempt context alive until the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// redactURL strips the query string, which may carry credentials.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
