// Package fetch is the resilient HTTP client used for every upstream
// statistics provider call.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/briangreenhill/statcache/internal/errs"
	"github.com/briangreenhill/statcache/internal/metrics"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxRetries  = 2
	DefaultBackoffBase = 500 * time.Millisecond

	// NoRetries makes a Call try exactly once. A zero MaxRetries means
	// "use the client default", not zero retries.
	NoRetries = -1

	maxBodyBytes = 32 << 20
	tracerName   = "github.com/briangreenhill/statcache/fetch"
)

// Options bound a single Call. Zero values use the client defaults, so a
// single attempt is asked for with MaxRetries: NoRetries.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
}

// RetryState is the progress of one Call. It does not outlive the call.
type RetryState struct {
	Attempt   int
	LastErr   error
	NextDelay time.Duration
}

type Client struct {
	http     *http.Client
	tokens   oauth2.TokenSource
	limiter  *rate.Limiter
	headers  http.Header
	backoff  time.Duration
	defaults Options
	onRetry  func(url string, st RetryState)
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTokenSource authenticates every request with tokens from ts
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithRateLimit caps the request rate to the provider. Waiting for a token
// counts against the caller's context, not the attempt timeout.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(r, burst)
	}
}

func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithBackoffBase sets the linear backoff unit: the delay after attempt n is
// base*(n+1)
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithDefaults sets the options used for zero fields of a Call's Options.
// MaxRetries: NoRetries disables retries by default.
func WithDefaults(o Options) Option {
	return func(c *Client) {
		if o.Timeout > 0 {
			c.defaults.Timeout = o.Timeout
		}
		if o.MaxRetries != 0 {
			c.defaults.MaxRetries = o.MaxRetries
		}
	}
}

// WithRetryObserver is called before each backoff sleep
func WithRetryObserver(fn func(url string, st RetryState)) Option {
	return func(c *Client) { c.onRetry = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

func New(opts ...Option) *Client {
	c := &Client{
		http:     http.DefaultClient,
		headers:  http.Header{},
		backoff:  DefaultBackoffBase,
		defaults: Options{Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries},
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	if c.tokens != nil {
		base := c.http.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		hc := *c.http
		hc.Transport = &oauth2.Transport{Source: c.tokens, Base: base}
		c.http = &hc
	}
	return c
}

func (c *Client) resolve(o Options) Options {
	if o.Timeout <= 0 {
		o.Timeout = c.defaults.Timeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = c.defaults.MaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Call GETs url and returns its JSON body. Transient failures (5xx, 429,
// timeouts, network errors) are retried up to opts.MaxRetries times with
// linear backoff; any other 4xx fails after one attempt. Failures are
// *errs.Error values.
func (c *Client) Call(ctx context.Context, url string, opts Options) (json.RawMessage, error) {
	opts = c.resolve(opts)

	ctx, span := c.tracer.Start(ctx, "fetch.Call", trace.WithAttributes(
		attribute.String("http.url", url),
		attribute.Int("fetch.max_retries", opts.MaxRetries),
	))
	defer span.End()

	var st RetryState
	for st.Attempt = 0; ; st.Attempt++ {
		body, err := c.attempt(ctx, url, opts.Timeout)
		if err == nil {
			c.metrics.FetchAttempt("ok")
			span.SetAttributes(attribute.Int("fetch.attempts", st.Attempt+1))
			return body, nil
		}
		c.metrics.FetchAttempt(string(err.Kind))
		st.LastErr = err

		if !err.Kind.Transient() || st.Attempt >= opts.MaxRetries || ctx.Err() != nil {
			err.Attempts = st.Attempt + 1
			span.SetAttributes(attribute.Int("fetch.attempts", err.Attempts))
			span.RecordError(err)
			span.SetStatus(codes.Error, string(err.Kind))
			c.logger.Warn().Err(err).Str("url", url).Int("attempts", err.Attempts).Str("kind", string(err.Kind)).Msg("upstream call failed")
			return nil, err
		}

		st.NextDelay = c.backoff * time.Duration(st.Attempt+1)
		if c.onRetry != nil {
			c.onRetry(url, st)
		}
		c.logger.Debug().Err(err).Str("url", url).Int("attempt", st.Attempt+1).Dur("backoff", st.NextDelay).Msg("retrying upstream call")
		if serr := c.sleep(ctx, st.NextDelay); serr != nil {
			return nil, errs.Timeout("fetch", st.Attempt+1, serr)
		}
	}
}

// attempt makes one bounded request. The timeout context is released on
// every return path.
func (c *Client) attempt(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, *errs.Error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.Timeout("fetch", 0, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Validation("fetch", fmt.Sprintf("bad request url: %v", err))
	}
	for k, vs := range c.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransport(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !json.Valid(body) {
			return nil, errs.InvalidPayload("fetch", fmt.Errorf("GET %s: %s", url, snippet(body)))
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errs.Transient("fetch", resp.StatusCode, 0, fmt.Sprintf("GET %s: %s", url, resp.Status))
	default:
		return nil, errs.Permanent("fetch", resp.StatusCode, fmt.Sprintf("GET %s: %s: %s", url, resp.Status, snippet(body)))
	}
}

func classifyTransport(err error) *errs.Error {
	var ne interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || (errors.As(err, &ne) && ne.Timeout()) {
		return errs.Timeout("fetch", 0, err)
	}
	return errs.Network("fetch", 0, err)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get calls url and decodes the body into T
func Get[T any](ctx context.Context, c *Client, url string, opts Options) (T, error) {
	var out T
	body, err := c.Call(ctx, url, opts)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, errs.InvalidPayload("fetch", err)
	}
	return out, nil
}
