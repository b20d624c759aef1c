// Package fetch implements the resilient request client: a cookie-aware
// HTTP session with identity rotation, bounded retries, and exponential
// backoff with jitter.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"
)

// Recorder receives request-level telemetry. Implementations must be
// safe for concurrent use; a nil Recorder disables reporting.
type Recorder interface {
	RequestStarted()
	RequestFinished(status int, d time.Duration)
	RetryScheduled()
	ErrorRecorded(label string)
}

// Options configures a Client.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	BackoffMax time.Duration
	Jitter     float64

	// Headers is the source's header template, applied under the
	// rotating identity and any per-call overrides.
	Headers map[string]string

	Identities *IdentityPool
	Recorder   Recorder
	Transport  http.RoundTripper
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	URL        string
}

// Client issues GET requests with retry, backoff, and identity
// rotation. Each Client owns its own cookie jar, so session state never
// crosses category workers; share the IdentityPool instead.
type Client struct {
	http  *http.Client
	opts  Options
	pool  *IdentityPool
	rec   Recorder
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a client with a fresh cookie jar.
func NewClient(opts Options) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	pool := opts.Identities
	if pool == nil {
		pool = NewIdentityPool(nil, nil, nil)
	}
	return &Client{
		http: &http.Client{
			Jar:       jar,
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		opts:  opts,
		pool:  pool,
		rec:   opts.Recorder,
		sleep: sleepCtx,
	}, nil
}

// Fetch issues a GET with up to MaxRetries retries on transient
// failures (transport errors, timeouts, 429/502/503/504). Any other
// non-2xx status fails immediately without consuming retry budget.
// The terminal error is always a *RequestError.
func (c *Client) Fetch(ctx context.Context, rawURL string, params url.Values, headers http.Header) (*Response, error) {
	target := rawURL
	if len(params) > 0 {
		sep := "?"
		if u, err := url.Parse(rawURL); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		target = rawURL + sep + params.Encode()
	}

	var (
		lastErr    error
		lastStatus int
	)
	attempts := 0
	for retry := 0; retry <= c.opts.MaxRetries; retry++ {
		if retry > 0 {
			wait := c.backoff(retry)
			if ra := retryAfter(lastErr); ra > 0 {
				wait = ra
			}
			if c.rec != nil {
				c.rec.RetryScheduled()
			}
			slog.Debug("retrying request",
				slog.String("url", target),
				slog.Int("retry", retry),
				slog.Duration("wait", wait),
			)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, &RequestError{URL: target, Status: lastStatus, Attempts: attempts, Err: err}
			}
		}

		attempts++
		resp, err := c.attempt(ctx, target, headers)
		if err == nil {
			return resp, nil
		}
		if resp != nil {
			lastStatus = resp.StatusCode
		}
		lastErr = err
		if c.rec != nil {
			c.rec.ErrorRecorded(Label(err))
		}
		if ctx.Err() != nil || !retryable(err) {
			return nil, &RequestError{URL: target, Status: lastStatus, Attempts: attempts, Err: err}
		}
	}
	return nil, &RequestError{URL: target, Status: lastStatus, Attempts: attempts, Err: lastErr}
}

// attempt performs a single request under a freshly rotated identity.
// The returned error, when non-nil, is already classified.
func (c *Client) attempt(ctx context.Context, target string, headers http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	identity := c.pool.Next()
	req.Header.Set("User-Agent", identity.UserAgent)
	req.Header.Set("Referer", identity.Referer)
	req.Header.Set("Accept-Language", identity.AcceptLanguage)
	for k, vs := range headers {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if c.rec != nil {
		c.rec.RequestStarted()
	}
	start := time.Now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		if c.rec != nil {
			c.rec.RequestFinished(0, time.Since(start))
		}
		return nil, classify(err, 0)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if c.rec != nil {
		c.rec.RequestFinished(httpResp.StatusCode, time.Since(start))
	}
	if err != nil {
		return nil, classify(err, 0)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Header:     httpResp.Header,
		URL:        httpResp.Request.URL.String(),
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		classified := classify(nil, httpResp.StatusCode)
		if rl, ok := classified.(ErrRateLimited); ok {
			if ra := httpResp.Header.Get("Retry-After"); ra != "" {
				classified = ErrRateLimited{Err: &retryAfterError{after: parseRetryAfter(ra), err: rl.Err}}
			}
		}
		return resp, classified
	}
	return resp, nil
}

func (c *Client) backoff(retry int) time.Duration {
	return Backoff(c.opts.Backoff, c.opts.BackoffMax, c.opts.Jitter, retry)
}

// Backoff computes the delay before the k-th retry (1-indexed):
// base * 2^(k-1), capped at max, with a ± jitter fraction applied.
func Backoff(base, max time.Duration, jitter float64, retry int) time.Duration {
	if retry <= 0 {
		retry = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(retry-1))
	if max > 0 && delay > max {
		delay = max
	}
	if jitter > 0 {
		offset := (rand.Float64()*2 - 1) * jitter * float64(delay)
		delay += time.Duration(offset)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

type retryAfterError struct {
	after time.Duration
	err   error
}

func (e *retryAfterError) Error() string {
	return e.err.Error()
}

func (e *retryAfterError) Unwrap() error {
	return e.err
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryAfter digs a server-provided Retry-After hint out of the last
// classified error, if any.
func retryAfter(err error) time.Duration {
	for err != nil {
		if ra, ok := err.(*retryAfterError); ok {
			return ra.after
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
