// Package fetcher provides the shared HTTP client used by every upstream
// API client: per-host adaptive rate limiting, a breaker per host and
// retries on 429/5xx and network failures.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ecademy/leadfunnel/internal/resilience"
)

// ObserveFunc receives the outcome of every attempt. status is 0 for
// transport errors.
type ObserveFunc func(host string, status int, elapsed time.Duration)

// Options configures a Client.
type Options struct {
	UserAgent     string
	Timeout       time.Duration
	Policy        resilience.Policy
	RatePerSecond float64
	Burst         int
	Logger        *zap.Logger
	Observe       ObserveFunc
}

// Client is an http.Client wrapper whose Do is safe to hand to the pkg/
// API clients.
type Client struct {
	http *http.Client
	opts Options

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
	breakers map[string]*resilience.Breaker
}

// New returns a Client. Zero options fall back to a 30s timeout, the
// default retry policy and 5 requests per second per host.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Policy.Attempts == 0 {
		opts.Policy = resilience.DefaultPolicy()
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = max(int(opts.RatePerSecond), 1)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "leadfunnel/1.0"
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Policy.Notify == nil {
		opts.Policy.Notify = resilience.LogRetries(opts.Logger, "fetcher", "request")
	}

	return &Client{
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
		breakers: make(map[string]*resilience.Breaker),
	}
}

func (c *Client) hostState(host string) (*AdaptiveLimiter, *resilience.Breaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(rate.Limit(c.opts.RatePerSecond), c.opts.Burst)
		c.limiters[host] = lim
		c.breakers[host] = resilience.NewBreaker(5, 30*time.Second)
	}
	return lim, c.breakers[host]
}

// Do sends req, retrying when the upstream is briefly unavailable. A
// response is returned only for statuses that are not retryable; callers
// still check for 4xx. Request bodies must be replayable (GetBody set),
// which http.NewRequest arranges for bytes and strings readers.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	host := req.URL.Host
	lim, br := c.hostState(host)

	return resilience.DoValue(ctx, c.opts.Policy, func(ctx context.Context) (*http.Response, error) {
		if err := br.Allow(); err != nil {
			return nil, eris.Wrapf(err, "fetcher: %s", host)
		}
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		attempt, err := clone(ctx, req)
		if err != nil {
			return nil, err
		}
		if attempt.Header.Get("User-Agent") == "" {
			attempt.Header.Set("User-Agent", c.opts.UserAgent)
		}

		start := time.Now()
		resp, err := c.http.Do(attempt)
		if err != nil {
			c.observe(host, 0, start)
			br.Record(err)
			return nil, err
		}
		c.observe(host, resp.StatusCode, start)

		if resilience.RetryableStatus(resp.StatusCode) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				lim.OnRateLimit()
			}
			serr := &resilience.StatusError{Service: host, Status: resp.StatusCode, Body: string(body)}
			br.Record(serr)
			return nil, serr
		}

		lim.OnSuccess()
		br.Record(nil)
		return resp, nil
	})
}

func (c *Client) observe(host string, status int, start time.Time) {
	if c.opts.Observe != nil {
		c.opts.Observe(host, status, time.Since(start))
	}
}

func clone(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	if req.GetBody == nil {
		return nil, eris.New("fetcher: request body is not replayable")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: rewind body")
	}
	out.Body = body
	return out, nil
}
