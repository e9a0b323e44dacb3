// Package upstream is the resilient request layer used for every playlist
// fetch. It bounds concurrency in FIFO order, collapses identical in-flight
// requests, retries with exponential backoff and jitter, paces requests per
// host and trips a per-host circuit breaker when an upstream keeps failing.
package upstream

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	DefaultMaxConcurrent     = 6
	DefaultTimeout           = 10 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryInitialDelay = 250 * time.Millisecond
	DefaultRetryMaxDelay     = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultJitter            = 0.5
	DefaultCircuitThreshold  = 5
	DefaultCircuitCooldown   = 30 * time.Second
	DefaultMaxResponseSize   = 8 * 1024 * 1024
	DefaultUserAgent         = "hls-adblock/1.0"
)

// Observer receives request layer events. *metrics.Metrics implements it.
type Observer interface {
	ObserveUpstreamRequest(host, outcome string, d time.Duration)
	ObserveUpstreamRetry(host string)
	ObserveUpstreamShared()
	SetUpstreamInFlight(n int)
	ObserveCircuitTransition(host, from, to string)
}

// Config holds request layer settings. Zero values take the defaults.
type Config struct {
	MaxConcurrent     int
	Timeout           time.Duration
	RetryAttempts     int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64
	Jitter            float64
	CircuitThreshold  int
	CircuitCooldown   time.Duration
	// RatePerHost paces requests to one host; 0 disables pacing.
	RatePerHost     float64
	RateBurst       int
	MaxResponseSize int64
	UserAgent       string

	Logger   *slog.Logger
	Observer Observer
	// Transport overrides the keep-alive transport built from the fields above.
	Transport http.RoundTripper
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	} else if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = DefaultJitter
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = DefaultCircuitThreshold
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = DefaultCircuitCooldown
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = DefaultMaxResponseSize
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Request describes one logical fetch.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// DedupKey collapses concurrent requests with the same key into one
	// network flight. Empty disables de-duplication.
	DedupKey string
}

// Response is a fully read, decoded response. Responses returned to
// de-duplicated callers are shared and must be treated as read-only.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Client executes requests against upstream playlist servers.
type Client struct {
	config   Config
	http     *http.Client
	log      *slog.Logger
	observer Observer

	slots    *semaphore.Weighted
	flights  singleflight.Group
	breakers *breakerSet
	inFlight atomic.Int64

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()

	transport := cfg.Transport
	if transport == nil {
		transport = newTransport(cfg)
	}

	c := &Client{
		config:   cfg,
		http:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		log:      cfg.Logger,
		observer: cfg.Observer,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiters: make(map[string]*rate.Limiter),
	}
	c.breakers = newBreakerSet(cfg.CircuitThreshold, cfg.CircuitCooldown, c.onCircuitChange)
	return c
}

func newTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConcurrent,
		MaxConnsPerHost:       cfg.MaxConcurrent,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
		// Bodies are decoded in decodeBody so brotli is handled too.
		DisableCompression: true,
	}
}

// Close releases idle keep-alive connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// CircuitState returns the breaker state for host.
func (c *Client) CircuitState(host string) CircuitState {
	return c.breakers.get(host).State()
}

// InFlight returns the number of requests currently on the wire.
func (c *Client) InFlight() int {
	return int(c.inFlight.Load())
}

// Execute performs req. Concurrent calls with the same non-empty DedupKey
// share a single flight and its result. The shared flight is detached from
// the callers' contexts; each caller stops waiting when its own ctx ends.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		if err == nil {
			err = errors.New("missing host")
		}
		return nil, &NetworkError{URL: req.URL, Err: err}
	}

	if req.DedupKey == "" {
		return c.execute(ctx, u.Host, req)
	}

	flight := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(req.DedupKey, func() (any, error) {
		return c.execute(flight, u.Host, req)
	})

	select {
	case res := <-ch:
		if res.Shared && c.observer != nil {
			c.observer.ObserveUpstreamShared()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	case <-ctx.Done():
		return nil, &NetworkError{URL: req.URL, Err: ctx.Err()}
	}
}

func (c *Client) execute(ctx context.Context, host string, req Request) (*Response, error) {
	breaker := c.breakers.get(host)
	start := time.Now()

	var (
		attempts int
		lastErr  error
	)
	operation := func() (*Response, error) {
		if err := breaker.Allow(); err != nil {
			return nil, backoff.Permanent(err)
		}
		attempts++
		if attempts > 1 && c.observer != nil {
			c.observer.ObserveUpstreamRetry(host)
		}

		resp, err := c.attempt(ctx, host, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				// The caller gave up; the host is not at fault.
				return nil, backoff.Permanent(err)
			}
			breaker.RecordFailure()
			return nil, err
		}
		if retryableStatus(resp.StatusCode) {
			breaker.RecordFailure()
			lastErr = &StatusError{URL: req.URL, StatusCode: resp.StatusCode}
			return nil, lastErr
		}
		breaker.RecordSuccess()
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, backoff.Permanent(&StatusError{URL: req.URL, StatusCode: resp.StatusCode})
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.config.RetryAttempts+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug("retrying upstream request",
				slog.String("url", req.URL),
				slog.Int("attempt", attempts),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err == nil {
		c.observe(host, "ok", start)
		return resp, nil
	}

	err = c.classify(ctx, req, attempts, lastErr, err)
	c.observe(host, outcomeOf(err), start)
	c.log.Warn("upstream request failed",
		slog.String("url", req.URL),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
	return nil, err
}

func (c *Client) classify(ctx context.Context, req Request, attempts int, lastErr, err error) error {
	var (
		open   *CircuitOpenError
		status *StatusError
	)
	switch {
	case errors.As(err, &open) && attempts == 0:
		return open
	case ctx.Err() != nil:
		return &NetworkError{URL: req.URL, Err: ctx.Err()}
	case errors.As(err, &status) && !retryableStatus(status.StatusCode):
		return status
	case errors.As(err, &open):
		// The circuit opened part way through the retry budget.
		return &RetriesExhaustedError{URL: req.URL, Attempts: attempts, Err: lastErr}
	default:
		if lastErr == nil {
			lastErr = err
		}
		return &RetriesExhaustedError{URL: req.URL, Attempts: attempts, Err: lastErr}
	}
}

func (c *Client) attempt(ctx context.Context, host string, req Request) (*Response, error) {
	if lim := c.limiter(host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, &NetworkError{URL: req.URL, Err: err}
		}
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	defer c.slots.Release(1)

	c.trackInFlight(1)
	defer c.trackInFlight(-1)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, nil)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get(headerUserAgent) == "" {
		httpReq.Header.Set(headerUserAgent, c.config.UserAgent)
	}
	if httpReq.Header.Get(headerAcceptEncoding) == "" {
		httpReq.Header.Set(headerAcceptEncoding, acceptEncodingValue)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	reader, err := decodeBody(resp, c.log)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}
	body, err := readLimited(reader, c.config.MaxResponseSize)
	if err != nil {
		return nil, &NetworkError{URL: req.URL, Err: err}
	}

	header := resp.Header.Clone()
	header.Del(headerContentEncoding)
	return &Response{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInitialDelay
	b.MaxInterval = c.config.RetryMaxDelay
	b.Multiplier = c.config.BackoffMultiplier
	b.RandomizationFactor = c.config.Jitter
	return b
}

func (c *Client) limiter(host string) *rate.Limiter {
	if c.config.RatePerHost <= 0 {
		return nil
	}
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()

	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.config.RatePerHost), c.config.RateBurst)
		c.limiters[host] = lim
	}
	return lim
}

func (c *Client) trackInFlight(delta int64) {
	n := c.inFlight.Add(delta)
	if c.observer != nil {
		c.observer.SetUpstreamInFlight(int(n))
	}
}

func (c *Client) observe(host, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveUpstreamRequest(host, outcome, time.Since(start))
	}
}

func (c *Client) onCircuitChange(host string, from, to CircuitState) {
	c.log.Info("circuit state changed",
		slog.String("host", host),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if c.observer != nil {
		c.observer.ObserveCircuitTransition(host, from.String(), to.String())
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func outcomeOf(err error) string {
	var (
		ne *NetworkError
		se *StatusError
		re *RetriesExhaustedError
		ce *CircuitOpenError
	)
	switch {
	case errors.As(err, &ce):
		return "circuit_open"
	case errors.As(err, &re):
		return "exhausted"
	case errors.As(err, &se):
		return "status"
	case errors.As(err, &ne):
		return "network"
	default:
		return "error"
	}
}
