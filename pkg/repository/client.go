// Package repository fetches debug files from remote symbol repositories and
// keeps them in an on-disk cache.
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

var (
	errNoEndpoints = errors.New("no repository endpoints configured")

	validKey = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const maxErrorBody = 1000

// Client fetches module bytes by identity. Concurrent fetches of the same
// identity are coalesced; fetches of distinct identities are bounded by
// Config.MaxConcurrency.
type Client struct {
	cfg        Config
	endpoints  []Endpoint
	httpClient *http.Client
	cache      Cache
	logger     log.Logger
	metrics    *metrics
	breakers   map[string]*gobreaker.CircuitBreaker[[]byte]

	group singleflight.Group
	sem   *semaphore.Weighted
}

// New creates a client caching into cfg.CacheDir.
func New(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Client, error) {
	var cache Cache = NullCache{}
	if cfg.CacheDir != "" {
		fsCache, err := NewFilesystemCache(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		cache = fsCache
	}
	return NewWithCache(logger, cfg, cache, reg)
}

// NewWithCache creates a client using the given cache.
func NewWithCache(logger log.Logger, cfg Config, cache Cache, reg prometheus.Registerer) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		}
	}
	c := &Client{
		cfg:        cfg,
		endpoints:  cfg.endpoints(),
		httpClient: httpClient,
		cache:      cache,
		logger:     log.With(logger, "component", "repository"),
		metrics:    newMetrics(reg),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[[]byte]),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
	if cfg.BreakerFailures > 0 {
		for _, ep := range c.endpoints {
			c.breakers[ep.String()] = gobreaker.NewCircuitBreaker[[]byte](c.breakerSettings(ep))
		}
	}
	return c, nil
}

// breakerSettings configures the circuit breaker of an endpoint. Once open,
// the endpoint is skipped until BreakerOpenTimeout elapses; a single trial
// request then decides whether it is closed again. Misses do not count as
// failures.
func (c *Client) breakerSettings(ep Endpoint) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        ep.String(),
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(c.cfg.BreakerFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || classify(err) == NotFound
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(c.logger).Log("msg", "repository circuit breaker state changed", "endpoint", name, "from", from, "to", to)
		},
	}
}

// Fetch returns the bytes of the module. Failures other than a cache write
// error are *FetchError values. The work is shared with concurrent callers
// and continues when ctx is done; only the wait is abandoned.
func (c *Client) Fetch(ctx context.Context, id debuginfo.Identity) (data []byte, err error) {
	start := time.Now()
	defer func() {
		c.metrics.fetchDuration.WithLabelValues(statusOf(err)).Observe(time.Since(start).Seconds())
	}()

	key := id.Key()
	if !validKey.MatchString(key) {
		return nil, &FetchError{Kind: NotFound, Identity: id, Err: invalidIdentityError{id: key}}
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fetch(context.WithoutCancel(ctx), id, key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *Client) fetch(ctx context.Context, id debuginfo.Identity, key string) ([]byte, error) {
	if data, ok := c.fromCache(ctx, key); ok {
		return data, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &FetchError{Kind: Timeout, Identity: id, Err: err}
	}
	defer c.sem.Release(1)

	var (
		best *FetchError
		errs error
	)
	for _, ep := range c.endpoints {
		data, err := c.fetchEndpoint(ctx, ep, id)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", ep, err))
			best = moreInformative(best, &FetchError{Kind: classify(err), Identity: id, Err: err})
			continue
		}
		c.metrics.fileSize.Observe(float64(len(data)))
		if err = c.cache.Put(ctx, cacheKey(key), bytes.NewReader(data)); err != nil {
			c.metrics.cacheOperations.WithLabelValues("put", "error").Inc()
			return nil, &ResourceError{Op: "write cache", Err: err}
		}
		c.metrics.cacheOperations.WithLabelValues("put", "success").Inc()
		return data, nil
	}
	if best == nil {
		return nil, &FetchError{Kind: NotFound, Identity: id, Err: errNoEndpoints}
	}
	level.Debug(c.logger).Log("msg", "module not found in any repository", "module", id, "kind", best.Kind, "err", errs)
	return nil, best
}

func (c *Client) fromCache(ctx context.Context, key string) ([]byte, bool) {
	r, err := c.cache.Get(ctx, cacheKey(key))
	if err != nil {
		if errors.Is(err, errCacheMiss) {
			c.metrics.cacheOperations.WithLabelValues("get", "miss").Inc()
		} else {
			c.metrics.cacheOperations.WithLabelValues("get", "error").Inc()
			level.Warn(c.logger).Log("msg", "failed to read cached module", "key", key, "err", err)
		}
		return nil, false
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		c.metrics.cacheOperations.WithLabelValues("get", "error").Inc()
		level.Warn(c.logger).Log("msg", "failed to read cached module", "key", key, "err", err)
		return nil, false
	}
	c.metrics.cacheOperations.WithLabelValues("get", "hit").Inc()
	return data, true
}

func (c *Client) fetchEndpoint(ctx context.Context, ep Endpoint, id debuginfo.Identity) ([]byte, error) {
	cb, ok := c.breakers[ep.String()]
	if !ok {
		return c.fetchWithRetries(ctx, ep, id)
	}
	return cb.Execute(func() ([]byte, error) {
		return c.fetchWithRetries(ctx, ep, id)
	})
}

// fetchWithRetries fetches from one endpoint, retrying transient errors
// with exponential backoff.
func (c *Client) fetchWithRetries(ctx context.Context, ep Endpoint, id debuginfo.Identity) ([]byte, error) {
	u, err := ep.urlFor(id)
	if err != nil {
		return nil, err
	}

	backOff := backoff.New(ctx, c.cfg.Backoff)
	var lastErr error
	for backOff.Ongoing() {
		data, err := c.doRequest(ctx, ep, u)
		if err == nil {
			return data, nil
		}
		// Don't retry on 404 errors
		if code, ok := isHTTPStatusError(err); ok && code == http.StatusNotFound {
			return nil, notFoundError{url: u}
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
		backOff.Wait()
	}
	if lastErr == nil {
		lastErr = backOff.Err()
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", backOff.NumRetries()+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, ep Endpoint, u string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		c.metrics.requestDuration.WithLabelValues(string(ep.Kind), statusOf(err)).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := string(data)
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody] + "... [truncated]"
		}
		return nil, httpStatusError{statusCode: resp.StatusCode, body: body}
	}
	return data, nil
}

// isRetryableError determines if an error should trigger a retry attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if code, ok := isHTTPStatusError(err); ok {
		// Don't retry 4xx client errors except for 429 (too many requests)
		if code == http.StatusTooManyRequests {
			return true
		}
		return code >= 500
	}
	// Retry on network timeouts
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Temporary()
	}
	return false
}
