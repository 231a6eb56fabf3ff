package request

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tmplscout "github.com/tmplscout/tmplscout"
	"github.com/tmplscout/tmplscout/cache"
	"github.com/tmplscout/tmplscout/telemetry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// CacheNamespace is the cache namespace for successful GET responses.
const CacheNamespace = "requests"

// ResponseCache is the subset of the cache engine the coordinator uses.
// *cache.Engine satisfies it.
type ResponseCache interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool)
	Set(ctx context.Context, namespace, key string, payload []byte, opts cache.SetOptions)
	Clear(ctx context.Context, namespace string)
}

// Config enumerates coordinator tuning options. Zero fields are filled
// with defaults at construction.
type Config struct {
	// MaxConcurrent is the global cap on in-flight network dispatches.
	MaxConcurrent int

	// RequestsPerWindow caps dispatches per Window.
	RequestsPerWindow int

	// Window is the rate-limiting window.
	Window time.Duration

	// MaxAttempts bounds retries for transient failures.
	MaxAttempts int

	// InitialBackoff is the first retry delay; later delays grow
	// exponentially with jitter up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BatchWindow is how long a batchable read waits for companions.
	BatchWindow time.Duration

	// BatchMaxSize dispatches a batch early once this many reads joined.
	BatchMaxSize int

	// CacheTTL is the default TTL for cached GET responses.
	CacheTTL time.Duration
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     8,
		RequestsPerWindow: 100,
		Window:            time.Second,
		MaxAttempts:       4,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BatchWindow:       25 * time.Millisecond,
		BatchMaxSize:      10,
		CacheTTL:          5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = def.RequestsPerWindow
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = def.BatchWindow
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = def.BatchMaxSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
}

// Coordinator executes outbound calls under a global concurrency cap with
// dedup, batching, retries and response caching.
type Coordinator struct {
	cfg       Config
	transport Transport
	cache     ResponseCache
	logger    *slog.Logger

	group   singleflight.Group
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	batch   *batcher
	stats   *stats

	mu       sync.Mutex
	inflight map[string]bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCache enables response caching and mutation-driven invalidation.
func WithCache(rc ResponseCache) Option {
	return func(c *Coordinator) {
		c.cache = rc
	}
}

// New creates a Coordinator dispatching through transport.
func New(cfg Config, transport Transport, opts ...Option) (*Coordinator, error) {
	if transport == nil {
		return nil, fmt.Errorf("request: transport is required")
	}
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:       cfg,
		transport: transport,
		logger:    slog.Default(),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter:   rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.RequestsPerWindow)), cfg.RequestsPerWindow),
		stats:     &stats{},
		inflight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.batch = newBatcher(cfg.BatchWindow, cfg.BatchMaxSize, c.send, c.logger, c.stats)

	return c, nil
}

// Execute runs one outbound call. Identical idempotent calls already in
// flight share a single dispatch; compatible reads are batched. The error
// is a *tmplscout.RequestFailedError once retries are exhausted.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" || req.Endpoint == "" {
		return nil, fmt.Errorf("request: method and endpoint are required")
	}

	c.stats.total.Add(1)
	start := time.Now()

	// Batched reads fold their ID into the fingerprint: two lookups for
	// different IDs are distinct calls even though the endpoint matches.
	endpoint := req.Endpoint
	if req.batchable() {
		endpoint += "#" + req.ID
	}
	fp := tmplscout.Fingerprint(req.Method, endpoint, req.Params, req.Body)
	tr := newTrackedRequest(fp)

	if req.idempotent() && !req.NoCache && c.cache != nil {
		if body, ok := c.cache.Get(ctx, CacheNamespace, fp.String()); ok {
			elapsed := time.Since(start)
			c.stats.cacheHits.Add(1)
			c.stats.recordLatency(elapsed)
			telemetry.RecordRequest(ctx, "cache_hit", elapsed)
			return &Response{StatusCode: http.StatusOK, Body: body, FromCache: true}, nil
		}
	}

	var resp *Response
	var err error
	if req.idempotent() {
		resp, err = c.executeDeduped(ctx, req, tr, fp.String())
	} else {
		resp, err = c.resolve(ctx, req, tr, fp.String())
	}

	elapsed := time.Since(start)
	c.stats.recordLatency(elapsed)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	telemetry.RecordRequest(ctx, outcome, elapsed)

	return resp, err
}

// executeDeduped routes an idempotent call through the in-flight table so
// concurrent identical calls share one dispatch. A caller whose context
// expires forgets the fingerprint so a later identical call starts fresh.
func (c *Coordinator) executeDeduped(ctx context.Context, req Request, tr *trackedRequest, key string) (*Response, error) {
	c.mu.Lock()
	if c.inflight[key] {
		tr.transition(StateDeduped)
		c.stats.deduped.Add(1)
		telemetry.RecordRequestDedup(ctx)
		c.logger.Debug("attached to in-flight request", "request_id", tr.id, "endpoint", req.Endpoint)
	} else {
		c.inflight[key] = true
	}
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, key)
			c.mu.Unlock()
		}()
		return c.resolve(ctx, req, tr, key)
	})

	select {
	case <-ctx.Done():
		c.group.Forget(key)
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	}
}

// resolve dispatches the call and settles its side effects: caching a
// successful GET body under the fingerprint, clearing namespaces a
// successful mutation invalidates.
func (c *Coordinator) resolve(ctx context.Context, req Request, tr *trackedRequest, key string) (*Response, error) {
	var resp *Response
	var err error
	if req.batchable() {
		tr.transition(StateQueued)
		resp, err = c.batch.join(ctx, req)
	} else {
		resp, err = c.send(ctx, req, tr)
	}

	if err != nil {
		tr.transition(StateFailed)
		c.stats.failed.Add(1)
		state, attempts := tr.snapshot()
		c.logger.Debug("request settled",
			"request_id", tr.id,
			"endpoint", req.Endpoint,
			"state", state,
			"attempts", attempts,
		)
		return nil, err
	}
	tr.transition(StateSucceeded)
	c.stats.succeeded.Add(1)

	if c.cache != nil {
		if req.idempotent() && !req.NoCache {
			c.cache.Set(ctx, CacheNamespace, key, resp.Body, cache.SetOptions{TTL: ttlOr(req.CacheTTL, c.cfg.CacheTTL)})
		}
		if !req.idempotent() {
			for _, ns := range req.Invalidate {
				c.cache.Clear(ctx, ns)
			}
		}
	}

	return resp, nil
}

// send performs one network dispatch under the concurrency and rate caps,
// retrying transient failures with backoff.
func (c *Coordinator) send(ctx context.Context, req Request, tr *trackedRequest) (*Response, error) {
	tr.transition(StateQueued)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tr.transition(StateExecuting)
	resp, attempts, err := retryDispatch(ctx, func() (*Response, error) {
		tr.recordAttempt()
		return c.transport.RoundTrip(ctx, req)
	}, c.cfg.MaxAttempts, c.cfg.InitialBackoff, c.cfg.MaxBackoff, func(retryErr error, next time.Duration) {
		tr.transition(StateRetrying)
		c.stats.retried.Add(1)
		telemetry.RecordRequestRetry(ctx)
		c.logger.Debug("retrying request",
			"request_id", tr.id,
			"endpoint", req.Endpoint,
			"error", retryErr,
			"next", next,
		)
	})
	if err != nil {
		c.logger.Warn("request failed", "request_id", tr.id, "method", req.Method, "endpoint", req.Endpoint, "attempts", attempts, "error", err)
		return nil, &tmplscout.RequestFailedError{Attempts: attempts, Err: err}
	}

	return resp, nil
}

// Metrics returns a snapshot of coordinator activity.
func (c *Coordinator) Metrics() Metrics {
	return c.stats.snapshot()
}

func ttlOr(ttl, fallback time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return fallback
}
