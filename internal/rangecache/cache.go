// Package rangecache buckets the configuration corpus by expected-RTP range.
// Buckets load on demand behind a populate lock (cache-stampede protection),
// evict oldest-first under capacity pressure, and refresh via a background
// prefetch loop.
package rangecache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/coachpo/spindle/errs"
	"github.com/coachpo/spindle/internal/corpus"
	"github.com/coachpo/spindle/internal/observability"
)

// Options sizes the cache and its corpus access.
type Options struct {
	// MaxBuckets bounds how many range buckets are held at once.
	MaxBuckets int
	// LoadLimit caps how many configurations a single range load fetches.
	LoadLimit int
	// PreloadWorkers bounds preload parallelism.
	PreloadWorkers int
	// CorpusRateLimit caps corpus queries per second across all load paths.
	// Zero or negative disables the limit.
	CorpusRateLimit float64
}

// Range identifies an expected-RTP interval.
type Range struct {
	Min float64
	Max float64
}

type rangeKey struct {
	min float64
	max float64
}

// Bucket keys round to 2 decimals so near-identical windows share a bucket.
func keyFor(minRTP, maxRTP float64) rangeKey {
	return rangeKey{
		min: math.Round(minRTP*100) / 100,
		max: math.Round(maxRTP*100) / 100,
	}
}

type bucket struct {
	configs  []*corpus.Configuration
	loadedAt time.Time
}

// Cache is the bounded, range-bucketed configuration cache.
type Cache struct {
	source  corpus.Source
	opts    Options
	limiter *rate.Limiter

	mu      sync.RWMutex
	buckets map[rangeKey]*bucket
	order   []rangeKey

	// populateMu serialises miss loads; readers never take it.
	populateMu sync.Mutex

	readyOnce sync.Once
	ready     chan struct{}
}

// New constructs a cache over the provided corpus source.
func New(source corpus.Source, opts Options) (*Cache, error) {
	if source == nil {
		return nil, errs.New("rangecache", errs.CodeInvalid, errs.WithMessage("corpus source required"))
	}
	if opts.MaxBuckets <= 0 {
		return nil, errs.New("rangecache", errs.CodeInvalid, errs.WithMessage("max buckets must be >0"))
	}
	if opts.LoadLimit <= 0 {
		return nil, errs.New("rangecache", errs.CodeInvalid, errs.WithMessage("load limit must be >0"))
	}
	if opts.PreloadWorkers <= 0 {
		opts.PreloadWorkers = 4
	}
	limit := rate.Inf
	burst := 1
	if opts.CorpusRateLimit > 0 {
		limit = rate.Limit(opts.CorpusRateLimit)
		burst = int(math.Ceil(opts.CorpusRateLimit))
	}
	c := new(Cache)
	c.source = source
	c.opts = opts
	c.limiter = rate.NewLimiter(limit, burst)
	c.buckets = make(map[rangeKey]*bucket)
	c.ready = make(chan struct{})
	return c, nil
}

// GetRange returns cached configurations whose expected RTP lies in
// [minRTP, maxRTP]. A hit returns immediately; a miss loads synchronously on
// the calling path behind the populate lock.
func (c *Cache) GetRange(ctx context.Context, minRTP, maxRTP float64, limit int) ([]*corpus.Configuration, error) {
	if minRTP > maxRTP {
		return nil, errs.New("rangecache", errs.CodeInvalid, errs.WithMessage("min rtp above max rtp"))
	}
	key := keyFor(minRTP, maxRTP)

	if configs, ok := c.lookup(key); ok {
		observability.Telemetry().IncCounter("spindle_rangecache_hits_total", 1, nil)
		return trim(configs, limit), nil
	}
	observability.Telemetry().IncCounter("spindle_rangecache_misses_total", 1, nil)

	configs, err := c.populate(ctx, key)
	if err != nil {
		return nil, err
	}
	return trim(configs, limit), nil
}

// Contains reports whether the rounded range is currently cached.
func (c *Cache) Contains(minRTP, maxRTP float64) bool {
	_, ok := c.lookup(keyFor(minRTP, maxRTP))
	return ok
}

// BucketCount returns the number of resident buckets.
func (c *Cache) BucketCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets)
}

// Preload loads the given ranges in parallel and opens the readiness gate.
// Individual range failures are logged and tolerated; only total corpus
// unavailability (every range failing) keeps the gate shut and errors.
func (c *Cache) Preload(ctx context.Context, ranges []Range) error {
	if len(ranges) == 0 {
		return errs.New("rangecache", errs.CodeInvalid, errs.WithMessage("preload ranges required"))
	}

	var (
		mu     sync.Mutex
		failed int
	)
	workers := pool.New().WithMaxGoroutines(c.opts.PreloadWorkers)
	for _, r := range ranges {
		r := r
		workers.Go(func() {
			if _, err := c.populate(ctx, keyFor(r.Min, r.Max)); err != nil {
				observability.Log().Error("preload range failed",
					observability.F("min", r.Min),
					observability.F("max", r.Max),
					observability.F("error", err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
	}
	workers.Wait()

	if failed == len(ranges) {
		return errs.New("rangecache", errs.CodeUnavailable,
			errs.WithMessage("corpus unavailable: all preload ranges failed"))
	}
	c.readyOnce.Do(func() { close(c.ready) })
	observability.Log().Info("preload complete",
		observability.F("ranges", len(ranges)),
		observability.F("failed", failed))
	return nil
}

// IsFullyLoaded reports whether initial preload coverage exists.
func (c *Cache) IsFullyLoaded() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// WaitForLoadingComplete blocks until the readiness gate opens or ctx expires.
func (c *Cache) WaitForLoadingComplete(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for preload: %w", ctx.Err())
	}
}

func (c *Cache) lookup(key rangeKey) ([]*corpus.Configuration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buckets[key]
	if !ok {
		return nil, false
	}
	return b.configs, true
}

// populate loads the bucket for key unless a concurrent loader beat us to it.
// The double-check after acquiring populateMu is load-bearing: without it,
// every caller that missed simultaneously would issue its own corpus query.
func (c *Cache) populate(ctx context.Context, key rangeKey) ([]*corpus.Configuration, error) {
	c.populateMu.Lock()
	defer c.populateMu.Unlock()

	if configs, ok := c.lookup(key); ok {
		return configs, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("corpus rate limit: %w", err)
	}
	configs, err := c.source.Query(ctx, key.min, key.max, c.opts.LoadLimit)
	if err != nil {
		return nil, fmt.Errorf("load range [%v, %v]: %w", key.min, key.max, err)
	}

	c.insert(key, configs)
	return configs, nil
}

func (c *Cache) insert(key rangeKey, configs []*corpus.Configuration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.buckets[key]; !exists {
		c.order = append(c.order, key)
	}
	c.buckets[key] = &bucket{configs: configs, loadedAt: time.Now()}

	for len(c.buckets) > c.opts.MaxBuckets {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.buckets, oldest)
		observability.Telemetry().IncCounter("spindle_rangecache_evictions_total", 1, nil)
		observability.Log().Debug("evicted oldest bucket",
			observability.F("min", oldest.min),
			observability.F("max", oldest.max))
	}
	observability.Telemetry().SetGauge("spindle_rangecache_buckets", float64(len(c.buckets)), nil)
}

func trim(configs []*corpus.Configuration, limit int) []*corpus.Configuration {
	if limit > 0 && len(configs) > limit {
		return configs[:limit]
	}
	return configs
}
