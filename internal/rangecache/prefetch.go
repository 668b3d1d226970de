package rangecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/spindle/internal/observability"
	"github.com/coachpo/spindle/lib/async"
)

// PrefetchRequest asks the prefetcher to warm a range ahead of demand.
type PrefetchRequest struct {
	Min        float64
	Max        float64
	Priority   int
	EnqueuedAt time.Time
}

// PrefetcherOptions tunes the background prefetch loop.
type PrefetcherOptions struct {
	// Interval is the tick period of the loop.
	Interval time.Duration
	// Batch caps how many pending requests one cycle dequeues.
	Batch int
	// Cooldown suppresses re-prefetching a range loaded recently.
	Cooldown time.Duration
	// Workers and Queue size the load pool.
	Workers int
	Queue   int
}

// Prefetcher drains queued range requests on a timer and loads them through a
// bounded worker pool. Individual load failures are logged and never stop the
// loop.
type Prefetcher struct {
	cache *Cache
	opts  PrefetcherOptions
	pool  *async.Pool

	mu      sync.Mutex
	pending []PrefetchRequest
	history map[rangeKey]time.Time

	stopOnce sync.Once
}

// NewPrefetcher constructs a prefetcher over the given cache.
func NewPrefetcher(cache *Cache, opts PrefetcherOptions) (*Prefetcher, error) {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Queue <= 0 {
		opts.Queue = 16
	}
	loadPool, err := async.NewPool(opts.Workers, opts.Queue, func(err error) {
		observability.Log().Error("prefetch load failed", observability.F("error", err))
		observability.Telemetry().IncCounter("spindle_prefetch_failures_total", 1, nil)
	})
	if err != nil {
		return nil, err
	}
	p := new(Prefetcher)
	p.cache = cache
	p.opts = opts
	p.pool = loadPool
	p.history = make(map[rangeKey]time.Time)
	return p, nil
}

// Enqueue registers a prefetch request. Requests for ranges already cached or
// prefetched within the cooldown window are dropped.
func (p *Prefetcher) Enqueue(req PrefetchRequest) {
	key := keyFor(req.Min, req.Max)
	if p.cache.Contains(req.Min, req.Max) {
		return
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if at, seen := p.history[key]; seen && time.Since(at) < p.opts.Cooldown {
		return
	}
	for _, queued := range p.pending {
		if keyFor(queued.Min, queued.Max) == key {
			return
		}
	}
	p.pending = append(p.pending, req)
}

// PendingCount reports the number of queued requests.
func (p *Prefetcher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run drives the prefetch loop until ctx is cancelled.
func (p *Prefetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// Shutdown drains in-flight loads within the bounded grace of ctx.
func (p *Prefetcher) Shutdown(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		err = p.pool.Shutdown(ctx)
	})
	return err
}

// cycle dequeues up to Batch requests, highest priority first, and submits
// loads. Stale and already-cached entries are skipped without consuming batch
// slots.
func (p *Prefetcher) cycle(ctx context.Context) {
	batch := p.take()
	for _, req := range batch {
		req := req
		key := keyFor(req.Min, req.Max)
		if p.cache.Contains(req.Min, req.Max) {
			continue
		}
		err := p.pool.Submit(ctx, func(taskCtx context.Context) error {
			if _, err := p.cache.populate(taskCtx, key); err != nil {
				return err
			}
			observability.Telemetry().IncCounter("spindle_prefetch_loads_total", 1, nil)
			return nil
		})
		if err != nil {
			observability.Log().Debug("prefetch submit rejected", observability.F("error", err))
		}
	}
}

func (p *Prefetcher) take() []PrefetchRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.pending[:0]
	for _, req := range p.pending {
		key := keyFor(req.Min, req.Max)
		if at, seen := p.history[key]; seen && now.Sub(at) < p.opts.Cooldown {
			continue
		}
		kept = append(kept, req)
	}
	p.pending = kept

	sort.SliceStable(p.pending, func(i, j int) bool {
		return p.pending[i].Priority > p.pending[j].Priority
	})

	n := p.opts.Batch
	if n > len(p.pending) {
		n = len(p.pending)
	}
	batch := make([]PrefetchRequest, n)
	copy(batch, p.pending[:n])
	p.pending = p.pending[n:]

	for _, req := range batch {
		p.history[keyFor(req.Min, req.Max)] = now
	}
	for key, at := range p.history {
		if now.Sub(at) > 2*p.opts.Cooldown {
			delete(p.history, key)
		}
	}
	return batch
}
