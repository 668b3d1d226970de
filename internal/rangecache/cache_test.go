package rangecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/spindle/errs"
	"github.com/coachpo/spindle/internal/corpus"
)

// countingSource counts corpus queries and can be told to fail.
type countingSource struct {
	queries atomic.Int64
	fail    atomic.Bool
	delay   time.Duration
}

func (s *countingSource) Query(ctx context.Context, minRTP, maxRTP float64, limit int) ([]*corpus.Configuration, error) {
	s.queries.Add(1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.fail.Load() {
		return nil, errs.New("corpus", errs.CodeUnavailable, errs.WithMessage("corpus down"))
	}
	configs := make([]*corpus.Configuration, 0, 4)
	step := (maxRTP - minRTP) / 4
	for i := 0; i < 4; i++ {
		cfg := &corpus.Configuration{
			Name:            fmt.Sprintf("cfg-%.2f-%d", minRTP, i),
			ExpectedRTP:     minRTP + step*float64(i),
			ExpectedHitRate: 0.25,
		}
		for r := range cfg.Reels {
			cfg.Reels[r] = []string{"S1", "S2", "S3"}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func newTestCache(t *testing.T, src corpus.Source, maxBuckets int) *Cache {
	t.Helper()
	cache, err := New(src, Options{MaxBuckets: maxBuckets, LoadLimit: 100, PreloadWorkers: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cache
}

func TestGetRangeCachesResult(t *testing.T) {
	src := new(countingSource)
	cache := newTestCache(t, src, 8)

	first, err := cache.GetRange(context.Background(), 0.80, 0.90, 0)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	second, err := cache.GetRange(context.Background(), 0.80, 0.90, 0)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if src.queries.Load() != 1 {
		t.Fatalf("corpus queried %d times, want 1", src.queries.Load())
	}
	if len(first) != len(second) {
		t.Fatalf("hit returned %d configs, miss returned %d", len(second), len(first))
	}
}

func TestGetRangeStampedeSafety(t *testing.T) {
	src := &countingSource{delay: 20 * time.Millisecond}
	cache := newTestCache(t, src, 8)

	const callers = 32
	results := make([][]*corpus.Configuration, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			configs, err := cache.GetRange(context.Background(), 0.70, 0.95, 0)
			if err != nil {
				t.Errorf("GetRange: %v", err)
				return
			}
			results[i] = configs
		}(i)
	}
	wg.Wait()

	if got := src.queries.Load(); got != 1 {
		t.Fatalf("corpus queried %d times under concurrent miss, want exactly 1", got)
	}
	for i := 1; i < callers; i++ {
		if len(results[i]) != len(results[0]) {
			t.Fatalf("caller %d saw %d configs, caller 0 saw %d", i, len(results[i]), len(results[0]))
		}
	}
}

func TestEvictionBoundary(t *testing.T) {
	src := new(countingSource)
	const maxBuckets = 4
	cache := newTestCache(t, src, maxBuckets)

	// Fill to capacity: no eviction yet.
	for i := 0; i < maxBuckets; i++ {
		min := 0.10 + float64(i)*0.10
		if _, err := cache.GetRange(context.Background(), min, min+0.05, 0); err != nil {
			t.Fatalf("GetRange: %v", err)
		}
	}
	if got := cache.BucketCount(); got != maxBuckets {
		t.Fatalf("bucket count = %d, want %d", got, maxBuckets)
	}

	// One more insert evicts exactly the oldest bucket.
	if _, err := cache.GetRange(context.Background(), 0.90, 0.95, 0); err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if got := cache.BucketCount(); got != maxBuckets {
		t.Fatalf("bucket count after eviction = %d, want %d", got, maxBuckets)
	}
	if cache.Contains(0.10, 0.15) {
		t.Fatal("oldest bucket should have been evicted")
	}
	if !cache.Contains(0.20, 0.25) {
		t.Fatal("second-oldest bucket should survive")
	}

	// The evicted range misses and reloads.
	before := src.queries.Load()
	if _, err := cache.GetRange(context.Background(), 0.10, 0.15, 0); err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if src.queries.Load() != before+1 {
		t.Fatal("evicted range should trigger a fresh corpus query")
	}
}

func TestGetRangeLimitTrims(t *testing.T) {
	src := new(countingSource)
	cache := newTestCache(t, src, 8)

	configs, err := cache.GetRange(context.Background(), 0.50, 0.60, 2)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("got %d configs, want 2", len(configs))
	}
}

func TestPreloadOpensReadinessGate(t *testing.T) {
	src := new(countingSource)
	cache := newTestCache(t, src, 8)

	if cache.IsFullyLoaded() {
		t.Fatal("cache should not be ready before preload")
	}

	ranges := []Range{{Min: 0.10, Max: 0.50}, {Min: 0.50, Max: 0.90}, {Min: 0.90, Max: 1.50}}
	if err := cache.Preload(context.Background(), ranges); err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if !cache.IsFullyLoaded() {
		t.Fatal("cache should be ready after preload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cache.WaitForLoadingComplete(ctx); err != nil {
		t.Fatalf("WaitForLoadingComplete: %v", err)
	}
	if got := cache.BucketCount(); got != len(ranges) {
		t.Fatalf("bucket count = %d, want %d", got, len(ranges))
	}
}

func TestPreloadTotalFailureKeepsGateShut(t *testing.T) {
	src := new(countingSource)
	src.fail.Store(true)
	cache := newTestCache(t, src, 8)

	err := cache.Preload(context.Background(), []Range{{Min: 0.10, Max: 0.50}, {Min: 0.50, Max: 0.90}})
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if cache.IsFullyLoaded() {
		t.Fatal("gate must stay shut when every preload range fails")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := cache.WaitForLoadingComplete(ctx); err == nil {
		t.Fatal("WaitForLoadingComplete should time out while gate is shut")
	}
}

func TestPreloadPartialFailureStillReady(t *testing.T) {
	src := new(countingSource)
	cache := newTestCache(t, src, 8)

	// First range loads fine, then the corpus goes down for the rest.
	if _, err := cache.GetRange(context.Background(), 0.10, 0.50, 0); err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	src.fail.Store(true)

	err := cache.Preload(context.Background(), []Range{{Min: 0.10, Max: 0.50}, {Min: 0.50, Max: 0.90}})
	if err != nil {
		t.Fatalf("Preload with partial coverage should succeed, got %v", err)
	}
	if !cache.IsFullyLoaded() {
		t.Fatal("cache should be ready with partial coverage")
	}
}
