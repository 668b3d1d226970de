// Command spindled runs the spin selection engine as a long-lived service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/spindle/config"
	"github.com/coachpo/spindle/internal/balancer"
	"github.com/coachpo/spindle/internal/corpus"
	"github.com/coachpo/spindle/internal/observability"
	"github.com/coachpo/spindle/internal/persistence"
	"github.com/coachpo/spindle/internal/rangecache"
	"github.com/coachpo/spindle/internal/selection"
	"github.com/coachpo/spindle/internal/session"
	"github.com/coachpo/spindle/internal/spin"
	sinkpkg "github.com/coachpo/spindle/internal/telemetry"
	"github.com/coachpo/spindle/lib/async"
	"github.com/coachpo/spindle/lib/telemetry"
)

const (
	defaultConfigPath   = "config/app.yaml"
	loggerPrefix        = "spindled "
	preloadTimeout      = 2 * time.Minute
	shutdownTimeout     = 30 * time.Second
	workerQueueDepth    = 256
	dispatchWorkerCount = 4
)

func main() {
	cfgPath, verbose := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stdLog := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(stdLog, verbose))

	appCfg, loadedFromFile, err := config.Load(resolveConfigPath(cfgPath))
	if err != nil {
		stdLog.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		stdLog.Printf("configuration file not found, using defaults")
	}
	stdLog.Printf("configuration initialised: env=%s target_rtp=%v", appCfg.Environment, appCfg.Targets.RTP)

	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: appCfg.Telemetry.OTLPEndpoint,
		ServiceName:  appCfg.Telemetry.ServiceName,
	})
	if err != nil {
		stdLog.Fatalf("initialise telemetry: %v", err)
	}
	observability.SetMetrics(observability.NewOtelMetrics("spindle"))

	source, pool, err := buildCorpusSource(ctx, appCfg, stdLog)
	if err != nil {
		stdLog.Fatalf("initialise corpus source: %v", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	cache, err := rangecache.New(source, rangecache.Options{
		MaxBuckets:      appCfg.Cache.MaxBuckets,
		LoadLimit:       appCfg.Cache.RangeLoadLimit,
		PreloadWorkers:  appCfg.Cache.PreloadWorkers,
		CorpusRateLimit: appCfg.Cache.CorpusRateLimit,
	})
	if err != nil {
		stdLog.Fatalf("initialise range cache: %v", err)
	}

	engine, err := selection.New(selection.Config{
		TargetRTP:       appCfg.Targets.RTP,
		TargetHitRate:   appCfg.Targets.HitRate,
		SpinsAboveLimit: appCfg.Correction.SpinsAboveLimit,
		SpinsBelowLimit: appCfg.Correction.SpinsBelowLimit,
		WindowHalfWidth: appCfg.Spin.WindowHalfWidth,
	}, nil)
	if err != nil {
		stdLog.Fatalf("initialise selection engine: %v", err)
	}

	store := session.NewStore(appCfg.Session.Timeout)
	bal := balancer.New(balancer.Config{
		TargetRTP:             appCfg.Targets.RTP,
		StatsTTL:              appCfg.Balancer.StatsTTL,
		MaxStaleReads:         appCfg.Balancer.MaxStaleReads,
		MaxStatsAge:           appCfg.Balancer.MaxStatsAge,
		MinPlayers:            appCfg.Balancer.MinPlayers,
		MinSpins:              appCfg.Balancer.MinSpins,
		MinFactor:             appCfg.Balancer.MinFactor,
		MaxFactor:             appCfg.Balancer.MaxFactor,
		PersistenceOnsetSpins: appCfg.Correction.PersistenceOnsetSpins,
	}, store)

	workers, err := async.NewPool(dispatchWorkerCount, workerQueueDepth, func(err error) {
		observability.Log().Error("dispatch worker", observability.F("error", err))
	})
	if err != nil {
		stdLog.Fatalf("initialise worker pool: %v", err)
	}

	var persister spin.Persister
	if pool != nil {
		persister = persistence.NewSessionStore(pool)
	}

	orchestrator, err := spin.New(spin.Config{
		TargetRTP:          appCfg.Targets.RTP,
		TargetHitRate:      appCfg.Targets.HitRate,
		MaxLossRetries:     appCfg.Spin.MaxLossRetries,
		FreeSpinCap:        appCfg.Spin.FreeSpinCap,
		FreeSpinMultiplier: appCfg.Spin.FreeSpinMultiplier,
		CandidateLimit:     appCfg.Cache.RangeLoadLimit,
	}, cache, engine, bal, store,
		spin.NewLineEvaluator(appCfg.Spin.MaxPayoutMultiplier, nil),
		persister, sinkpkg.NewLogSink(), workers)
	if err != nil {
		stdLog.Fatalf("initialise orchestrator: %v", err)
	}

	preloadCtx, preloadCancel := context.WithTimeout(ctx, preloadTimeout)
	defer preloadCancel()
	ranges := make([]rangecache.Range, 0, len(appCfg.Cache.PreloadRanges))
	for _, r := range appCfg.Cache.PreloadRanges {
		ranges = append(ranges, rangecache.Range{Min: r.Min, Max: r.Max})
	}
	if err := cache.Preload(preloadCtx, ranges); err != nil {
		stdLog.Fatalf("preload corpus ranges: %v", err)
	}
	if err := cache.WaitForLoadingComplete(preloadCtx); err != nil {
		stdLog.Fatalf("wait for preload: %v", err)
	}
	stdLog.Printf("corpus preloaded: buckets=%d", cache.BucketCount())
	if !orchestrator.Ready() {
		stdLog.Fatal("orchestrator not ready after preload")
	}

	prefetcher, err := rangecache.NewPrefetcher(cache, rangecache.PrefetcherOptions{
		Interval: appCfg.Cache.PrefetchInterval,
		Batch:    appCfg.Cache.PrefetchBatch,
		Cooldown: appCfg.Cache.PrefetchCooldown,
	})
	if err != nil {
		stdLog.Fatalf("initialise prefetcher: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { prefetcher.Run(ctx) })
	lifecycle.Go(func() { bal.RunRefresher(ctx, appCfg.Balancer.RefreshInterval) })
	lifecycle.Go(func() { store.RunReaper(ctx, appCfg.Session.ReapInterval) })

	stdLog.Print("spindled ready; awaiting shutdown signal")
	<-ctx.Done()
	stdLog.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	cancel()
	lifecycle.Wait()
	if err := prefetcher.Shutdown(shutdownCtx); err != nil {
		stdLog.Printf("shutdown: prefetcher: %v", err)
	}
	if err := workers.Shutdown(shutdownCtx); err != nil {
		stdLog.Printf("shutdown: worker pool: %v", err)
	}
	if err := telemetryShutdown(shutdownCtx); err != nil {
		stdLog.Printf("shutdown: telemetry: %v", err)
	}
	stdLog.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (configPath string, verbose bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	v := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *v
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

// buildCorpusSource connects Postgres when a DSN is configured, applying
// migrations first. Without a DSN it falls back to a generated in-memory
// corpus for local development.
func buildCorpusSource(ctx context.Context, appCfg config.AppConfig, stdLog *log.Logger) (corpus.Source, *pgxpool.Pool, error) {
	if appCfg.Database.DSN == "" {
		stdLog.Print("no database configured; serving a generated in-memory corpus")
		source, err := corpus.NewMemorySource(syntheticCorpus())
		return source, nil, err
	}

	if err := persistence.ApplyMigrations(ctx, appCfg.Database.DSN, appCfg.Database.MigrationsDir); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, appCfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return corpus.NewPostgresSource(pool), pool, nil
}

// syntheticCorpus generates configurations across the working RTP span so a
// database-less instance can still serve spins.
func syntheticCorpus() []*corpus.Configuration {
	symbols := []string{"S1", "S2", "S3", "S4", "S5", "S6", "S7"}
	rng := rand.New(rand.NewSource(1))

	var out []*corpus.Configuration
	for i, rtp := 0, 0.10; rtp <= 1.50; i, rtp = i+1, rtp+0.01 {
		cfg := &corpus.Configuration{
			Name:            fmt.Sprintf("synthetic-%03d", i),
			ExpectedRTP:     rtp,
			ExpectedHitRate: 0.20 + 0.10*rng.Float64(),
		}
		for r := range cfg.Reels {
			strip := make([]string, 0, 12)
			for len(strip) < 12 {
				strip = append(strip, symbols[rng.Intn(len(symbols))])
			}
			// Higher-RTP strips carry a wild; everything stays under the
			// safety-filter pattern thresholds.
			if rtp > 0.80 && r%2 == 0 {
				strip[rng.Intn(len(strip))] = corpus.SymbolWild
			}
			strip[0] = corpus.SymbolScatter
			cfg.Reels[r] = strip
		}
		out = append(out, cfg)
	}
	return out
}
