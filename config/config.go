// Package config manages application configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Spindle operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TargetConfig sets the long-run convergence targets for every session.
type TargetConfig struct {
	RTP     float64 `yaml:"rtp"`
	HitRate float64 `yaml:"hitRate"`
}

// RangeBound describes one preloaded expected-RTP range.
type RangeBound struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// CacheConfig sizes the range cache and its prefetch loop.
type CacheConfig struct {
	MaxBuckets       int           `yaml:"maxBuckets"`
	RangeLoadLimit   int           `yaml:"rangeLoadLimit"`
	PreloadRanges    []RangeBound  `yaml:"preloadRanges"`
	PreloadWorkers   int           `yaml:"preloadWorkers"`
	PrefetchInterval time.Duration `yaml:"prefetchInterval"`
	PrefetchBatch    int           `yaml:"prefetchBatch"`
	PrefetchCooldown time.Duration `yaml:"prefetchCooldown"`
	CorpusRateLimit  float64       `yaml:"corpusRateLimit"`
}

// CorrectionConfig sets the hysteresis thresholds for tiered correction.
type CorrectionConfig struct {
	SpinsAboveLimit       int `yaml:"spinsAboveLimit"`
	SpinsBelowLimit       int `yaml:"spinsBelowLimit"`
	PersistenceOnsetSpins int `yaml:"persistenceOnsetSpins"`
}

// BalancerConfig tunes the cross-session balancer and its stats cache.
type BalancerConfig struct {
	StatsTTL        time.Duration `yaml:"statsTTL"`
	MaxStaleReads   int           `yaml:"maxStaleReads"`
	MaxStatsAge     time.Duration `yaml:"maxStatsAge"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	MinPlayers      int           `yaml:"minPlayers"`
	MinSpins        int           `yaml:"minSpins"`
	MinFactor       float64       `yaml:"minFactor"`
	MaxFactor       float64       `yaml:"maxFactor"`
}

// SpinConfig tunes per-spin orchestration behaviour.
type SpinConfig struct {
	MaxLossRetries      int     `yaml:"maxLossRetries"`
	FreeSpinCap         int     `yaml:"freeSpinCap"`
	FreeSpinMultiplier  int     `yaml:"freeSpinMultiplier"`
	MaxPayoutMultiplier int     `yaml:"maxPayoutMultiplier"`
	WindowHalfWidth     float64 `yaml:"windowHalfWidth"`
}

// SessionConfig governs session lifetime housekeeping.
type SessionConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	ReapInterval time.Duration `yaml:"reapInterval"`
}

// DatabaseConfig points at the Postgres instance backing corpus and sessions.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// AppConfig contains the full Spindle configuration tree.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Targets     TargetConfig     `yaml:"targets"`
	Cache       CacheConfig      `yaml:"cache"`
	Correction  CorrectionConfig `yaml:"correction"`
	Balancer    BalancerConfig   `yaml:"balancer"`
	Spin        SpinConfig       `yaml:"spin"`
	Session     SessionConfig    `yaml:"session"`
	Database    DatabaseConfig   `yaml:"database"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the default Spindle configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Targets: TargetConfig{
			RTP:     0.88,
			HitRate: 0.25,
		},
		Cache: CacheConfig{
			MaxBuckets:     64,
			RangeLoadLimit: 500,
			PreloadRanges: []RangeBound{
				{Min: 0.10, Max: 0.50},
				{Min: 0.50, Max: 0.70},
				{Min: 0.70, Max: 0.85},
				{Min: 0.85, Max: 0.95},
				{Min: 0.95, Max: 1.10},
				{Min: 1.10, Max: 1.50},
			},
			PreloadWorkers:   4,
			PrefetchInterval: 5 * time.Second,
			PrefetchBatch:    3,
			PrefetchCooldown: time.Minute,
			CorpusRateLimit:  20,
		},
		Correction: CorrectionConfig{
			SpinsAboveLimit:       30,
			SpinsBelowLimit:       30,
			PersistenceOnsetSpins: 200,
		},
		Balancer: BalancerConfig{
			StatsTTL:        5 * time.Second,
			MaxStaleReads:   50,
			MaxStatsAge:     30 * time.Second,
			RefreshInterval: 10 * time.Second,
			MinPlayers:      5,
			MinSpins:        50,
			MinFactor:       0.40,
			MaxFactor:       1.60,
		},
		Spin: SpinConfig{
			MaxLossRetries:      3,
			FreeSpinCap:         50,
			FreeSpinMultiplier:  3,
			MaxPayoutMultiplier: 10000,
			WindowHalfWidth:     0.15,
		},
		Session: SessionConfig{
			Timeout:      30 * time.Minute,
			ReapInterval: time.Minute,
		},
		Database: DatabaseConfig{
			DSN:           "",
			MigrationsDir: "db/migrations",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "spindled",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file is not an error; defaults are used.
func Load(path string) (AppConfig, bool, error) {
	cfg := Default()
	loaded := false

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, false, fmt.Errorf("parse config %s: %w", path, err)
		}
		loaded = true
	case errors.Is(err, fs.ErrNotExist):
	default:
		return AppConfig{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, loaded, err
	}
	return cfg, loaded, nil
}

func applyEnv(cfg *AppConfig) {
	if env := strings.TrimSpace(os.Getenv("SPINDLE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if dsn := strings.TrimSpace(os.Getenv("SPINDLE_DB_DSN")); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if endpoint := strings.TrimSpace(os.Getenv("SPINDLE_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Telemetry.OTLPEndpoint = endpoint
	}
}

// Validate rejects configurations that cannot produce a working engine.
func (c AppConfig) Validate() error {
	if c.Targets.RTP <= 0 || c.Targets.RTP >= 2 {
		return fmt.Errorf("targets.rtp must be in (0, 2), got %v", c.Targets.RTP)
	}
	if c.Targets.HitRate <= 0 || c.Targets.HitRate >= 1 {
		return fmt.Errorf("targets.hitRate must be in (0, 1), got %v", c.Targets.HitRate)
	}
	if c.Cache.MaxBuckets <= 0 {
		return fmt.Errorf("cache.maxBuckets must be >0, got %d", c.Cache.MaxBuckets)
	}
	if c.Cache.RangeLoadLimit <= 0 {
		return fmt.Errorf("cache.rangeLoadLimit must be >0, got %d", c.Cache.RangeLoadLimit)
	}
	if len(c.Cache.PreloadRanges) == 0 {
		return fmt.Errorf("cache.preloadRanges must not be empty")
	}
	for _, r := range c.Cache.PreloadRanges {
		if r.Min >= r.Max {
			return fmt.Errorf("cache.preloadRanges entry inverted: [%v, %v]", r.Min, r.Max)
		}
	}
	if c.Cache.PrefetchInterval <= 0 || c.Cache.PrefetchBatch <= 0 {
		return fmt.Errorf("cache prefetch interval and batch must be >0")
	}
	if c.Correction.SpinsAboveLimit <= 0 || c.Correction.SpinsBelowLimit <= 0 {
		return fmt.Errorf("correction spin limits must be >0")
	}
	if c.Balancer.MinFactor <= 0 || c.Balancer.MaxFactor <= c.Balancer.MinFactor {
		return fmt.Errorf("balancer factor bounds inverted: [%v, %v]", c.Balancer.MinFactor, c.Balancer.MaxFactor)
	}
	if c.Balancer.StatsTTL <= 0 || c.Balancer.MaxStatsAge < c.Balancer.StatsTTL {
		return fmt.Errorf("balancer stats ages inverted: ttl=%v max=%v", c.Balancer.StatsTTL, c.Balancer.MaxStatsAge)
	}
	if c.Spin.MaxLossRetries < 0 {
		return fmt.Errorf("spin.maxLossRetries must be >=0, got %d", c.Spin.MaxLossRetries)
	}
	if c.Spin.FreeSpinCap <= 0 || c.Spin.FreeSpinMultiplier <= 0 {
		return fmt.Errorf("spin free-spin settings must be >0")
	}
	if c.Spin.WindowHalfWidth <= 0 {
		return fmt.Errorf("spin.windowHalfWidth must be >0, got %v", c.Spin.WindowHalfWidth)
	}
	if c.Session.Timeout <= 0 || c.Session.ReapInterval <= 0 {
		return fmt.Errorf("session timeout and reapInterval must be >0")
	}
	return nil
}
