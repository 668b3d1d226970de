package balancer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spindle/internal/observability"
	"github.com/coachpo/spindle/internal/session"
)

// Config tunes the balancer and its stats cache.
type Config struct {
	TargetRTP float64

	// StatsTTL bounds how long a cached snapshot counts as fresh. Stale
	// snapshots are still served until MaxStaleReads consecutive stale serves
	// or MaxStatsAge force a synchronous refresh.
	StatsTTL      time.Duration
	MaxStaleReads int
	MaxStatsAge   time.Duration

	// MinPlayers and MinSpins gate adjustments: too small a population or too
	// short a session history yields the neutral factor.
	MinPlayers int
	MinSpins   int

	MinFactor float64
	MaxFactor float64

	// PersistenceOnsetSpins is the above-target streak length at which the
	// persistence penalty engages.
	PersistenceOnsetSpins int
}

// GlobalStats is an aggregate view over every active session.
type GlobalStats struct {
	Players    int
	TotalSpins int
	AverageRTP float64
	MinRTP     float64
	MaxRTP     float64
	TotalBet   decimal.Decimal
	TotalWin   decimal.Decimal
	UpdatedAt  time.Time
}

// Balancer nudges per-session adjustment factors using aggregate statistics.
// Safe for concurrent use.
type Balancer struct {
	cfg   Config
	store *session.Store
	now   func() time.Time

	mu          sync.Mutex
	cached      GlobalStats
	fetchedAt   time.Time
	staleServes int
}

// New constructs a balancer over the session store. Zero config fields take
// conservative defaults.
func New(cfg Config, store *session.Store) *Balancer {
	if cfg.TargetRTP <= 0 {
		cfg.TargetRTP = 0.88
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 5 * time.Second
	}
	if cfg.MaxStaleReads <= 0 {
		cfg.MaxStaleReads = 50
	}
	if cfg.MaxStatsAge <= 0 {
		cfg.MaxStatsAge = 30 * time.Second
	}
	if cfg.MinPlayers <= 0 {
		cfg.MinPlayers = 5
	}
	if cfg.MinSpins <= 0 {
		cfg.MinSpins = 50
	}
	if cfg.MinFactor <= 0 {
		cfg.MinFactor = 0.40
	}
	if cfg.MaxFactor <= cfg.MinFactor {
		cfg.MaxFactor = 1.60
	}
	if cfg.PersistenceOnsetSpins <= 0 {
		cfg.PersistenceOnsetSpins = 200
	}
	return &Balancer{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
}

// Stats returns the aggregate view, serving the cached snapshot while it is
// inside the staleness budget. The budget allows up to MaxStaleReads
// consecutive stale serves after the TTL expires; crossing the budget or
// MaxStatsAge forces a synchronous recompute.
func (b *Balancer) Stats() GlobalStats {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	age := now.Sub(b.fetchedAt)
	if b.fetchedAt.IsZero() || age > b.cfg.MaxStatsAge {
		b.refreshLocked(now)
		return b.cached
	}
	if age <= b.cfg.StatsTTL {
		b.staleServes = 0
		return b.cached
	}

	b.staleServes++
	if b.staleServes > b.cfg.MaxStaleReads {
		b.refreshLocked(now)
		return b.cached
	}
	observability.Telemetry().IncCounter("spindle_balancer_stale_serves_total", 1, nil)
	return b.cached
}

// Refresh recomputes the aggregate snapshot immediately.
func (b *Balancer) Refresh() GlobalStats {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(now)
	return b.cached
}

// refreshLocked recomputes under b.mu. The store snapshot takes per-session
// locks, so callers must not hold any session entry lock.
func (b *Balancer) refreshLocked(now time.Time) {
	b.cached = b.compute(now)
	b.fetchedAt = now
	b.staleServes = 0
	observability.Telemetry().SetGauge("spindle_balancer_players", float64(b.cached.Players), nil)
	observability.Telemetry().SetGauge("spindle_balancer_average_rtp", b.cached.AverageRTP, nil)
}

func (b *Balancer) compute(now time.Time) GlobalStats {
	stats := GlobalStats{
		MinRTP:    math.Inf(1),
		MaxRTP:    math.Inf(-1),
		TotalBet:  decimal.Zero,
		TotalWin:  decimal.Zero,
		UpdatedAt: now,
	}
	for _, s := range b.store.Snapshot() {
		stats.Players++
		stats.TotalSpins += s.TotalSpins
		stats.TotalBet = stats.TotalBet.Add(s.TotalBet)
		stats.TotalWin = stats.TotalWin.Add(s.TotalWin)
		if s.TotalBet.IsZero() {
			continue
		}
		rtp := s.RTP()
		if rtp < stats.MinRTP {
			stats.MinRTP = rtp
		}
		if rtp > stats.MaxRTP {
			stats.MaxRTP = rtp
		}
	}
	if stats.TotalBet.IsPositive() {
		avg, _ := stats.TotalWin.Div(stats.TotalBet).Float64()
		stats.AverageRTP = avg
	}
	if math.IsInf(stats.MinRTP, 1) {
		stats.MinRTP, stats.MaxRTP = 0, 0
	}
	return stats
}

// peek returns the cached snapshot without triggering a refresh. Used on the
// spin path, where the caller holds a session entry lock and a synchronous
// recompute would self-deadlock through the store snapshot.
func (b *Balancer) peek() GlobalStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cached
}

// AdjustmentFactor returns the multiplicative target adjustment for the
// session: <1 cools a session running hot, >1 warms one running cold, 1 when
// the population or the session history is too small to act on. The result is
// recorded on the session and clamped to the configured factor bounds.
func (b *Balancer) AdjustmentFactor(s *session.Session) float64 {
	factor := b.factorFor(s, b.peek(), b.now())
	s.LastAdjustment = factor
	observability.Telemetry().ObserveHistogram("spindle_balancer_factor", factor, nil)
	return factor
}

func (b *Balancer) factorFor(s *session.Session, stats GlobalStats, now time.Time) float64 {
	if stats.Players < b.cfg.MinPlayers || s.TotalSpins < b.cfg.MinSpins {
		return neutralFactor
	}

	devPct := (s.RTP() - b.cfg.TargetRTP) / b.cfg.TargetRTP * 100
	var factor float64
	switch {
	case devPct >= deadBandPct:
		base, tierName := baseFactor(devPct)
		accel := timeAcceleration(s.FirstAboveTarget, now) * spinAcceleration(s.SpinsAboveTarget)
		factor = 1 - (1-base)*accel

		if s.SpinsAboveTarget >= b.cfg.PersistenceOnsetSpins {
			streak := float64(s.SpinsAboveTarget - b.cfg.PersistenceOnsetSpins)
			penalty := persistenceBase - persistenceDevSlope*devPct -
				math.Min(streak*persistenceSpinSlope, persistenceSpinCap)
			if penalty < factor {
				factor = penalty
				tierName = "persistence"
			}
		}
		observability.Log().Debug("balancer reduce",
			observability.F("tier", tierName),
			observability.F("deviationPct", devPct))
	case devPct <= -deadBandPct:
		base, tierName := baseFactor(-devPct)
		accel := spinAcceleration(s.SpinsBelowTarget)
		factor = 1 + (1-base)*accel
		observability.Log().Debug("balancer boost",
			observability.F("tier", tierName),
			observability.F("deviationPct", devPct))
	default:
		factor = neutralFactor
	}

	return math.Max(b.cfg.MinFactor, math.Min(b.cfg.MaxFactor, factor))
}

// ShouldReduce reports whether the session is eligible for cooling: enough
// players, enough spins, and deviation past the dead band.
func (b *Balancer) ShouldReduce(s *session.Session) bool {
	stats := b.Stats()
	if stats.Players < b.cfg.MinPlayers || s.TotalSpins < b.cfg.MinSpins {
		return false
	}
	return (s.RTP()-b.cfg.TargetRTP)/b.cfg.TargetRTP*100 >= deadBandPct
}

// ShouldBoost reports whether the session is eligible for warming.
func (b *Balancer) ShouldBoost(s *session.Session) bool {
	stats := b.Stats()
	if stats.Players < b.cfg.MinPlayers || s.TotalSpins < b.cfg.MinSpins {
		return false
	}
	return (s.RTP()-b.cfg.TargetRTP)/b.cfg.TargetRTP*100 <= -deadBandPct
}

// RunRefresher keeps the stats cache warm until ctx is cancelled.
func (b *Balancer) RunRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Refresh()
		}
	}
}
