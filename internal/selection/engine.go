package selection

import (
	"math"
	"math/rand"
	"sync"

	"github.com/coachpo/spindle/errs"
	"github.com/coachpo/spindle/internal/corpus"
	"github.com/coachpo/spindle/internal/observability"
)

// FallbackName identifies the neutral configuration returned when filtering
// exhausts every candidate.
const FallbackName = "fallback-neutral"

// Config carries the engine's targets and hysteresis thresholds.
type Config struct {
	TargetRTP     float64
	TargetHitRate float64
	// SpinsAboveLimit and SpinsBelowLimit are the streak lengths after which
	// the candidate pool is restricted to corrective configurations only.
	SpinsAboveLimit int
	SpinsBelowLimit int
	// WindowHalfWidth is the base half-width of the candidate RTP window
	// around target; the widen ladder scales it by deviation.
	WindowHalfWidth float64
}

// State is the per-session view the engine selects against.
type State struct {
	RTP     float64
	HitRate float64
	// TargetRTP overrides the engine target when nonzero; the balancer nudges
	// it per session.
	TargetRTP        float64
	SpinsAboveTarget int
	SpinsBelowTarget int
}

// Engine filters and weight-samples configurations. Safe for concurrent use.
type Engine struct {
	cfg      Config
	fallback *corpus.Configuration

	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs an engine. rng may be nil; a time-seeded source is used.
func New(cfg Config, rng *rand.Rand) (*Engine, error) {
	if cfg.TargetRTP <= 0 || cfg.TargetHitRate <= 0 {
		return nil, errs.New("selection", errs.CodeInvalid, errs.WithMessage("targets must be >0"))
	}
	if cfg.SpinsAboveLimit <= 0 {
		cfg.SpinsAboveLimit = 30
	}
	if cfg.SpinsBelowLimit <= 0 {
		cfg.SpinsBelowLimit = 30
	}
	if cfg.WindowHalfWidth <= 0 {
		cfg.WindowHalfWidth = 0.15
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Engine{
		cfg:      cfg,
		fallback: neutralFallback(cfg.TargetRTP, cfg.TargetHitRate),
		rng:      rng,
	}, nil
}

// Fallback exposes the neutral configuration returned on candidate exhaustion.
func (e *Engine) Fallback() *corpus.Configuration {
	return e.fallback
}

// Window returns the dynamic candidate RTP window for the given state, used
// by the orchestrator to size its range-cache request.
func (e *Engine) Window(state State) (minRTP, maxRTP float64) {
	target := e.target(state)
	widen := e.widen(e.deviation(state))
	return target * (1 - widen), target * (1 + widen)
}

// WidestWindow returns the window at the ladder's maximum width. The
// orchestrator retries a failed range load at these bounds before collapsing
// to the fallback configuration.
func (e *Engine) WidestWindow(state State) (minRTP, maxRTP float64) {
	target := e.target(state)
	widen := e.cfg.WindowHalfWidth * widestScale()
	return target * (1 - widen), target * (1 + widen)
}

// Choose filters candidates and draws one by weighted sampling. It never
// fails: an exhausted pool yields the neutral fallback configuration.
func (e *Engine) Choose(state State, candidates []*corpus.Configuration) *corpus.Configuration {
	if len(candidates) == 0 {
		observability.Telemetry().IncCounter("spindle_selection_fallbacks_total", 1, nil)
		return e.fallback
	}

	target := e.target(state)
	deviation := e.deviation(state)

	pool := e.windowFilter(candidates, target, deviation)
	pool = e.safetyFilter(pool, target, deviation)
	if len(pool) == 0 {
		observability.Telemetry().IncCounter("spindle_selection_fallbacks_total", 1, nil)
		observability.Log().Debug("candidate pool exhausted, serving fallback",
			observability.F("rtp", state.RTP),
			observability.F("deviation", deviation))
		return e.fallback
	}

	pool = e.correctionFilter(pool, state, target)
	return e.sample(pool, target)
}

func (e *Engine) target(state State) float64 {
	if state.TargetRTP > 0 {
		return state.TargetRTP
	}
	return e.cfg.TargetRTP
}

func (e *Engine) deviation(state State) float64 {
	target := e.target(state)
	return (state.RTP - target) / target
}

func (e *Engine) widen(deviation float64) float64 {
	return e.cfg.WindowHalfWidth * widenScaleFor(deviation)
}

// windowFilter keeps candidates inside the dynamic RTP window. An empty
// result falls back to the full candidate set; the safety filter still runs.
func (e *Engine) windowFilter(candidates []*corpus.Configuration, target, deviation float64) []*corpus.Configuration {
	widen := e.widen(deviation)
	lo, hi := target*(1-widen), target*(1+widen)

	in := make([]*corpus.Configuration, 0, len(candidates))
	for _, cfg := range candidates {
		if cfg.ExpectedRTP >= lo && cfg.ExpectedRTP <= hi {
			in = append(in, cfg)
		}
	}
	if len(in) == 0 {
		return candidates
	}
	return in
}

// safetyFilter rejects out-of-bounds and dangerous-pattern candidates,
// relaxing the bounds rung by rung when nothing survives. The overshoot cap
// and pattern thresholds hold on every rung.
func (e *Engine) safetyFilter(candidates []*corpus.Configuration, target, deviation float64) []*corpus.Configuration {
	widen := e.widen(deviation)
	thresholds := safetyFor(math.Abs(deviation))
	capped := deviation >= hardCapDeviation

	for _, slack := range relaxationLadder {
		lo := target * (1 - widen*boundSlack*slack)
		hi := target * (1 + widen*boundSlack*slack)
		hitLo := e.cfg.TargetHitRate * (1 - (hitRateSlack+math.Abs(deviation))*slack)
		hitHi := e.cfg.TargetHitRate * (1 + (hitRateSlack+math.Abs(deviation))*slack)

		out := make([]*corpus.Configuration, 0, len(candidates))
		for _, cfg := range candidates {
			if capped && cfg.ExpectedRTP >= target {
				continue
			}
			if cfg.ExpectedRTP < lo || cfg.ExpectedRTP > hi {
				continue
			}
			if cfg.ExpectedHitRate < hitLo || cfg.ExpectedHitRate > hitHi {
				continue
			}
			if dangerous(cfg, thresholds) {
				continue
			}
			out = append(out, cfg)
		}
		if len(out) > 0 {
			return out
		}
	}

	// Final rung: bounds dropped, cap and pattern thresholds still in force.
	out := make([]*corpus.Configuration, 0, len(candidates))
	for _, cfg := range candidates {
		if capped && cfg.ExpectedRTP >= target {
			continue
		}
		if dangerous(cfg, thresholds) {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// dangerous reports whether the configuration exhibits a symbol pattern past
// the thresholds in force: too many wilds, too many scatters, or scatters
// stackable across too many visible rows of one reel.
func dangerous(cfg *corpus.Configuration, thresholds safetyEntry) bool {
	if cfg.SymbolCount(corpus.SymbolWild) > thresholds.maxWilds {
		return true
	}
	if cfg.SymbolCount(corpus.SymbolScatter) > thresholds.maxScatters {
		return true
	}
	return maxScatterStack(cfg) > thresholds.maxScatterStack
}

// maxScatterStack returns the most scatters any reel can show at once, i.e.
// the densest run of scatters inside any window of visible-row length.
func maxScatterStack(cfg *corpus.Configuration) int {
	most := 0
	for _, reel := range cfg.Reels {
		n := len(reel)
		if n == 0 {
			continue
		}
		for stop := 0; stop < n; stop++ {
			count := 0
			for row := 0; row < corpus.VisibleRows; row++ {
				if reel[(stop+row)%n] == corpus.SymbolScatter {
					count++
				}
			}
			if count > most {
				most = count
			}
		}
	}
	return most
}

// correctionFilter applies the hysteresis tiers: a long streak above target
// restricts the pool to below-target candidates, and symmetrically below.
// The restriction only applies when it leaves a nonempty pool.
func (e *Engine) correctionFilter(pool []*corpus.Configuration, state State, target float64) []*corpus.Configuration {
	switch {
	case state.SpinsAboveTarget > e.cfg.SpinsAboveLimit:
		low := make([]*corpus.Configuration, 0, len(pool))
		for _, cfg := range pool {
			if cfg.ExpectedRTP < target {
				low = append(low, cfg)
			}
		}
		if len(low) > 0 {
			observability.Telemetry().IncCounter("spindle_selection_corrections_total", 1,
				map[string]string{"direction": "reduce"})
			return low
		}
	case state.SpinsBelowTarget > e.cfg.SpinsBelowLimit:
		high := make([]*corpus.Configuration, 0, len(pool))
		for _, cfg := range pool {
			if cfg.ExpectedRTP > target {
				high = append(high, cfg)
			}
		}
		if len(high) > 0 {
			observability.Telemetry().IncCounter("spindle_selection_corrections_total", 1,
				map[string]string{"direction": "boost"})
			return high
		}
	}
	return pool
}

// sample draws one candidate with probability proportional to its score:
// inverse weighted distance from target, penalised for overshoot. Weighted
// sampling rather than arg-max keeps outcome variance alive.
func (e *Engine) sample(pool []*corpus.Configuration, target float64) *corpus.Configuration {
	scores := make([]float64, len(pool))
	total := 0.0
	for i, cfg := range pool {
		distance := rtpWeight*math.Abs(cfg.ExpectedRTP-target) +
			hitRateWeight*math.Abs(cfg.ExpectedHitRate-e.cfg.TargetHitRate)
		divisor := distance + scoreEpsilon
		if cfg.ExpectedRTP > target {
			divisor *= 1 + overshootPenalty*(cfg.ExpectedRTP-target)/target
		}
		scores[i] = 1 / divisor
		total += scores[i]
	}

	e.mu.Lock()
	point := e.rng.Float64() * total
	e.mu.Unlock()

	cumulative := 0.0
	for i, score := range scores {
		cumulative += score
		if point <= cumulative {
			return pool[i]
		}
	}
	// Floating-point rounding can leave the drawn point past the running
	// total; the last candidate wins deterministically.
	return pool[len(pool)-1]
}

func neutralFallback(targetRTP, targetHitRate float64) *corpus.Configuration {
	cfg := &corpus.Configuration{
		Name:            FallbackName,
		ExpectedRTP:     targetRTP,
		ExpectedHitRate: targetHitRate,
	}
	strip := []string{"S3", "S5", "S4", "S6", "S3", "S7", "S5", "S4", "S6", "S7"}
	for i := range cfg.Reels {
		cfg.Reels[i] = strip
	}
	return cfg
}
