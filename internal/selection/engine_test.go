package selection

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/coachpo/spindle/internal/corpus"
)

func testEngine(t *testing.T, seed int64) *Engine {
	t.Helper()
	engine, err := New(Config{
		TargetRTP:       0.88,
		TargetHitRate:   0.25,
		SpinsAboveLimit: 30,
		SpinsBelowLimit: 30,
	}, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return engine
}

func candidate(name string, rtp, hitRate float64) *corpus.Configuration {
	cfg := &corpus.Configuration{
		Name:            name,
		ExpectedRTP:     rtp,
		ExpectedHitRate: hitRate,
	}
	strip := []string{"S3", "S5", "S4", "S6", "S3", "S7", "S5", "S4", "S6", "S7"}
	for i := range cfg.Reels {
		cfg.Reels[i] = strip
	}
	return cfg
}

func spanCorpus(minRTP, maxRTP, step float64) []*corpus.Configuration {
	var out []*corpus.Configuration
	i := 0
	for rtp := minRTP; rtp <= maxRTP+1e-9; rtp += step {
		out = append(out, candidate(fmt.Sprintf("span-%03d", i), rtp, 0.30))
		i++
	}
	return out
}

func TestChooseEmptyPoolReturnsFallback(t *testing.T) {
	engine := testEngine(t, 1)

	got := engine.Choose(State{RTP: 0.90, HitRate: 0.2}, nil)
	if got.Name != FallbackName {
		t.Fatalf("Choose on empty pool = %s, want %s", got.Name, FallbackName)
	}
	if got.ExpectedRTP != 0.88 || got.ExpectedHitRate != 0.25 {
		t.Fatalf("fallback carries %v/%v, want neutral 0.88/0.25", got.ExpectedRTP, got.ExpectedHitRate)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("fallback must be spinnable: %v", err)
	}
}

func TestChooseExhaustedFilterReturnsFallback(t *testing.T) {
	engine := testEngine(t, 1)

	// Far above target with only at-or-above-target candidates on offer:
	// the overshoot cap rejects everything.
	pool := []*corpus.Configuration{
		candidate("hot-1", 1.20, 0.30),
		candidate("hot-2", 0.95, 0.25),
	}
	got := engine.Choose(State{RTP: 1.40, HitRate: 0.3}, pool)
	if got.Name != FallbackName {
		t.Fatalf("Choose = %s, want %s", got.Name, FallbackName)
	}
}

func TestSafetyFilterBlocksOvershootWhenFarAboveTarget(t *testing.T) {
	engine := testEngine(t, 7)

	hot := candidate("hot", 0.95, 0.25)
	cold := candidate("cold", 0.55, 0.25)
	state := State{RTP: 1.30, HitRate: 0.30} // 48% above target

	for i := 0; i < 500; i++ {
		got := engine.Choose(state, []*corpus.Configuration{hot, cold})
		if got.Name == "hot" {
			t.Fatalf("draw %d returned the above-target configuration at +48%% deviation", i)
		}
	}
}

func TestDangerousPatternsRejected(t *testing.T) {
	engine := testEngine(t, 3)

	wildHeavy := candidate("wild-heavy", 0.88, 0.25)
	wildHeavy.Reels[0] = []string{"W", "W", "W", "W", "W", "W"}

	stacked := candidate("stacked-scatter", 0.88, 0.25)
	stacked.Reels[2] = []string{"S", "S", "S1", "S2", "S3", "S4"}

	safe := candidate("safe", 0.87, 0.25)

	state := State{RTP: 0.88, HitRate: 0.25} // on target: strictest thresholds
	for i := 0; i < 200; i++ {
		got := engine.Choose(state, []*corpus.Configuration{wildHeavy, stacked, safe})
		if got.Name != "safe" {
			t.Fatalf("draw %d returned dangerous configuration %s", i, got.Name)
		}
	}
}

func TestDangerousPatternsRelaxUnderExtremeDeviation(t *testing.T) {
	engine := testEngine(t, 3)

	// 7 wilds exceed the on-target threshold (5) but not the extreme one (12).
	wildish := candidate("wildish", 0.55, 0.25)
	wildish.Reels[0] = []string{"W", "W", "W", "W", "S1", "S2"}
	wildish.Reels[1] = []string{"W", "W", "W", "S1", "S2", "S3"}

	state := State{RTP: 1.40, HitRate: 0.30}
	got := engine.Choose(state, []*corpus.Configuration{wildish})
	if got.Name != "wildish" {
		t.Fatalf("Choose = %s; thresholds should relax at extreme deviation", got.Name)
	}

	onTarget := State{RTP: 0.88, HitRate: 0.25}
	got = engine.Choose(onTarget, []*corpus.Configuration{wildish})
	if got.Name != FallbackName {
		t.Fatalf("Choose = %s; on-target thresholds should reject the pattern", got.Name)
	}
}

func TestCorrectionRestrictsPoolAfterStreak(t *testing.T) {
	engine := testEngine(t, 11)

	pool := []*corpus.Configuration{
		candidate("low", 0.82, 0.25),
		candidate("high", 0.94, 0.25),
	}

	above := State{RTP: 0.90, HitRate: 0.25, SpinsAboveTarget: 31}
	for i := 0; i < 300; i++ {
		if got := engine.Choose(above, pool); got.Name != "low" {
			t.Fatalf("draw %d above-target streak returned %s, want low", i, got.Name)
		}
	}

	below := State{RTP: 0.85, HitRate: 0.25, SpinsBelowTarget: 31}
	for i := 0; i < 300; i++ {
		if got := engine.Choose(below, pool); got.Name != "high" {
			t.Fatalf("draw %d below-target streak returned %s, want high", i, got.Name)
		}
	}
}

func TestSamplingPrefersNearTargetButKeepsVariance(t *testing.T) {
	engine := testEngine(t, 19)

	pool := []*corpus.Configuration{
		candidate("near", 0.87, 0.25),
		candidate("far", 0.82, 0.25),
	}
	state := State{RTP: 0.88, HitRate: 0.25}

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[engine.Choose(state, pool).Name]++
	}
	if counts["near"] <= counts["far"] {
		t.Fatalf("near=%d far=%d: sampling should bias toward target", counts["near"], counts["far"])
	}
	if counts["far"] == 0 {
		t.Fatal("weighted sampling must keep variance: far candidate never drawn")
	}
}

func TestWindowWidensBelowTarget(t *testing.T) {
	engine := testEngine(t, 1)

	loFar, hiFar := engine.Window(State{RTP: 0.40})  // far below target
	loNear, hiNear := engine.Window(State{RTP: 0.88}) // on target
	loHigh, hiHigh := engine.Window(State{RTP: 1.20}) // above target

	if (hiFar - loFar) <= (hiNear - loNear) {
		t.Fatal("window should widen when far below target")
	}
	if (hiHigh - loHigh) >= (hiNear - loNear) {
		t.Fatal("window should narrow when above target")
	}
}

func TestWindowScalesWithConfiguredHalfWidth(t *testing.T) {
	narrow, err := New(Config{TargetRTP: 0.88, TargetHitRate: 0.25, WindowHalfWidth: 0.10}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wide, err := New(Config{TargetRTP: 0.88, TargetHitRate: 0.25, WindowHalfWidth: 0.20}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state := State{RTP: 0.88}
	loN, hiN := narrow.Window(state)
	loW, hiW := wide.Window(state)
	if got, want := hiW-loW, 2*(hiN-loN); math.Abs(got-want) > 1e-9 {
		t.Fatalf("doubling the half-width should double the window: got span %v, want %v", got, want)
	}
}

func TestWidestWindowCoversEveryState(t *testing.T) {
	engine := testEngine(t, 1)

	for _, rtp := range []float64{0, 0.40, 0.70, 0.88, 1.10, 1.50} {
		state := State{RTP: rtp}
		lo, hi := engine.Window(state)
		wideLo, wideHi := engine.WidestWindow(state)
		if wideLo > lo+1e-9 || wideHi < hi-1e-9 {
			t.Fatalf("RTP %v: widest window [%v, %v] does not cover [%v, %v]", rtp, wideLo, wideHi, lo, hi)
		}
	}
}

// Convergence: 5,000 simulated spins against a corpus spanning [0.10, 1.50]
// must land realized RTP within ±5% of the 0.88 target.
func TestConvergenceToTargetRTP(t *testing.T) {
	pool := spanCorpus(0.10, 1.50, 0.02)
	const (
		target    = 0.88
		spins     = 5000
		tolerance = 0.05 * target
	)

	for _, seed := range []int64{1, 42, 1337} {
		seed := seed
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			engine := testEngine(t, seed)
			outcomes := rand.New(rand.NewSource(seed + 1000))

			var totalBet, totalWin float64
			var winning, above, below int
			for i := 0; i < spins; i++ {
				rtp := 0.0
				if totalBet > 0 {
					rtp = totalWin / totalBet
				}
				hitRate := 0.0
				if i > 0 {
					hitRate = float64(winning) / float64(i)
				}
				state := State{
					RTP:              rtp,
					HitRate:          hitRate,
					SpinsAboveTarget: above,
					SpinsBelowTarget: below,
				}
				chosen := engine.Choose(state, pool)

				totalBet += 1.0
				if outcomes.Float64() < chosen.ExpectedHitRate {
					totalWin += chosen.ExpectedRTP / chosen.ExpectedHitRate
					winning++
				}

				rtp = totalWin / totalBet
				switch {
				case rtp > target:
					above++
					below = 0
				case rtp < target:
					below++
					above = 0
				default:
					above, below = 0, 0
				}
			}

			realized := totalWin / totalBet
			if math.Abs(realized-target) > tolerance {
				t.Fatalf("realized RTP %.4f outside %.4f±%.4f after %d spins", realized, target, tolerance, spins)
			}
		})
	}
}
