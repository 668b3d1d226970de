// Package selection picks one reel configuration per spin, biasing realized
// RTP and hit rate toward their targets while preserving outcome variance.
package selection

// Relative deviation from target: (sessionRTP - targetRTP) / targetRTP.
// All policy tables below are ordered and evaluated top to bottom; the first
// matching entry wins.

// widenEntry maps a deviation ceiling to a multiplier of the configured base
// window half-width. Far below target the window opens wide so recovery
// candidates are found fast; above target it narrows.
type widenEntry struct {
	maxDeviation float64
	scale        float64
}

var defaultWidenLadder = []widenEntry{
	{maxDeviation: -0.30, scale: 2.5},
	{maxDeviation: -0.15, scale: 1.6},
	{maxDeviation: -0.05, scale: 1.0},
	{maxDeviation: 0.05, scale: 0.55},
	{maxDeviation: 0.20, scale: 0.40},
	{maxDeviation: 1e9, scale: 0.25},
}

func widenScaleFor(deviation float64) float64 {
	for _, entry := range defaultWidenLadder {
		if deviation <= entry.maxDeviation {
			return entry.scale
		}
	}
	return defaultWidenLadder[len(defaultWidenLadder)-1].scale
}

// widestScale is the largest multiplier on the ladder, used for the
// last-resort window when a targeted range load fails.
func widestScale() float64 {
	most := 0.0
	for _, entry := range defaultWidenLadder {
		if entry.scale > most {
			most = entry.scale
		}
	}
	return most
}

// safetyEntry maps a minimum absolute deviation to the symbol-pattern
// thresholds in force at that deviation. The further a session drifts from
// target, the more the thresholds relax: recovery from extreme deviation
// outranks pattern conservatism.
type safetyEntry struct {
	minAbsDeviation float64
	maxWilds        int
	maxScatters     int
	maxScatterStack int
}

var defaultSafetyLadder = []safetyEntry{
	{minAbsDeviation: 0.40, maxWilds: 12, maxScatters: 10, maxScatterStack: 3},
	{minAbsDeviation: 0.20, maxWilds: 8, maxScatters: 7, maxScatterStack: 2},
	{minAbsDeviation: 0, maxWilds: 5, maxScatters: 4, maxScatterStack: 1},
}

func safetyFor(absDeviation float64) safetyEntry {
	for _, entry := range defaultSafetyLadder {
		if absDeviation >= entry.minAbsDeviation {
			return entry
		}
	}
	return defaultSafetyLadder[len(defaultSafetyLadder)-1]
}

// Relaxation ladder for the safety-filter bounds: each rung multiplies the
// bound slack; the final rung drops the bounds entirely (the overshoot cap
// and pattern thresholds stay in force on every rung).
var relaxationLadder = []float64{1, 1.5, 2.5, 4}

const (
	// hardCapDeviation is the positive deviation beyond which candidates at
	// or above target RTP are rejected outright.
	hardCapDeviation = 0.25

	// boundSlack scales the widen factor into safety-filter RTP bounds.
	boundSlack = 2.0

	// hitRateSlack is the base relative tolerance around the target hit rate.
	hitRateSlack = 0.60

	// Scoring weights: RTP distance dominates; hit-rate distance refines.
	rtpWeight     = 1.0
	hitRateWeight = 0.3

	// overshootPenalty scales the score divisor for candidates above target.
	overshootPenalty = 4.0

	// scoreEpsilon keeps scores finite for candidates sitting on target.
	scoreEpsilon = 0.01
)
