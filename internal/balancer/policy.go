// Package balancer nudges per-session targets based on the aggregate
// behaviour of all concurrent sessions.
package balancer

import (
	"math"
	"time"
)

// Correction tiers keyed by deviation percentage from target, strongest
// first. Within each tier the factor falls linearly with deviation, and the
// tier floors line up so the whole curve is monotonic: the further above
// target a session sits, the smaller its adjustment factor, symmetrically
// for boosts below target.
type tier struct {
	name string
	// floorPct is the deviation percentage at which the tier starts.
	floorPct float64
	// base is the factor at the tier floor.
	base float64
	// slope is the factor decrease per deviation point inside the tier.
	slope float64
}

var reduceTiers = []tier{
	{name: "ultra", floorPct: 40, base: 0.60, slope: 0.010},
	{name: "aggressive", floorPct: 25, base: 0.75, slope: 0.010},
	{name: "moderate", floorPct: 10, base: 0.90, slope: 0.010},
	{name: "gentle", floorPct: 3, base: 0.97, slope: 0.010},
}

const (
	// neutralFactor applies inside the dead band around target.
	neutralFactor = 1.0
	// deadBandPct is the deviation percentage treated as on-target.
	deadBandPct = 3.0

	// Persistence penalty: sessions that stay materially above target for a
	// long streak get a correction that keeps growing with the streak.
	persistenceBase      = 0.55
	persistenceDevSlope  = 0.001
	persistenceSpinSlope = 0.0005
	persistenceSpinCap   = 0.15

	// Acceleration multipliers scale the correction amount, capped so a
	// stale streak cannot dominate the tier structure.
	timeAccelPerHour = 0.25
	timeAccelCap     = 0.50
	spinAccelPerSpin = 1.0 / 200
	spinAccelCap     = 0.50
)

// baseFactor evaluates the tier table for a positive deviation percentage.
func baseFactor(devPct float64) (float64, string) {
	for _, t := range reduceTiers {
		if devPct >= t.floorPct {
			return t.base - t.slope*(devPct-t.floorPct), t.name
		}
	}
	return neutralFactor, "neutral"
}

// timeAcceleration grows with wall-clock time spent above target, capped.
func timeAcceleration(firstAbove time.Time, now time.Time) float64 {
	if firstAbove.IsZero() {
		return 1
	}
	hours := now.Sub(firstAbove).Hours()
	if hours <= 0 {
		return 1
	}
	return 1 + math.Min(hours*timeAccelPerHour, timeAccelCap)
}

// spinAcceleration grows with the number of spins spent off target, capped.
func spinAcceleration(streak int) float64 {
	if streak <= 0 {
		return 1
	}
	return 1 + math.Min(float64(streak)*spinAccelPerSpin, spinAccelCap)
}
