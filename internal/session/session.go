// Package session tracks per-session running totals and the correction
// counters the selection engine and balancer feed on.
package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session accumulates the realized outcomes of one player's spins. All fields
// are mutated only while the owning store entry is locked; spins for one
// session are strictly serialized.
type Session struct {
	ID       string
	PlayerID string

	TotalBet decimal.Decimal
	TotalWin decimal.Decimal
	MaxWin   decimal.Decimal

	TotalSpins   int
	WinningSpins int

	FreeSpinsRemaining int
	FreeSpinsAwarded   int

	// Correction tracking consumed by the selection engine and balancer.
	SpinsAboveTarget int
	SpinsBelowTarget int
	FirstAboveTarget time.Time
	LastAdjustment   float64

	StartedAt  time.Time
	LastSpinAt time.Time
	Ended      bool
}

// RTP returns cumulative win over cumulative bet, 0 before any wager.
func (s *Session) RTP() float64 {
	if s.TotalBet.IsZero() {
		return 0
	}
	rtp, _ := s.TotalWin.Div(s.TotalBet).Float64()
	return rtp
}

// HitRate returns the fraction of spins with a nonzero payout.
func (s *Session) HitRate() float64 {
	if s.TotalSpins == 0 {
		return 0
	}
	return float64(s.WinningSpins) / float64(s.TotalSpins)
}

// RecordSpin folds one realized spin into the running totals. Free spins do
// not consume stake, so bet may be zero.
func (s *Session) RecordSpin(bet, win decimal.Decimal, now time.Time) {
	s.TotalBet = s.TotalBet.Add(bet)
	s.TotalWin = s.TotalWin.Add(win)
	s.TotalSpins++
	if win.IsPositive() {
		s.WinningSpins++
	}
	if win.GreaterThan(s.MaxWin) {
		s.MaxWin = win
	}
	s.LastSpinAt = now
}

// TrackDeviation updates the above/below-target streak counters after a spin.
// Crossing back to at-or-below target resets the above-target streak and its
// start time; symmetrically for the below-target streak.
func (s *Session) TrackDeviation(targetRTP float64, now time.Time) {
	rtp := s.RTP()
	switch {
	case rtp > targetRTP:
		s.SpinsAboveTarget++
		s.SpinsBelowTarget = 0
		if s.FirstAboveTarget.IsZero() {
			s.FirstAboveTarget = now
		}
	case rtp < targetRTP:
		s.SpinsBelowTarget++
		s.SpinsAboveTarget = 0
		s.FirstAboveTarget = time.Time{}
	default:
		s.SpinsAboveTarget = 0
		s.SpinsBelowTarget = 0
		s.FirstAboveTarget = time.Time{}
	}
}

// AwardFreeSpins grants count free spins, honouring the per-session cap.
// It returns how many were actually granted.
func (s *Session) AwardFreeSpins(count, limit int) int {
	if count <= 0 {
		return 0
	}
	remaining := limit - s.FreeSpinsAwarded
	if remaining <= 0 {
		return 0
	}
	if count > remaining {
		count = remaining
	}
	s.FreeSpinsAwarded += count
	s.FreeSpinsRemaining += count
	return count
}

// ConsumeFreeSpin spends one wager-free spin, reporting whether one was
// available.
func (s *Session) ConsumeFreeSpin() bool {
	if s.FreeSpinsRemaining <= 0 {
		return false
	}
	s.FreeSpinsRemaining--
	return true
}

// InFreeSpins reports whether the next spin is wager-free.
func (s *Session) InFreeSpins() bool {
	return s.FreeSpinsRemaining > 0
}
