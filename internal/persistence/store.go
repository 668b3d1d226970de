// Package persistence stores session state in PostgreSQL. Writes happen off
// the spin path; the in-memory session store remains authoritative while a
// session is live.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/spindle/errs"
	"github.com/coachpo/spindle/internal/session"
)

// SessionStore persists session snapshots.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore constructs a SessionStore backed by the provided pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const (
	sessionUpsertSQL = `
INSERT INTO sessions (
    id,
    player_id,
    total_bet,
    total_win,
    max_win,
    total_spins,
    winning_spins,
    free_spins_remaining,
    free_spins_awarded,
    spins_above_target,
    spins_below_target,
    first_above_target,
    last_adjustment,
    started_at,
    last_spin_at,
    ended,
    updated_at
)
VALUES (
    @id,
    @player_id,
    @total_bet,
    @total_win,
    @max_win,
    @total_spins,
    @winning_spins,
    @free_spins_remaining,
    @free_spins_awarded,
    @spins_above_target,
    @spins_below_target,
    @first_above_target,
    @last_adjustment,
    @started_at,
    @last_spin_at,
    @ended,
    NOW()
)
ON CONFLICT (id) DO UPDATE SET
    total_bet = EXCLUDED.total_bet,
    total_win = EXCLUDED.total_win,
    max_win = EXCLUDED.max_win,
    total_spins = EXCLUDED.total_spins,
    winning_spins = EXCLUDED.winning_spins,
    free_spins_remaining = EXCLUDED.free_spins_remaining,
    free_spins_awarded = EXCLUDED.free_spins_awarded,
    spins_above_target = EXCLUDED.spins_above_target,
    spins_below_target = EXCLUDED.spins_below_target,
    first_above_target = EXCLUDED.first_above_target,
    last_adjustment = EXCLUDED.last_adjustment,
    last_spin_at = EXCLUDED.last_spin_at,
    ended = EXCLUDED.ended,
    updated_at = NOW();
`

	sessionActiveSQL = `
SELECT
    id,
    player_id,
    total_bet,
    total_win,
    max_win,
    total_spins,
    winning_spins,
    free_spins_remaining,
    free_spins_awarded,
    spins_above_target,
    spins_below_target,
    first_above_target,
    last_adjustment,
    started_at,
    last_spin_at,
    ended
FROM sessions
WHERE player_id = @player_id AND ended = FALSE
ORDER BY started_at DESC
LIMIT 1;
`
)

// ReplaceSession upserts the full session snapshot.
func (s *SessionStore) ReplaceSession(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errs.New("persistence", errs.CodeInvalid, errs.WithMessage("session snapshot required"))
	}

	var firstAbove *time.Time
	if !sess.FirstAboveTarget.IsZero() {
		t := sess.FirstAboveTarget
		firstAbove = &t
	}
	var lastSpin *time.Time
	if !sess.LastSpinAt.IsZero() {
		t := sess.LastSpinAt
		lastSpin = &t
	}

	args := pgx.NamedArgs{
		"id":                   sess.ID,
		"player_id":            sess.PlayerID,
		"total_bet":            sess.TotalBet.String(),
		"total_win":            sess.TotalWin.String(),
		"max_win":              sess.MaxWin.String(),
		"total_spins":          sess.TotalSpins,
		"winning_spins":        sess.WinningSpins,
		"free_spins_remaining": sess.FreeSpinsRemaining,
		"free_spins_awarded":   sess.FreeSpinsAwarded,
		"spins_above_target":   sess.SpinsAboveTarget,
		"spins_below_target":   sess.SpinsBelowTarget,
		"first_above_target":   firstAbove,
		"last_adjustment":      sess.LastAdjustment,
		"started_at":           sess.StartedAt,
		"last_spin_at":         lastSpin,
		"ended":                sess.Ended,
	}
	if _, err := s.pool.Exec(ctx, sessionUpsertSQL, args); err != nil {
		return fmt.Errorf("replace session %s: %w", sess.ID, err)
	}
	return nil
}

// GetActiveSession returns the player's most recent unfinished session.
func (s *SessionStore) GetActiveSession(ctx context.Context, playerID string) (*session.Session, error) {
	if playerID == "" {
		return nil, errs.New("persistence", errs.CodeInvalid, errs.WithMessage("player id required"))
	}

	row := s.pool.QueryRow(ctx, sessionActiveSQL, pgx.NamedArgs{"player_id": playerID})

	var sess session.Session
	var totalBet, totalWin, maxWin string
	var firstAbove, lastSpin *time.Time
	err := row.Scan(
		&sess.ID,
		&sess.PlayerID,
		&totalBet,
		&totalWin,
		&maxWin,
		&sess.TotalSpins,
		&sess.WinningSpins,
		&sess.FreeSpinsRemaining,
		&sess.FreeSpinsAwarded,
		&sess.SpinsAboveTarget,
		&sess.SpinsBelowTarget,
		&firstAbove,
		&sess.LastAdjustment,
		&sess.StartedAt,
		&lastSpin,
		&sess.Ended,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New("persistence", errs.CodeNotFound,
			errs.WithMessage("no active session for player "+playerID))
	}
	if err != nil {
		return nil, fmt.Errorf("load active session for %s: %w", playerID, err)
	}

	if sess.TotalBet, err = decimal.NewFromString(totalBet); err != nil {
		return nil, fmt.Errorf("decode total_bet: %w", err)
	}
	if sess.TotalWin, err = decimal.NewFromString(totalWin); err != nil {
		return nil, fmt.Errorf("decode total_win: %w", err)
	}
	if sess.MaxWin, err = decimal.NewFromString(maxWin); err != nil {
		return nil, fmt.Errorf("decode max_win: %w", err)
	}
	if firstAbove != nil {
		sess.FirstAboveTarget = *firstAbove
	}
	if lastSpin != nil {
		sess.LastSpinAt = *lastSpin
	}
	return &sess, nil
}
