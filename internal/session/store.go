package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/spindle/errs"
	"github.com/coachpo/spindle/internal/observability"
)

const maxIDLength = 128

// Store is a concurrent session registry with atomic get-or-create semantics
// and per-session spin serialization.
type Store struct {
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*entry
	byPlayer map[string]string
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

// NewStore constructs a store. Sessions idle longer than timeout are eligible
// for reaping.
func NewStore(timeout time.Duration) *Store {
	store := new(Store)
	store.timeout = timeout
	store.sessions = make(map[string]*entry)
	store.byPlayer = make(map[string]string)
	return store
}

func validateID(kind, id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" || trimmed != id {
		return errs.New("session", errs.CodeInvalid, errs.WithMessage(kind+" id malformed"))
	}
	if len(id) > maxIDLength {
		return errs.New("session", errs.CodeInvalid, errs.WithMessage(kind+" id too long"))
	}
	return nil
}

// Begin returns the player's active session, creating one if none exists.
// Concurrent first access for the same player yields the same session.
func (st *Store) Begin(playerID string) (*Session, error) {
	if err := validateID("player", playerID); err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if id, ok := st.byPlayer[playerID]; ok {
		if e, ok := st.sessions[id]; ok && !e.s.Ended {
			return e.s, nil
		}
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		StartedAt: now,
	}
	st.sessions[s.ID] = &entry{s: s}
	st.byPlayer[playerID] = s.ID
	observability.Telemetry().SetGauge("spindle_sessions_active", float64(len(st.sessions)), nil)
	return s, nil
}

// Get returns the session with the given id.
func (st *Store) Get(sessionID string) (*Session, error) {
	if err := validateID("session", sessionID); err != nil {
		return nil, err
	}
	st.mu.Lock()
	e, ok := st.sessions[sessionID]
	st.mu.Unlock()
	if !ok {
		return nil, errs.New("session", errs.CodeNotFound, errs.WithMessage("session not found"))
	}
	return e.s, nil
}

// WithSession runs fn with the session locked. Spins for one session are
// serialized through this lock; callers must not retain the session pointer
// beyond fn.
func (st *Store) WithSession(sessionID string, fn func(*Session) error) error {
	if err := validateID("session", sessionID); err != nil {
		return err
	}
	st.mu.Lock()
	e, ok := st.sessions[sessionID]
	st.mu.Unlock()
	if !ok {
		return errs.New("session", errs.CodeNotFound, errs.WithMessage("session not found"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Ended {
		return errs.New("session", errs.CodeNotFound, errs.WithMessage("session ended"))
	}
	return fn(e.s)
}

// End finalises the session and releases its player slot.
func (st *Store) End(sessionID string) error {
	if err := validateID("session", sessionID); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.sessions[sessionID]
	if !ok {
		return errs.New("session", errs.CodeNotFound, errs.WithMessage("session not found"))
	}
	// Ended is read and session fields are mutated under the entry lock in
	// WithSession; an in-flight spin finishes before the flag flips. Taking
	// e.mu under st.mu is safe: no holder of e.mu ever waits on st.mu.
	e.mu.Lock()
	e.s.Ended = true
	e.mu.Unlock()
	delete(st.sessions, sessionID)
	if st.byPlayer[e.s.PlayerID] == sessionID {
		delete(st.byPlayer, e.s.PlayerID)
	}
	observability.Telemetry().SetGauge("spindle_sessions_active", float64(len(st.sessions)), nil)
	return nil
}

// Snapshot copies every active session for aggregate computation. The copies
// are taken under each session lock, so totals are internally consistent.
func (st *Store) Snapshot() []Session {
	st.mu.Lock()
	entries := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.Unlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, *e.s)
		e.mu.Unlock()
	}
	return out
}

// Reap ends sessions idle longer than the store timeout and returns how many
// were reclaimed.
func (st *Store) Reap(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	reaped := 0
	for id, e := range st.sessions {
		e.mu.Lock()
		last := e.s.LastSpinAt
		if last.IsZero() {
			last = e.s.StartedAt
		}
		if now.Sub(last) < st.timeout {
			e.mu.Unlock()
			continue
		}
		e.s.Ended = true
		e.mu.Unlock()
		delete(st.sessions, id)
		if st.byPlayer[e.s.PlayerID] == id {
			delete(st.byPlayer, e.s.PlayerID)
		}
		reaped++
	}
	if reaped > 0 {
		observability.Log().Info("reaped idle sessions", observability.F("count", reaped))
		observability.Telemetry().SetGauge("spindle_sessions_active", float64(len(st.sessions)), nil)
	}
	return reaped
}

// RunReaper periodically reclaims idle sessions until ctx is cancelled.
func (st *Store) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			st.Reap(now)
		}
	}
}
