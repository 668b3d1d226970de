package session

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spindle/errs"
)

func TestBeginCreatesOnce(t *testing.T) {
	store := NewStore(time.Minute)

	first, err := store.Begin("player-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	second, err := store.Begin("player-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one active session per player, got %s and %s", first.ID, second.ID)
	}
}

func TestBeginConcurrentFirstAccess(t *testing.T) {
	store := NewStore(time.Minute)

	const callers = 32
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := store.Begin("player-1")
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent Begin created distinct sessions: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestBeginRejectsMalformedPlayerID(t *testing.T) {
	store := NewStore(time.Minute)
	for _, id := range []string{"", "  ", " padded", "trailing "} {
		if _, err := store.Begin(id); errs.CodeOf(err) != errs.CodeInvalid {
			t.Fatalf("Begin(%q) error = %v, want invalid_request", id, err)
		}
	}
}

func TestEndReleasesPlayerSlot(t *testing.T) {
	store := NewStore(time.Minute)
	first, err := store.Begin("player-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.End(first.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := store.Get(first.ID); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("Get after End = %v, want not_found", err)
	}

	second, err := store.Begin("player-1")
	if err != nil {
		t.Fatalf("Begin after End: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("ending a session should allow a fresh one for the player")
	}
}

func TestWithSessionSerializesMutation(t *testing.T) {
	store := NewStore(time.Minute)
	s, err := store.Begin("player-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	const spins = 200
	var wg sync.WaitGroup
	for i := 0; i < spins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithSession(s.ID, func(sess *Session) error {
				sess.RecordSpin(decimal.NewFromInt(2), decimal.NewFromInt(1), time.Now())
				return nil
			})
			if err != nil {
				t.Errorf("WithSession: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TotalSpins != spins {
		t.Fatalf("TotalSpins = %d, want %d", got.TotalSpins, spins)
	}
	if !got.TotalBet.Equal(decimal.NewFromInt(2 * spins)) {
		t.Fatalf("TotalBet = %s, want %d", got.TotalBet, 2*spins)
	}
}

func TestEndDuringConcurrentSpins(t *testing.T) {
	store := NewStore(time.Minute)
	s, err := store.Begin("player-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	spun := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			err := store.WithSession(s.ID, func(sess *Session) error {
				sess.RecordSpin(decimal.NewFromInt(2), decimal.Zero, time.Now())
				return nil
			})
			if i == 0 {
				close(spun)
			}
			if err != nil {
				// The session ended underneath the loop.
				if errs.CodeOf(err) != errs.CodeNotFound {
					t.Errorf("WithSession: %v", err)
				}
				return
			}
		}
	}()

	<-spun
	if err := store.End(s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	<-done

	err = store.WithSession(s.ID, func(*Session) error { return nil })
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("WithSession after End = %v, want not_found", err)
	}
}

func TestReapDuringConcurrentSpins(t *testing.T) {
	store := NewStore(time.Nanosecond)
	s, err := store.Begin("player-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			err := store.WithSession(s.ID, func(sess *Session) error {
				sess.RecordSpin(decimal.NewFromInt(2), decimal.Zero, time.Now())
				return nil
			})
			if err != nil {
				if errs.CodeOf(err) != errs.CodeNotFound {
					t.Errorf("WithSession: %v", err)
				}
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		store.Reap(time.Now().Add(time.Second))
	}
	<-done
}

func TestReapRemovesIdleSessions(t *testing.T) {
	store := NewStore(time.Minute)
	idle, err := store.Begin("idle-player")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	active, err := store.Begin("active-player")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err = store.WithSession(active.ID, func(sess *Session) error {
		sess.RecordSpin(decimal.NewFromInt(2), decimal.Zero, time.Now())
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}

	if got := store.Reap(time.Now().Add(2 * time.Minute)); got != 2 {
		// Both are idle two minutes out.
		t.Fatalf("Reap = %d, want 2", got)
	}
	if _, err := store.Get(idle.ID); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("idle session should be reaped, got %v", err)
	}
}

func TestSessionAccessors(t *testing.T) {
	s := &Session{}
	if s.RTP() != 0 {
		t.Fatalf("RTP with no wager = %v, want 0", s.RTP())
	}
	if s.HitRate() != 0 {
		t.Fatalf("HitRate with no spins = %v, want 0", s.HitRate())
	}

	now := time.Now()
	s.RecordSpin(decimal.NewFromInt(10), decimal.NewFromInt(5), now)
	s.RecordSpin(decimal.NewFromInt(10), decimal.Zero, now)
	if got := s.RTP(); got != 0.25 {
		t.Fatalf("RTP = %v, want 0.25", got)
	}
	if got := s.HitRate(); got != 0.5 {
		t.Fatalf("HitRate = %v, want 0.5", got)
	}
	if !s.MaxWin.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("MaxWin = %s, want 5", s.MaxWin)
	}
}

func TestTrackDeviationResetsOnCrossing(t *testing.T) {
	now := time.Now()
	s := &Session{}
	s.RecordSpin(decimal.NewFromInt(10), decimal.NewFromInt(20), now)

	s.TrackDeviation(0.88, now)
	if s.SpinsAboveTarget != 1 || s.FirstAboveTarget.IsZero() {
		t.Fatalf("above-target streak not tracked: %+v", s)
	}

	// A dead spin drags realized RTP below target.
	for i := 0; i < 5; i++ {
		s.RecordSpin(decimal.NewFromInt(10), decimal.Zero, now)
	}
	s.TrackDeviation(0.88, now)
	if s.SpinsAboveTarget != 0 || !s.FirstAboveTarget.IsZero() {
		t.Fatal("crossing below target must reset the above-target streak")
	}
	if s.SpinsBelowTarget != 1 {
		t.Fatalf("SpinsBelowTarget = %d, want 1", s.SpinsBelowTarget)
	}
}

func TestAwardFreeSpinsCap(t *testing.T) {
	s := &Session{}
	if got := s.AwardFreeSpins(30, 50); got != 30 {
		t.Fatalf("first award = %d, want 30", got)
	}
	if got := s.AwardFreeSpins(30, 50); got != 20 {
		t.Fatalf("capped award = %d, want 20", got)
	}
	if got := s.AwardFreeSpins(10, 50); got != 0 {
		t.Fatalf("award past cap = %d, want 0", got)
	}
	if s.FreeSpinsAwarded != 50 {
		t.Fatalf("FreeSpinsAwarded = %d, want 50", s.FreeSpinsAwarded)
	}
}
