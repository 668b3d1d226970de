// Package spin orchestrates a full spin: candidate selection, payout
// evaluation, session accounting, and fire-and-forget persistence.
package spin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/spindle/errs"
	"github.com/coachpo/spindle/internal/balancer"
	"github.com/coachpo/spindle/internal/corpus"
	"github.com/coachpo/spindle/internal/observability"
	"github.com/coachpo/spindle/internal/rangecache"
	"github.com/coachpo/spindle/internal/selection"
	"github.com/coachpo/spindle/internal/session"
	"github.com/coachpo/spindle/internal/telemetry"
	"github.com/coachpo/spindle/lib/async"
)

// Persister durably stores session state off the spin path.
type Persister interface {
	ReplaceSession(ctx context.Context, s *session.Session) error
}

// Config tunes orchestration behaviour.
type Config struct {
	TargetRTP     float64
	TargetHitRate float64

	// MaxLossRetries bounds how many times a losing draw is re-rolled while
	// the session trails both targets.
	MaxLossRetries int

	FreeSpinCap        int
	FreeSpinMultiplier int

	// CandidateLimit caps how many configurations one spin pulls from the
	// cache. Zero means no cap.
	CandidateLimit int
}

// Result is the caller-visible outcome of one spin.
type Result struct {
	SpinID    string
	SessionID string
	PlayerID  string

	Bet decimal.Decimal
	Win decimal.Decimal

	Outcome           Outcome
	ConfigName        string
	ConfigExpectedRTP float64

	FreeSpin           bool
	FreeSpinsAwarded   int
	FreeSpinsRemaining int

	SessionRTP     float64
	SessionHitRate float64
	SpinNumber     int
}

// Orchestrator runs the spin pipeline. Safe for concurrent use; spins for one
// session are serialized by the session store.
type Orchestrator struct {
	cfg       Config
	cache     *rangecache.Cache
	engine    *selection.Engine
	balancer  *balancer.Balancer
	sessions  *session.Store
	evaluator Evaluator
	persister Persister
	sink      telemetry.Sink
	workers   *async.Pool
	now       func() time.Time
}

// New wires the orchestrator. persister and sink may be nil; the matching
// post-spin step is then skipped.
func New(cfg Config, cache *rangecache.Cache, engine *selection.Engine, bal *balancer.Balancer,
	sessions *session.Store, evaluator Evaluator, persister Persister, sink telemetry.Sink,
	workers *async.Pool) (*Orchestrator, error) {
	if cache == nil || engine == nil || bal == nil || sessions == nil || evaluator == nil {
		return nil, errs.New("spin", errs.CodeInvalid, errs.WithMessage("missing collaborator"))
	}
	if cfg.TargetRTP <= 0 || cfg.TargetHitRate <= 0 {
		return nil, errs.New("spin", errs.CodeInvalid, errs.WithMessage("targets must be >0"))
	}
	if cfg.MaxLossRetries < 0 {
		cfg.MaxLossRetries = 0
	}
	if cfg.FreeSpinCap <= 0 {
		cfg.FreeSpinCap = 50
	}
	if cfg.FreeSpinMultiplier <= 0 {
		cfg.FreeSpinMultiplier = 1
	}
	return &Orchestrator{
		cfg:       cfg,
		cache:     cache,
		engine:    engine,
		balancer:  bal,
		sessions:  sessions,
		evaluator: evaluator,
		persister: persister,
		sink:      sink,
		workers:   workers,
		now:       time.Now,
	}, nil
}

// Ready reports whether the orchestrator can serve spins.
func (o *Orchestrator) Ready() bool {
	return o.cache.IsFullyLoaded()
}

// Spin runs one spin for the session. The bet must be positive; during free
// spins it sets the stake for evaluation but is not charged.
func (o *Orchestrator) Spin(ctx context.Context, sessionID string, bet decimal.Decimal) (*Result, error) {
	if !bet.IsPositive() {
		return nil, errs.New("spin", errs.CodeInvalid, errs.WithMessage("bet must be positive"))
	}
	if !o.cache.IsFullyLoaded() {
		return nil, errs.New("spin", errs.CodeUnavailable, errs.WithMessage("configuration cache still loading"))
	}

	var (
		result   Result
		snapshot session.Session
	)
	err := o.sessions.WithSession(sessionID, func(s *session.Session) error {
		now := o.now()
		freeSpin := s.ConsumeFreeSpin()

		state := selection.State{
			RTP:              s.RTP(),
			HitRate:          s.HitRate(),
			SpinsAboveTarget: s.SpinsAboveTarget,
			SpinsBelowTarget: s.SpinsBelowTarget,
		}
		if factor := o.balancer.AdjustmentFactor(s); factor != 1 {
			state.TargetRTP = o.cfg.TargetRTP * factor
		}

		chosen, outcome := o.draw(ctx, state, bet)

		win := outcome.TotalWin
		if freeSpin && o.cfg.FreeSpinMultiplier > 1 {
			win = win.Mul(decimal.NewFromInt(int64(o.cfg.FreeSpinMultiplier)))
		}
		stake := bet
		if freeSpin {
			stake = decimal.Zero
		}

		s.RecordSpin(stake, win, now)
		s.TrackDeviation(o.cfg.TargetRTP, now)
		awarded := s.AwardFreeSpins(outcome.FreeSpinsAwarded, o.cfg.FreeSpinCap)

		result = Result{
			SpinID:             uuid.NewString(),
			SessionID:          s.ID,
			PlayerID:           s.PlayerID,
			Bet:                stake,
			Win:                win,
			Outcome:            outcome,
			ConfigName:         chosen.Name,
			ConfigExpectedRTP:  chosen.ExpectedRTP,
			FreeSpin:           freeSpin,
			FreeSpinsAwarded:   awarded,
			FreeSpinsRemaining: s.FreeSpinsRemaining,
			SessionRTP:         s.RTP(),
			SessionHitRate:     s.HitRate(),
			SpinNumber:         s.TotalSpins,
		}
		snapshot = *s
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.dispatch(&result, &snapshot)
	return &result, nil
}

// draw selects a configuration and evaluates it, re-rolling a bounded number
// of times when a losing outcome lands on a session trailing both targets.
func (o *Orchestrator) draw(ctx context.Context, state selection.State, bet decimal.Decimal) (*corpus.Configuration, Outcome) {
	minRTP, maxRTP := o.engine.Window(state)
	candidates, err := o.cache.GetRange(ctx, minRTP, maxRTP, o.cfg.CandidateLimit)
	if err != nil {
		// Retry once at the widest bounds before collapsing to the fallback
		// configuration; the wider bucket is often already warm.
		wideMin, wideMax := o.engine.WidestWindow(state)
		observability.Log().Info("range load failed, retrying at widest bounds",
			observability.F("min", minRTP),
			observability.F("max", maxRTP),
			observability.F("error", err))
		observability.Telemetry().IncCounter("spindle_spin_window_retries_total", 1, nil)
		candidates, err = o.cache.GetRange(ctx, wideMin, wideMax, o.cfg.CandidateLimit)
		if err != nil {
			observability.Log().Error("widened range load failed, selecting from fallback",
				observability.F("min", wideMin),
				observability.F("max", wideMax),
				observability.F("error", err))
			candidates = nil
		}
	}

	trailing := state.RTP < o.cfg.TargetRTP && state.HitRate < o.cfg.TargetHitRate && state.RTP > 0

	var (
		chosen  *corpus.Configuration
		outcome Outcome
	)
	for attempt := 0; ; attempt++ {
		chosen = o.engine.Choose(state, candidates)
		outcome = o.evaluator.Evaluate(chosen, bet)
		if outcome.TotalWin.IsPositive() || !trailing || attempt >= o.cfg.MaxLossRetries {
			break
		}
		observability.Telemetry().IncCounter("spindle_spin_loss_retries_total", 1, nil)
	}
	return chosen, outcome
}

// dispatch hands persistence and analytics off the spin path. Failures are
// logged; the spin has already settled.
func (o *Orchestrator) dispatch(result *Result, snapshot *session.Session) {
	if o.workers == nil {
		return
	}
	if o.persister != nil {
		task := func(ctx context.Context) error {
			return o.persister.ReplaceSession(ctx, snapshot)
		}
		if err := o.workers.Submit(context.Background(), task); err != nil {
			observability.Log().Error("session persistence submit failed",
				observability.F("session", result.SessionID),
				observability.F("error", err))
		}
	}
	if o.sink != nil {
		rec := telemetry.SpinRecord{
			SpinID:            result.SpinID,
			SessionID:         result.SessionID,
			PlayerID:          result.PlayerID,
			SpinNumber:        result.SpinNumber,
			ConfigName:        result.ConfigName,
			ConfigExpectedRTP: result.ConfigExpectedRTP,
			ActualRTP:         result.SessionRTP,
			TargetRTP:         o.cfg.TargetRTP,
			ActualHitRate:     result.SessionHitRate,
			TargetHitRate:     o.cfg.TargetHitRate,
			Bet:               result.Bet,
			Win:               result.Win,
			FreeSpin:          result.FreeSpin,
			Timestamp:         o.now(),
		}
		task := func(ctx context.Context) error {
			return o.sink.Record(ctx, rec)
		}
		if err := o.workers.Submit(context.Background(), task); err != nil {
			observability.Log().Error("spin record submit failed",
				observability.F("spin", result.SpinID),
				observability.F("error", err))
		}
	}
}
