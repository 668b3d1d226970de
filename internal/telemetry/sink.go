// Package telemetry records per-spin outcomes for offline analysis. Recording
// is best effort; failures are logged and never fail a spin.
package telemetry

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/spindle/internal/observability"
)

// SpinRecord is the per-spin analytic event.
type SpinRecord struct {
	SpinID            string          `json:"spinId"`
	SessionID         string          `json:"sessionId"`
	PlayerID          string          `json:"playerId"`
	SpinNumber        int             `json:"spinNumber"`
	ConfigName        string          `json:"configName"`
	ConfigExpectedRTP float64         `json:"configExpectedRtp"`
	ActualRTP         float64         `json:"actualRtp"`
	TargetRTP         float64         `json:"targetRtp"`
	ActualHitRate     float64         `json:"actualHitRate"`
	TargetHitRate     float64         `json:"targetHitRate"`
	Bet               decimal.Decimal `json:"bet"`
	Win               decimal.Decimal `json:"win"`
	FreeSpin          bool            `json:"freeSpin"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Sink consumes spin records.
type Sink interface {
	Record(ctx context.Context, rec SpinRecord) error
}

// LogSink serialises records to the structured log and mirrors headline
// numbers to metrics.
type LogSink struct{}

// NewLogSink constructs the default sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, rec SpinRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	observability.Log().Debug("spin recorded", observability.F("record", string(raw)))

	labels := map[string]string{"config": rec.ConfigName}
	observability.Telemetry().IncCounter("spindle_spins_total", 1, labels)
	observability.Telemetry().ObserveHistogram("spindle_spin_rtp", rec.ActualRTP, nil)
	if rec.FreeSpin {
		observability.Telemetry().IncCounter("spindle_free_spins_total", 1, nil)
	}
	return nil
}

// NopSink discards every record.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, SpinRecord) error { return nil }
