// Package corpus defines the precomputed reel-configuration corpus and its
// query surface. Configurations are produced offline by simulation; the engine
// only ever reads them.
package corpus

import (
	"context"
	"fmt"
)

// ReelCount is the number of reel columns in every configuration.
const ReelCount = 5

// VisibleRows is the number of symbol rows shown per reel.
const VisibleRows = 3

// Symbol identifiers with special handling during payout evaluation.
const (
	SymbolWild    = "W"
	SymbolScatter = "S"
)

// Configuration is one immutable candidate reel set, annotated with the
// expected RTP and hit rate measured by offline simulation.
type Configuration struct {
	Name            string              `json:"name"`
	Reels           [ReelCount][]string `json:"reels"`
	ExpectedRTP     float64             `json:"expected_rtp"`
	ExpectedHitRate float64             `json:"expected_hit_rate"`
}

// Validate reports whether the configuration can be spun.
func (c *Configuration) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration is nil")
	}
	if c.Name == "" {
		return fmt.Errorf("configuration name required")
	}
	for i, reel := range c.Reels {
		if len(reel) < VisibleRows {
			return fmt.Errorf("reel %d has %d symbols, need >=%d", i, len(reel), VisibleRows)
		}
	}
	return nil
}

// SymbolCount returns how many strip positions across all reels carry symbol.
func (c *Configuration) SymbolCount(symbol string) int {
	count := 0
	for _, reel := range c.Reels {
		for _, s := range reel {
			if s == symbol {
				count++
			}
		}
	}
	return count
}

// Source exposes read access to the configuration corpus. Implementations
// must return configurations whose ExpectedRTP lies in [minRTP, maxRTP],
// capped at limit entries.
type Source interface {
	Query(ctx context.Context, minRTP, maxRTP float64, limit int) ([]*Configuration, error)
}
