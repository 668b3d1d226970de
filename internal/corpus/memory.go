package corpus

import (
	"context"
	"fmt"
	"sort"

	"github.com/coachpo/spindle/errs"
)

// MemorySource serves a corpus held in memory, sorted by expected RTP.
// It backs tests and local development where no database is available.
type MemorySource struct {
	configs []*Configuration
}

// NewMemorySource copies and sorts the provided configurations.
func NewMemorySource(configs []*Configuration) (*MemorySource, error) {
	sorted := make([]*Configuration, 0, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("memory source: %w", err)
		}
		sorted = append(sorted, cfg)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExpectedRTP < sorted[j].ExpectedRTP
	})
	return &MemorySource{configs: sorted}, nil
}

// Query returns configurations with ExpectedRTP in [minRTP, maxRTP].
func (s *MemorySource) Query(_ context.Context, minRTP, maxRTP float64, limit int) ([]*Configuration, error) {
	if minRTP > maxRTP {
		return nil, errs.New("corpus", errs.CodeInvalid, errs.WithMessage("min rtp above max rtp"))
	}
	if limit <= 0 {
		limit = len(s.configs)
	}
	lo := sort.Search(len(s.configs), func(i int) bool {
		return s.configs[i].ExpectedRTP >= minRTP
	})
	out := make([]*Configuration, 0, limit)
	for i := lo; i < len(s.configs) && len(out) < limit; i++ {
		if s.configs[i].ExpectedRTP > maxRTP {
			break
		}
		out = append(out, s.configs[i])
	}
	return out, nil
}

// Len reports the corpus size.
func (s *MemorySource) Len() int { return len(s.configs) }
