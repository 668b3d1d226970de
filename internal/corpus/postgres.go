package corpus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/spindle/errs"
	"github.com/coachpo/spindle/internal/observability"
)

const queryRangeSQL = `
SELECT name, reels, expected_rtp, expected_hit_rate
FROM configurations
WHERE expected_rtp BETWEEN $1 AND $2
ORDER BY expected_rtp
LIMIT $3;
`

const (
	queryMaxAttempts    = 3
	queryRetryBaseDelay = 100 * time.Millisecond
	queryRetryMaxDelay  = 2 * time.Second
)

// PostgresSource reads the configuration corpus from Postgres. Transient query
// failures are retried with exponential backoff before surfacing.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource constructs a source backed by the provided pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Query returns configurations with expected_rtp in [minRTP, maxRTP].
func (s *PostgresSource) Query(ctx context.Context, minRTP, maxRTP float64, limit int) ([]*Configuration, error) {
	if minRTP > maxRTP {
		return nil, errs.New("corpus", errs.CodeInvalid, errs.WithMessage("min rtp above max rtp"))
	}
	if limit <= 0 {
		return nil, errs.New("corpus", errs.CodeInvalid, errs.WithMessage("limit must be >0"))
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = queryRetryBaseDelay
	backoffCfg.MaxInterval = queryRetryMaxDelay

	var lastErr error
	for attempt := 1; attempt <= queryMaxAttempts; attempt++ {
		configs, err := s.queryOnce(ctx, minRTP, maxRTP, limit)
		if err == nil {
			return configs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		observability.Log().Debug("corpus query retry",
			observability.F("attempt", attempt),
			observability.F("error", err))
		if attempt == queryMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("corpus query context: %w", ctx.Err())
		case <-time.After(backoffCfg.NextBackOff()):
		}
	}
	return nil, errs.New("corpus", errs.CodeUnavailable,
		errs.WithMessage("corpus query failed"), errs.WithCause(lastErr))
}

func (s *PostgresSource) queryOnce(ctx context.Context, minRTP, maxRTP float64, limit int) ([]*Configuration, error) {
	rows, err := s.pool.Query(ctx, queryRangeSQL, minRTP, maxRTP, limit)
	if err != nil {
		return nil, fmt.Errorf("query configurations: %w", err)
	}
	defer rows.Close()

	var configs []*Configuration
	for rows.Next() {
		var (
			cfg      Configuration
			reelsRaw []byte
		)
		if err := rows.Scan(&cfg.Name, &reelsRaw, &cfg.ExpectedRTP, &cfg.ExpectedHitRate); err != nil {
			return nil, fmt.Errorf("scan configuration: %w", err)
		}
		if err := json.Unmarshal(reelsRaw, &cfg.Reels); err != nil {
			return nil, fmt.Errorf("decode reels for %s: %w", cfg.Name, err)
		}
		configs = append(configs, &cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configurations: %w", err)
	}
	return configs, nil
}
