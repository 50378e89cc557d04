package ratelimit

import (
	"context"
	"time"

	"github.com/Profusion-AI/cardmint-sub005/internal/clock"
	"github.com/Profusion-AI/cardmint-sub005/internal/db"
	"go.uber.org/zap"
)

// Counter rows older than this many windows are purged after each call.
const retentionWindows = 3

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int64
	// RetryAfter is how long until the next window opens; zero when allowed.
	RetryAfter time.Duration
}

// Limiter is a fixed-window rate limiter backed by the shared store, one
// counter row per (identity, window start). Fixed windows tolerate bursts
// at the boundary in exchange for O(1) bookkeeping per identity.
type Limiter struct {
	db     *db.DB
	clock  clock.Clock
	log    *zap.Logger
	window time.Duration
}

// NewLimiter creates a new rate limiter with the given window size
func NewLimiter(database *db.DB, clk clock.Clock, window time.Duration, logger *zap.Logger) *Limiter {
	if window < time.Second {
		window = time.Second
	}
	return &Limiter{
		db:     database,
		clock:  clk,
		log:    logger,
		window: window,
	}
}

// Allow records one request for identity and reports whether it fits the
// current window. The count lands in one insert-or-increment statement so
// concurrent callers sharing an identity never lose increments.
func (l *Limiter) Allow(ctx context.Context, identity string, limit int64) (Decision, error) {
	now := l.clock.Now().Unix()
	windowSeconds := int64(l.window / time.Second)
	windowStart := now - now%windowSeconds

	var count int64
	err := l.db.WithContext(ctx).Raw(
		`INSERT INTO rate_windows (identity, window_start, request_count) VALUES (?, ?, 1)
		 ON CONFLICT (identity, window_start) DO UPDATE SET request_count = rate_windows.request_count + 1
		 RETURNING request_count`,
		identity, windowStart,
	).Scan(&count).Error
	if err != nil {
		l.log.Error("Failed to count request", zap.String("identity", identity), zap.Error(err))
		return Decision{}, err
	}

	// Purge stale windows strictly after the increment so the row just
	// written can never match the delete.
	cutoff := windowStart - retentionWindows*windowSeconds
	if err := l.db.WithContext(ctx).Where("window_start < ?", cutoff).Delete(&db.RateWindow{}).Error; err != nil {
		l.log.Warn("Failed to purge stale rate windows", zap.Error(err))
	}

	decision := Decision{
		Allowed:   count <= limit,
		Remaining: limit - count,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(windowStart+windowSeconds-now) * time.Second
		l.log.Debug("Request rate limited",
			zap.String("identity", identity),
			zap.Int64("count", count),
			zap.Duration("retry_after", decision.RetryAfter))
	}

	return decision, nil
}
