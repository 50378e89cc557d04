package reconciler

import (
	"context"
	"time"

	"github.com/Profusion-AI/cardmint-sub005/internal/clock"
	"github.com/Profusion-AI/cardmint-sub005/internal/metrics"
	"github.com/Profusion-AI/cardmint-sub005/internal/repo"
	"go.uber.org/zap"
)

// Publisher is the slice of the events publisher the reconciler uses.
type Publisher interface {
	PublishReservationExpired(ctx context.Context, reclaimed int64) error
}

// Reconciler periodically resets lapsed holds so session and availability
// queries stop returning ghosts. Write-path correctness never waits on it:
// TryReserve reclaims lapsed rows lazily on its own.
type Reconciler struct {
	repo      *repo.ReservationRepository
	publisher Publisher
	clock     clock.Clock
	log       *zap.Logger
	interval  time.Duration
}

// NewReconciler creates a new expiry reconciler
func NewReconciler(repository *repo.ReservationRepository, publisher Publisher, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:      repository,
		publisher: publisher,
		clock:     clk,
		log:       logger,
		interval:  interval,
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info("Expiry reconciler started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Expiry reconciler stopped")
			return
		case <-r.clock.After(r.interval):
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	reclaimed, err := r.repo.SweepExpired(sweepCtx)
	if err != nil {
		// Best effort; the next tick retries.
		r.log.Warn("Sweep failed", zap.Error(err))
		return
	}
	if reclaimed == 0 {
		return
	}

	metrics.ExpiredReclaimed.Add(float64(reclaimed))
	r.log.Info("Reclaimed lapsed holds", zap.Int64("count", reclaimed))

	if r.publisher != nil {
		if err := r.publisher.PublishReservationExpired(sweepCtx, reclaimed); err != nil {
			r.log.Warn("Failed to publish expiry event", zap.Error(err))
		}
	}
}
