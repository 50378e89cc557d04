package engine

import (
	"context"
	"errors"
	"time"

	"github.com/Profusion-AI/cardmint-sub005/internal/clock"
	"github.com/Profusion-AI/cardmint-sub005/internal/metrics"
	"github.com/Profusion-AI/cardmint-sub005/internal/ratelimit"
	"github.com/Profusion-AI/cardmint-sub005/internal/repo"
	"go.uber.org/zap"
)

// Outcome is the per-product result of a reserve attempt.
type Outcome string

const (
	OutcomeReserved        Outcome = "RESERVED"
	OutcomeUnavailable     Outcome = "UNAVAILABLE"
	OutcomeAlreadyReserved Outcome = "ALREADY_RESERVED"
	OutcomeMaxItems        Outcome = "MAX_ITEMS_EXCEEDED"
	OutcomeRateLimited     Outcome = "RATE_LIMITED"
)

// FailedProduct pairs a product ID with the reason it was not reserved.
type FailedProduct struct {
	ProductID string
	Reason    Outcome
}

// ReserveResult is the aggregate of one batch reserve call. HeldCount is
// re-queried from the store after processing, never tracked incrementally.
type ReserveResult struct {
	Reserved  []string
	Failed    []FailedProduct
	ExpiresAt int64
	HeldCount int64
	// RetryAfterSeconds is set only when the call was rate limited.
	RetryAfterSeconds int64
}

// ReleaseResult partitions a release call's products.
type ReleaseResult struct {
	Released []string
	NotFound []string
}

// ValidateResult partitions a validate call's products.
type ValidateResult struct {
	Valid       []string
	Expired     []string
	Unavailable []string
}

// ConfirmResult partitions a confirm call's products.
type ConfirmResult struct {
	Confirmed []string
	NotFound  []string
}

// EventPublisher is the slice of the events publisher the engine uses.
type EventPublisher interface {
	PublishReservationCreated(ctx context.Context, sessionID string, productIDs []string, expiresAt int64) error
	PublishReservationReleased(ctx context.Context, sessionID string, productIDs []string) error
	PublishReservationConfirmed(ctx context.Context, sessionID string, productIDs []string) error
}

// Options carries the reservation policy knobs.
type Options struct {
	ReservationTTL     time.Duration
	MaxItemsPerCall    int
	MaxItemsPerSession int
	MaxHoldWindow      time.Duration
	RateLimitPerWindow int64
}

// Engine orchestrates validation, rate limiting, and per-item store calls
// for batch reservation requests. All mutual exclusion lives in the store's
// conditional updates; the engine holds no locks of its own.
type Engine struct {
	repo      *repo.ReservationRepository
	limiter   *ratelimit.Limiter
	publisher EventPublisher
	clock     clock.Clock
	log       *zap.Logger
	opts      Options
}

// NewEngine creates a new reservation engine
func NewEngine(repository *repo.ReservationRepository, limiter *ratelimit.Limiter, publisher EventPublisher, clk clock.Clock, logger *zap.Logger, opts Options) *Engine {
	return &Engine{
		repo:      repository,
		limiter:   limiter,
		publisher: publisher,
		clock:     clk,
		log:       logger,
		opts:      opts,
	}
}

// Reserve attempts to hold one unit of each requested product for the
// session. Inputs beyond the batch cap are truncated, not rejected. Partial
// success is the normal response shape; only infrastructure failures return
// an error.
func (e *Engine) Reserve(ctx context.Context, productIDs []string, sessionID string) (*ReserveResult, error) {
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}

	// Truncated, never rejected: the tail past the cap is as if never sent.
	if len(productIDs) > e.opts.MaxItemsPerCall {
		productIDs = productIDs[:e.opts.MaxItemsPerCall]
	}
	if err := validateProducts(productIDs); err != nil {
		return nil, err
	}

	decision, err := e.limiter.Allow(ctx, sessionID, e.opts.RateLimitPerWindow)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return e.rateLimited(ctx, productIDs, sessionID, decision)
	}

	now := e.clock.Now()
	nowUnix := now.Unix()
	until := now.Add(e.opts.ReservationTTL).Unix()

	// One snapshot of the session's live holds; in-batch wins are added to
	// it so a duplicate product later in the same call extends instead of
	// claiming a second unit.
	heldItems, err := e.repo.ItemsHeldBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	heldByProduct := make(map[string]string, len(heldItems))
	heldCount := 0
	for _, item := range heldItems {
		if item.ReservedUntil != nil && *item.ReservedUntil > nowUnix {
			heldByProduct[item.ProductID] = item.ItemID
			heldCount++
		}
	}

	result := &ReserveResult{ExpiresAt: until}
	var created []string

	for i, productID := range productIDs {
		if itemID, held := heldByProduct[productID]; held {
			extended, err := e.repo.Extend(ctx, itemID, sessionID, until, e.opts.MaxHoldWindow)
			if err != nil {
				return nil, err
			}
			if extended {
				result.Reserved = append(result.Reserved, productID)
				countOutcome(OutcomeReserved)
			} else {
				result.Failed = append(result.Failed, FailedProduct{ProductID: productID, Reason: OutcomeAlreadyReserved})
				countOutcome(OutcomeAlreadyReserved)
			}
			continue
		}

		if heldCount >= e.opts.MaxItemsPerSession {
			// Capacity exhausted: this and every remaining input fail
			// without further store calls.
			for _, rest := range productIDs[i:] {
				result.Failed = append(result.Failed, FailedProduct{ProductID: rest, Reason: OutcomeMaxItems})
				countOutcome(OutcomeMaxItems)
			}
			break
		}

		item, err := e.repo.FindAvailableForProduct(ctx, productID)
		if err != nil {
			if errors.Is(err, repo.ErrNoAvailableItem) {
				result.Failed = append(result.Failed, FailedProduct{ProductID: productID, Reason: OutcomeUnavailable})
				countOutcome(OutcomeUnavailable)
				continue
			}
			return nil, err
		}

		ok, err := e.repo.TryReserve(ctx, item.ItemID, sessionID, until)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race to another caller; surfaced immediately, not
			// retried against another unit of the same product.
			result.Failed = append(result.Failed, FailedProduct{ProductID: productID, Reason: OutcomeUnavailable})
			countOutcome(OutcomeUnavailable)
			continue
		}

		result.Reserved = append(result.Reserved, productID)
		created = append(created, productID)
		heldByProduct[productID] = item.ItemID
		heldCount++
		countOutcome(OutcomeReserved)
	}

	held, err := e.repo.CountHeldBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result.HeldCount = held

	if len(created) > 0 {
		e.publishAsync(func(eventCtx context.Context) error {
			return e.publisher.PublishReservationCreated(eventCtx, sessionID, created, until)
		})
	}

	e.log.Info("Reserve processed",
		zap.String("session_id", sessionID),
		zap.Int("requested", len(productIDs)),
		zap.Int("reserved", len(result.Reserved)),
		zap.Int64("held_count", held))
	return result, nil
}

func (e *Engine) rateLimited(ctx context.Context, productIDs []string, sessionID string, decision ratelimit.Decision) (*ReserveResult, error) {
	metrics.RateLimitedRequests.Inc()

	held, err := e.repo.CountHeldBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &ReserveResult{
		Failed:            make([]FailedProduct, 0, len(productIDs)),
		HeldCount:         held,
		RetryAfterSeconds: int64(decision.RetryAfter / time.Second),
	}
	for _, productID := range productIDs {
		result.Failed = append(result.Failed, FailedProduct{ProductID: productID, Reason: OutcomeRateLimited})
		countOutcome(OutcomeRateLimited)
	}

	e.log.Info("Reserve rate limited",
		zap.String("session_id", sessionID),
		zap.Duration("retry_after", decision.RetryAfter))
	return result, nil
}

// Release returns the session's hold on each product to the pool. Products
// the session does not hold are reported NotFound, not errors.
func (e *Engine) Release(ctx context.Context, productIDs []string, sessionID string) (*ReleaseResult, error) {
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}
	if err := validateProducts(productIDs); err != nil {
		return nil, err
	}

	heldItems, err := e.repo.ItemsHeldBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	heldByProduct := make(map[string]string, len(heldItems))
	for _, item := range heldItems {
		heldByProduct[item.ProductID] = item.ItemID
	}

	result := &ReleaseResult{}
	for _, productID := range productIDs {
		itemID, held := heldByProduct[productID]
		if !held {
			result.NotFound = append(result.NotFound, productID)
			continue
		}
		if err := e.repo.Release(ctx, itemID, sessionID); err != nil {
			return nil, err
		}
		result.Released = append(result.Released, productID)
		delete(heldByProduct, productID)
	}

	if len(result.Released) > 0 {
		released := result.Released
		e.publishAsync(func(eventCtx context.Context) error {
			return e.publisher.PublishReservationReleased(eventCtx, sessionID, released)
		})
	}

	return result, nil
}

// Validate partitions the products into valid (held, unexpired), expired
// (held, lapsed), and unavailable (not held). Read-only: lapsed holds are
// reported, never released here.
func (e *Engine) Validate(ctx context.Context, productIDs []string, sessionID string) (*ValidateResult, error) {
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}
	if err := validateProducts(productIDs); err != nil {
		return nil, err
	}

	heldItems, err := e.repo.ItemsHeldBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	nowUnix := e.clock.Now().Unix()
	live := make(map[string]bool, len(heldItems))
	lapsed := make(map[string]bool, len(heldItems))
	for _, item := range heldItems {
		if item.ReservedUntil != nil && *item.ReservedUntil > nowUnix {
			live[item.ProductID] = true
		} else {
			lapsed[item.ProductID] = true
		}
	}

	result := &ValidateResult{}
	for _, productID := range productIDs {
		switch {
		case live[productID]:
			result.Valid = append(result.Valid, productID)
		case lapsed[productID]:
			result.Expired = append(result.Expired, productID)
		default:
			result.Unavailable = append(result.Unavailable, productID)
		}
	}

	return result, nil
}

// ClearSession releases everything the session holds and returns the count.
// Idempotent: clearing an empty session returns zero.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) (int64, error) {
	if err := validateSession(sessionID); err != nil {
		return 0, err
	}

	// Snapshot products first so the release event can name them.
	heldItems, err := e.repo.ItemsHeldBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	released, err := e.repo.ClearSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	if released > 0 && len(heldItems) > 0 {
		products := make([]string, 0, len(heldItems))
		for _, item := range heldItems {
			products = append(products, item.ProductID)
		}
		e.publishAsync(func(eventCtx context.Context) error {
			return e.publisher.PublishReservationReleased(eventCtx, sessionID, products)
		})
	}

	return released, nil
}

// Confirm finalizes the session's hold on each product into a sale. The
// owner-matched conditional write is the arbiter: products whose hold was
// lost in the meantime come back NotFound.
func (e *Engine) Confirm(ctx context.Context, productIDs []string, sessionID string) (*ConfirmResult, error) {
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}
	if err := validateProducts(productIDs); err != nil {
		return nil, err
	}

	heldItems, err := e.repo.ItemsHeldBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	heldByProduct := make(map[string]string, len(heldItems))
	for _, item := range heldItems {
		heldByProduct[item.ProductID] = item.ItemID
	}

	result := &ConfirmResult{}
	for _, productID := range productIDs {
		itemID, held := heldByProduct[productID]
		if !held {
			result.NotFound = append(result.NotFound, productID)
			continue
		}
		sold, err := e.repo.MarkSold(ctx, itemID, sessionID)
		if err != nil {
			return nil, err
		}
		if !sold {
			result.NotFound = append(result.NotFound, productID)
			continue
		}
		result.Confirmed = append(result.Confirmed, productID)
		delete(heldByProduct, productID)
	}

	if len(result.Confirmed) > 0 {
		confirmed := result.Confirmed
		e.publishAsync(func(eventCtx context.Context) error {
			return e.publisher.PublishReservationConfirmed(eventCtx, sessionID, confirmed)
		})
	}

	return result, nil
}

// publishAsync fires an event without blocking the request; failures are
// logged and never fail the call.
func (e *Engine) publishAsync(publish func(ctx context.Context) error) {
	if e.publisher == nil {
		return
	}
	go func() {
		eventCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := publish(eventCtx); err != nil {
			e.log.Warn("Failed to publish event", zap.Error(err))
		}
	}()
}

func countOutcome(outcome Outcome) {
	metrics.ReservationOutcomes.WithLabelValues(string(outcome)).Inc()
}
