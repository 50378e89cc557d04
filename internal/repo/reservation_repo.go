package repo

import (
	"context"
	"errors"
	"time"

	"github.com/Profusion-AI/cardmint-sub005/internal/clock"
	"github.com/Profusion-AI/cardmint-sub005/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoAvailableItem is returned when no claimable unit of a product exists
	ErrNoAvailableItem = errors.New("no available item for product")
)

// ReservationRepository owns all hold-state mutations on inventory items.
// Every mutation is a single conditional UPDATE so concurrent callers race
// on the row predicate instead of on a read-then-write gap.
type ReservationRepository struct {
	db    *db.DB
	clock clock.Clock
	log   *zap.Logger
}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository(database *db.DB, clk clock.Clock, logger *zap.Logger) *ReservationRepository {
	return &ReservationRepository{
		db:    database,
		clock: clk,
		log:   logger,
	}
}

// TryReserve places a hold on one item until the given epoch second. It
// succeeds only if the item is AVAILABLE, or RESERVED with a lapsed expiry
// (lazy reclamation folded into the same write). Returns false when the
// caller lost the race.
func (r *ReservationRepository) TryReserve(ctx context.Context, itemID, holder string, until int64) (bool, error) {
	now := r.clock.Now().Unix()

	result := r.db.WithContext(ctx).Model(&db.InventoryItem{}).
		Where("item_id = ? AND (state = ? OR (state = ? AND reserved_until <= ?))",
			itemID, db.StateAvailable, db.StateReserved, now).
		Updates(map[string]interface{}{
			"state":             db.StateReserved,
			"holder_session_id": holder,
			"reserved_until":    until,
			"first_reserved_at": now,
		})
	if result.Error != nil {
		r.log.Error("Failed to reserve item", zap.String("item_id", itemID), zap.Error(result.Error))
		return false, result.Error
	}

	if result.RowsAffected == 0 {
		return false, nil
	}

	r.log.Debug("Hold placed",
		zap.String("item_id", itemID),
		zap.String("session_id", holder),
		zap.Int64("reserved_until", until))
	return true, nil
}

// Extend pushes an existing hold's expiry out to newUntil. It succeeds only
// if holder still owns the item and the new expiry stays within maxWindow of
// the hold's first reservation time.
func (r *ReservationRepository) Extend(ctx context.Context, itemID, holder string, newUntil int64, maxWindow time.Duration) (bool, error) {
	maxSeconds := int64(maxWindow / time.Second)

	result := r.db.WithContext(ctx).Model(&db.InventoryItem{}).
		Where("item_id = ? AND state = ? AND holder_session_id = ? AND ? - first_reserved_at <= ?",
			itemID, db.StateReserved, holder, newUntil, maxSeconds).
		Update("reserved_until", newUntil)
	if result.Error != nil {
		r.log.Error("Failed to extend hold", zap.String("item_id", itemID), zap.Error(result.Error))
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

// Release clears a hold if holder still owns the item. Releasing an item the
// holder does not own (or that was already released) is a no-op success.
func (r *ReservationRepository) Release(ctx context.Context, itemID, holder string) error {
	result := r.db.WithContext(ctx).Model(&db.InventoryItem{}).
		Where("item_id = ? AND holder_session_id = ? AND state = ?", itemID, holder, db.StateReserved).
		Updates(clearHoldUpdates())
	if result.Error != nil {
		r.log.Error("Failed to release item", zap.String("item_id", itemID), zap.Error(result.Error))
		return result.Error
	}

	return nil
}

// FindAvailableForProduct returns any one claimable unit of a product:
// AVAILABLE, or RESERVED with lapsed expiry. Check-only; the caller must
// still win TryReserve on the returned item.
func (r *ReservationRepository) FindAvailableForProduct(ctx context.Context, productID string) (*db.InventoryItem, error) {
	now := r.clock.Now().Unix()

	var item db.InventoryItem
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND (state = ? OR (state = ? AND reserved_until <= ?))",
			productID, db.StateAvailable, db.StateReserved, now).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoAvailableItem
		}
		r.log.Error("Failed to find available item", zap.String("product_id", productID), zap.Error(err))
		return nil, err
	}

	return &item, nil
}

// ItemsHeldBySession returns every row still marked held by the session,
// lapsed holds included; callers classify them against the clock.
func (r *ReservationRepository) ItemsHeldBySession(ctx context.Context, session string) ([]db.InventoryItem, error) {
	var items []db.InventoryItem
	err := r.db.WithContext(ctx).
		Where("holder_session_id = ? AND state = ?", session, db.StateReserved).
		Find(&items).Error
	if err != nil {
		r.log.Error("Failed to list session holds", zap.String("session_id", session), zap.Error(err))
		return nil, err
	}

	return items, nil
}

// CountHeldBySession counts the session's unexpired holds. This is the
// authoritative number behind every reserve response.
func (r *ReservationRepository) CountHeldBySession(ctx context.Context, session string) (int64, error) {
	now := r.clock.Now().Unix()

	var count int64
	err := r.db.WithContext(ctx).Model(&db.InventoryItem{}).
		Where("holder_session_id = ? AND state = ? AND reserved_until > ?", session, db.StateReserved, now).
		Count(&count).Error
	if err != nil {
		r.log.Error("Failed to count session holds", zap.String("session_id", session), zap.Error(err))
		return 0, err
	}

	return count, nil
}

// ClearSession releases every item held by the session and returns how many
// rows it cleared. Safe to call repeatedly.
func (r *ReservationRepository) ClearSession(ctx context.Context, session string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&db.InventoryItem{}).
		Where("holder_session_id = ? AND state = ?", session, db.StateReserved).
		Updates(clearHoldUpdates())
	if result.Error != nil {
		r.log.Error("Failed to clear session", zap.String("session_id", session), zap.Error(result.Error))
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		r.log.Info("Session cleared",
			zap.String("session_id", session),
			zap.Int64("released", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// SweepExpired resets every row whose hold has lapsed. The predicate only
// matches expired rows, so an in-flight legitimate reservation can never be
// clobbered.
func (r *ReservationRepository) SweepExpired(ctx context.Context) (int64, error) {
	now := r.clock.Now().Unix()

	result := r.db.WithContext(ctx).Model(&db.InventoryItem{}).
		Where("state = ? AND reserved_until < ?", db.StateReserved, now).
		Updates(clearHoldUpdates())
	if result.Error != nil {
		r.log.Error("Failed to sweep expired holds", zap.Error(result.Error))
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

// MarkSold finalizes a hold into a sale. Owner-matched like Release; returns
// false if the holder no longer owns the item.
func (r *ReservationRepository) MarkSold(ctx context.Context, itemID, holder string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&db.InventoryItem{}).
		Where("item_id = ? AND holder_session_id = ? AND state = ?", itemID, holder, db.StateReserved).
		Updates(map[string]interface{}{
			"state":             db.StateSold,
			"holder_session_id": nil,
			"reserved_until":    nil,
			"first_reserved_at": nil,
		})
	if result.Error != nil {
		r.log.Error("Failed to mark item sold", zap.String("item_id", itemID), zap.Error(result.Error))
		return false, result.Error
	}

	if result.RowsAffected > 0 {
		r.log.Info("Item sold", zap.String("item_id", itemID), zap.String("session_id", holder))
	}
	return result.RowsAffected > 0, nil
}

// CreateItem inserts a new inventory unit; inserting an existing item ID is
// a no-op so ingestion replays stay idempotent.
func (r *ReservationRepository) CreateItem(ctx context.Context, item *db.InventoryItem) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(item).Error
	if err != nil {
		r.log.Error("Failed to create item", zap.String("item_id", item.ItemID), zap.Error(err))
		return err
	}

	return nil
}

func clearHoldUpdates() map[string]interface{} {
	return map[string]interface{}{
		"state":             db.StateAvailable,
		"holder_session_id": nil,
		"reserved_until":    nil,
		"first_reserved_at": nil,
	}
}
