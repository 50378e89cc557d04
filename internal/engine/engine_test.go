package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Profusion-AI/cardmint-sub005/internal/clock"
	"github.com/Profusion-AI/cardmint-sub005/internal/db"
	"github.com/Profusion-AI/cardmint-sub005/internal/ratelimit"
	"github.com/Profusion-AI/cardmint-sub005/internal/repo"
	"github.com/Profusion-AI/cardmint-sub005/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	sessA = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	sessB = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
)

// mockPublisher records event summaries for assertions.
type mockPublisher struct {
	mu     sync.Mutex
	events []string
}

func (m *mockPublisher) PublishReservationCreated(_ context.Context, sessionID string, productIDs []string, expiresAt int64) error {
	m.record("created:" + strings.Join(productIDs, ","))
	return nil
}

func (m *mockPublisher) PublishReservationReleased(_ context.Context, sessionID string, productIDs []string) error {
	m.record("released:" + strings.Join(productIDs, ","))
	return nil
}

func (m *mockPublisher) PublishReservationConfirmed(_ context.Context, sessionID string, productIDs []string) error {
	m.record("confirmed:" + strings.Join(productIDs, ","))
	return nil
}

func (m *mockPublisher) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockPublisher) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func setupEngine(t *testing.T, opts Options) (*Engine, *clock.Manual, *db.DB, *mockPublisher) {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gormDB.AutoMigrate(&db.InventoryItem{}, &db.RateWindow{}))

	database := &db.DB{DB: gormDB}
	clk := clock.NewManual(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	log := logger.NewLogger("test", "info")

	if opts.ReservationTTL == 0 {
		opts.ReservationTTL = 900 * time.Second
	}
	if opts.MaxItemsPerCall == 0 {
		opts.MaxItemsPerCall = 10
	}
	if opts.MaxItemsPerSession == 0 {
		opts.MaxItemsPerSession = 10
	}
	if opts.MaxHoldWindow == 0 {
		opts.MaxHoldWindow = 3600 * time.Second
	}
	if opts.RateLimitPerWindow == 0 {
		opts.RateLimitPerWindow = 1000
	}

	publisher := &mockPublisher{}
	reservationRepo := repo.NewReservationRepository(database, clk, log)
	limiter := ratelimit.NewLimiter(database, clk, 60*time.Second, log)
	eng := NewEngine(reservationRepo, limiter, publisher, clk, log, opts)
	return eng, clk, database, publisher
}

func seedUnits(t *testing.T, database *db.DB, productID string, n int) {
	for i := 1; i <= n; i++ {
		err := database.Create(&db.InventoryItem{
			ItemID:    fmt.Sprintf("%s-u%02d", productID, i),
			ProductID: productID,
			State:     db.StateAvailable,
		}).Error
		require.NoError(t, err)
	}
}

func heldRows(t *testing.T, database *db.DB, sessionID string) []db.InventoryItem {
	var items []db.InventoryItem
	err := database.Where("holder_session_id = ?", sessionID).Find(&items).Error
	require.NoError(t, err)
	return items
}

func TestReserveBatchPartialSuccess(t *testing.T) {
	eng, clk, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)
	seedUnits(t, database, "BASE-058-base", 1)

	result, err := eng.Reserve(ctx, []string{"BASE-004-holo", "BASE-058-base", "MISSING-000-base"}, sessA)
	require.NoError(t, err)

	assert.Equal(t, []string{"BASE-004-holo", "BASE-058-base"}, result.Reserved)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "MISSING-000-base", result.Failed[0].ProductID)
	assert.Equal(t, OutcomeUnavailable, result.Failed[0].Reason)
	assert.Equal(t, int64(2), result.HeldCount)
	assert.Equal(t, clk.Now().Add(900*time.Second).Unix(), result.ExpiresAt)
}

func TestReserveIdempotentExtend(t *testing.T) {
	eng, clk, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 2)

	result, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	require.Equal(t, []string{"BASE-004-holo"}, result.Reserved)

	// Re-adding a held product extends instead of claiming a second unit
	clk.Advance(100 * time.Second)
	result, err = eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE-004-holo"}, result.Reserved)
	assert.Equal(t, int64(1), result.HeldCount)

	rows := heldRows(t, database, sessA)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ReservedUntil)
	assert.Equal(t, clk.Now().Add(900*time.Second).Unix(), *rows[0].ReservedUntil, "TTL pushed out by the extend")
}

func TestReserveContention(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)

	result, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	require.Equal(t, []string{"BASE-004-holo"}, result.Reserved)

	result, err = eng.Reserve(ctx, []string{"BASE-004-holo"}, sessB)
	require.NoError(t, err)
	assert.Empty(t, result.Reserved)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, OutcomeUnavailable, result.Failed[0].Reason)
	assert.Equal(t, int64(0), result.HeldCount)
}

func TestReserveCapacityExhausted(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{MaxItemsPerSession: 2})
	ctx := context.Background()
	for _, product := range []string{"P1-base", "P2-base", "P3-base", "P4-base"} {
		seedUnits(t, database, product, 1)
	}

	result, err := eng.Reserve(ctx, []string{"P1-base", "P2-base", "P3-base", "P4-base"}, sessA)
	require.NoError(t, err)

	assert.Equal(t, []string{"P1-base", "P2-base"}, result.Reserved)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, "P3-base", result.Failed[0].ProductID)
	assert.Equal(t, OutcomeMaxItems, result.Failed[0].Reason)
	assert.Equal(t, "P4-base", result.Failed[1].ProductID)
	assert.Equal(t, OutcomeMaxItems, result.Failed[1].Reason)
	assert.Equal(t, int64(2), result.HeldCount)
}

func TestReserveTruncatesOversizedBatch(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{MaxItemsPerCall: 2})
	ctx := context.Background()
	for _, product := range []string{"P1-base", "P2-base", "P3-base"} {
		seedUnits(t, database, product, 1)
	}

	result, err := eng.Reserve(ctx, []string{"P1-base", "P2-base", "P3-base"}, sessA)
	require.NoError(t, err)

	assert.Equal(t, []string{"P1-base", "P2-base"}, result.Reserved)
	assert.Empty(t, result.Failed, "the truncated tail yields no outcome at all")
}

func TestReserveDuplicateProductInBatch(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 2)

	result, err := eng.Reserve(ctx, []string{"BASE-004-holo", "BASE-004-holo"}, sessA)
	require.NoError(t, err)

	assert.Equal(t, []string{"BASE-004-holo", "BASE-004-holo"}, result.Reserved)
	assert.Equal(t, int64(1), result.HeldCount, "the duplicate extends, it never claims a second unit")
	assert.Len(t, heldRows(t, database, sessA), 1)
}

func TestReserveRateLimited(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{RateLimitPerWindow: 1})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)
	seedUnits(t, database, "BASE-058-base", 1)

	result, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	require.Equal(t, []string{"BASE-004-holo"}, result.Reserved)

	result, err = eng.Reserve(ctx, []string{"BASE-058-base"}, sessA)
	require.NoError(t, err)
	assert.Empty(t, result.Reserved)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, OutcomeRateLimited, result.Failed[0].Reason)
	assert.Greater(t, result.RetryAfterSeconds, int64(0))
	assert.Equal(t, int64(1), result.HeldCount, "held count stays authoritative even when limited")
}

func TestReserveRateLimitWindowRollover(t *testing.T) {
	eng, clk, database, _ := setupEngine(t, Options{RateLimitPerWindow: 1})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)
	seedUnits(t, database, "BASE-058-base", 1)

	_, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)

	result, err := eng.Reserve(ctx, []string{"BASE-058-base"}, sessA)
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	require.Equal(t, OutcomeRateLimited, result.Failed[0].Reason)

	// Next window: the same identity passes again
	clk.Advance(60 * time.Second)
	result, err = eng.Reserve(ctx, []string{"BASE-058-base"}, sessA)
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE-058-base"}, result.Reserved)
}

func TestReserveExpiredHoldReclaimedByOtherSession(t *testing.T) {
	eng, clk, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)

	result, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	require.Equal(t, []string{"BASE-004-holo"}, result.Reserved)

	result, err = eng.Reserve(ctx, []string{"BASE-004-holo"}, sessB)
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	require.Equal(t, OutcomeUnavailable, result.Failed[0].Reason)

	// Past the TTL the unit flows to the next requester with no release
	clk.Advance(901 * time.Second)
	result, err = eng.Reserve(ctx, []string{"BASE-004-holo"}, sessB)
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE-004-holo"}, result.Reserved)

	// The original session sees it gone
	validation, err := eng.Validate(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE-004-holo"}, validation.Unavailable)
}

func TestReserveWindowCapReportsAlreadyReserved(t *testing.T) {
	eng, clk, database, _ := setupEngine(t, Options{MaxHoldWindow: 1000 * time.Second})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)

	_, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)

	// A renewal whose new expiry would exceed the cumulative window
	clk.Advance(200 * time.Second)
	result, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Empty(t, result.Reserved)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, OutcomeAlreadyReserved, result.Failed[0].Reason)
	assert.Equal(t, int64(1), result.HeldCount, "the original hold stays in place")
}

func TestValidatePartitionsInput(t *testing.T) {
	eng, clk, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)
	seedUnits(t, database, "BASE-058-base", 1)

	_, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)

	clk.Advance(200 * time.Second)
	_, err = eng.Reserve(ctx, []string{"BASE-058-base"}, sessA)
	require.NoError(t, err)

	// First hold lapses at 900s, the second lives until 1100s
	clk.Advance(701 * time.Second)

	result, err := eng.Validate(ctx, []string{"BASE-004-holo", "BASE-058-base", "MISSING-000-base"}, sessA)
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE-004-holo"}, result.Expired)
	assert.Equal(t, []string{"BASE-058-base"}, result.Valid)
	assert.Equal(t, []string{"MISSING-000-base"}, result.Unavailable)

	// Expired holds are reported, not released
	rows := heldRows(t, database, sessA)
	assert.Len(t, rows, 2)
}

func TestReleasePartition(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)

	_, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)

	result, err := eng.Release(ctx, []string{"BASE-004-holo", "BASE-058-base"}, sessA)
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE-004-holo"}, result.Released)
	assert.Equal(t, []string{"BASE-058-base"}, result.NotFound)

	var item db.InventoryItem
	require.NoError(t, database.First(&item, "item_id = ?", "BASE-004-holo-u01").Error)
	assert.Equal(t, db.StateAvailable, item.State)

	// Releasing again finds nothing
	result, err = eng.Release(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Empty(t, result.Released)
	assert.Equal(t, []string{"BASE-004-holo"}, result.NotFound)
}

func TestClearSessionIdempotent(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)
	seedUnits(t, database, "BASE-058-base", 1)

	_, err := eng.Reserve(ctx, []string{"BASE-004-holo", "BASE-058-base"}, sessA)
	require.NoError(t, err)

	released, err := eng.ClearSession(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), released)

	released, err = eng.ClearSession(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, int64(0), released)
}

func TestConfirmMarksSold(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)

	_, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)

	result, err := eng.Confirm(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE-004-holo"}, result.Confirmed)

	var item db.InventoryItem
	require.NoError(t, database.First(&item, "item_id = ?", "BASE-004-holo-u01").Error)
	assert.Equal(t, db.StateSold, item.State)

	// Sold units are gone for everyone
	result, err = eng.Confirm(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE-004-holo"}, result.NotFound)

	reserve, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessB)
	require.NoError(t, err)
	require.Len(t, reserve.Failed, 1)
	assert.Equal(t, OutcomeUnavailable, reserve.Failed[0].Reason)
}

func TestValidationRejectsBeforeStoreAccess(t *testing.T) {
	eng, _, database, _ := setupEngine(t, Options{})
	ctx := context.Background()

	_, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = eng.Reserve(ctx, []string{}, sessA)
	assert.ErrorIs(t, err, ErrInvalidProduct)

	_, err = eng.Reserve(ctx, []string{"has space"}, sessA)
	assert.ErrorIs(t, err, ErrInvalidProduct)

	_, err = eng.Validate(ctx, []string{"BASE-004-holo"}, "")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = eng.ClearSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidSession)

	// Rejected calls never reach the store, not even the limiter counter
	var windows int64
	require.NoError(t, database.Model(&db.RateWindow{}).Count(&windows).Error)
	assert.Equal(t, int64(0), windows)
}

func TestLifecycleEventsPublished(t *testing.T) {
	eng, _, database, publisher := setupEngine(t, Options{})
	ctx := context.Background()
	seedUnits(t, database, "BASE-004-holo", 1)

	_, err := eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		events := publisher.snapshot()
		return len(events) == 1 && events[0] == "created:BASE-004-holo"
	}, 2*time.Second, 10*time.Millisecond)

	_, err = eng.Release(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		events := publisher.snapshot()
		return len(events) == 2 && events[1] == "released:BASE-004-holo"
	}, 2*time.Second, 10*time.Millisecond)

	// An extend flips no availability, so a re-reserve after release and
	// re-reserve publishes created again only for the fresh hold
	_, err = eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	_, err = eng.Reserve(ctx, []string{"BASE-004-holo"}, sessA)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(publisher.snapshot()) == 3
	}, 2*time.Second, 10*time.Millisecond)
}
