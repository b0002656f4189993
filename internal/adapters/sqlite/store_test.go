package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/domain"
	"tradeagent/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestStore creates a temporary database for testing
func setupTestStore(t *testing.T, cutoff time.Time) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "tradeagent-test-*")
	require.NoError(t, err)

	store, err := NewStore(Config{
		DBPath:       filepath.Join(tmpDir, "test.db"),
		Logger:       &mockLogger{},
		SharpeCutoff: cutoff,
	})
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
	return store, cleanup
}

func openRecord(id string) *domain.TradeRecord {
	return &domain.TradeRecord{
		PositionID: id,
		Coin:       "BTC",
		Side:       domain.Long,
		EntryPrice: 50000,
		Quantity:   0.02,
		Leverage:   10,
		Margin:     100,
		Fees:       0.5,
		Confidence: 70,
		ExitPlan:   &domain.ExitPlan{ProfitTarget: 60000, StopLoss: 45000, Invalidation: "loses the trendline"},
		Status:     domain.StatusOpen,
		EntryTime:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func closeRecord(ctx context.Context, t *testing.T, store *Store, id string, pnl, margin float64, exitTime time.Time) {
	t.Helper()
	rec := openRecord(id)
	rec.Margin = margin
	require.NoError(t, store.Save(ctx, rec))
	exitPrice := 55000.0
	reason := domain.CloseReasonAgent
	require.NoError(t, store.Update(ctx, id, ports.TradeRecordUpdate{
		ExitPrice:   &exitPrice,
		ExitTime:    &exitTime,
		NetPNL:      &pnl,
		CloseReason: &reason,
	}))
	require.NoError(t, store.UpdateStatus(ctx, id, domain.StatusClosed))
}

func TestStore_SaveAndGetRoundTrip(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	rec := openRecord("pos-1")
	slID := "12345"
	rec.StopLossOrderID = &slID
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, "pos-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Coin, got.Coin)
	assert.Equal(t, rec.Side, got.Side)
	assert.Equal(t, rec.Leverage, got.Leverage)
	assert.InDelta(t, rec.EntryPrice, got.EntryPrice, 1e-9)
	require.NotNil(t, got.ExitPlan)
	assert.InDelta(t, 45000, got.ExitPlan.StopLoss, 1e-9)
	assert.Equal(t, "loses the trendline", got.ExitPlan.Invalidation)
	require.NotNil(t, got.StopLossOrderID)
	assert.Equal(t, "12345", *got.StopLossOrderID)
	assert.Nil(t, got.TakeProfitOrderID)
	assert.Nil(t, got.NetPNL)
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()

	got, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SaveIsIdempotentUpsert(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	rec := openRecord("pos-1")
	require.NoError(t, store.Save(ctx, rec))
	require.NoError(t, store.Save(ctx, rec))

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// A re-save with changed fields replaces, never duplicates.
	rec.Quantity = 0.04
	require.NoError(t, store.Save(ctx, rec))
	got, err := store.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.04, got.Quantity, 1e-9)
}

func TestStore_UpdatePartialFields(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, openRecord("pos-1")))

	qty := 0.01
	require.NoError(t, store.Update(ctx, "pos-1", ports.TradeRecordUpdate{Quantity: &qty}))

	got, err := store.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, got.Quantity, 1e-9)
	// Untouched fields survive.
	assert.InDelta(t, 100, got.Margin, 1e-9)
	assert.NotNil(t, got.ExitPlan)

	require.NoError(t, store.Update(ctx, "pos-1", ports.TradeRecordUpdate{ClearExitPlan: true}))
	got, err = store.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Nil(t, got.ExitPlan)
}

func TestStore_PartialPNLPersistsAcrossReduce(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, openRecord("pos-1")))

	banked := 49.725
	qty := 0.01
	require.NoError(t, store.Update(ctx, "pos-1", ports.TradeRecordUpdate{
		Quantity:   &qty,
		PartialPNL: &banked,
	}))

	got, err := store.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.InDelta(t, 49.725, got.PartialPNL, 1e-9)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Nil(t, got.NetPNL)
}

func TestStore_QueryOnClosedDBWrapsQueryFailed(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()

	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "pos-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrQueryFailed)

	_, err = store.GetAll(context.Background())
	assert.ErrorIs(t, err, ports.ErrQueryFailed)
}

func TestStore_UpdateMissingRecordFails(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()

	qty := 0.01
	err := store.Update(context.Background(), "nope", ports.TradeRecordUpdate{Quantity: &qty})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestStore_UpdateStatusIsMonotonic(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, openRecord("pos-1")))
	require.NoError(t, store.UpdateStatus(ctx, "pos-1", domain.StatusClosed))

	// Closed records never reopen.
	err := store.UpdateStatus(ctx, "pos-1", domain.StatusOpen)
	assert.ErrorIs(t, err, ports.ErrUpdateFailed)

	got, err := store.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
}

func TestStore_GetOpenByCoinSide(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	long := openRecord("pos-long")
	short := openRecord("pos-short")
	short.Side = domain.Short
	require.NoError(t, store.Save(ctx, long))
	require.NoError(t, store.Save(ctx, short))

	got, err := store.GetOpenByCoinSide(ctx, "BTC", domain.Short)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pos-short", got.PositionID)

	got, err = store.GetOpenByCoinSide(ctx, "ETH", domain.Long)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_AggregateQueries(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	closeRecord(ctx, t, store, "w1", 50, 100, now)
	closeRecord(ctx, t, store, "w2", 30, 100, now)
	closeRecord(ctx, t, store, "l1", -20, 100, now)
	require.NoError(t, store.Save(ctx, openRecord("still-open")))

	pnl, err := store.TotalRealizedPnL(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 60, pnl, 1e-9)

	winRate, err := store.WinRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, winRate, 1e-9)

	fees, err := store.TotalFees(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, fees, 1e-9)

	lev, err := store.AverageLeverage(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10, lev, 1e-9)
}

func TestStore_SharpeRatio(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	// Fewer than two data points yields 0.
	closeRecord(ctx, t, store, "only", 50, 100, now)
	ratio, err := store.SharpeRatio(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, ratio)

	// Returns 0.5 and 0.3: mean 0.4, stddev 0.1, annualized by sqrt(365).
	closeRecord(ctx, t, store, "second", 30, 100, now)
	ratio, err = store.SharpeRatio(ctx, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4/0.1*19.1049731745, ratio, 1e-6)

	// Open-position returns extend the series.
	ratio2, err := store.SharpeRatio(ctx, []float64{0.4})
	require.NoError(t, err)
	assert.NotEqual(t, ratio, ratio2)
}

func TestStore_SharpeRatioHonorsCutoff(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store, cleanup := setupTestStore(t, cutoff)
	defer cleanup()
	ctx := context.Background()

	// Both trades predate the cutoff, so no data points remain.
	before := cutoff.AddDate(0, 0, -5)
	closeRecord(ctx, t, store, "old1", 50, 100, before)
	closeRecord(ctx, t, store, "old2", 30, 100, before)

	ratio, err := store.SharpeRatio(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, ratio)
}

func TestStore_IdenticalReturnsYieldZeroSharpe(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	closeRecord(ctx, t, store, "a", 50, 100, now)
	closeRecord(ctx, t, store, "b", 50, 100, now)

	ratio, err := store.SharpeRatio(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, ratio)
}

func TestStore_Snapshots(t *testing.T) {
	store, cleanup := setupTestStore(t, time.Time{})
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveSnapshot(ctx, &domain.AccountSnapshot{
			Time:          base.Add(time.Duration(i) * time.Hour),
			AccountValue:  10000 + float64(i)*100,
			OpenPositions: i,
		}))
	}

	snaps, err := store.RecentSnapshots(ctx, 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	// Newest first.
	assert.InDelta(t, 10200, snaps[0].AccountValue, 1e-9)
	assert.InDelta(t, 10100, snaps[1].AccountValue, 1e-9)
}
