package tools

import (
	"context"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/app"
	"tradeagent/internal/domain"
	"tradeagent/internal/ports"
	"tradeagent/internal/risk"
	"tradeagent/internal/splitter"
)

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...map[string]interface{})        {}
func (nopLogger) Info(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Warn(context.Context, string, ...map[string]interface{})         {}
func (nopLogger) Error(context.Context, error, string, ...map[string]interface{}) {}

// stubExchange is an empty but healthy venue.
type stubExchange struct{}

func (stubExchange) GetPrice(context.Context, string) (float64, error) { return 50000, nil }
func (stubExchange) GetOHLCV(context.Context, string, string, int) ([]*domain.Candle, error) {
	return nil, nil
}
func (stubExchange) GetBalance(context.Context) (float64, float64, error) { return 10000, 8000, nil }
func (stubExchange) GetPositions(context.Context) ([]*ports.ExchangePosition, error) {
	return nil, nil
}
func (stubExchange) SetLeverage(context.Context, string, int, domain.Side) error { return nil }
func (stubExchange) OpenMarketPosition(ctx context.Context, coin string, side domain.Side, qty float64, lev int) (*ports.OrderResult, error) {
	return &ports.OrderResult{OrderID: 1, Coin: coin, AvgPrice: 50000, ExecutedQty: qty, Parts: 1}, nil
}
func (stubExchange) ClosePosition(context.Context, string, domain.Side) (*ports.OrderResult, error) {
	return nil, ports.ErrPositionNotFound
}
func (stubExchange) ReducePosition(context.Context, string, domain.Side, float64) (*ports.OrderResult, error) {
	return nil, ports.ErrPositionNotFound
}
func (stubExchange) SetStopLoss(context.Context, string, domain.Side, float64, float64) (*ports.OrderResult, error) {
	return &ports.OrderResult{OrderID: 2}, nil
}
func (stubExchange) SetTakeProfit(context.Context, string, domain.Side, float64, float64) (*ports.OrderResult, error) {
	return &ports.OrderResult{OrderID: 3}, nil
}
func (stubExchange) CancelOrder(context.Context, int64, string) error { return nil }
func (stubExchange) GetOpenOrders(context.Context, string) ([]*ports.OpenOrder, error) {
	return nil, nil
}
func (stubExchange) GetFundingRate(context.Context, string) (float64, error)  { return 0, nil }
func (stubExchange) GetOpenInterest(context.Context, string) (float64, error) { return 0, nil }

// stubStore is an in-memory ledger with only what these tests exercise.
type stubStore struct {
	records map[string]*domain.TradeRecord
}

func newStubStore() *stubStore {
	return &stubStore{records: make(map[string]*domain.TradeRecord)}
}

func (s *stubStore) Save(ctx context.Context, rec *domain.TradeRecord) error {
	s.records[rec.PositionID] = rec
	return nil
}
func (s *stubStore) Update(context.Context, string, ports.TradeRecordUpdate) error { return nil }
func (s *stubStore) UpdateStatus(context.Context, string, domain.PositionStatus) error {
	return nil
}
func (s *stubStore) Get(context.Context, string) (*domain.TradeRecord, error) { return nil, nil }
func (s *stubStore) GetAll(ctx context.Context) ([]*domain.TradeRecord, error) {
	out := make([]*domain.TradeRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}
func (s *stubStore) GetOpen(context.Context) ([]*domain.TradeRecord, error) { return nil, nil }
func (s *stubStore) GetOpenByCoinSide(context.Context, string, domain.Side) (*domain.TradeRecord, error) {
	return nil, nil
}
func (s *stubStore) GetClosed(context.Context) ([]*domain.TradeRecord, error)  { return nil, nil }
func (s *stubStore) TotalRealizedPnL(context.Context) (float64, error)         { return 0, nil }
func (s *stubStore) TotalFees(context.Context) (float64, error)                { return 0, nil }
func (s *stubStore) WinRate(context.Context) (float64, error)                  { return 0, nil }
func (s *stubStore) AverageLeverage(context.Context) (float64, error)          { return 0, nil }
func (s *stubStore) SharpeRatio(context.Context, []float64) (float64, error)   { return 0, nil }
func (s *stubStore) SaveSnapshot(context.Context, *domain.AccountSnapshot) error {
	return nil
}
func (s *stubStore) RecentSnapshots(context.Context, int) ([]*domain.AccountSnapshot, error) {
	return nil, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	validator := risk.New(risk.Config{
		MaxLeverage:    20,
		SupportedCoins: []string{"BTC"},
		MaxMarginPct:   0.5,
		MaxExposurePct: 3.0,
	})
	split, err := splitter.New(stubExchange{}, nopLogger{})
	require.NoError(t, err)
	coord, err := app.NewCoordinator(app.Config{}, nopLogger{}, stubExchange{}, newStubStore(), validator, split)
	require.NoError(t, err)
	handler, err := NewHandler(coord, nopLogger{})
	require.NoError(t, err)
	return handler
}

func decode(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, sonic.Unmarshal(raw, &out))
	return out
}

func TestHandle_MalformedEnvelope(t *testing.T) {
	h := newTestHandler(t)
	out := decode(t, h.Handle(context.Background(), []byte("{not json")))
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "malformed")
}

func TestHandle_UnknownTool(t *testing.T) {
	h := newTestHandler(t)
	out := decode(t, h.Handle(context.Background(), []byte(`{"tool":"launch_missiles"}`)))
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "unknown tool")
}

func TestHandle_ExecuteTrade_Hold(t *testing.T) {
	h := newTestHandler(t)
	out := decode(t, h.Handle(context.Background(), []byte(`{"tool":"execute_trade","params":{"action":"hold","coin":"BTC"}}`)))
	assert.Equal(t, true, out["success"])
}

func TestHandle_ExecuteTrade_ActionAliases(t *testing.T) {
	h := newTestHandler(t)
	// "close_position" is accepted as an alias for "close"; nothing is
	// open, so the idempotent close succeeds.
	out := decode(t, h.Handle(context.Background(), []byte(`{"tool":"execute_trade","params":{"action":"close_position","coin":"BTC"}}`)))
	assert.Equal(t, true, out["success"])
}

func TestHandle_ExecuteTrade_UnknownAction(t *testing.T) {
	h := newTestHandler(t)
	out := decode(t, h.Handle(context.Background(), []byte(`{"tool":"execute_trade","params":{"action":"yolo","coin":"BTC"}}`)))
	assert.Equal(t, false, out["success"])
}

func TestHandle_GetAccountState_Shape(t *testing.T) {
	h := newTestHandler(t)
	out := decode(t, h.Handle(context.Background(), []byte(`{"tool":"get_account_state"}`)))
	assert.InDelta(t, 10000, out["account_value"].(float64), 1e-9)
	assert.InDelta(t, 8000, out["available_cash"].(float64), 1e-9)
	// active_positions is always present, empty when flat.
	_, ok := out["active_positions"]
	assert.True(t, ok)
}

func TestHandle_GetPerformanceMetrics_Shape(t *testing.T) {
	h := newTestHandler(t)
	out := decode(t, h.Handle(context.Background(), []byte(`{"tool":"get_performance_metrics"}`)))
	for _, key := range []string{"sharpe_ratio", "win_rate", "total_trades", "hold_times", "net_pnl"} {
		_, ok := out[key]
		assert.True(t, ok, key)
	}
}

func TestHandle_UpdateExitPlan_RequiresPositionID(t *testing.T) {
	h := newTestHandler(t)
	out := decode(t, h.Handle(context.Background(), []byte(`{"tool":"update_exit_plan","params":{}}`)))
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "position_id")
}
