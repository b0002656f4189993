package binanceclient

import (
	"context"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/domain"
	"tradeagent/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{
		APIKey:     "key",
		SecretKey:  "secret",
		UseTestnet: true,
		Logger:     &mockLogger{},
	})
	require.NoError(t, err)
	return c
}

type recordingLogger struct {
	mockLogger
	warns []string
}

func (l *recordingLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.warns = append(l.warns, msg)
}

func TestSetLeverage_WarnsThatSideScopedRequestHitsBothBooks(t *testing.T) {
	log := &recordingLogger{}
	c, err := New(Config{
		APIKey:     "key",
		SecretKey:  "secret",
		UseTestnet: true,
		Logger:     log,
	})
	require.NoError(t, err)

	// A cancelled context keeps the venue call from going out; the scope
	// degradation is reported up front either way.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = c.SetLeverage(ctx, "BTC", 5, domain.Long)
	require.Error(t, err)
	require.NotEmpty(t, log.warns)
	assert.Contains(t, log.warns[len(log.warns)-1], "both books")

	// The explicit both-books default is not a degradation.
	log.warns = nil
	_ = c.SetLeverage(ctx, "BTC", 5, "")
	assert.Empty(t, log.warns)
}

func TestSymbolMapping(t *testing.T) {
	c := newTestClient(t)
	assert.Equal(t, "BTCUSDT", c.symbol("btc"))
	assert.Equal(t, "ETH", c.coin("ETHUSDT"))
}

func TestFormatQuantityRoundsDown(t *testing.T) {
	c := newTestClient(t)
	// Rounding a quantity up would exceed the sized margin.
	assert.Equal(t, "0.021", c.formatQuantity(0.0219))
	assert.Equal(t, "45500.12", c.formatPrice(45500.1249))
}

func TestHandleError_MapsSizeLimitCodes(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for _, code := range []int64{-2027, -4005, -4047} {
		err := c.handleError(ctx, &common.APIError{Code: code, Message: "too big"}, "OpenMarketPosition")
		assert.ErrorIs(t, err, ports.ErrOrderSizeLimit, "code %d", code)
	}

	err := c.handleError(ctx, &common.APIError{Code: -1003, Message: "slow down"}, "GetPrice")
	assert.ErrorIs(t, err, ports.ErrRateLimited)
	assert.True(t, ports.IsTransient(err))

	err = c.handleError(ctx, &common.APIError{Code: -4044, Message: "no position"}, "ClosePosition")
	assert.ErrorIs(t, err, ports.ErrPositionNotFound)
}

func TestTranslatePositionRisk_HedgeModeSides(t *testing.T) {
	c := newTestClient(t)

	long := c.translatePositionRisk(&futures.PositionRisk{
		Symbol:           "BTCUSDT",
		PositionSide:     "LONG",
		PositionAmt:      "0.020",
		EntryPrice:       "50000",
		MarkPrice:        "51000",
		UnRealizedProfit: "20",
		LiquidationPrice: "45500",
		Leverage:         "10",
		IsolatedMargin:   "100",
	})
	require.NotNil(t, long)
	assert.Equal(t, "BTC", long.Coin)
	assert.Equal(t, domain.Long, long.Side)
	assert.InDelta(t, 0.02, long.Quantity, 1e-9)
	assert.InDelta(t, 100, long.Margin, 1e-9)

	// Short positions report a negative amount; quantity stays positive.
	short := c.translatePositionRisk(&futures.PositionRisk{
		Symbol:       "ETHUSDT",
		PositionSide: "SHORT",
		PositionAmt:  "-1.5",
		EntryPrice:   "3000",
		Leverage:     "5",
	})
	require.NotNil(t, short)
	assert.Equal(t, domain.Short, short.Side)
	assert.InDelta(t, 1.5, short.Quantity, 1e-9)
	// Missing isolated margin is derived from notional and leverage.
	assert.InDelta(t, 900, short.Margin, 1e-9)
}

func TestTranslatePositionSide(t *testing.T) {
	assert.Equal(t, futures.PositionSideTypeLong, translatePositionSide(domain.Long))
	assert.Equal(t, futures.PositionSideTypeShort, translatePositionSide(domain.Short))
}
