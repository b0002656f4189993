package splitter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

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

// sizeLimitedExchange rejects any order above maxOrderSize with the
// size-limit error class and fills everything else.
type sizeLimitedExchange struct {
	ports.ExchangeClient

	maxOrderSize float64
	fillPrice    float64
	placedOrders []float64
	failWith     error
	nextOrderID  int64
}

func (m *sizeLimitedExchange) OpenMarketPosition(ctx context.Context, coin string, side domain.Side, quantity float64, leverage int) (*ports.OrderResult, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	if quantity > m.maxOrderSize {
		return nil, fmt.Errorf("OpenMarketPosition failed: %w", ports.ErrOrderSizeLimit)
	}
	m.placedOrders = append(m.placedOrders, quantity)
	m.nextOrderID++
	return &ports.OrderResult{
		OrderID:     m.nextOrderID,
		Coin:        coin,
		AvgPrice:    m.fillPrice,
		Quantity:    quantity,
		ExecutedQty: quantity,
		Fees:        quantity * m.fillPrice * 0.0005,
		Status:      "FILLED",
		Side:        string(domain.EntryOrderSide(side)),
		Timestamp:   time.Now(),
		Parts:       1,
	}, nil
}

func TestExecute_NoSplitNeeded(t *testing.T) {
	exchange := &sizeLimitedExchange{maxOrderSize: 100, fillPrice: 50000}
	s, err := New(exchange, &mockLogger{})
	require.NoError(t, err)

	result, err := s.Execute(context.Background(), "BTC", domain.Long, 10, 5, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Parts)
	assert.Equal(t, 10.0, result.ExecutedQty)
	assert.Len(t, exchange.placedOrders, 1)
}

func TestExecute_SplitsInHalf(t *testing.T) {
	exchange := &sizeLimitedExchange{maxOrderSize: 6, fillPrice: 50000}
	s, err := New(exchange, &mockLogger{})
	require.NoError(t, err)

	result, err := s.Execute(context.Background(), "BTC", domain.Long, 10, 5, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Parts)
	assert.InDelta(t, 10.0, result.ExecutedQty, 1e-9)
	assert.Equal(t, []float64{5, 5}, exchange.placedOrders)
}

func TestExecute_RecursiveSplitAggregatesFills(t *testing.T) {
	exchange := &sizeLimitedExchange{maxOrderSize: 2, fillPrice: 50000}
	s, err := New(exchange, &mockLogger{})
	require.NoError(t, err)

	// 16 -> 8 -> 4 -> 2: three levels of splitting, eight children.
	result, err := s.Execute(context.Background(), "ETH", domain.Short, 16, 3, 4800)
	require.NoError(t, err)
	assert.Equal(t, 8, result.Parts)
	assert.InDelta(t, 16.0, result.ExecutedQty, 1e-9)
	assert.InDelta(t, 50000.0, result.AvgPrice, 1e-9)
	assert.Len(t, exchange.placedOrders, 8)
	for _, q := range exchange.placedOrders {
		assert.InDelta(t, 2.0, q, 1e-9)
	}
}

func TestExecute_DepthCapPropagatesError(t *testing.T) {
	// Even the smallest child (quantity/16) stays above the limit, so the
	// recursion bottoms out at depth 4 and the size error surfaces.
	exchange := &sizeLimitedExchange{maxOrderSize: 0.1, fillPrice: 50000}
	s, err := New(exchange, &mockLogger{})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), "BTC", domain.Long, 100, 5, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrOrderSizeLimit)
	assert.Empty(t, exchange.placedOrders)
}

func TestExecute_NonSizeErrorsPropagateUnchanged(t *testing.T) {
	wantErr := fmt.Errorf("OpenMarketPosition failed: %w", ports.ErrInsufficientFunds)
	exchange := &sizeLimitedExchange{maxOrderSize: 100, failWith: wantErr}
	s, err := New(exchange, &mockLogger{})
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), "BTC", domain.Long, 10, 5, 1000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ports.ErrOrderSizeLimit))
}
