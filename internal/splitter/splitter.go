// Package splitter retries oversized market orders as two half-size child
// orders. Recursion depth is capped at 4, bounding a single request to at
// most 16 child orders.
package splitter

import (
	"context"
	"errors"
	"fmt"

	"tradeagent/internal/domain"
	"tradeagent/internal/ports"
)

const maxDepth = 4

// Splitter executes market entries, splitting on size-limit rejections.
type Splitter struct {
	exchange ports.ExchangeClient
	logger   ports.Logger
}

// New creates a splitter over the given exchange.
func New(exchange ports.ExchangeClient, logger ports.Logger) (*Splitter, error) {
	if exchange == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for splitter")
	}
	return &Splitter{exchange: exchange, logger: logger}, nil
}

// Execute attempts the order as specified. On a size-limit rejection it
// splits into two sequential half-size child orders and aggregates their
// fills; any other error propagates unchanged.
func (s *Splitter) Execute(ctx context.Context, coin string, side domain.Side, quantity float64, leverage int, margin float64) (*ports.OrderResult, error) {
	return s.execute(ctx, coin, side, quantity, leverage, margin, 0)
}

func (s *Splitter) execute(ctx context.Context, coin string, side domain.Side, quantity float64, leverage int, margin float64, depth int) (*ports.OrderResult, error) {
	result, err := s.exchange.OpenMarketPosition(ctx, coin, side, quantity, leverage)
	if err == nil {
		return result, nil
	}

	if !errors.Is(err, ports.ErrOrderSizeLimit) || depth >= maxDepth {
		return nil, err
	}

	s.logger.Warn(ctx, "Order exceeds size limit, splitting in half", map[string]interface{}{
		"coin": coin, "side": side, "quantity": quantity, "depth": depth,
	})

	// Children run sequentially to respect exchange rate limits.
	first, err := s.execute(ctx, coin, side, quantity/2, leverage, margin/2, depth+1)
	if err != nil {
		return nil, fmt.Errorf("first child order failed at depth %d: %w", depth+1, err)
	}
	second, err := s.execute(ctx, coin, side, quantity/2, leverage, margin/2, depth+1)
	if err != nil {
		return nil, fmt.Errorf("second child order failed at depth %d after partial fill of %f: %w", depth+1, first.ExecutedQty, err)
	}

	return merge(first, second), nil
}

// merge aggregates two child results: summed quantities and fees, a
// fill-weighted average price, and a part count marking how many ways the
// original order was split.
func merge(a, b *ports.OrderResult) *ports.OrderResult {
	executed := a.ExecutedQty + b.ExecutedQty
	avgPrice := a.AvgPrice
	if executed > 0 {
		avgPrice = (a.AvgPrice*a.ExecutedQty + b.AvgPrice*b.ExecutedQty) / executed
	}
	ts := a.Timestamp
	if b.Timestamp.After(ts) {
		ts = b.Timestamp
	}
	return &ports.OrderResult{
		OrderID:     a.OrderID,
		Coin:        a.Coin,
		AvgPrice:    avgPrice,
		Quantity:    a.Quantity + b.Quantity,
		ExecutedQty: executed,
		Fees:        a.Fees + b.Fees,
		Status:      a.Status,
		Side:        a.Side,
		Timestamp:   ts,
		Parts:       a.Parts + b.Parts,
	}
}
