package ports

import (
	"context"
	"time"

	"tradeagent/internal/domain"
)

// OrderResult represents the essential details returned after placing an order.
type OrderResult struct {
	OrderID     int64     // Exchange's order ID
	Coin        string    // Coin the order was placed for
	AvgPrice    float64   // Average filled price
	Quantity    float64   // Quantity requested
	ExecutedQty float64   // Quantity filled
	Fees        float64   // Commission charged for the fill
	Status      string    // Order status (e.g. NEW, FILLED, CANCELED)
	Side        string    // Order side (BUY, SELL)
	Timestamp   time.Time // Time the order response was generated

	// Split bookkeeping: how many child orders this result aggregates.
	// 1 for an order that went through whole.
	Parts int
}

// ExchangePosition is one live position as reported by the exchange.
// The exchange runs hedge mode, so (Coin, Side) identifies a book.
type ExchangePosition struct {
	Coin             string
	Side             domain.Side
	Quantity         float64 // Always positive, side carries direction
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPNL    float64
	LiquidationPrice float64
	Leverage         int
	Margin           float64
}

// OpenOrder is one working conditional order on the exchange.
type OpenOrder struct {
	OrderID   int64
	Coin      string
	Side      domain.OrderSide
	Type      string // STOP_MARKET or TAKE_PROFIT_MARKET
	StopPrice float64
	Quantity  float64
	Time      time.Time
}

// IsStopLoss reports whether the conditional order is a stop-loss.
func (o *OpenOrder) IsStopLoss() bool { return o.Type == "STOP_MARKET" }

// IsTakeProfit reports whether the conditional order is a take-profit.
func (o *OpenOrder) IsTakeProfit() bool { return o.Type == "TAKE_PROFIT_MARKET" }

// PositionSideFor infers which book a conditional close order protects:
// an order that sells closes the long book, an order that buys closes
// the short book. The exchange exposes no stronger link.
func (o *OpenOrder) PositionSideFor() domain.Side {
	if o.Side == domain.Sell {
		return domain.Long
	}
	return domain.Short
}

// ExchangeClient defines the interface for interacting with a cryptocurrency
// derivatives exchange. This abstraction decouples the execution engine from
// the concrete venue.
type ExchangeClient interface {
	// GetPrice retrieves the current mark price for a coin.
	GetPrice(ctx context.Context, coin string) (float64, error)

	// GetOHLCV retrieves historical candles for a coin. Retried on
	// transient failure before the error propagates.
	GetOHLCV(ctx context.Context, coin, timeframe string, limit int) ([]*domain.Candle, error)

	// GetBalance retrieves total account value and available cash in the
	// quote asset. Retried on transient failure.
	GetBalance(ctx context.Context) (accountValue, availableCash float64, err error)

	// GetPositions retrieves every live position across both books.
	GetPositions(ctx context.Context) ([]*ExchangePosition, error)

	// SetLeverage sets leverage for one side of a coin's book. The
	// exchange tracks long and short books independently, so leverage is
	// side-scoped; an empty side applies it to both as a safe default.
	SetLeverage(ctx context.Context, coin string, leverage int, side domain.Side) error

	// OpenMarketPosition opens or adds to a position with a market order.
	OpenMarketPosition(ctx context.Context, coin string, side domain.Side, quantity float64, leverage int) (*OrderResult, error)

	// ClosePosition fully closes the position on (coin, side) at market.
	ClosePosition(ctx context.Context, coin string, side domain.Side) (*OrderResult, error)

	// ReducePosition partially closes the position on (coin, side).
	ReducePosition(ctx context.Context, coin string, side domain.Side, quantity float64) (*OrderResult, error)

	// SetStopLoss places a stop-market conditional order protecting the
	// (coin, side) book for the given quantity.
	SetStopLoss(ctx context.Context, coin string, side domain.Side, quantity, price float64) (*OrderResult, error)

	// SetTakeProfit places a take-profit-market conditional order.
	SetTakeProfit(ctx context.Context, coin string, side domain.Side, quantity, price float64) (*OrderResult, error)

	// CancelOrder cancels an existing open order by its ID.
	CancelOrder(ctx context.Context, orderID int64, coin string) error

	// GetOpenOrders lists working conditional orders, optionally
	// filtered to one coin (empty string = all coins).
	GetOpenOrders(ctx context.Context, coin string) ([]*OpenOrder, error)

	// GetFundingRate retrieves the current funding rate for a coin.
	GetFundingRate(ctx context.Context, coin string) (float64, error)

	// GetOpenInterest retrieves the current open interest for a coin.
	GetOpenInterest(ctx context.Context, coin string) (float64, error)
}
