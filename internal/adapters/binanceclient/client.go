package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradeagent/internal/adapters/retry"
	"tradeagent/internal/domain"
	"tradeagent/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	orderTypeStopMarket       = string(futures.OrderTypeStopMarket)
	orderTypeTakeProfitMarket = string(futures.OrderTypeTakeProfitMarket)
)

// Client implements the ports.ExchangeClient interface using the go-binance
// futures client. The account is expected to be in hedge mode: every order
// carries a position side, and long/short books are independent per coin.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	quoteAsset    string
	readRetry     retry.Policy
	pricePrec     int32
	qtyPrec       int32
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey            string
	SecretKey         string
	UseTestnet        bool
	Logger            ports.Logger
	QuoteAsset        string // Quote/collateral asset, defaults to USDT
	PricePrecision    int32  // Decimal places for prices, defaults to 2
	QuantityPrecision int32  // Decimal places for quantities, defaults to 3
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	pricePrec := cfg.PricePrecision
	if pricePrec <= 0 {
		pricePrec = 2
	}
	qtyPrec := cfg.QuantityPrecision
	if qtyPrec <= 0 {
		qtyPrec = 3
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		quoteAsset:    quote,
		readRetry:     retry.DefaultPolicy(ports.IsTransient),
		pricePrec:     pricePrec,
		qtyPrec:       qtyPrec,
	}, nil
}

// symbol maps a coin ("BTC") to the venue's contract symbol ("BTCUSDT").
func (c *Client) symbol(coin string) string {
	return strings.ToUpper(coin) + c.quoteAsset
}

// coin maps a contract symbol back to its coin.
func (c *Client) coin(symbol string) string {
	return strings.TrimSuffix(symbol, c.quoteAsset)
}

func (c *Client) formatPrice(price float64) string {
	return decimal.NewFromFloat(price).Round(c.pricePrec).String()
}

func (c *Client) formatQuantity(quantity float64) string {
	return decimal.NewFromFloat(quantity).RoundDown(c.qtyPrec).String()
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2027, -4005: // Qty or position above the allowed maximum
			mappedErr = ports.ErrOrderSizeLimit
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -3041: // Position is not sufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4015: // Leverage is not valid
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		case -4047: // Exceeded the maximum allowable position at current leverage
			mappedErr = ports.ErrOrderSizeLimit
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// GetPrice retrieves the current mark price for a coin.
func (c *Client) GetPrice(ctx context.Context, coin string) (float64, error) {
	op := "GetPrice"
	symbol := c.symbol(coin)
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].MarkPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetOHLCV retrieves historical candles for a coin. Market-data reads are
// retried with exponential backoff before the error is propagated.
func (c *Client) GetOHLCV(ctx context.Context, coin, timeframe string, limit int) ([]*domain.Candle, error) {
	op := "GetOHLCV"
	symbol := c.symbol(coin)

	var candles []*domain.Candle
	err := retry.Do(ctx, c.readRetry, func(ctx context.Context) error {
		binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		candles = make([]*domain.Candle, 0, len(binanceKlines))
		for _, bk := range binanceKlines {
			candle, err := translateKline(bk, coin, timeframe)
			if err != nil {
				return c.handleError(ctx, fmt.Errorf("failed to translate candle: %w", err), op)
			}
			candles = append(candles, candle)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// GetBalance retrieves total account value and available cash in the quote
// asset. Retried on transient failure like the other market-data reads.
func (c *Client) GetBalance(ctx context.Context) (float64, float64, error) {
	op := "GetBalance"

	var accountValue, availableCash float64
	err := retry.Do(ctx, c.readRetry, func(ctx context.Context) error {
		account, err := c.futuresClient.NewGetAccountService().Do(ctx)
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		marginBalance, err := strconv.ParseFloat(account.TotalMarginBalance, 64)
		if err != nil {
			return c.handleError(ctx, fmt.Errorf("could not parse margin balance '%s': %w", account.TotalMarginBalance, err), op)
		}
		available, err := strconv.ParseFloat(account.AvailableBalance, 64)
		if err != nil {
			return c.handleError(ctx, fmt.Errorf("could not parse available balance '%s': %w", account.AvailableBalance, err), op)
		}
		accountValue = marginBalance
		availableCash = available
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return accountValue, availableCash, nil
}

// GetPositions retrieves every live position across both books.
func (c *Client) GetPositions(ctx context.Context) ([]*ports.ExchangePosition, error) {
	op := "GetPositions"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]*ports.ExchangePosition, 0, len(positions))
	for _, bp := range positions {
		pos := c.translatePositionRisk(bp)
		if pos == nil || pos.Quantity == 0 {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// SetLeverage sets leverage for one side of a coin's book. The venue scopes
// leverage per contract in hedge mode, so the setting lands on both books;
// the side is kept for logging and for venues that do split it. An empty
// side is the explicit "both books" default.
func (c *Client) SetLeverage(ctx context.Context, coin string, leverage int, side domain.Side) error {
	op := "SetLeverage"
	symbol := c.symbol(coin)
	fields := map[string]interface{}{"coin": coin, "leverage": leverage}
	if side == "" {
		fields["side"] = "both"
	} else {
		fields["side"] = side
		c.logger.Warn(ctx, op+" requested for one side but the venue scopes leverage per contract, both books affected", fields)
	}
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", fields)
	return nil
}

// OpenMarketPosition opens or adds to a position with a market order.
func (c *Client) OpenMarketPosition(ctx context.Context, coin string, side domain.Side, quantity float64, leverage int) (*ports.OrderResult, error) {
	op := "OpenMarketPosition"
	return c.placeMarketOrder(ctx, op, coin, side, domain.EntryOrderSide(side), quantity)
}

// ClosePosition fully closes the position on (coin, side) at market. The
// quantity is read from the exchange, not the ledger, so an externally
// resized position still closes completely.
func (c *Client) ClosePosition(ctx context.Context, coin string, side domain.Side) (*ports.OrderResult, error) {
	op := "ClosePosition"
	symbol := c.symbol(coin)

	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	var quantity float64
	for _, bp := range positions {
		pos := c.translatePositionRisk(bp)
		if pos != nil && pos.Side == side && pos.Quantity > 0 {
			quantity = pos.Quantity
			break
		}
	}
	if quantity == 0 {
		return nil, fmt.Errorf("%s: no live %s position for %s: %w", op, side, coin, ports.ErrPositionNotFound)
	}

	return c.placeMarketOrder(ctx, op, coin, side, domain.ExitOrderSide(side), quantity)
}

// ReducePosition partially closes the position on (coin, side).
func (c *Client) ReducePosition(ctx context.Context, coin string, side domain.Side, quantity float64) (*ports.OrderResult, error) {
	op := "ReducePosition"
	return c.placeMarketOrder(ctx, op, coin, side, domain.ExitOrderSide(side), quantity)
}

func (c *Client) placeMarketOrder(ctx context.Context, op, coin string, positionSide domain.Side, orderSide domain.OrderSide, quantity float64) (*ports.OrderResult, error) {
	symbol := c.symbol(coin)
	quantityStr := c.formatQuantity(quantity)

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(orderSide)).
		PositionSide(translatePositionSide(positionSide)).
		Type(futures.OrderTypeMarket).
		Quantity(quantityStr).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := c.translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"coin": coin, "positionSide": positionSide, "side": orderSide,
		"quantity": quantityStr, "orderID": resp.OrderID, "avgPrice": resp.AvgPrice,
	})
	return resp, nil
}

// SetStopLoss places a stop-market conditional order protecting the
// (coin, side) book for the given quantity.
func (c *Client) SetStopLoss(ctx context.Context, coin string, side domain.Side, quantity, price float64) (*ports.OrderResult, error) {
	op := "SetStopLoss"
	return c.placeConditionalOrder(ctx, op, futures.OrderTypeStopMarket, coin, side, quantity, price)
}

// SetTakeProfit places a take-profit-market conditional order.
func (c *Client) SetTakeProfit(ctx context.Context, coin string, side domain.Side, quantity, price float64) (*ports.OrderResult, error) {
	op := "SetTakeProfit"
	return c.placeConditionalOrder(ctx, op, futures.OrderTypeTakeProfitMarket, coin, side, quantity, price)
}

func (c *Client) placeConditionalOrder(ctx context.Context, op string, orderType futures.OrderType, coin string, side domain.Side, quantity, price float64) (*ports.OrderResult, error) {
	symbol := c.symbol(coin)
	quantityStr := c.formatQuantity(quantity)
	priceStr := c.formatPrice(price)

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(domain.ExitOrderSide(side))).
		PositionSide(translatePositionSide(side)).
		Type(orderType).
		Quantity(quantityStr).
		StopPrice(priceStr).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := c.translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"coin": coin, "positionSide": side, "quantity": quantityStr,
		"stopPrice": priceStr, "orderID": resp.OrderID,
	})
	return resp, nil
}

// CancelOrder cancels an open order on the exchange.
func (c *Client) CancelOrder(ctx context.Context, orderID int64, coin string) error {
	op := "CancelOrder"
	symbol := c.symbol(coin)
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"coin": coin, "orderID": orderID})

	_, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"coin": coin, "orderID": orderID})
	return nil
}

// GetOpenOrders lists working conditional orders, optionally filtered to one
// coin. Plain limit orders are dropped: only SL/TP protection matters here.
func (c *Client) GetOpenOrders(ctx context.Context, coin string) ([]*ports.OpenOrder, error) {
	op := "GetOpenOrders"
	svc := c.futuresClient.NewListOpenOrdersService()
	if coin != "" {
		svc = svc.Symbol(c.symbol(coin))
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	out := make([]*ports.OpenOrder, 0, len(orders))
	for _, o := range orders {
		orderType := string(o.Type)
		if orderType != orderTypeStopMarket && orderType != orderTypeTakeProfitMarket {
			continue
		}
		stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
		quantity, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		out = append(out, &ports.OpenOrder{
			OrderID:   o.OrderID,
			Coin:      c.coin(o.Symbol),
			Side:      domain.OrderSide(o.Side),
			Type:      orderType,
			StopPrice: stopPrice,
			Quantity:  quantity,
			Time:      time.UnixMilli(o.Time),
		})
	}
	return out, nil
}

// GetFundingRate retrieves the current funding rate for a coin.
func (c *Client) GetFundingRate(ctx context.Context, coin string) (float64, error) {
	op := "GetFundingRate"
	symbol := c.symbol(coin)
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no premium index returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}
	rate, err := strconv.ParseFloat(tickers[0].LastFundingRate, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse funding rate '%s': %w", tickers[0].LastFundingRate, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return rate, nil
}

// GetOpenInterest retrieves the current open interest for a coin.
func (c *Client) GetOpenInterest(ctx context.Context, coin string) (float64, error) {
	op := "GetOpenInterest"
	symbol := c.symbol(coin)
	oi, err := c.futuresClient.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	value, err := strconv.ParseFloat(oi.OpenInterest, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse open interest '%s': %w", oi.OpenInterest, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return value, nil
}

// --- Translation Helpers ---

func translatePositionSide(side domain.Side) futures.PositionSideType {
	if side == domain.Short {
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeLong
}

func (c *Client) translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResult {
	if order == nil {
		return nil
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResult{
		OrderID:     order.OrderID,
		Coin:        c.coin(order.Symbol),
		AvgPrice:    avgPrice,
		Quantity:    origQty,
		ExecutedQty: execQty,
		Status:      string(order.Status),
		Side:        string(order.Side),
		Timestamp:   time.UnixMilli(order.UpdateTime),
		Parts:       1,
	}
}

func (c *Client) translatePositionRisk(pos *futures.PositionRisk) *ports.ExchangePosition {
	if pos == nil {
		return nil
	}
	posAmt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
	liqPrice, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage) // Leverage is string in go-binance
	isoMargin, _ := strconv.ParseFloat(pos.IsolatedMargin, 64)

	var side domain.Side
	switch pos.PositionSide {
	case "LONG":
		side = domain.Long
	case "SHORT":
		side = domain.Short
	default:
		// One-way mode fallback: direction from the signed amount.
		if posAmt >= 0 {
			side = domain.Long
		} else {
			side = domain.Short
		}
	}
	quantity := posAmt
	if quantity < 0 {
		quantity = -quantity
	}

	margin := isoMargin
	if margin == 0 && leverage > 0 {
		margin = entryPrice * quantity / float64(leverage)
	}

	return &ports.ExchangePosition{
		Coin:             c.coin(pos.Symbol),
		Side:             side,
		Quantity:         quantity,
		EntryPrice:       entryPrice,
		MarkPrice:        markPrice,
		UnrealizedPNL:    unProfit,
		LiquidationPrice: liqPrice,
		Leverage:         leverage,
		Margin:           margin,
	}
}

func translateKline(bk *futures.Kline, coin, timeframe string) (*domain.Candle, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Candle{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Coin:      coin,
		Timeframe: timeframe,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
	}, nil
}
