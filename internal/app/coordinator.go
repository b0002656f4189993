package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradeagent/internal/analytics"
	"tradeagent/internal/domain"
	"tradeagent/internal/ports"
	"tradeagent/internal/reconcile"
	"tradeagent/internal/risk"
	"tradeagent/internal/splitter"
)

// Config holds coordinator tuning.
type Config struct {
	// TakerFeeRate estimates fees per fill as notional * rate.
	TakerFeeRate float64
}

// TradeRequest is one agent decision handed to the coordinator.
type TradeRequest struct {
	Action          domain.Action
	Coin            string
	Leverage        int
	MarginAmount    float64
	PositionID      string
	ReduceQuantity  float64
	ExitPlan        *domain.ExitPlan
	Confidence      int
	BypassRiskCheck bool
}

// TradeResult is the structured outcome of one trade request. No error
// crosses the coordinator boundary unstructured: failures land in Error,
// partial failures in Warning with Success still true.
type TradeResult struct {
	Success          bool
	PositionID       string
	EntryPrice       float64
	Quantity         float64
	NotionalValue    float64
	LiquidationPrice float64
	Message          string
	Error            string
	Warning          string
}

// ExitPlanResult is the outcome of an exit plan update.
type ExitPlanResult struct {
	Success         bool
	PositionID      string
	UpdatedExitPlan *domain.ExitPlan
	Message         string
	Error           string
}

// LedgerStore is the persistence surface the coordinator needs: the trade
// ledger plus the reporting snapshot series.
type LedgerStore interface {
	ports.TradeRecordRepository
	ports.SnapshotRepository
}

// Coordinator orchestrates trade execution: risk validation, exchange
// calls through the splitter, protective conditional orders, ledger
// persistence and reconciliation on every state read.
type Coordinator struct {
	cfg       Config
	logger    ports.Logger
	exchange  ports.ExchangeClient
	store     LedgerStore
	validator *risk.Validator
	splitter  *splitter.Splitter
}

// NewCoordinator creates the top-level trade execution orchestrator.
func NewCoordinator(cfg Config, logger ports.Logger, exchange ports.ExchangeClient, store LedgerStore, validator *risk.Validator, split *splitter.Splitter) (*Coordinator, error) {
	if logger == nil || exchange == nil || store == nil || validator == nil || split == nil {
		return nil, fmt.Errorf("missing required dependencies for Coordinator")
	}
	if cfg.TakerFeeRate <= 0 {
		cfg.TakerFeeRate = 0.0005
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    logger,
		exchange:  exchange,
		store:     store,
		validator: validator,
		splitter:  split,
	}, nil
}

// ExecuteTrade runs one agent decision. Every failure is reported through
// the result; callers never see a raw error.
func (c *Coordinator) ExecuteTrade(ctx context.Context, req TradeRequest) *TradeResult {
	switch req.Action {
	case domain.ActionHold:
		return &TradeResult{Success: true, Message: "holding, no action taken"}
	case domain.ActionOpenLong:
		return c.openPosition(ctx, req, domain.Long)
	case domain.ActionOpenShort:
		return c.openPosition(ctx, req, domain.Short)
	case domain.ActionClose:
		return c.closePosition(ctx, req)
	case domain.ActionReduce:
		return c.reducePosition(ctx, req)
	default:
		return &TradeResult{Success: false, Error: fmt.Sprintf("unknown action %s", req.Action)}
	}
}

// --- open ---

func (c *Coordinator) openPosition(ctx context.Context, req TradeRequest, side domain.Side) *TradeResult {
	op := "openPosition"

	if req.Leverage < 1 {
		req.Leverage = 1
	}

	// Risk validation runs against a freshly reconciled account state so
	// the exposure cap sees live positions, not stale ledger entries.
	if req.BypassRiskCheck {
		c.logger.Warn(ctx, op+": risk checks bypassed by caller", map[string]interface{}{"coin": req.Coin, "side": side})
	} else {
		state, err := c.AccountState(ctx)
		if err != nil {
			return failure("failed to read account state for risk validation", err)
		}
		violations := c.validator.Validate(risk.TradeRequest{
			Action:       actionForSide(side),
			Coin:         req.Coin,
			Side:         side,
			Leverage:     req.Leverage,
			MarginAmount: req.MarginAmount,
			ExitPlan:     req.ExitPlan,
		}, state)
		if len(violations) > 0 {
			msgs := make([]string, len(violations))
			for i, v := range violations {
				msgs[i] = v.String()
			}
			return &TradeResult{
				Success: false,
				Message: "trade rejected by risk policy",
				Error:   strings.Join(msgs, "; "),
			}
		}
	}

	// Stale SL/TP orders from earlier entries into this book would
	// double-fire after a re-entry. Cancel before touching the position.
	warning := c.cancelConditionalOrders(ctx, req.Coin, side)

	existing, err := c.store.GetOpenByCoinSide(ctx, req.Coin, side)
	if err != nil {
		return failure("failed to query ledger for existing position", err)
	}
	leverage := req.Leverage
	if existing != nil && existing.Leverage != req.Leverage {
		c.logger.Warn(ctx, op+": leverage mismatch on add-to-position, keeping existing", map[string]interface{}{
			"coin": req.Coin, "side": side, "requested": req.Leverage, "existing": existing.Leverage,
		})
		leverage = existing.Leverage
		warning = appendWarning(warning, fmt.Sprintf("requested leverage %d coerced to existing %dx", req.Leverage, existing.Leverage))
	}

	if err := c.exchange.SetLeverage(ctx, req.Coin, leverage, side); err != nil {
		return failure("failed to set leverage", err)
	}

	// Quantity derives from a fresh price read, never a caller-supplied
	// value, to avoid sizing against a stale quote.
	price, err := c.exchange.GetPrice(ctx, req.Coin)
	if err != nil {
		return failure("failed to read current price", err)
	}
	quantity := req.MarginAmount * float64(leverage) / price

	order, err := c.splitter.Execute(ctx, req.Coin, side, quantity, leverage, req.MarginAmount)
	if err != nil {
		return failure("entry order failed", err)
	}
	entryPrice := order.AvgPrice
	if entryPrice == 0 {
		entryPrice = price
	}
	filledQty := order.ExecutedQty
	if filledQty == 0 {
		filledQty = quantity
	}
	notional := entryPrice * filledQty
	fees := order.Fees + notional*c.cfg.TakerFeeRate
	liquidationPrice := estimateLiquidationPrice(entryPrice, leverage, side)

	if order.Parts > 1 {
		c.logger.Info(ctx, op+": entry was split into child orders", map[string]interface{}{"coin": req.Coin, "parts": order.Parts})
	}

	// Protective orders are best-effort: the entry is live either way,
	// so a failure here degrades to a warning, never a rollback.
	var slOrderID, tpOrderID *string
	if !req.ExitPlan.IsZero() {
		if req.ExitPlan.StopLoss > 0 {
			slOrder, err := c.exchange.SetStopLoss(ctx, req.Coin, side, filledQty, req.ExitPlan.StopLoss)
			if err != nil {
				c.logger.Error(ctx, err, op+": failed to place stop loss", map[string]interface{}{"coin": req.Coin, "side": side})
				warning = appendWarning(warning, "stop loss placement failed, position is unprotected on the downside")
			} else {
				slOrderID = int64Ptr(slOrder.OrderID)
			}
		}
		if req.ExitPlan.ProfitTarget > 0 {
			tpOrder, err := c.exchange.SetTakeProfit(ctx, req.Coin, side, filledQty, req.ExitPlan.ProfitTarget)
			if err != nil {
				c.logger.Error(ctx, err, op+": failed to place take profit", map[string]interface{}{"coin": req.Coin, "side": side})
				warning = appendWarning(warning, "take profit placement failed")
			} else {
				tpOrderID = int64Ptr(tpOrder.OrderID)
			}
		}
	}

	// Persist: adds merge into the existing record, first entries create one.
	var rec *domain.TradeRecord
	if existing != nil {
		totalQty := existing.Quantity + filledQty
		rec = existing
		rec.EntryPrice = (existing.EntryPrice*existing.Quantity + entryPrice*filledQty) / totalQty
		rec.Quantity = totalQty
		rec.Margin += req.MarginAmount
		rec.Fees += fees
		rec.Leverage = leverage
		if !req.ExitPlan.IsZero() {
			rec.ExitPlan = req.ExitPlan
		}
	} else {
		rec = &domain.TradeRecord{
			PositionID: uuid.NewString(),
			Coin:       req.Coin,
			Side:       side,
			EntryPrice: entryPrice,
			Quantity:   filledQty,
			Leverage:   leverage,
			Margin:     req.MarginAmount,
			Fees:       fees,
			Confidence: req.Confidence,
			ExitPlan:   req.ExitPlan,
			Status:     domain.StatusOpen,
			EntryTime:  time.Now().UTC(),
		}
	}
	if slOrderID != nil {
		rec.StopLossOrderID = slOrderID
	}
	if tpOrderID != nil {
		rec.TakeProfitOrderID = tpOrderID
	}
	if err := c.store.Save(ctx, rec); err != nil {
		// The position is live on the exchange; reconciliation will
		// surface it as untracked on the next read if this persists.
		c.logger.Error(ctx, err, op+": failed to persist trade record", map[string]interface{}{"positionID": rec.PositionID})
		warning = appendWarning(warning, "position opened but ledger write failed; reconciliation will recover it")
	}

	message := fmt.Sprintf("opened %s %s: qty %.6f @ %.2f (%dx)", side, req.Coin, filledQty, entryPrice, leverage)
	if existing != nil {
		message = fmt.Sprintf("added to %s %s: qty now %.6f", side, req.Coin, rec.Quantity)
	}
	return &TradeResult{
		Success:          true,
		PositionID:       rec.PositionID,
		EntryPrice:       entryPrice,
		Quantity:         filledQty,
		NotionalValue:    notional,
		LiquidationPrice: liquidationPrice,
		Message:          message,
		Warning:          warning,
	}
}

// --- close ---

func (c *Coordinator) closePosition(ctx context.Context, req TradeRequest) *TradeResult {
	rec, result := c.resolveRecord(ctx, req)
	if result != nil {
		return result
	}

	if rec == nil {
		// Nothing locally. The exchange may still hold a position for
		// this coin (inherited or recovered state): close it best-effort.
		return c.closeUntracked(ctx, req.Coin)
	}
	return c.closeRecord(ctx, rec, domain.CloseReasonAgent)
}

// closeRecord closes a resolved open record on the exchange and settles it
// in the ledger.
func (c *Coordinator) closeRecord(ctx context.Context, rec *domain.TradeRecord, reason domain.CloseReason) *TradeResult {
	op := "closeRecord"

	warning := c.cancelRecordOrders(ctx, rec)

	order, err := c.exchange.ClosePosition(ctx, rec.Coin, rec.Side)
	if err != nil {
		if errors.Is(err, ports.ErrPositionNotFound) {
			// Already flat on the exchange: the goal state is achieved.
			// Reconcile the ledger and report success.
			c.forceClose(ctx, rec, domain.CloseReasonExternal)
			return &TradeResult{
				Success:    true,
				PositionID: rec.PositionID,
				Message:    fmt.Sprintf("%s %s already closed on exchange, ledger reconciled", rec.Side, rec.Coin),
				Warning:    warning,
			}
		}
		return failure("close order failed", err)
	}

	exitPrice := order.AvgPrice
	if exitPrice == 0 {
		exitPrice = rec.EntryPrice
	}
	closeFees := order.Fees + exitPrice*rec.Quantity*c.cfg.TakerFeeRate
	// PNL banked by earlier reductions settles here with the final fill.
	pnl := rec.PartialPNL + rec.RealizedPNL(exitPrice, rec.Quantity) - closeFees
	now := time.Now().UTC()
	totalFees := rec.Fees + closeFees

	err = c.store.Update(ctx, rec.PositionID, ports.TradeRecordUpdate{
		ExitPrice:     &exitPrice,
		ExitTime:      &now,
		NetPNL:        &pnl,
		Fees:          &totalFees,
		CloseReason:   &reason,
		ClearExitPlan: true,
	})
	if err == nil {
		err = c.store.UpdateStatus(ctx, rec.PositionID, domain.StatusClosed)
	}
	if err != nil {
		c.logger.Error(ctx, err, op+": failed to update ledger after close", map[string]interface{}{"positionID": rec.PositionID})
		warning = appendWarning(warning, "position closed but ledger update failed")
	}

	return &TradeResult{
		Success:    true,
		PositionID: rec.PositionID,
		EntryPrice: rec.EntryPrice,
		Quantity:   rec.Quantity,
		Message:    fmt.Sprintf("closed %s %s: qty %.6f @ %.2f, net pnl %.2f", rec.Side, rec.Coin, rec.Quantity, exitPrice, pnl),
		Warning:    warning,
	}
}

// closeUntracked handles a close request with no matching ledger record.
// An exchange position for the coin is closed best-effort and backfilled;
// no position anywhere means the goal state already holds.
func (c *Coordinator) closeUntracked(ctx context.Context, coin string) *TradeResult {
	positions, err := c.exchange.GetPositions(ctx)
	if err != nil {
		return failure("failed to read exchange positions", err)
	}

	var target *ports.ExchangePosition
	for _, p := range positions {
		if p.Coin == coin {
			target = p
			break
		}
	}
	if target == nil {
		return &TradeResult{Success: true, Message: fmt.Sprintf("no open position for %s, nothing to close", coin)}
	}

	c.logger.Warn(ctx, "closing untracked exchange position", map[string]interface{}{"coin": coin, "side": target.Side})
	order, err := c.exchange.ClosePosition(ctx, coin, target.Side)
	if err != nil {
		if errors.Is(err, ports.ErrPositionNotFound) {
			return &TradeResult{Success: true, Message: fmt.Sprintf("no open position for %s, nothing to close", coin)}
		}
		return failure("close order failed", err)
	}

	// Backfill the ledger so the lifecycle is at least recorded.
	exitPrice := order.AvgPrice
	pnl := target.UnrealizedPNL
	now := time.Now().UTC()
	rec := &domain.TradeRecord{
		PositionID:  uuid.NewString(),
		Coin:        coin,
		Side:        target.Side,
		EntryPrice:  target.EntryPrice,
		Quantity:    target.Quantity,
		Leverage:    target.Leverage,
		Margin:      target.Margin,
		Status:      domain.StatusClosed,
		EntryTime:   now,
		ExitTime:    now,
		ExitPrice:   exitPrice,
		NetPNL:      &pnl,
		CloseReason: domain.CloseReasonExternal,
	}
	if err := c.store.Save(ctx, rec); err != nil {
		c.logger.Error(ctx, err, "failed to backfill record for untracked close", map[string]interface{}{"coin": coin})
	}

	return &TradeResult{
		Success:    true,
		PositionID: rec.PositionID,
		Message:    fmt.Sprintf("closed untracked %s %s position", target.Side, coin),
	}
}

// --- reduce ---

func (c *Coordinator) reducePosition(ctx context.Context, req TradeRequest) *TradeResult {
	op := "reducePosition"

	rec, result := c.resolveRecord(ctx, req)
	if result != nil {
		return result
	}
	if rec == nil {
		return &TradeResult{Success: false, Error: fmt.Sprintf("no open position found for %s", req.Coin)}
	}

	reduceQty := req.ReduceQuantity
	if reduceQty <= 0 {
		reduceQty = rec.Quantity / 2
	}
	// Reducing by the full size or more is just a close.
	if reduceQty >= rec.Quantity {
		return c.closeRecord(ctx, rec, domain.CloseReasonReduced)
	}

	warning := c.cancelRecordOrders(ctx, rec)

	order, err := c.exchange.ReducePosition(ctx, rec.Coin, rec.Side, reduceQty)
	if err != nil {
		return failure("reduce order failed", err)
	}
	exitPrice := order.AvgPrice
	if exitPrice == 0 {
		exitPrice = rec.EntryPrice
	}
	closeFees := order.Fees + exitPrice*reduceQty*c.cfg.TakerFeeRate
	realized := rec.RealizedPNL(exitPrice, reduceQty) - closeFees

	remaining := rec.Quantity - reduceQty
	remainingMargin := rec.Margin * remaining / rec.Quantity
	totalFees := rec.Fees + closeFees
	// The realized slice is banked on the record, not net_pnl: that stays
	// reserved for the settled lifecycle and lands at final close.
	bankedPNL := rec.PartialPNL + realized
	err = c.store.Update(ctx, rec.PositionID, ports.TradeRecordUpdate{
		Quantity:   &remaining,
		Margin:     &remainingMargin,
		Fees:       &totalFees,
		PartialPNL: &bankedPNL,
	})
	if err != nil {
		c.logger.Error(ctx, err, op+": failed to update ledger after reduce", map[string]interface{}{"positionID": rec.PositionID})
		warning = appendWarning(warning, "position reduced but ledger update failed")
	}

	// Re-attach protection for the remaining size.
	if !rec.ExitPlan.IsZero() {
		if rec.ExitPlan.StopLoss > 0 {
			if slOrder, err := c.exchange.SetStopLoss(ctx, rec.Coin, rec.Side, remaining, rec.ExitPlan.StopLoss); err != nil {
				warning = appendWarning(warning, "failed to re-attach stop loss after reduce")
			} else {
				_ = c.store.Update(ctx, rec.PositionID, ports.TradeRecordUpdate{StopLossOrderID: int64Ptr(slOrder.OrderID)})
			}
		}
		if rec.ExitPlan.ProfitTarget > 0 {
			if tpOrder, err := c.exchange.SetTakeProfit(ctx, rec.Coin, rec.Side, remaining, rec.ExitPlan.ProfitTarget); err != nil {
				warning = appendWarning(warning, "failed to re-attach take profit after reduce")
			} else {
				_ = c.store.Update(ctx, rec.PositionID, ports.TradeRecordUpdate{TakeProfitOrderID: int64Ptr(tpOrder.OrderID)})
			}
		}
	}

	return &TradeResult{
		Success:    true,
		PositionID: rec.PositionID,
		EntryPrice: rec.EntryPrice,
		Quantity:   remaining,
		Message:    fmt.Sprintf("reduced %s %s by %.6f @ %.2f, realized %.2f, qty now %.6f", rec.Side, rec.Coin, reduceQty, exitPrice, realized, remaining),
		Warning:    warning,
	}
}

// --- account state & reconciliation ---

// AccountState reads balance, live positions and working orders, runs
// reconciliation, applies the resulting ledger adjustments and returns the
// merged view. Every read path goes through here.
func (c *Coordinator) AccountState(ctx context.Context) (*domain.AccountState, error) {
	accountValue, availableCash, err := c.exchange.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	positions, err := c.exchange.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read positions: %w", err)
	}
	openRecords, err := c.store.GetOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read open records: %w", err)
	}
	openOrders, err := c.exchange.GetOpenOrders(ctx, "")
	if err != nil {
		// Order links are an enhancement; the position view must not
		// fail because the orders endpoint hiccuped.
		c.logger.Warn(ctx, "failed to read open orders during reconciliation", map[string]interface{}{"error": err.Error()})
		openOrders = nil
	}

	res := reconcile.Reconcile(positions, openRecords, openOrders)
	for _, note := range res.Notes {
		c.logger.Warn(ctx, "reconciliation: "+note)
	}
	c.applyReconciliation(ctx, res, openRecords)

	// Market context per live coin, best-effort.
	for _, p := range res.Positions {
		if rate, err := c.exchange.GetFundingRate(ctx, p.Coin); err == nil {
			p.FundingRate = rate
		} else {
			c.logger.Debug(ctx, "funding rate read failed", map[string]interface{}{"coin": p.Coin, "error": err.Error()})
		}
		if oi, err := c.exchange.GetOpenInterest(ctx, p.Coin); err == nil {
			p.OpenInterest = oi
		}
	}

	state := &domain.AccountState{
		AccountValue:  accountValue,
		AvailableCash: availableCash,
		Positions:     res.Positions,
	}

	if state.TotalPNL, err = c.store.TotalRealizedPnL(ctx); err != nil {
		return nil, err
	}
	if state.TotalFees, err = c.store.TotalFees(ctx); err != nil {
		return nil, err
	}
	state.NetRealized = state.TotalPNL
	if state.WinRate, err = c.store.WinRate(ctx); err != nil {
		return nil, err
	}

	openReturns := make([]float64, 0, len(res.Positions))
	for _, p := range res.Positions {
		if p.Margin > 0 {
			openReturns = append(openReturns, p.UnrealizedPNL/p.Margin)
		}
	}
	if state.SharpeRatio, err = c.store.SharpeRatio(ctx, openReturns); err != nil {
		return nil, err
	}

	all, err := c.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	state.TradeCount = len(all)

	return state, nil
}

// applyReconciliation writes the closure intents and refreshed order links
// back to the ledger. Drift is resolved by trusting the exchange; it is
// logged, never raised.
func (c *Coordinator) applyReconciliation(ctx context.Context, res *reconcile.Result, openRecords []*domain.TradeRecord) {
	byID := make(map[string]*domain.TradeRecord, len(openRecords))
	for _, rec := range openRecords {
		byID[rec.PositionID] = rec
	}

	for _, id := range res.Closures {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		// Net PNL stays unset: the exit price of an external close or
		// liquidation is unknown here.
		c.forceClose(ctx, rec, domain.CloseReasonExternal)
	}

	for _, link := range res.OrderLinks {
		upd := ports.TradeRecordUpdate{}
		changed := false
		if link.StopLossOrderID != nil {
			upd.StopLossOrderID = link.StopLossOrderID
			changed = true
		}
		if link.TakeProfitOrderID != nil {
			upd.TakeProfitOrderID = link.TakeProfitOrderID
			changed = true
		}
		if !changed {
			continue
		}
		if err := c.store.Update(ctx, link.PositionID, upd); err != nil {
			c.logger.Warn(ctx, "failed to refresh conditional order links", map[string]interface{}{"positionID": link.PositionID, "error": err.Error()})
		}
	}
}

func (c *Coordinator) forceClose(ctx context.Context, rec *domain.TradeRecord, reason domain.CloseReason) {
	now := time.Now().UTC()
	err := c.store.Update(ctx, rec.PositionID, ports.TradeRecordUpdate{
		ExitTime:      &now,
		CloseReason:   &reason,
		ClearExitPlan: true,
	})
	if err == nil {
		err = c.store.UpdateStatus(ctx, rec.PositionID, domain.StatusClosed)
	}
	if err != nil {
		c.logger.Error(ctx, err, "failed to force-close ledger record", map[string]interface{}{"positionID": rec.PositionID})
		return
	}
	c.logger.Info(ctx, "ledger record force-closed from exchange truth", map[string]interface{}{"positionID": rec.PositionID, "reason": reason})
}

// RecordSnapshot appends one reporting snapshot derived from the current
// reconciled state.
func (c *Coordinator) RecordSnapshot(ctx context.Context) error {
	state, err := c.AccountState(ctx)
	if err != nil {
		return err
	}
	var unrealized float64
	for _, p := range state.Positions {
		unrealized += p.UnrealizedPNL
	}
	return c.store.SaveSnapshot(ctx, &domain.AccountSnapshot{
		Time:          time.Now().UTC(),
		AccountValue:  state.AccountValue,
		UnrealizedPNL: unrealized,
		RealizedPNL:   state.TotalPNL,
		WinRate:       state.WinRate,
		SharpeRatio:   state.SharpeRatio,
		OpenPositions: len(state.Positions),
	})
}

// --- exit plan update ---

// UpdateExitPlan replaces the protective levels of an open position:
// working conditional orders are cancelled and re-placed at the new levels
// for the current quantity.
func (c *Coordinator) UpdateExitPlan(ctx context.Context, positionID string, newProfitTarget, newStopLoss *float64, newInvalidation *string) *ExitPlanResult {
	rec, err := c.store.Get(ctx, positionID)
	if err != nil {
		return &ExitPlanResult{Success: false, PositionID: positionID, Error: fmt.Sprintf("ledger read failed: %v", err)}
	}
	if rec == nil {
		return &ExitPlanResult{Success: false, PositionID: positionID, Error: "position not found"}
	}
	if !rec.IsOpen() {
		return &ExitPlanResult{Success: false, PositionID: positionID, Error: "position is closed"}
	}

	plan := &domain.ExitPlan{}
	if rec.ExitPlan != nil {
		*plan = *rec.ExitPlan
	}
	if newProfitTarget != nil {
		plan.ProfitTarget = *newProfitTarget
	}
	if newStopLoss != nil {
		plan.StopLoss = *newStopLoss
	}
	if newInvalidation != nil {
		plan.Invalidation = *newInvalidation
	}

	_ = c.cancelRecordOrders(ctx, rec)

	var parts []string
	upd := ports.TradeRecordUpdate{ExitPlan: plan}
	if plan.StopLoss > 0 {
		if slOrder, err := c.exchange.SetStopLoss(ctx, rec.Coin, rec.Side, rec.Quantity, plan.StopLoss); err != nil {
			parts = append(parts, fmt.Sprintf("stop loss placement failed: %v", err))
		} else {
			upd.StopLossOrderID = int64Ptr(slOrder.OrderID)
			parts = append(parts, fmt.Sprintf("stop loss @ %.2f", plan.StopLoss))
		}
	}
	if plan.ProfitTarget > 0 {
		if tpOrder, err := c.exchange.SetTakeProfit(ctx, rec.Coin, rec.Side, rec.Quantity, plan.ProfitTarget); err != nil {
			parts = append(parts, fmt.Sprintf("take profit placement failed: %v", err))
		} else {
			upd.TakeProfitOrderID = int64Ptr(tpOrder.OrderID)
			parts = append(parts, fmt.Sprintf("take profit @ %.2f", plan.ProfitTarget))
		}
	}
	if err := c.store.Update(ctx, positionID, upd); err != nil {
		return &ExitPlanResult{Success: false, PositionID: positionID, Error: fmt.Sprintf("ledger update failed: %v", err)}
	}

	return &ExitPlanResult{
		Success:         true,
		PositionID:      positionID,
		UpdatedExitPlan: plan,
		Message:         "exit plan updated: " + strings.Join(parts, ", "),
	}
}

// ClosedTrades returns the settled portion of the ledger for reporting.
func (c *Coordinator) ClosedTrades(ctx context.Context) ([]*domain.TradeRecord, error) {
	return c.store.GetClosed(ctx)
}

// PerformanceMetrics derives the agent's aggregate performance from the
// full ledger.
func (c *Coordinator) PerformanceMetrics(ctx context.Context) (*analytics.PerformanceMetrics, error) {
	records, err := c.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	metrics := analytics.Analyze(records)
	if metrics.SharpeRatio, err = c.store.SharpeRatio(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to compute sharpe ratio: %w", err)
	}
	return metrics, nil
}

// --- helpers ---

// resolveRecord finds the open ledger record a close/reduce request
// targets: by position id when given, by coin otherwise. A non-nil result
// is terminal and goes straight back to the caller.
func (c *Coordinator) resolveRecord(ctx context.Context, req TradeRequest) (*domain.TradeRecord, *TradeResult) {
	if req.PositionID != "" {
		rec, err := c.store.Get(ctx, req.PositionID)
		if err != nil {
			return nil, failure("ledger read failed", err)
		}
		if rec == nil {
			// Unknown id: fall back to the coin-wide best-effort path.
			return nil, nil
		}
		if !rec.IsOpen() {
			// The referenced position is settled. Terminating here keeps a
			// stale id from reaching the coin-wide close, which would hit
			// an unrelated live position on the same coin.
			return nil, &TradeResult{
				Success:    true,
				PositionID: rec.PositionID,
				Message:    fmt.Sprintf("position %s is already closed, nothing to do", rec.PositionID),
			}
		}
		return rec, nil
	}

	// No id: whichever book holds an open record for the coin. With both
	// books open the long side wins; the agent can disambiguate by id.
	for _, side := range []domain.Side{domain.Long, domain.Short} {
		rec, err := c.store.GetOpenByCoinSide(ctx, req.Coin, side)
		if err != nil {
			return nil, failure("ledger read failed", err)
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// cancelConditionalOrders cancels every working SL/TP protecting one book.
func (c *Coordinator) cancelConditionalOrders(ctx context.Context, coin string, side domain.Side) string {
	orders, err := c.exchange.GetOpenOrders(ctx, coin)
	if err != nil {
		c.logger.Warn(ctx, "failed to list conditional orders for cancellation", map[string]interface{}{"coin": coin, "error": err.Error()})
		return "could not verify working conditional orders"
	}
	var warning string
	for _, o := range orders {
		if o.PositionSideFor() != side {
			continue
		}
		if err := c.exchange.CancelOrder(ctx, o.OrderID, coin); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			c.logger.Error(ctx, err, "failed to cancel conditional order", map[string]interface{}{"orderID": o.OrderID, "coin": coin})
			warning = appendWarning(warning, fmt.Sprintf("failed to cancel working order %d", o.OrderID))
		}
	}
	return warning
}

// cancelRecordOrders cancels the conditional orders tracked on a record.
// Missing orders were already filled or cancelled and are not an error.
func (c *Coordinator) cancelRecordOrders(ctx context.Context, rec *domain.TradeRecord) string {
	var warning string
	for _, id := range []*string{rec.StopLossOrderID, rec.TakeProfitOrderID} {
		if id == nil {
			continue
		}
		orderID, err := strconv.ParseInt(*id, 10, 64)
		if err != nil {
			continue
		}
		if err := c.exchange.CancelOrder(ctx, orderID, rec.Coin); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			c.logger.Error(ctx, err, "failed to cancel tracked conditional order", map[string]interface{}{"orderID": orderID, "coin": rec.Coin})
			warning = appendWarning(warning, fmt.Sprintf("failed to cancel working order %d", orderID))
		}
	}
	return warning
}

// estimateLiquidationPrice is the simplified exchange-side estimate:
// price * (1 -/+ 0.9/leverage) for long/short.
func estimateLiquidationPrice(price float64, leverage int, side domain.Side) float64 {
	adj := 0.9 / float64(leverage)
	if side == domain.Long {
		return price * (1 - adj)
	}
	return price * (1 + adj)
}

func actionForSide(side domain.Side) domain.Action {
	if side == domain.Short {
		return domain.ActionOpenShort
	}
	return domain.ActionOpenLong
}

func failure(msg string, err error) *TradeResult {
	return &TradeResult{Success: false, Message: msg, Error: err.Error()}
}

func appendWarning(existing, next string) string {
	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}
	return existing + "; " + next
}

func int64Ptr(v int64) *string {
	s := strconv.FormatInt(v, 10)
	return &s
}
