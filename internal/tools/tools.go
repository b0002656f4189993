// Package tools exposes the trading engine as a set of JSON tool calls for
// an LLM agent. Requests arrive as {"tool": name, "params": {...}} envelopes;
// every response is a JSON object, including failures.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"tradeagent/internal/analytics"
	"tradeagent/internal/app"
	"tradeagent/internal/domain"
	"tradeagent/internal/ports"
)

// Request is the envelope of one tool call.
type Request struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Handler dispatches tool calls into the coordinator.
type Handler struct {
	coordinator *app.Coordinator
	logger      ports.Logger
}

// NewHandler creates a tool-call dispatcher.
func NewHandler(coordinator *app.Coordinator, logger ports.Logger) (*Handler, error) {
	if coordinator == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for tools handler")
	}
	return &Handler{coordinator: coordinator, logger: logger}, nil
}

// Handle executes one raw tool call and returns the JSON response. Malformed
// input and unknown tools come back as structured errors, never as a Go error:
// the agent loop must always receive something it can read.
func (h *Handler) Handle(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := sonic.Unmarshal(raw, &req); err != nil {
		return errorResponse(fmt.Sprintf("malformed tool call: %v", err))
	}

	h.logger.Debug(ctx, "tool call received", map[string]interface{}{"tool": req.Tool})

	switch req.Tool {
	case "execute_trade":
		return h.executeTrade(ctx, req.Params)
	case "get_account_state":
		return h.getAccountState(ctx, req.Params)
	case "update_exit_plan":
		return h.updateExitPlan(ctx, req.Params)
	case "get_performance_metrics":
		return h.getPerformanceMetrics(ctx)
	default:
		return errorResponse(fmt.Sprintf("unknown tool %q", req.Tool))
	}
}

// --- execute_trade ---

type executeTradeParams struct {
	Action          string           `json:"action"`
	Coin            string           `json:"coin"`
	Leverage        int              `json:"leverage,omitempty"`
	MarginAmount    float64          `json:"margin_amount,omitempty"`
	PositionID      string           `json:"position_id,omitempty"`
	ReduceQuantity  float64          `json:"reduce_quantity,omitempty"`
	ExitPlan        *domain.ExitPlan `json:"exit_plan,omitempty"`
	Confidence      int              `json:"confidence,omitempty"`
	BypassRiskCheck bool             `json:"bypass_risk_check,omitempty"`
}

type executeTradeResponse struct {
	Success          bool    `json:"success"`
	PositionID       string  `json:"position_id,omitempty"`
	EntryPrice       float64 `json:"entry_price,omitempty"`
	Quantity         float64 `json:"quantity,omitempty"`
	NotionalValue    float64 `json:"notional_value,omitempty"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
	Message          string  `json:"message"`
	Error            string  `json:"error,omitempty"`
	Warning          string  `json:"warning,omitempty"`
}

func (h *Handler) executeTrade(ctx context.Context, params json.RawMessage) []byte {
	var p executeTradeParams
	if err := sonic.Unmarshal(params, &p); err != nil {
		return errorResponse(fmt.Sprintf("malformed execute_trade params: %v", err))
	}
	action, err := domain.ParseAction(p.Action)
	if err != nil {
		return errorResponse(err.Error())
	}

	res := h.coordinator.ExecuteTrade(ctx, app.TradeRequest{
		Action:          action,
		Coin:            p.Coin,
		Leverage:        p.Leverage,
		MarginAmount:    p.MarginAmount,
		PositionID:      p.PositionID,
		ReduceQuantity:  p.ReduceQuantity,
		ExitPlan:        p.ExitPlan,
		Confidence:      p.Confidence,
		BypassRiskCheck: p.BypassRiskCheck,
	})

	return marshal(executeTradeResponse{
		Success:          res.Success,
		PositionID:       res.PositionID,
		EntryPrice:       res.EntryPrice,
		Quantity:         res.Quantity,
		NotionalValue:    res.NotionalValue,
		LiquidationPrice: res.LiquidationPrice,
		Message:          res.Message,
		Error:            res.Error,
		Warning:          res.Warning,
	})
}

// --- get_account_state ---

type accountStateParams struct {
	IncludePositions   *bool `json:"include_positions,omitempty"`
	IncludeHistory     bool  `json:"include_history,omitempty"`
	IncludePerformance bool  `json:"include_performance,omitempty"`
}

type positionView struct {
	PositionID       string           `json:"position_id,omitempty"`
	Coin             string           `json:"coin"`
	Side             domain.Side      `json:"side"`
	EntryPrice       float64          `json:"entry_price"`
	Quantity         float64          `json:"quantity"`
	Leverage         int              `json:"leverage"`
	Margin           float64          `json:"margin"`
	UnrealizedPNL    float64          `json:"unrealized_pnl"`
	CurrentPrice     float64          `json:"current_price"`
	LiquidationPrice float64          `json:"liquidation_price"`
	FundingRate      float64          `json:"funding_rate,omitempty"`
	OpenInterest     float64          `json:"open_interest,omitempty"`
	ExitPlan         *domain.ExitPlan `json:"exit_plan,omitempty"`
	Untracked        bool             `json:"untracked,omitempty"`
}

type historyEntry struct {
	PositionID  string             `json:"position_id"`
	Coin        string             `json:"coin"`
	Side        domain.Side        `json:"side"`
	EntryPrice  float64            `json:"entry_price"`
	ExitPrice   float64            `json:"exit_price,omitempty"`
	Quantity    float64            `json:"quantity"`
	Leverage    int                `json:"leverage"`
	Margin      float64            `json:"margin"`
	Fees        float64            `json:"fees"`
	NetPNL      *float64           `json:"net_pnl,omitempty"`
	CloseReason domain.CloseReason `json:"close_reason,omitempty"`
	EntryTime   time.Time          `json:"entry_time"`
	ExitTime    time.Time          `json:"exit_time"`
}

type accountStateResponse struct {
	AccountValue    float64              `json:"account_value"`
	AvailableCash   float64              `json:"available_cash"`
	TotalPNL        float64              `json:"total_pnl"`
	TotalFees       float64              `json:"total_fees"`
	NetRealized     float64              `json:"net_realized"`
	SharpeRatio     float64              `json:"sharpe_ratio"`
	WinRate         float64              `json:"win_rate"`
	TradeCount      int                  `json:"trade_count"`
	ActivePositions []positionView       `json:"active_positions"`
	History         []historyEntry       `json:"history,omitempty"`
	Performance     *performanceResponse `json:"performance,omitempty"`
}

func (h *Handler) getAccountState(ctx context.Context, params json.RawMessage) []byte {
	var p accountStateParams
	if len(params) > 0 {
		if err := sonic.Unmarshal(params, &p); err != nil {
			return errorResponse(fmt.Sprintf("malformed get_account_state params: %v", err))
		}
	}

	state, err := h.coordinator.AccountState(ctx)
	if err != nil {
		return errorResponse(err.Error())
	}

	resp := accountStateResponse{
		AccountValue:    state.AccountValue,
		AvailableCash:   state.AvailableCash,
		TotalPNL:        state.TotalPNL,
		TotalFees:       state.TotalFees,
		NetRealized:     state.NetRealized,
		SharpeRatio:     state.SharpeRatio,
		WinRate:         state.WinRate,
		TradeCount:      state.TradeCount,
		ActivePositions: []positionView{},
	}

	if p.IncludePositions == nil || *p.IncludePositions {
		for _, pos := range state.Positions {
			resp.ActivePositions = append(resp.ActivePositions, positionView{
				PositionID:       pos.PositionID,
				Coin:             pos.Coin,
				Side:             pos.Side,
				EntryPrice:       pos.EntryPrice,
				Quantity:         pos.Quantity,
				Leverage:         pos.Leverage,
				Margin:           pos.Margin,
				UnrealizedPNL:    pos.UnrealizedPNL,
				CurrentPrice:     pos.CurrentPrice,
				LiquidationPrice: pos.LiquidationPrice,
				FundingRate:      pos.FundingRate,
				OpenInterest:     pos.OpenInterest,
				ExitPlan:         pos.ExitPlan,
				Untracked:        pos.Untracked(),
			})
		}
	}

	if p.IncludeHistory {
		history, err := h.coordinator.ClosedTrades(ctx)
		if err != nil {
			return errorResponse(err.Error())
		}
		for _, rec := range history {
			resp.History = append(resp.History, historyEntry{
				PositionID:  rec.PositionID,
				Coin:        rec.Coin,
				Side:        rec.Side,
				EntryPrice:  rec.EntryPrice,
				ExitPrice:   rec.ExitPrice,
				Quantity:    rec.Quantity,
				Leverage:    rec.Leverage,
				Margin:      rec.Margin,
				Fees:        rec.Fees,
				NetPNL:      rec.NetPNL,
				CloseReason: rec.CloseReason,
				EntryTime:   rec.EntryTime,
				ExitTime:    rec.ExitTime,
			})
		}
	}

	if p.IncludePerformance {
		metrics, err := h.coordinator.PerformanceMetrics(ctx)
		if err != nil {
			return errorResponse(err.Error())
		}
		perf := performanceView(metrics)
		resp.Performance = &perf
	}

	return marshal(resp)
}

// --- update_exit_plan ---

type updateExitPlanParams struct {
	PositionID      string   `json:"position_id"`
	NewProfitTarget *float64 `json:"new_profit_target,omitempty"`
	NewStopLoss     *float64 `json:"new_stop_loss,omitempty"`
	NewInvalidation *string  `json:"new_invalidation,omitempty"`
}

type updateExitPlanResponse struct {
	Success         bool             `json:"success"`
	PositionID      string           `json:"position_id"`
	UpdatedExitPlan *domain.ExitPlan `json:"updated_exit_plan,omitempty"`
	Message         string           `json:"message,omitempty"`
	Error           string           `json:"error,omitempty"`
}

func (h *Handler) updateExitPlan(ctx context.Context, params json.RawMessage) []byte {
	var p updateExitPlanParams
	if err := sonic.Unmarshal(params, &p); err != nil {
		return errorResponse(fmt.Sprintf("malformed update_exit_plan params: %v", err))
	}
	if p.PositionID == "" {
		return errorResponse("position_id is required")
	}

	res := h.coordinator.UpdateExitPlan(ctx, p.PositionID, p.NewProfitTarget, p.NewStopLoss, p.NewInvalidation)
	return marshal(updateExitPlanResponse{
		Success:         res.Success,
		PositionID:      res.PositionID,
		UpdatedExitPlan: res.UpdatedExitPlan,
		Message:         res.Message,
		Error:           res.Error,
	})
}

// --- get_performance_metrics ---

type holdTimesView struct {
	AverageHours float64 `json:"average_hours"`
	MinHours     float64 `json:"min_hours"`
	MaxHours     float64 `json:"max_hours"`
}

type performanceResponse struct {
	SharpeRatio       float64       `json:"sharpe_ratio"`
	WinRate           float64       `json:"win_rate"`
	AverageLeverage   float64       `json:"average_leverage"`
	AverageConfidence float64       `json:"average_confidence"`
	BiggestWin        float64       `json:"biggest_win"`
	BiggestLoss       float64       `json:"biggest_loss"`
	TotalTrades       int           `json:"total_trades"`
	ProfitableTrades  int           `json:"profitable_trades"`
	LosingTrades      int           `json:"losing_trades"`
	HoldTimes         holdTimesView `json:"hold_times"`
	TotalFees         float64       `json:"total_fees"`
	NetPNL            float64       `json:"net_pnl"`
}

func (h *Handler) getPerformanceMetrics(ctx context.Context) []byte {
	metrics, err := h.coordinator.PerformanceMetrics(ctx)
	if err != nil {
		return errorResponse(err.Error())
	}
	return marshal(performanceView(metrics))
}

func performanceView(m *analytics.PerformanceMetrics) performanceResponse {
	return performanceResponse{
		SharpeRatio:       m.SharpeRatio,
		WinRate:           m.WinRate,
		AverageLeverage:   m.AverageLeverage,
		AverageConfidence: m.AverageConfidence,
		BiggestWin:        m.BiggestWin,
		BiggestLoss:       m.BiggestLoss,
		TotalTrades:       m.TotalTrades,
		ProfitableTrades:  m.ProfitableTrades,
		LosingTrades:      m.LosingTrades,
		HoldTimes: holdTimesView{
			AverageHours: m.HoldTimes.Average.Hours(),
			MinHours:     m.HoldTimes.Min.Hours(),
			MaxHours:     m.HoldTimes.Max.Hours(),
		},
		TotalFees: m.TotalFees,
		NetPNL:    m.NetPNL,
	}
}

// --- shared ---

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func errorResponse(msg string) []byte {
	return marshal(errorBody{Success: false, Error: msg})
}

func marshal(v interface{}) []byte {
	out, err := sonic.Marshal(v)
	if err != nil {
		return []byte(`{"success":false,"error":"response serialization failed"}`)
	}
	return out
}
