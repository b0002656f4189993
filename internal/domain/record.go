package domain

import "time"

// ExitPlan holds the protective levels the agent committed to when opening.
type ExitPlan struct {
	ProfitTarget float64 `json:"profit_target,omitempty"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
	Invalidation string  `json:"invalidation,omitempty"`
}

// IsZero reports whether the plan carries no levels at all.
func (p *ExitPlan) IsZero() bool {
	return p == nil || (p.ProfitTarget == 0 && p.StopLoss == 0 && p.Invalidation == "")
}

// TradeRecord is the durable ledger entry for one position lifecycle.
// At most one open record exists per (coin, side) pair.
type TradeRecord struct {
	PositionID string  // Locally generated identifier, primary key
	Coin       string  // e.g. "BTC"
	Side       Side    // long or short
	EntryPrice float64 // Average fill price at entry
	Quantity   float64 // Current size, > 0 while open
	Leverage   int     // Multiplier applied to margin, >= 1
	Margin     float64 // Collateral committed = notional / leverage
	Fees       float64 // Accumulated trading fees
	Confidence int     // 0-100, advisory only

	ExitPlan *ExitPlan // Optional protective levels

	Status PositionStatus

	// Identifiers of working conditional orders, nil when none is live.
	StopLossOrderID   *string
	TakeProfitOrderID *string

	EntryTime time.Time

	// PNL banked by partial reductions while the position stays open.
	// Settled into NetPNL at final close.
	PartialPNL float64

	// Populated on close. NetPNL stays nil when it cannot be computed,
	// e.g. after an external liquidation.
	ExitTime    time.Time
	ExitPrice   float64
	NetPNL      *float64
	CloseReason CloseReason
}

// IsOpen checks if the record status is open.
func (r *TradeRecord) IsOpen() bool {
	return r.Status == StatusOpen
}

// Notional returns the economic size of the position at entry.
func (r *TradeRecord) Notional() float64 {
	return r.EntryPrice * r.Quantity
}

// RealizedPNL computes the profit of closing quantity at exitPrice,
// before fees.
func (r *TradeRecord) RealizedPNL(exitPrice, quantity float64) float64 {
	if r.Side == Long {
		return (exitPrice - r.EntryPrice) * quantity
	}
	return (r.EntryPrice - exitPrice) * quantity
}
