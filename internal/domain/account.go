package domain

import "time"

// ActivePosition is the reconciled view of one live exchange position,
// enriched with the matching ledger record when one exists.
type ActivePosition struct {
	Coin             string
	Side             Side
	EntryPrice       float64
	Quantity         float64
	Leverage         int
	Margin           float64
	UnrealizedPNL    float64
	CurrentPrice     float64
	LiquidationPrice float64

	// PositionID and ExitPlan come from the ledger. An empty PositionID
	// marks a position the local store does not know about (inherited
	// from a prior process run or opened out of band).
	PositionID string
	ExitPlan   *ExitPlan

	// Market context, best-effort: zero when the read failed.
	FundingRate  float64
	OpenInterest float64
}

// Untracked reports whether the position has no ledger counterpart.
func (p *ActivePosition) Untracked() bool {
	return p.PositionID == ""
}

// AccountState is the consistent picture handed back to the agent after
// reconciliation. It is also the exposure input to risk validation.
type AccountState struct {
	AccountValue  float64
	AvailableCash float64
	TotalPNL      float64
	TotalFees     float64
	NetRealized   float64
	SharpeRatio   float64
	WinRate       float64
	TradeCount    int
	Positions     []*ActivePosition
}

// OpenNotional sums the notional of every reconciled live position.
func (s *AccountState) OpenNotional() float64 {
	var total float64
	for _, p := range s.Positions {
		total += p.EntryPrice * p.Quantity
	}
	return total
}

// AccountSnapshot is one point of the reporting time series. Derived
// from the ledger plus live balance, never consulted by the write path.
type AccountSnapshot struct {
	ID            int64
	Time          time.Time
	AccountValue  float64
	UnrealizedPNL float64
	RealizedPNL   float64
	WinRate       float64
	SharpeRatio   float64
	OpenPositions int
}
