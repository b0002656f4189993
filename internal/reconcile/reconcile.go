// Package reconcile merges the three independently updated views of "what
// positions exist": the exchange's live position list, the local ledger's
// open records, and the set of working conditional orders. It is a pure
// function; closure intents are returned, not applied, so the caller keeps
// control of transactional ordering.
package reconcile

import (
	"fmt"

	"tradeagent/internal/domain"
	"tradeagent/internal/ports"
)

// OrderLink is the freshest working conditional order ids found for one
// ledger record. Nil fields mean no working order of that type was found.
type OrderLink struct {
	PositionID        string
	StopLossOrderID   *string
	TakeProfitOrderID *string
}

// Result is the merged picture plus the adjustments the caller should apply.
type Result struct {
	// Positions is the reconciled live view, one entry per exchange
	// position, enriched with ledger data where a record matched.
	Positions []*domain.ActivePosition
	// Closures lists ledger records with no exchange counterpart: the
	// position was closed or liquidated externally and the record
	// should be forced closed.
	Closures []string
	// OrderLinks carries refreshed conditional-order ids per record.
	OrderLinks []OrderLink
	// Notes records detected drift and heuristic ambiguity for logging.
	Notes []string
}

type bookKey struct {
	coin string
	side domain.Side
}

// Reconcile merges exchange positions, open ledger records and working
// conditional orders into one consistent view.
func Reconcile(exchangePositions []*ports.ExchangePosition, openRecords []*domain.TradeRecord, openOrders []*ports.OpenOrder) *Result {
	res := &Result{
		Positions:  make([]*domain.ActivePosition, 0, len(exchangePositions)),
		Closures:   make([]string, 0),
		OrderLinks: make([]OrderLink, 0),
		Notes:      make([]string, 0),
	}

	byBook := make(map[bookKey]*ports.ExchangePosition, len(exchangePositions))
	for _, p := range exchangePositions {
		byBook[bookKey{p.Coin, p.Side}] = p
	}

	recordByBook := make(map[bookKey]*domain.TradeRecord, len(openRecords))
	for _, rec := range openRecords {
		key := bookKey{rec.Coin, rec.Side}
		if prev, ok := recordByBook[key]; ok {
			// Invariant breach: two open records on one book. Keep the
			// newer one live, close the older.
			if rec.EntryTime.After(prev.EntryTime) {
				res.Closures = append(res.Closures, prev.PositionID)
				recordByBook[key] = rec
			} else {
				res.Closures = append(res.Closures, rec.PositionID)
			}
			res.Notes = append(res.Notes, fmt.Sprintf("duplicate open records on %s %s, keeping the newest", key.coin, key.side))
			continue
		}
		recordByBook[key] = rec
	}

	// Local open records with no exchange counterpart were closed or
	// liquidated externally.
	for key, rec := range recordByBook {
		if _, ok := byBook[key]; !ok {
			res.Closures = append(res.Closures, rec.PositionID)
			res.Notes = append(res.Notes, fmt.Sprintf("record %s (%s %s) has no exchange position, marking closed", rec.PositionID, key.coin, key.side))
		}
	}

	// Exchange positions become the authoritative live view, enriched
	// with ledger identity where one exists.
	for _, p := range exchangePositions {
		active := &domain.ActivePosition{
			Coin:             p.Coin,
			Side:             p.Side,
			EntryPrice:       p.EntryPrice,
			Quantity:         p.Quantity,
			Leverage:         p.Leverage,
			Margin:           p.Margin,
			UnrealizedPNL:    p.UnrealizedPNL,
			CurrentPrice:     p.MarkPrice,
			LiquidationPrice: p.LiquidationPrice,
		}
		if rec, ok := recordByBook[bookKey{p.Coin, p.Side}]; ok {
			active.PositionID = rec.PositionID
			active.ExitPlan = rec.ExitPlan
		} else {
			res.Notes = append(res.Notes, fmt.Sprintf("untracked exchange position %s %s (no ledger record)", p.Coin, p.Side))
		}
		res.Positions = append(res.Positions, active)
	}

	// Refresh conditional-order links. The exchange exposes no
	// authoritative order-to-position link, so matching is a best-match
	// heuristic over coin + order type + implied close direction,
	// preferring the freshest order.
	for key, rec := range recordByBook {
		if _, live := byBook[key]; !live {
			continue
		}
		link := OrderLink{PositionID: rec.PositionID}
		var slMatches, tpMatches int
		var freshestSL, freshestTP *ports.OpenOrder
		for _, o := range openOrders {
			if o.Coin != rec.Coin || o.PositionSideFor() != rec.Side {
				continue
			}
			switch {
			case o.IsStopLoss():
				slMatches++
				if freshestSL == nil || o.Time.After(freshestSL.Time) {
					freshestSL = o
				}
			case o.IsTakeProfit():
				tpMatches++
				if freshestTP == nil || o.Time.After(freshestTP.Time) {
					freshestTP = o
				}
			}
		}
		if freshestSL != nil {
			id := fmt.Sprintf("%d", freshestSL.OrderID)
			link.StopLossOrderID = &id
		}
		if freshestTP != nil {
			id := fmt.Sprintf("%d", freshestTP.OrderID)
			link.TakeProfitOrderID = &id
		}
		if slMatches > 1 || tpMatches > 1 {
			res.Notes = append(res.Notes, fmt.Sprintf("ambiguous conditional orders for %s (%d SL, %d TP candidates), using freshest", rec.PositionID, slMatches, tpMatches))
		}
		res.OrderLinks = append(res.OrderLinks, link)
	}

	return res
}
