package domain

import "fmt"

// Side represents the direction of a position. The exchange runs in hedge
// mode, so a coin may hold one long and one short book at the same time.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderSide represents the side of an order (BUY or SELL) as sent to the exchange.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// EntryOrderSide returns the order side that opens a position on the given book.
func EntryOrderSide(s Side) OrderSide {
	if s == Long {
		return Buy
	}
	return Sell
}

// ExitOrderSide returns the order side that closes a position on the given book.
func ExitOrderSide(s Side) OrderSide {
	if s == Long {
		return Sell
	}
	return Buy
}

// PositionStatus represents the status of a trade record. Status is
// monotonic: open records close, closed records never reopen.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// Action is the decision an agent can take in one cycle.
type Action int

const (
	ActionHold Action = iota
	ActionOpenLong
	ActionOpenShort
	ActionClose
	ActionReduce
)

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionHold:
		return "hold"
	case ActionOpenLong:
		return "open_long"
	case ActionOpenShort:
		return "open_short"
	case ActionClose:
		return "close"
	case ActionReduce:
		return "reduce"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction converts a wire action name into an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "hold":
		return ActionHold, nil
	case "open_long":
		return ActionOpenLong, nil
	case "open_short":
		return ActionOpenShort, nil
	case "close", "close_position":
		return ActionClose, nil
	case "reduce", "reduce_position":
		return ActionReduce, nil
	default:
		return ActionHold, fmt.Errorf("unknown action %q", s)
	}
}

// OpenSide returns the book side an open action targets, and whether the
// action opens a position at all.
func (a Action) OpenSide() (Side, bool) {
	switch a {
	case ActionOpenLong:
		return Long, true
	case ActionOpenShort:
		return Short, true
	default:
		return "", false
	}
}

// CloseReason indicates why a record was closed.
type CloseReason string

const (
	CloseReasonAgent      CloseReason = "agent"
	CloseReasonReduced    CloseReason = "reduced_to_zero"
	CloseReasonLiquidated CloseReason = "liquidated"
	CloseReasonExternal   CloseReason = "closed_externally"
)
