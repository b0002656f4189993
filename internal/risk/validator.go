// Package risk validates proposed trades against account policy. The
// validator is a pure function: every check runs, all violations are
// returned, nothing is mutated.
package risk

import (
	"fmt"

	"tradeagent/internal/domain"
)

// Config holds the policy limits a proposed trade is checked against.
type Config struct {
	MaxLeverage int
	// SupportedCoins is the tradable universe.
	SupportedCoins []string
	// MaxMarginPct caps one position's margin as a fraction of account
	// value (e.g. 0.25 = 25%).
	MaxMarginPct float64
	// MaxExposurePct caps projected total notional (existing open
	// notional + new notional) as a fraction of account value.
	MaxExposurePct float64
}

// TradeRequest is the proposed trade under validation.
type TradeRequest struct {
	Action       domain.Action
	Coin         string
	Side         domain.Side
	Leverage     int
	MarginAmount float64
	ExitPlan     *domain.ExitPlan
}

// Violation is one policy breach, structured for the caller's report.
type Violation struct {
	Code    string
	Message string
}

func (v Violation) String() string { return v.Code + ": " + v.Message }

// Validator checks trade requests against configured limits.
type Validator struct {
	cfg       Config
	supported map[string]struct{}
}

// New creates a validator from policy config.
func New(cfg Config) *Validator {
	supported := make(map[string]struct{}, len(cfg.SupportedCoins))
	for _, c := range cfg.SupportedCoins {
		supported[c] = struct{}{}
	}
	return &Validator{cfg: cfg, supported: supported}
}

// Validate runs every policy check against the proposed trade and returns
// all violations found. It never short-circuits, so the caller sees the
// complete list in one pass.
func (v *Validator) Validate(req TradeRequest, state *domain.AccountState) []Violation {
	violations := make([]Violation, 0, 4)

	_, isOpen := req.Action.OpenSide()

	// 1. Opens require a well-formed exit plan.
	if isOpen {
		if viol := checkExitPlan(req); viol != nil {
			violations = append(violations, *viol)
		}
	}

	// 2. Leverage ceiling.
	if req.Leverage > v.cfg.MaxLeverage {
		violations = append(violations, Violation{
			Code:    "leverage_exceeded",
			Message: fmt.Sprintf("leverage %d exceeds maximum allowed %d", req.Leverage, v.cfg.MaxLeverage),
		})
	}

	// 3. Coin universe.
	if _, ok := v.supported[req.Coin]; !ok {
		violations = append(violations, Violation{
			Code:    "unsupported_coin",
			Message: fmt.Sprintf("coin %s is not in the supported set", req.Coin),
		})
	}

	// 4. Margin must fit available cash.
	if req.MarginAmount > state.AvailableCash {
		violations = append(violations, Violation{
			Code:    "insufficient_cash",
			Message: fmt.Sprintf("margin %.2f exceeds available cash %.2f", req.MarginAmount, state.AvailableCash),
		})
	}

	// 5. Per-position margin cap relative to account value.
	maxMargin := state.AccountValue * v.cfg.MaxMarginPct
	if req.MarginAmount > maxMargin {
		violations = append(violations, Violation{
			Code:    "position_too_large",
			Message: fmt.Sprintf("margin %.2f exceeds per-position cap %.2f (%.0f%% of account value)", req.MarginAmount, maxMargin, v.cfg.MaxMarginPct*100),
		})
	}

	// 6. Projected total notional exposure cap.
	newNotional := req.MarginAmount * float64(req.Leverage)
	projected := state.OpenNotional() + newNotional
	maxExposure := state.AccountValue * v.cfg.MaxExposurePct
	if projected > maxExposure {
		violations = append(violations, Violation{
			Code:    "exposure_exceeded",
			Message: fmt.Sprintf("projected exposure %.2f exceeds cap %.2f (%.0f%% of account value)", projected, maxExposure, v.cfg.MaxExposurePct*100),
		})
	}

	return violations
}

func checkExitPlan(req TradeRequest) *Violation {
	plan := req.ExitPlan
	if plan.IsZero() {
		return &Violation{Code: "missing_exit_plan", Message: "an exit plan is required when opening a position"}
	}
	if plan.StopLoss <= 0 || plan.ProfitTarget <= 0 {
		return &Violation{Code: "malformed_exit_plan", Message: "exit plan must carry positive stop loss and profit target"}
	}
	switch req.Side {
	case domain.Long:
		if plan.StopLoss >= plan.ProfitTarget {
			return &Violation{Code: "malformed_exit_plan", Message: "long exit plan requires stop loss below profit target"}
		}
	case domain.Short:
		if plan.StopLoss <= plan.ProfitTarget {
			return &Violation{Code: "malformed_exit_plan", Message: "short exit plan requires stop loss above profit target"}
		}
	}
	return nil
}
