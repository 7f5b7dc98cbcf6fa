// Package validate performs field and bound checks on inbound trades.
//
// Validation failures are terminal for a trade: they are never retried, and
// the engine forwards the trade with its reasons to the DLQ. The error type
// therefore collects every violated rule instead of stopping at the first.
package validate

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradelot/pkg/types"
)

// Limits are the configured validation bounds.
type Limits struct {
	MaxPrice       decimal.Decimal // upper bound on trade price
	MaxFutureYears int             // trade/effective dates may not exceed today + this
}

// DefaultLimits mirror the deployed defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPrice:       decimal.NewFromInt(1_000_000),
		MaxFutureYears: 1,
	}
}

// ValidationError carries every failed check for one trade.
type ValidationError struct {
	TradeID string
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trade %s invalid: %s", e.TradeID, strings.Join(e.Reasons, "; "))
}

// Check validates the standalone fields of a trade. It returns nil or a
// *ValidationError listing every violation.
func Check(trade types.TradeEvent, today types.Date, limits Limits) error {
	var reasons []string

	if trade.TradeID == "" {
		reasons = append(reasons, "trade_id is required")
	}
	if trade.Account == "" {
		reasons = append(reasons, "account is required")
	}
	if trade.Instrument == "" {
		reasons = append(reasons, "instrument is required")
	}
	if trade.Currency == "" {
		reasons = append(reasons, "currency is required")
	}
	switch trade.TradeType {
	case types.NewTrade, types.Increase, types.Decrease:
	default:
		reasons = append(reasons, fmt.Sprintf("trade_type %q is not one of NEW_TRADE, INCREASE, DECREASE", trade.TradeType))
	}
	if trade.Quantity.IsZero() {
		reasons = append(reasons, "quantity must be non-zero")
	}
	if !trade.Price.IsPositive() {
		reasons = append(reasons, "price must be positive")
	} else if trade.Price.GreaterThan(limits.MaxPrice) {
		reasons = append(reasons, fmt.Sprintf("price %s exceeds max %s", trade.Price, limits.MaxPrice))
	}
	if trade.TradeDate.IsZero() {
		reasons = append(reasons, "trade_date is required")
	}

	horizon := today.AddYears(limits.MaxFutureYears)
	if !trade.TradeDate.IsZero() && trade.TradeDate.After(horizon.Time) {
		reasons = append(reasons, fmt.Sprintf("trade_date %s exceeds horizon %s", trade.TradeDate, horizon))
	}
	if !trade.EffectiveDate.IsZero() && trade.EffectiveDate.After(horizon.Time) {
		reasons = append(reasons, fmt.Sprintf("effective_date %s exceeds horizon %s", trade.EffectiveDate, horizon))
	}

	if len(reasons) > 0 {
		return &ValidationError{TradeID: trade.TradeID, Reasons: reasons}
	}
	return nil
}

// CheckAgainstState runs the state-dependent checks. A same-direction
// DECREASE may exceed the available magnitude only when the sign-change
// split is permitted.
func CheckAgainstState(trade types.TradeEvent, state *types.PositionState, allowSignChange bool) error {
	if state == nil || trade.TradeType != types.Decrease || allowSignChange {
		return nil
	}
	available := state.TotalQty().Abs()
	if trade.Quantity.Abs().GreaterThan(available) {
		return &ValidationError{
			TradeID: trade.TradeID,
			Reasons: []string{fmt.Sprintf(
				"decrease of %s exceeds available %s and sign-change split is disabled",
				trade.Quantity.Abs(), available)},
		}
	}
	return nil
}
