package validate

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradelot/pkg/types"
)

func validTrade() types.TradeEvent {
	return types.TradeEvent{
		TradeID:    "T-1",
		Account:    "ACC-1",
		Instrument: "AAPL",
		Currency:   "USD",
		TradeType:  types.NewTrade,
		Quantity:   decimal.NewFromInt(100),
		Price:      decimal.RequireFromString("50.00"),
		TradeDate:  types.NewDate(2025, time.January, 10),
	}
}

func today() types.Date { return types.NewDate(2025, time.January, 20) }

func TestCheckValid(t *testing.T) {
	t.Parallel()
	if err := Check(validTrade(), today(), DefaultLimits()); err != nil {
		t.Errorf("valid trade rejected: %v", err)
	}
}

func TestCheckCollectsAllReasons(t *testing.T) {
	t.Parallel()
	trade := types.TradeEvent{TradeType: "SPLIT"}

	err := Check(trade, today(), DefaultLimits())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %T, want *ValidationError", err)
	}
	// trade_id, account, instrument, currency, trade_type, quantity, price, trade_date
	if len(verr.Reasons) != 8 {
		t.Errorf("reasons = %d (%v), want 8", len(verr.Reasons), verr.Reasons)
	}
}

func TestCheckBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*types.TradeEvent)
		want   string
	}{
		{"zero quantity", func(tr *types.TradeEvent) { tr.Quantity = decimal.Zero }, "quantity"},
		{"negative price", func(tr *types.TradeEvent) { tr.Price = decimal.NewFromInt(-1) }, "price must be positive"},
		{"price over cap", func(tr *types.TradeEvent) { tr.Price = decimal.NewFromInt(1_000_001) }, "exceeds max"},
		{"trade date too far", func(tr *types.TradeEvent) { tr.TradeDate = types.NewDate(2026, time.June, 1) }, "trade_date"},
		{"effective date too far", func(tr *types.TradeEvent) { tr.EffectiveDate = types.NewDate(2026, time.June, 1) }, "effective_date"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			trade := validTrade()
			tc.mutate(&trade)
			err := Check(trade, today(), DefaultLimits())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestCheckHorizonBoundary(t *testing.T) {
	t.Parallel()
	trade := validTrade()
	trade.TradeDate = today().AddYears(1) // exactly today + 1y is allowed
	if err := Check(trade, today(), DefaultLimits()); err != nil {
		t.Errorf("boundary date rejected: %v", err)
	}
}

func TestCheckAgainstState(t *testing.T) {
	t.Parallel()

	state := &types.PositionState{
		Direction: types.Long,
		OpenLots: []types.TaxLot{{
			LotID:        "L1",
			OriginalQty:  decimal.NewFromInt(50),
			RemainingQty: decimal.NewFromInt(50),
		}},
	}
	over := validTrade()
	over.TradeType = types.Decrease
	over.Quantity = decimal.NewFromInt(-80)

	if err := CheckAgainstState(over, state, true); err != nil {
		t.Errorf("overdraw with sign-change allowed rejected: %v", err)
	}
	if err := CheckAgainstState(over, state, false); err == nil {
		t.Error("overdraw with sign-change disabled must be rejected")
	}

	within := over
	within.Quantity = decimal.NewFromInt(-50)
	if err := CheckAgainstState(within, state, false); err != nil {
		t.Errorf("exact close rejected: %v", err)
	}
}
