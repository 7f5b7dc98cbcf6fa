// Package lots implements the pure tax-lot engine and the columnar snapshot
// codec.
//
// The engine has two primitives: AddLot appends a new acquisition cohort,
// ReduceLots consumes open lots in FIFO/LIFO/HIFO order and realizes PnL per
// consumed slice. Both operate on a PositionState in place and return a
// structured AllocationResult; the engine performs no I/O and holds no state
// of its own, which keeps the hotpath's critical section pure CPU between
// database calls.
//
// Sign-change handling is deliberately not the engine's job. When a reduce
// exhausts every same-direction lot with quantity left over, the result
// carries the leftover as a negated RemainingQuantity and the caller decides
// whether to split into an opposite-direction position.
package lots

import (
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradelot/pkg/types"
)

var (
	// ErrInvalidReduceQty is returned when a reduce is requested with a
	// non-positive magnitude.
	ErrInvalidReduceQty = errors.New("lots: reduce quantity must be positive")

	// ErrNoOpenLots is returned when a reduce targets a position with no
	// open lots at all.
	ErrNoOpenLots = errors.New("lots: no open lots to reduce")
)

// AddLot appends a new lot to the position. Quantity keeps its sign (long
// lots positive, short lots negative); the lot opens fully unconsumed with
// its reference price at cost basis.
func AddLot(state *types.PositionState, qty, price decimal.Decimal, tradeDate types.Date, settlement *types.Date) types.AllocationResult {
	lot := types.TaxLot{
		LotID:           uuid.NewString(),
		TradeDate:       tradeDate,
		OriginalQty:     qty,
		RemainingQty:    qty,
		OriginalPrice:   price,
		CurrentRefPrice: price,
		SettlementDate:  settlement,
	}
	state.OpenLots = append(state.OpenLots, lot)

	return types.AllocationResult{
		Allocations: []types.Allocation{{
			LotID:    lot.LotID,
			Quantity: qty,
			Price:    price,
		}},
	}
}

// ReduceLots consumes up to qtyToReduce (a positive magnitude) from the
// position's open lots, ordered by method, closing against closePrice.
//
// Per consumed slice the realized PnL is (close − basis) × qty for long lots
// and (basis − close) × qty for short lots. Fully consumed lots are pruned
// from OpenLots. If the open lots cannot absorb the full magnitude, the
// leftover is returned negated in RemainingQuantity — the sign-change signal
// — and no error is raised.
func ReduceLots(state *types.PositionState, qtyToReduce decimal.Decimal, method types.Method, closePrice decimal.Decimal) (types.AllocationResult, error) {
	if !qtyToReduce.IsPositive() {
		return types.AllocationResult{}, ErrInvalidReduceQty
	}

	open := openIndexes(state)
	if len(open) == 0 {
		return types.AllocationResult{}, ErrNoOpenLots
	}
	sortForMethod(state, open, method)

	result := types.AllocationResult{}
	left := qtyToReduce

	for _, idx := range open {
		if left.IsZero() {
			break
		}
		lot := &state.OpenLots[idx]
		avail := lot.RemainingQty.Abs()
		step := decimal.Min(left, avail)

		var pnl decimal.Decimal
		if lot.RemainingQty.IsPositive() {
			// Long lot: selling down.
			lot.RemainingQty = lot.RemainingQty.Sub(step)
			pnl = closePrice.Sub(lot.OriginalPrice).Mul(step)
		} else {
			// Short lot: buying back toward zero.
			lot.RemainingQty = lot.RemainingQty.Add(step)
			pnl = lot.OriginalPrice.Sub(closePrice).Mul(step)
		}

		result.Allocations = append(result.Allocations, types.Allocation{
			LotID:       lot.LotID,
			Quantity:    step,
			Price:       closePrice,
			RealizedPnL: pnl,
		})
		result.RealizedPnL = result.RealizedPnL.Add(pnl)
		left = left.Sub(step)
	}

	pruneClosed(state)

	if left.IsPositive() {
		// Overflow into the opposite direction; the applier decides.
		result.RemainingQuantity = left.Neg()
	}
	return result, nil
}

// openIndexes returns the indexes of lots with non-zero remaining quantity.
func openIndexes(state *types.PositionState) []int {
	idx := make([]int, 0, len(state.OpenLots))
	for i := range state.OpenLots {
		if !state.OpenLots[i].Closed() {
			idx = append(idx, i)
		}
	}
	return idx
}

// sortForMethod orders the candidate lot indexes for consumption.
//
//	FIFO: trade_date asc, lot_id asc
//	LIFO: trade_date desc, lot_id asc
//	HIFO: current_ref_price desc, trade_date asc
func sortForMethod(state *types.PositionState, idx []int, method types.Method) {
	lots := state.OpenLots
	sort.SliceStable(idx, func(a, b int) bool {
		la, lb := lots[idx[a]], lots[idx[b]]
		switch method {
		case types.LIFO:
			if !la.TradeDate.Equal(lb.TradeDate.Time) {
				return la.TradeDate.After(lb.TradeDate.Time)
			}
			return la.LotID < lb.LotID
		case types.HIFO:
			if !la.CurrentRefPrice.Equal(lb.CurrentRefPrice) {
				return la.CurrentRefPrice.GreaterThan(lb.CurrentRefPrice)
			}
			return la.TradeDate.Before(lb.TradeDate.Time)
		default: // FIFO
			if !la.TradeDate.Equal(lb.TradeDate.Time) {
				return la.TradeDate.Before(lb.TradeDate.Time)
			}
			return la.LotID < lb.LotID
		}
	})
}

// pruneClosed drops fully consumed lots from the state.
func pruneClosed(state *types.PositionState) {
	kept := state.OpenLots[:0]
	for _, l := range state.OpenLots {
		if !l.Closed() {
			kept = append(kept, l)
		}
	}
	state.OpenLots = kept
}
