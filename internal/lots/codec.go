package lots

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"tradelot/pkg/types"
)

// The snapshot codec stores a lot sequence in one of two JSON shapes:
//
//   - row form: a plain array of lots, used while the position is small;
//   - columnar form: parallel arrays keyed by field, used once the lot count
//     crosses the compression threshold. Index i across all arrays describes
//     one lot; a row with qtys[i] = 0 is a closed lot.
//
// Inflate accepts either shape and tolerates unknown top-level fields, so
// snapshots written by a newer build read back cleanly.

// columnar is the compressed wire shape. Array lengths must match.
type columnar struct {
	IDs            []string          `json:"ids"`
	Dates          []types.Date      `json:"dates"`
	Prices         []decimal.Decimal `json:"prices"` // current reference prices
	Qtys           []decimal.Decimal `json:"qtys"`   // remaining quantities
	OriginalPrices []decimal.Decimal `json:"original_prices"`
	OriginalQtys   []decimal.Decimal `json:"original_qtys"`
}

// Compress serializes the lot sequence, choosing columnar form when the lot
// count exceeds thresholdLots.
func Compress(lotSeq []types.TaxLot, thresholdLots int) ([]byte, error) {
	if len(lotSeq) <= thresholdLots {
		data, err := json.Marshal(lotSeq)
		if err != nil {
			return nil, fmt.Errorf("compress lots: %w", err)
		}
		return data, nil
	}

	col := columnar{
		IDs:            make([]string, len(lotSeq)),
		Dates:          make([]types.Date, len(lotSeq)),
		Prices:         make([]decimal.Decimal, len(lotSeq)),
		Qtys:           make([]decimal.Decimal, len(lotSeq)),
		OriginalPrices: make([]decimal.Decimal, len(lotSeq)),
		OriginalQtys:   make([]decimal.Decimal, len(lotSeq)),
	}
	for i, l := range lotSeq {
		col.IDs[i] = l.LotID
		col.Dates[i] = l.TradeDate
		col.Prices[i] = l.CurrentRefPrice
		col.Qtys[i] = l.RemainingQty
		col.OriginalPrices[i] = l.OriginalPrice
		col.OriginalQtys[i] = l.OriginalQty
	}

	data, err := json.Marshal(col)
	if err != nil {
		return nil, fmt.Errorf("compress lots: %w", err)
	}
	return data, nil
}

// Inflate reconstructs the lot sequence from either wire shape. A blank or
// empty payload inflates to an empty sequence; a corrupt non-empty payload
// is an error the caller must treat as fatal for the trade.
func Inflate(data []byte) ([]types.TaxLot, error) {
	if len(data) == 0 || string(data) == "null" || string(data) == `""` {
		return nil, nil
	}

	// Row form starts with '[', columnar with '{'.
	if data[0] == '[' {
		var lotSeq []types.TaxLot
		if err := json.Unmarshal(data, &lotSeq); err != nil {
			return nil, fmt.Errorf("inflate lots: %w", err)
		}
		return lotSeq, nil
	}

	var col columnar
	if err := json.Unmarshal(data, &col); err != nil {
		return nil, fmt.Errorf("inflate lots: %w", err)
	}
	n := len(col.IDs)
	for name, l := range map[string]int{
		"dates":           len(col.Dates),
		"prices":          len(col.Prices),
		"qtys":            len(col.Qtys),
		"original_prices": len(col.OriginalPrices),
		"original_qtys":   len(col.OriginalQtys),
	} {
		if l != n {
			return nil, fmt.Errorf("inflate lots: column %s has %d rows, want %d", name, l, n)
		}
	}

	lotSeq := make([]types.TaxLot, n)
	for i := 0; i < n; i++ {
		lotSeq[i] = types.TaxLot{
			LotID:           col.IDs[i],
			TradeDate:       col.Dates[i],
			OriginalQty:     col.OriginalQtys[i],
			RemainingQty:    col.Qtys[i],
			OriginalPrice:   col.OriginalPrices[i],
			CurrentRefPrice: col.Prices[i],
		}
	}
	return lotSeq, nil
}
