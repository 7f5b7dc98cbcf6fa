// Package poskey derives deterministic position keys.
//
// A position is identified by the (account, instrument, currency, direction)
// quadruple. The key is the first 8 bytes of SHA-256 over the upper-cased,
// pipe-joined quadruple, hex-encoded to 16 characters. Direction is part of
// the identity: a LONG and a SHORT in the same instrument are distinct
// positions, and a sign flip always lands on a different key.
package poskey

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"

	"tradelot/pkg/types"
)

// KeyLen is the hex length of a position key.
const KeyLen = 16

// Derive computes the position key for the quadruple.
func Derive(account, instrument, currency string, direction types.Direction) string {
	input := strings.ToUpper(account) + "|" +
		strings.ToUpper(instrument) + "|" +
		strings.ToUpper(currency) + "|" +
		strings.ToUpper(string(direction))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}

// DirectionOf maps a signed quantity to a direction. Used when a trade opens
// a fresh position; an existing position's direction comes from its state.
func DirectionOf(qty decimal.Decimal) types.Direction {
	if qty.IsNegative() {
		return types.Short
	}
	return types.Long
}
