// Package classify decides how an inbound trade is routed.
//
// The decision compares the trade's effective date against today and against
// the position's snapshot date — the latest trade date across its open lots,
// falling back to the schedule when the episode is closed. Backdated trades
// apply provisionally and are routed to the recalculation stream.
package classify

import "tradelot/pkg/types"

// Classify routes a trade by effective date.
//
//	effective > today                      ⇒ FORWARD_DATED
//	effective < latest snapshot date       ⇒ BACKDATED
//	otherwise                              ⇒ CURRENT_DATED
//
// latestSnapshotDate is nil only for a position with no recorded activity;
// terminated episodes still anchor backdating through their schedule.
func Classify(effective, today types.Date, latestSnapshotDate *types.Date) types.Classification {
	if effective.After(today.Time) {
		return types.ForwardDated
	}
	if latestSnapshotDate != nil && effective.Before(latestSnapshotDate.Time) {
		return types.Backdated
	}
	return types.CurrentDated
}
