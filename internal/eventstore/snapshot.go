package eventstore

import (
	"encoding/json"
	"fmt"
	"time"

	"tradelot/internal/lots"
	"tradelot/pkg/types"
)

// InflateState rebuilds the working PositionState and its stored summary
// from a snapshot row. A corrupt non-empty lot payload is an error the
// caller treats as fatal for the trade.
func InflateState(rec *types.SnapshotRecord) (*types.PositionState, types.SummaryMetrics, error) {
	openLots, err := lots.Inflate(rec.TaxLotsCompressed)
	if err != nil {
		return nil, types.SummaryMetrics{}, fmt.Errorf("snapshot %s: %w", rec.PositionKey, err)
	}

	var summary types.SummaryMetrics
	if len(rec.Summary) > 0 {
		if err := json.Unmarshal(rec.Summary, &summary); err != nil {
			return nil, types.SummaryMetrics{}, fmt.Errorf("snapshot %s summary: %w", rec.PositionKey, err)
		}
	}

	var schedule map[string]types.ScheduleEntry
	if len(rec.Schedule) > 0 {
		if err := json.Unmarshal(rec.Schedule, &schedule); err != nil {
			return nil, types.SummaryMetrics{}, fmt.Errorf("snapshot %s schedule: %w", rec.PositionKey, err)
		}
	}

	return &types.PositionState{
		PositionKey: rec.PositionKey,
		Account:     rec.Account,
		Instrument:  rec.Instrument,
		Currency:    rec.Currency,
		Direction:   rec.Direction,
		Version:     rec.LastVer,
		OpenLots:    openLots,
		Schedule:    schedule,
	}, summary, nil
}

// CompressState builds a snapshot row from the working state. Closed lots
// are pruned on write; the caller supplies identity/status fields and the
// new optimistic counter value.
func CompressState(state *types.PositionState, summary types.SummaryMetrics, uti string,
	status types.PositionStatus, recon types.ReconStatus, provisionalTradeID string,
	newVersion int64, compressionThreshold int, now time.Time) (types.SnapshotRecord, error) {

	open := make([]types.TaxLot, 0, len(state.OpenLots))
	for _, l := range state.OpenLots {
		if !l.Closed() {
			open = append(open, l)
		}
	}

	compressed, err := lots.Compress(open, compressionThreshold)
	if err != nil {
		return types.SnapshotRecord{}, err
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return types.SnapshotRecord{}, fmt.Errorf("marshal summary: %w", err)
	}
	scheduleJSON, err := json.Marshal(state.Schedule)
	if err != nil {
		return types.SnapshotRecord{}, fmt.Errorf("marshal schedule: %w", err)
	}

	return types.SnapshotRecord{
		PositionKey:        state.PositionKey,
		Account:            state.Account,
		Instrument:         state.Instrument,
		Currency:           state.Currency,
		Direction:          state.Direction,
		LastVer:            state.Version,
		UTI:                uti,
		Status:             status,
		ReconStatus:        recon,
		ProvisionalTradeID: provisionalTradeID,
		TaxLotsCompressed:  compressed,
		Summary:            summaryJSON,
		Schedule:           scheduleJSON,
		Version:            newVersion,
		LastUpdatedAt:      now,
	}, nil
}
