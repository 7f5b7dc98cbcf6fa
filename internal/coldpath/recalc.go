// Package coldpath recalculates positions touched by backdated trades.
//
// The recalculator consumes the backdated-trades stream, injects the trade
// into the event log if the hotpath has not already done so, and replays the
// full stream in chronological order — effective date first, then occurred_at,
// then event version — to rebuild the authoritative state from scratch. The
// corrected snapshot replaces the provisional one via the same optimistic
// compare-and-set the hotpath uses, so concurrent hotpath writes are never
// overwritten blindly; on a conflict the recalculation re-reads and replays
// again with linear backoff.
package coldpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradelot/internal/bus"
	"tradelot/internal/cache"
	"tradelot/internal/config"
	"tradelot/internal/eventstore"
	"tradelot/internal/lots"
	"tradelot/internal/metrics"
	"tradelot/internal/poskey"
	"tradelot/internal/regulatory"
	"tradelot/pkg/types"
)

// ErrRecalcExhausted is returned after the retry budget is spent on
// concurrency conflicts.
var ErrRecalcExhausted = errors.New("coldpath: recalculation exhausted retries")

// MethodResolver resolves the tax-lot method for a contract.
type MethodResolver interface {
	Method(ctx context.Context, contractID string) types.Method
}

// Recalculator rebuilds one position per backdated trade.
type Recalculator struct {
	store    eventstore.Store
	resolver MethodResolver
	pub      bus.Publisher
	cache    *cache.SnapshotCache
	reg      *regulatory.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger

	coldCfg   config.ColdpathConfig
	topics    config.TopicsConfig
	threshold int

	now func() time.Time
}

// New wires the recalculator. resolver, cache, reg, and metrics may be nil.
func New(store eventstore.Store, resolver MethodResolver, pub bus.Publisher,
	snapCache *cache.SnapshotCache, reg *regulatory.Sink, m *metrics.Metrics,
	coldCfg config.ColdpathConfig, topics config.TopicsConfig,
	compressionThreshold int, logger *slog.Logger) *Recalculator {
	return &Recalculator{
		store:     store,
		resolver:  resolver,
		pub:       pub,
		cache:     snapCache,
		reg:       reg,
		metrics:   m,
		logger:    logger.With("component", "coldpath"),
		coldCfg:   coldCfg,
		topics:    topics,
		threshold: compressionThreshold,
		now:       time.Now,
	}
}

// SetClock overrides wall-clock time for tests.
func (r *Recalculator) SetClock(now func() time.Time) { r.now = now }

// Recalculate replays the position the backdated trade belongs to and
// publishes the resulting correction.
func (r *Recalculator) Recalculate(ctx context.Context, trade types.TradeEvent) (*types.PositionCorrection, error) {
	start := r.now()
	defer func() { r.metrics.ObserveColdpath(r.now().Sub(start)) }()

	if r.coldCfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.coldCfg.Budget)
		defer cancel()
	}

	key := trade.PositionKey
	if key == "" {
		dir := poskey.DirectionOf(trade.Quantity)
		if trade.TradeType == types.Decrease {
			dir = dir.Opposite()
		}
		key = poskey.Derive(trade.Account, trade.Instrument, trade.Currency, dir)
	}

	var correction *types.PositionCorrection
	for attempt := 1; ; attempt++ {
		var err error
		correction, err = r.recalcOnce(ctx, trade, key)
		if err == nil {
			break
		}
		if !isConflict(err) {
			return nil, err
		}
		if attempt >= r.coldCfg.MaxAttempts {
			return nil, fmt.Errorf("%w: %v", ErrRecalcExhausted, err)
		}
		r.metrics.CountRetry("coldpath")
		r.logger.Debug("correction conflict, retrying",
			"position_key", key, "attempt", attempt, "error", err)
		select {
		case <-time.After(r.coldCfg.BackoffStep * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Post-commit side effects.
	r.cache.Invalidate(ctx, key)
	if err := bus.PublishJSON(ctx, r.pub, r.topics.HistoricalCorrections, key, correction); err != nil {
		r.logger.Error("correction publish failed", "position_key", key, "error", err)
	}
	r.reg.Submit(ctx, "position-corrected", correction)
	r.metrics.CountCorrection()

	r.logger.Info("position corrected",
		"position_key", key,
		"backdated_trade_id", trade.TradeID,
		"qty_delta", correction.QtyDelta,
		"corrected_version", correction.CorrectedVersion,
	)
	return correction, nil
}

// recalcOnce runs one inject-and-replay transaction.
func (r *Recalculator) recalcOnce(ctx context.Context, trade types.TradeEvent, key string) (*types.PositionCorrection, error) {
	var correction *types.PositionCorrection
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx eventstore.Store) error {
		stream, err := tx.LoadStream(ctx, key)
		if err != nil {
			return err
		}

		// Inject the backdated trade unless the hotpath already appended it
		// provisionally.
		if !streamContains(stream, trade.TradeID) {
			payload, err := json.Marshal(trade)
			if err != nil {
				return fmt.Errorf("marshal backdated trade: %w", err)
			}
			if _, err := tx.AppendEvent(ctx, types.EventRecord{
				PositionKey:   key,
				EventVer:      int64(len(stream)) + 1,
				EventType:     trade.TradeType,
				EffectiveDate: trade.Effective(),
				OccurredAt:    trade.Effective().Midnight(),
				Payload:       payload,
				CorrelationID: trade.CorrelationID,
				CausationID:   trade.CausationID,
				ContractID:    trade.ContractID,
			}); err != nil {
				return err
			}
			stream, err = tx.LoadStream(ctx, key)
			if err != nil {
				return err
			}
		}
		if len(stream) == 0 {
			return fmt.Errorf("coldpath: position %s has no events", key)
		}

		current, err := tx.GetSnapshot(ctx, key)
		if err != nil {
			return err
		}

		replayed, summary, uti, status, err := r.replay(ctx, key, stream)
		if err != nil {
			return err
		}
		replayed.Version = int64(len(stream))

		prevVersion := int64(0)
		prevSummary := types.SummaryMetrics{}
		prevStatus := types.PositionStatus("")
		if current != nil {
			prevVersion = current.Version
			prevStatus = current.Status
			if len(current.Summary) > 0 {
				if err := json.Unmarshal(current.Summary, &prevSummary); err != nil {
					return fmt.Errorf("snapshot %s summary: %w", key, err)
				}
			}
		}

		// Lifecycle audit when the correction rewrites history: a recorded
		// termination that no longer holds, or a termination the provisional
		// state missed.
		if current != nil && prevStatus != status {
			audit := types.UPIRecord{
				PositionKey:       key,
				UPI:               uti,
				PreviousUPI:       current.UTI,
				Status:            status,
				PreviousStatus:    prevStatus,
				TriggeringTradeID: trade.TradeID,
				BackdatedTradeID:  trade.TradeID,
				EffectiveDate:     trade.Effective(),
				OccurredAt:        r.now(),
				Reason:            "backdated recalculation",
			}
			if status == types.StatusActive {
				audit.ChangeType = types.UPIInvalidated
			} else {
				audit.ChangeType = types.UPITerminated
			}
			if err := tx.RecordUPI(ctx, audit); err != nil {
				return err
			}
		}

		// Merge detection: the replayed UTI surfacing on another key means
		// two streams now describe one position identity.
		if other, err := tx.FindByUTI(ctx, uti, key); err != nil {
			return err
		} else if other != nil {
			if err := tx.RecordUPI(ctx, types.UPIRecord{
				PositionKey:           key,
				UPI:                   uti,
				Status:                status,
				ChangeType:            types.UPIMerged,
				TriggeringTradeID:     trade.TradeID,
				BackdatedTradeID:      trade.TradeID,
				EffectiveDate:         trade.Effective(),
				OccurredAt:            r.now(),
				MergedFromPositionKey: other.PositionKey,
				Reason:                "uti collision after recalculation",
			}); err != nil {
				return err
			}
		}

		rec, err := eventstore.CompressState(replayed, summary, uti, status, types.Reconciled,
			"", prevVersion+1, r.threshold, r.now())
		if err != nil {
			return err
		}
		if err := tx.UpsertSnapshot(ctx, rec, prevVersion); err != nil {
			return err
		}
		if err := tx.MarkProcessed(ctx, trade.TradeID, key, replayed.Version); err != nil {
			return err
		}

		correction = &types.PositionCorrection{
			PositionKey:      key,
			BackdatedTradeID: trade.TradeID,
			PreviousVersion:  prevVersion,
			CorrectedVersion: prevVersion + 1,
			QtyDelta:         summary.TotalQty.Sub(prevSummary.TotalQty),
			ExposureDelta:    summary.Exposure.Sub(prevSummary.Exposure),
			LotCountDelta:    summary.LotCount - prevSummary.LotCount,
			CorrectedAt:      r.now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return correction, nil
}

// replay rebuilds the position from its full event stream in chronological
// order and returns the state, rollup, and lifecycle identity.
func (r *Recalculator) replay(ctx context.Context, key string, stream []types.EventRecord) (*types.PositionState, types.SummaryMetrics, string, types.PositionStatus, error) {
	ordered := append([]types.EventRecord(nil), stream...)
	sort.SliceStable(ordered, func(a, b int) bool {
		ea, eb := ordered[a], ordered[b]
		if !ea.EffectiveDate.Equal(eb.EffectiveDate.Time) {
			return ea.EffectiveDate.Before(eb.EffectiveDate.Time)
		}
		if !ea.OccurredAt.Equal(eb.OccurredAt) {
			return ea.OccurredAt.Before(eb.OccurredAt)
		}
		return ea.EventVer < eb.EventVer
	})

	today := types.DateOf(r.now())
	state := &types.PositionState{PositionKey: key}
	realized := decimal.Zero
	uti := ""
	status := types.StatusActive

	for _, evt := range ordered {
		var t types.TradeEvent
		if err := json.Unmarshal(evt.Payload, &t); err != nil {
			return nil, types.SummaryMetrics{}, "", "", fmt.Errorf("event %s/%d payload: %w", key, evt.EventVer, err)
		}
		if state.Account == "" {
			state.Account, state.Instrument, state.Currency = t.Account, t.Instrument, t.Currency
		}

		total := state.TotalQty()
		opening := total.IsZero()
		if opening {
			// First event of an episode sets identity. A split's synthesized
			// open carries a suffixed trade id; the UTI is the unsuffixed one.
			if uti == "" || (status == types.StatusTerminated && t.TradeType == types.NewTrade) {
				uti = strings.TrimSuffix(t.TradeID, types.SplitTradeIDSuffix)
			}
			status = types.StatusActive
			state.Direction = poskey.DirectionOf(t.Quantity)
		}

		if opening || t.Quantity.Sign() == total.Sign() {
			lots.AddLot(state, t.Quantity, t.Price, t.TradeDate, t.SettlementDate)
		} else {
			reduce := t.Quantity.Abs()
			if reduce.GreaterThan(total.Abs()) {
				// A backdated injection changed the quantities this stream
				// was split against. Terminate at zero and flag it; the
				// overflow belongs to the opposite-direction key.
				r.logger.Warn("replay overflow clamped",
					"position_key", key, "event_ver", evt.EventVer,
					"overflow", reduce.Sub(total.Abs()))
				reduce = total.Abs()
			}
			res, err := lots.ReduceLots(state, reduce, r.method(ctx, t.ContractID), t.Price)
			if err != nil {
				return nil, types.SummaryMetrics{}, "", "", fmt.Errorf("replay %s/%d: %w", key, evt.EventVer, err)
			}
			realized = realized.Add(res.RealizedPnL)
		}
		state.UpsertSchedule(t.TradeDate, t.SettlementDate, t.Quantity, t.Price, today)

		if state.TotalQty().IsZero() {
			status = types.StatusTerminated
		}
	}

	return state, state.Summarize(realized), uti, status, nil
}

func (r *Recalculator) method(ctx context.Context, contractID string) types.Method {
	if r.resolver == nil {
		return types.FIFO
	}
	return r.resolver.Method(ctx, contractID)
}

func streamContains(stream []types.EventRecord, tradeID string) bool {
	for _, evt := range stream {
		var t struct {
			TradeID string `json:"trade_id"`
		}
		if err := json.Unmarshal(evt.Payload, &t); err == nil && t.TradeID == tradeID {
			return true
		}
	}
	return false
}

func isConflict(err error) bool {
	return errors.Is(err, eventstore.ErrVersionConflict) || errors.Is(err, eventstore.ErrOptimisticConflict)
}
