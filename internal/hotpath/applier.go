// Package hotpath applies current- and forward-dated trades synchronously.
//
// One trade is one transaction: event append, snapshot compare-and-set,
// lifecycle audit, and the idempotency mark commit or roll back together.
// Concurrency conflicts (an event-version collision or a snapshot CAS miss)
// are the only retryable failures; the applier retries the whole operation
// with exponential backoff and surfaces ErrSystemUnavailable once attempts
// are exhausted. Messaging, caching, and regulatory submission happen only
// after the transaction commits and never roll it back.
//
// Backdated trades are applied here too, but provisionally: the snapshot is
// stamped PROVISIONAL and the trade is routed to the backdated-trades stream,
// where the coldpath replays the full history and replaces the estimate with
// the authoritative state.
package hotpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tradelot/internal/bus"
	"tradelot/internal/cache"
	"tradelot/internal/classify"
	"tradelot/internal/config"
	"tradelot/internal/eventstore"
	"tradelot/internal/lots"
	"tradelot/internal/metrics"
	"tradelot/internal/poskey"
	"tradelot/internal/regulatory"
	"tradelot/internal/validate"
	"tradelot/pkg/types"
)

// ErrSystemUnavailable is returned after the retry budget is exhausted on
// concurrency conflicts.
var ErrSystemUnavailable = errors.New("hotpath: system unavailable after retries")

// Outcome labels for metrics and logging.
const (
	OutcomeApplied     = "applied"
	OutcomeProvisional = "provisional"
	OutcomeDuplicate   = "duplicate"
	OutcomeDLQ         = "dlq"
	OutcomeFailed      = "failed"
)

// MethodResolver resolves the tax-lot method for a contract.
type MethodResolver interface {
	Method(ctx context.Context, contractID string) types.Method
}

// Applier drives the synchronous trade path.
type Applier struct {
	store    eventstore.Store
	resolver MethodResolver
	pub      bus.Publisher
	cache    *cache.SnapshotCache
	reg      *regulatory.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger

	hotCfg    config.HotpathConfig
	topics    config.TopicsConfig
	limits    validate.Limits
	threshold int

	now func() time.Time
}

// New wires the applier. resolver, cache, reg, and metrics may be nil.
func New(store eventstore.Store, resolver MethodResolver, pub bus.Publisher,
	snapCache *cache.SnapshotCache, reg *regulatory.Sink, m *metrics.Metrics,
	hotCfg config.HotpathConfig, topics config.TopicsConfig,
	limits validate.Limits, compressionThreshold int, logger *slog.Logger) *Applier {
	return &Applier{
		store:     store,
		resolver:  resolver,
		pub:       pub,
		cache:     snapCache,
		reg:       reg,
		metrics:   m,
		logger:    logger.With("component", "hotpath"),
		hotCfg:    hotCfg,
		topics:    topics,
		limits:    limits,
		threshold: compressionThreshold,
		now:       time.Now,
	}
}

// SetClock overrides wall-clock time for tests.
func (a *Applier) SetClock(now func() time.Time) { a.now = now }

// applyResult carries everything the post-commit phase needs.
type applyResult struct {
	state       *types.PositionState // the active position after the apply
	applied     []types.AppliedEvent // one entry per touched position key
	closedState *types.PositionState // old position after a split, nil otherwise
	synth       *types.TradeEvent    // synthesized open after a split, nil otherwise
	provisional bool
	split       bool
}

// Process runs the full hotpath for one trade and returns the resulting
// active position state.
func (a *Applier) Process(ctx context.Context, trade types.TradeEvent) (*types.PositionState, error) {
	start := a.now()
	defer func() { a.metrics.ObserveHotpath(a.now().Sub(start)) }()

	if a.hotCfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.hotCfg.Budget)
		defer cancel()
	}
	today := types.DateOf(a.now())

	// 1. Validate standalone fields. Failures go to the DLQ, never retried.
	if err := validate.Check(trade, today, a.limits); err != nil {
		a.rejectToDLQ(ctx, trade, err)
		return nil, err
	}
	trade.PositionKey = a.resolveKey(trade)

	// 2. Idempotency gate. A PROCESSED trade returns the current state with
	// no side effects.
	if existing, err := a.store.GetIdempotency(ctx, trade.TradeID); err != nil {
		return nil, err
	} else if existing != nil && existing.Status == types.Processed {
		a.metrics.CountTrade(OutcomeDuplicate)
		a.logger.Debug("duplicate trade", "trade_id", trade.TradeID, "position_key", existing.PositionKey)
		return a.loadState(ctx, existing.PositionKey)
	}

	// 3..9 run inside a transaction, retried on conflict signals only.
	var res *applyResult
	attempts := a.hotCfg.MaxAttempts
	for attempt := 1; ; attempt++ {
		var err error
		res, err = a.applyOnce(ctx, trade, today)
		if err == nil {
			break
		}
		if !isConflict(err) {
			if !isValidation(err) {
				if markErr := a.store.MarkFailed(ctx, trade.TradeID, trade.PositionKey, err.Error()); markErr != nil {
					a.logger.Error("mark failed errored", "trade_id", trade.TradeID, "error", markErr)
				}
			} else {
				a.rejectToDLQ(ctx, trade, err)
			}
			a.metrics.CountTrade(OutcomeFailed)
			return nil, err
		}
		if attempt >= attempts {
			a.metrics.CountTrade(OutcomeFailed)
			return nil, fmt.Errorf("%w: %v", ErrSystemUnavailable, err)
		}
		a.metrics.CountRetry("hotpath")
		a.logger.Debug("conflict, retrying", "trade_id", trade.TradeID, "attempt", attempt, "error", err)
		select {
		case <-time.After(a.backoff(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// 10. Post-commit side effects, best-effort from here on.
	a.publish(ctx, trade, res)

	outcome := OutcomeApplied
	if res.provisional {
		outcome = OutcomeProvisional
	}
	a.metrics.CountTrade(outcome)
	if res.split {
		a.metrics.CountSplit()
	}
	a.logger.Info("trade applied",
		"trade_id", trade.TradeID,
		"position_key", res.state.PositionKey,
		"event_ver", res.state.Version,
		"outcome", outcome,
		"split", res.split,
	)
	return res.state, nil
}

// applyOnce executes steps 3–9 in one transaction.
func (a *Applier) applyOnce(ctx context.Context, trade types.TradeEvent, today types.Date) (*applyResult, error) {
	res := &applyResult{}
	err := a.store.WithinTx(ctx, func(ctx context.Context, tx eventstore.Store) error {
		// 3. Resolve or derive the position key, load + inflate the snapshot.
		key := a.resolveKey(trade)
		trade.PositionKey = key

		rec, err := tx.GetSnapshot(ctx, key)
		if err != nil {
			return err
		}
		state, summary, prevVersion, err := inflateOrFresh(rec, key, trade)
		if err != nil {
			return err
		}

		// State-dependent validation.
		if err := validate.CheckAgainstState(trade, state, a.hotCfg.AllowSignChange); err != nil {
			return err
		}

		// 4. Classify. Backdated trades apply provisionally; the real state
		// arrives with the coldpath correction.
		cls := classify.Classify(trade.Effective(), today, state.SnapshotDate())
		res.provisional = cls == types.Backdated

		occurredAt := a.now()
		if res.provisional {
			// Backdated events carry midnight-UTC occurred_at so they sort
			// before same-date events in the replay ordering.
			occurredAt = trade.Effective().Midnight()
		}

		// 5–6. Pre-compute the sign flip and apply through the lot engine.
		total := state.TotalQty()
		newTotal := total.Add(trade.Quantity)
		flips := !total.IsZero() && !newTotal.IsZero() && newTotal.Sign() != total.Sign()

		if flips {
			return a.applySplit(ctx, tx, trade, state, summary, rec, prevVersion, occurredAt, today, res)
		}

		alloc, err := a.applyNormal(ctx, state, trade, total)
		if err != nil {
			return err
		}
		if _, ok := alloc.Overflow(); ok {
			// The engine saw overflow the precheck missed. Same split path.
			return a.applySplit(ctx, tx, trade, state, summary, rec, prevVersion, occurredAt, today, res)
		}
		summary = rollSummary(state, summary, alloc)
		state.UpsertSchedule(trade.TradeDate, trade.SettlementDate, trade.Quantity, trade.Price, today)

		// 7. Append the event at last_ver + 1. A collision retries the whole
		// transaction.
		ver, err := appendTradeEvent(ctx, tx, trade, trade.TradeType, state.Version+1, occurredAt, alloc)
		if err != nil {
			return err
		}
		state.Version = ver

		// 8–9. Snapshot upsert plus the status machine.
		uti, status, err := a.transitionStatus(ctx, tx, trade, state, rec, occurredAt)
		if err != nil {
			return err
		}
		recon := types.Reconciled
		provisionalID := ""
		if res.provisional {
			recon = types.Provisional
			provisionalID = trade.TradeID
		}
		if err := a.writeSnapshot(ctx, tx, state, summary, uti, status, recon, provisionalID, prevVersion); err != nil {
			return err
		}
		if err := verifyInvariants(state); err != nil {
			return err
		}

		if err := tx.MarkProcessed(ctx, trade.TradeID, key, ver); err != nil {
			return err
		}

		res.state = state
		res.applied = append(res.applied, types.AppliedEvent{
			TradeID:     trade.TradeID,
			PositionKey: key,
			EventVer:    ver,
			Status:      status,
			ReconStatus: recon,
			State:       *state,
			Summary:     summary,
			AppliedAt:   a.now(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// applyNormal adds or reduces without a direction change.
func (a *Applier) applyNormal(ctx context.Context, state *types.PositionState, trade types.TradeEvent, total decimal.Decimal) (types.AllocationResult, error) {
	opening := total.IsZero()
	aligned := opening || trade.Quantity.Sign() == total.Sign()

	if aligned {
		if opening {
			state.Direction = poskey.DirectionOf(trade.Quantity)
		}
		return lots.AddLot(state, trade.Quantity, trade.Price, trade.TradeDate, trade.SettlementDate), nil
	}

	method := a.method(ctx, trade.ContractID)
	return lots.ReduceLots(state, trade.Quantity.Abs(), method, trade.Price)
}

// applySplit handles the LONG↔SHORT transition: close the current position
// at the trade price, terminate its key, then open the overflow on a fresh
// key with a new UTI.
func (a *Applier) applySplit(ctx context.Context, tx eventstore.Store, trade types.TradeEvent,
	state *types.PositionState, summary types.SummaryMetrics, rec *types.SnapshotRecord,
	prevVersion int64, occurredAt time.Time, today types.Date, res *applyResult) error {

	res.split = true
	method := a.method(ctx, trade.ContractID)

	// (a) Close out every remaining lot of the current position.
	closeQty := state.TotalQty().Abs()
	overflow := trade.Quantity.Abs().Sub(closeQty)
	alloc, err := lots.ReduceLots(state, closeQty, method, trade.Price)
	if err != nil {
		return fmt.Errorf("close out before split: %w", err)
	}
	summary = rollSummary(state, summary, alloc)

	// Both the stored event and the schedule carry the trade clamped to the
	// closing magnitude so a rebuild of this stream terminates exactly at
	// zero; the overflow is recorded on the new key only.
	closing := trade
	closing.Quantity = closeQty
	if trade.Quantity.IsNegative() {
		closing.Quantity = closeQty.Neg()
	}
	state.UpsertSchedule(closing.TradeDate, closing.SettlementDate, closing.Quantity, closing.Price, today)
	closeVer, err := appendTradeEvent(ctx, tx, closing, types.Decrease, state.Version+1, occurredAt, alloc)
	if err != nil {
		return err
	}
	state.Version = closeVer

	prevUTI := ""
	if rec != nil {
		prevUTI = rec.UTI
	}
	recon := types.Reconciled
	provisionalID := ""
	if res.provisional {
		recon = types.Provisional
		provisionalID = trade.TradeID
	}
	if err := a.writeSnapshot(ctx, tx, state, summary, prevUTI, types.StatusTerminated, recon, provisionalID, prevVersion); err != nil {
		return err
	}
	if err := tx.RecordUPI(ctx, types.UPIRecord{
		PositionKey:       state.PositionKey,
		UPI:               prevUTI,
		Status:            types.StatusTerminated,
		PreviousStatus:    types.StatusActive,
		ChangeType:        types.UPITerminated,
		TriggeringTradeID: trade.TradeID,
		EffectiveDate:     trade.Effective(),
		OccurredAt:        occurredAt,
		Reason:            "closed by sign-change split",
	}); err != nil {
		return err
	}

	// (b) Open the overflow on the opposite-direction key, UTI = trade id.
	newDir := state.Direction.Opposite()
	newKey := poskey.Derive(trade.Account, trade.Instrument, trade.Currency, newDir)
	signedOverflow := overflow
	if newDir == types.Short {
		signedOverflow = overflow.Neg()
	}

	newState := &types.PositionState{
		PositionKey: newKey,
		Account:     trade.Account,
		Instrument:  trade.Instrument,
		Currency:    trade.Currency,
		Direction:   newDir,
	}
	openAlloc := lots.AddLot(newState, signedOverflow, trade.Price, trade.TradeDate, trade.SettlementDate)
	newState.UpsertSchedule(trade.TradeDate, trade.SettlementDate, signedOverflow, trade.Price, today)

	// (c) Synthesize the NEW_TRADE on the new key with a suffixed trade id.
	synth := trade
	synth.TradeID = trade.TradeID + types.SplitTradeIDSuffix
	synth.PositionKey = newKey
	synth.TradeType = types.NewTrade
	synth.Quantity = signedOverflow
	synth.CausationID = trade.TradeID

	// The new key may carry an earlier TERMINATED episode; continue its
	// version sequence rather than assuming an empty stream.
	newRec, err := tx.GetSnapshot(ctx, newKey)
	if err != nil {
		return err
	}
	newPrevVersion := int64(0)
	newLastVer := int64(0)
	if newRec != nil {
		newPrevVersion = newRec.Version
		newLastVer = newRec.LastVer
	}
	openVer, err := appendTradeEvent(ctx, tx, synth, types.NewTrade, newLastVer+1, occurredAt, openAlloc)
	if err != nil {
		return err
	}
	newState.Version = openVer

	newSummary := newState.Summarize(decimal.Zero)
	if err := a.writeSnapshot(ctx, tx, newState, newSummary, trade.TradeID, types.StatusActive, recon, provisionalID, newPrevVersion); err != nil {
		return err
	}
	if err := tx.RecordUPI(ctx, types.UPIRecord{
		PositionKey:       newKey,
		UPI:               trade.TradeID,
		PreviousUPI:       prevUTI,
		Status:            types.StatusActive,
		ChangeType:        types.UPICreated,
		TriggeringTradeID: synth.TradeID,
		EffectiveDate:     trade.Effective(),
		OccurredAt:        occurredAt,
		Reason:            "opened by sign-change split",
	}); err != nil {
		return err
	}
	if err := verifyInvariants(newState); err != nil {
		return err
	}

	if err := tx.MarkProcessed(ctx, trade.TradeID, state.PositionKey, closeVer); err != nil {
		return err
	}
	if err := tx.MarkProcessed(ctx, synth.TradeID, newKey, openVer); err != nil {
		return err
	}

	res.state = newState
	res.closedState = state
	res.synth = &synth
	res.applied = append(res.applied,
		types.AppliedEvent{
			TradeID:     trade.TradeID,
			PositionKey: state.PositionKey,
			EventVer:    closeVer,
			Status:      types.StatusTerminated,
			ReconStatus: recon,
			State:       *state,
			Summary:     summary,
			AppliedAt:   a.now(),
		},
		types.AppliedEvent{
			TradeID:     synth.TradeID,
			PositionKey: newKey,
			EventVer:    openVer,
			Status:      types.StatusActive,
			ReconStatus: recon,
			State:       *newState,
			Summary:     newSummary,
			AppliedAt:   a.now(),
		},
	)
	return nil
}

// transitionStatus applies the snapshot status machine and records UPI
// transitions. Returns the UTI and status to stamp on the snapshot.
func (a *Applier) transitionStatus(ctx context.Context, tx eventstore.Store, trade types.TradeEvent,
	state *types.PositionState, rec *types.SnapshotRecord, occurredAt time.Time) (string, types.PositionStatus, error) {

	newTotal := state.TotalQty()

	// Fresh position: CREATED with UTI = trade id.
	if rec == nil {
		status := types.StatusActive
		if newTotal.IsZero() {
			status = types.StatusTerminated
		}
		if err := tx.RecordUPI(ctx, types.UPIRecord{
			PositionKey:       state.PositionKey,
			UPI:               trade.TradeID,
			Status:            status,
			ChangeType:        types.UPICreated,
			TriggeringTradeID: trade.TradeID,
			EffectiveDate:     trade.Effective(),
			OccurredAt:        occurredAt,
		}); err != nil {
			return "", "", err
		}
		return trade.TradeID, status, nil
	}

	uti, status := rec.UTI, rec.Status

	// ACTIVE hitting zero terminates the episode.
	if status == types.StatusActive && newTotal.IsZero() {
		status = types.StatusTerminated
		if err := tx.RecordUPI(ctx, types.UPIRecord{
			PositionKey:       state.PositionKey,
			UPI:               uti,
			Status:            status,
			PreviousStatus:    types.StatusActive,
			ChangeType:        types.UPITerminated,
			TriggeringTradeID: trade.TradeID,
			EffectiveDate:     trade.Effective(),
			OccurredAt:        occurredAt,
		}); err != nil {
			return "", "", err
		}
		return uti, status, nil
	}

	// Any inflow over a TERMINATED episode reopens it: NEW_TRADE starts a
	// fresh identity, a backdated INCREASE resumes the recorded one. Either
	// way a terminated snapshot never carries quantity.
	if status == types.StatusTerminated && !newTotal.IsZero() {
		prevUTI := uti
		if trade.TradeType == types.NewTrade {
			uti = trade.TradeID
		}
		status = types.StatusActive
		if err := tx.RecordUPI(ctx, types.UPIRecord{
			PositionKey:       state.PositionKey,
			UPI:               uti,
			PreviousUPI:       prevUTI,
			Status:            status,
			PreviousStatus:    types.StatusTerminated,
			ChangeType:        types.UPIReopened,
			TriggeringTradeID: trade.TradeID,
			EffectiveDate:     trade.Effective(),
			OccurredAt:        occurredAt,
		}); err != nil {
			return "", "", err
		}
	}
	return uti, status, nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (a *Applier) resolveKey(trade types.TradeEvent) string {
	if trade.PositionKey != "" {
		return trade.PositionKey
	}
	dir := poskey.DirectionOf(trade.Quantity)
	if trade.TradeType == types.Decrease {
		// A decrease targets the position it reduces: negative quantity
		// reduces a LONG, positive reduces a SHORT.
		dir = dir.Opposite()
	}
	return poskey.Derive(trade.Account, trade.Instrument, trade.Currency, dir)
}

func (a *Applier) method(ctx context.Context, contractID string) types.Method {
	if a.resolver == nil {
		return types.FIFO
	}
	return a.resolver.Method(ctx, contractID)
}

func (a *Applier) backoff(attempt int) time.Duration {
	d := a.hotCfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d = d * 3 / 2
		if d >= a.hotCfg.BackoffCap {
			return a.hotCfg.BackoffCap
		}
	}
	return d
}

func (a *Applier) writeSnapshot(ctx context.Context, tx eventstore.Store, state *types.PositionState,
	summary types.SummaryMetrics, uti string, status types.PositionStatus, recon types.ReconStatus,
	provisionalID string, expectedVersion int64) error {

	snapRec, err := eventstore.CompressState(state, summary, uti, status, recon, provisionalID,
		expectedVersion+1, a.threshold, a.now())
	if err != nil {
		return err
	}
	return tx.UpsertSnapshot(ctx, snapRec, expectedVersion)
}

func (a *Applier) loadState(ctx context.Context, positionKey string) (*types.PositionState, error) {
	if positionKey == "" {
		return nil, nil
	}
	if cached := a.cache.Get(ctx, positionKey); cached != nil {
		return cached, nil
	}
	rec, err := a.store.GetSnapshot(ctx, positionKey)
	if err != nil || rec == nil {
		return nil, err
	}
	state, _, err := eventstore.InflateState(rec)
	return state, err
}

func (a *Applier) rejectToDLQ(ctx context.Context, trade types.TradeEvent, cause error) {
	a.metrics.CountTrade(OutcomeDLQ)
	reasons := []string{cause.Error()}
	var verr *validate.ValidationError
	if errors.As(cause, &verr) {
		reasons = verr.Reasons
	}
	msg := types.DLQMessage{Trade: trade, Reasons: reasons, RejectedAt: a.now()}
	if err := bus.PublishJSON(ctx, a.pub, a.topics.DLQ, trade.TradeID, msg); err != nil {
		a.logger.Error("dlq publish failed", "trade_id", trade.TradeID, "error", err)
	}
	a.logger.Warn("trade rejected", "trade_id", trade.TradeID, "reasons", reasons)
}

// publish runs the post-commit side effects: backdated routing, cache puts,
// outbound events, regulatory mirror. All best-effort.
func (a *Applier) publish(ctx context.Context, trade types.TradeEvent, res *applyResult) {
	if res.provisional {
		if err := bus.PublishJSON(ctx, a.pub, a.topics.BackdatedTrades, trade.PositionKey, trade); err != nil {
			a.logger.Error("backdated routing publish failed", "trade_id", trade.TradeID, "error", err)
		}
		// A provisional split leaves both keys awaiting recalculation; the
		// synthesized open routes the new key.
		if res.synth != nil {
			if err := bus.PublishJSON(ctx, a.pub, a.topics.BackdatedTrades, res.synth.PositionKey, res.synth); err != nil {
				a.logger.Error("backdated routing publish failed", "trade_id", res.synth.TradeID, "error", err)
			}
		}
	}

	a.cache.Put(ctx, res.state)
	if res.closedState != nil {
		a.cache.Put(ctx, res.closedState)
	}

	topic := a.topics.TradeApplied
	if res.provisional {
		topic = a.topics.ProvisionalTrades
	}
	for _, evt := range res.applied {
		if err := bus.PublishJSON(ctx, a.pub, topic, evt.PositionKey, evt); err != nil {
			a.logger.Error("applied event publish failed",
				"trade_id", evt.TradeID, "position_key", evt.PositionKey, "error", err)
		}
		a.reg.Submit(ctx, "trade-applied", evt)
	}
}

// inflateOrFresh turns a snapshot row into working state, or builds an empty
// state for a first trade on the key.
func inflateOrFresh(rec *types.SnapshotRecord, key string, trade types.TradeEvent) (*types.PositionState, types.SummaryMetrics, int64, error) {
	if rec == nil {
		return &types.PositionState{
			PositionKey: key,
			Account:     trade.Account,
			Instrument:  trade.Instrument,
			Currency:    trade.Currency,
			Direction:   poskey.DirectionOf(trade.Quantity),
		}, types.SummaryMetrics{}, 0, nil
	}
	state, summary, err := eventstore.InflateState(rec)
	if err != nil {
		return nil, types.SummaryMetrics{}, 0, err
	}
	return state, summary, rec.Version, nil
}

// rollSummary folds an allocation's realized PnL into the running summary.
func rollSummary(state *types.PositionState, summary types.SummaryMetrics, alloc types.AllocationResult) types.SummaryMetrics {
	return state.Summarize(summary.RealizedPnL.Add(alloc.RealizedPnL))
}

// appendTradeEvent serializes the trade and allocation and appends the event
// at the requested version.
func appendTradeEvent(ctx context.Context, tx eventstore.Store, trade types.TradeEvent,
	eventType types.TradeType, ver int64, occurredAt time.Time, alloc types.AllocationResult) (int64, error) {

	payload, err := json.Marshal(trade)
	if err != nil {
		return 0, fmt.Errorf("marshal trade: %w", err)
	}
	meta, err := json.Marshal(alloc)
	if err != nil {
		return 0, fmt.Errorf("marshal allocations: %w", err)
	}
	return tx.AppendEvent(ctx, types.EventRecord{
		PositionKey:   trade.PositionKey,
		EventVer:      ver,
		EventType:     eventType,
		EffectiveDate: trade.Effective(),
		OccurredAt:    occurredAt,
		Payload:       payload,
		MetaLots:      meta,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.CausationID,
		ContractID:    trade.ContractID,
	})
}

// verifyInvariants aborts the transaction on a state that contradicts
// itself, e.g. zero open lots but non-zero total quantity.
func verifyInvariants(state *types.PositionState) error {
	if state.LotCount() == 0 && !state.TotalQty().IsZero() {
		return fmt.Errorf("data invariant violation: position %s has no open lots but total_qty %s",
			state.PositionKey, state.TotalQty())
	}
	for _, l := range state.OpenLots {
		if l.RemainingQty.Sign() != 0 && l.RemainingQty.Sign() != l.OriginalQty.Sign() {
			return fmt.Errorf("data invariant violation: lot %s remaining sign flipped", l.LotID)
		}
		if l.RemainingQty.Abs().GreaterThan(l.OriginalQty.Abs()) {
			return fmt.Errorf("data invariant violation: lot %s remaining exceeds original", l.LotID)
		}
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, eventstore.ErrVersionConflict) || errors.Is(err, eventstore.ErrOptimisticConflict)
}

func isValidation(err error) bool {
	var verr *validate.ValidationError
	return errors.As(err, &verr)
}
