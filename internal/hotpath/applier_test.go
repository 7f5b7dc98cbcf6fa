package hotpath

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradelot/internal/bus"
	"tradelot/internal/config"
	"tradelot/internal/eventstore"
	"tradelot/internal/poskey"
	"tradelot/internal/validate"
	"tradelot/pkg/types"
)

var testNow = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

func testTopics() config.TopicsConfig {
	return config.TopicsConfig{
		Trades:                "trades",
		BackdatedTrades:       "backdated-trades",
		TradeApplied:          "trade-applied-events",
		ProvisionalTrades:     "provisional-trade-events",
		HistoricalCorrections: "historical-position-corrected-events",
		DLQ:                   "trades-dlq",
	}
}

func newApplier(t *testing.T, store eventstore.Store, mb *bus.MemoryBus) *Applier {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hotCfg := config.HotpathConfig{
		MaxAttempts:     5,
		BackoffBase:     time.Millisecond,
		BackoffCap:      5 * time.Millisecond,
		AllowSignChange: true,
	}
	a := New(store, nil, mb, nil, nil, nil, hotCfg, testTopics(), validate.DefaultLimits(), 10, logger)
	a.SetClock(func() time.Time { return testNow })
	return a
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func date(day int) types.Date { return types.NewDate(2026, time.March, day) }

func mkTrade(id string, tt types.TradeType, qty, price string, day int) types.TradeEvent {
	return types.TradeEvent{
		TradeID:    id,
		Account:    "ACC-1",
		Instrument: "AAPL",
		Currency:   "USD",
		TradeType:  tt,
		Quantity:   d(qty),
		Price:      d(price),
		TradeDate:  date(day),
	}
}

func TestProcessNewTrade(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	state, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 10))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !state.TotalQty().Equal(d("100")) {
		t.Errorf("total = %s, want 100", state.TotalQty())
	}
	if state.Direction != types.Long {
		t.Errorf("direction = %s, want LONG", state.Direction)
	}

	key := poskey.Derive("ACC-1", "AAPL", "USD", types.Long)
	rec, err := store.GetSnapshot(ctx, key)
	if err != nil || rec == nil {
		t.Fatalf("GetSnapshot: rec=%v err=%v", rec, err)
	}
	if rec.LastVer != 1 || rec.Version != 1 {
		t.Errorf("last_ver=%d version=%d, want 1/1", rec.LastVer, rec.Version)
	}
	if rec.UTI != "T-1" || rec.Status != types.StatusActive || rec.ReconStatus != types.Reconciled {
		t.Errorf("uti=%s status=%s recon=%s", rec.UTI, rec.Status, rec.ReconStatus)
	}

	idem, _ := store.GetIdempotency(ctx, "T-1")
	if idem == nil || idem.Status != types.Processed || idem.EventVersion != 1 {
		t.Errorf("idempotency = %+v, want PROCESSED v1", idem)
	}

	history, _ := store.UPIHistoryFor(ctx, key)
	if len(history) != 1 || history[0].ChangeType != types.UPICreated {
		t.Errorf("upi history = %+v, want one CREATED", history)
	}

	if msgs := mb.Drain("trade-applied-events"); len(msgs) != 1 {
		t.Errorf("applied events = %d, want 1", len(msgs))
	}
}

func TestProcessDuplicateReturnsStateWithoutSideEffects(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	trade := mkTrade("T-1", types.NewTrade, "100", "50", 10)
	if _, err := a.Process(ctx, trade); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	mb.Drain("trade-applied-events")

	state, err := a.Process(ctx, trade)
	if err != nil {
		t.Fatalf("duplicate Process: %v", err)
	}
	if !state.TotalQty().Equal(d("100")) {
		t.Errorf("total = %s, want 100", state.TotalQty())
	}

	key := poskey.Derive("ACC-1", "AAPL", "USD", types.Long)
	events, _ := store.LoadStream(ctx, key)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1 (no re-append)", len(events))
	}
	if msgs := mb.Drain("trade-applied-events"); len(msgs) != 0 {
		t.Errorf("applied events on duplicate = %d, want 0", len(msgs))
	}
}

func TestProcessPartialDecreaseFIFO(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	if _, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 1)); err != nil {
		t.Fatalf("T-1: %v", err)
	}
	if _, err := a.Process(ctx, mkTrade("T-2", types.Increase, "50", "55", 2)); err != nil {
		t.Fatalf("T-2: %v", err)
	}
	state, err := a.Process(ctx, mkTrade("T-3", types.Decrease, "-120", "60", 10))
	if err != nil {
		t.Fatalf("T-3: %v", err)
	}

	if !state.TotalQty().Equal(d("30")) {
		t.Errorf("total = %s, want 30", state.TotalQty())
	}
	if state.LotCount() != 1 {
		t.Errorf("lot count = %d, want 1", state.LotCount())
	}
	rec, _ := store.GetSnapshot(ctx, state.PositionKey)
	if rec.LastVer != 3 {
		t.Errorf("last_ver = %d, want 3", rec.LastVer)
	}
	got, summary, err := eventstore.InflateState(rec)
	if err != nil {
		t.Fatalf("InflateState: %v", err)
	}
	// (60-50)*100 + (60-55)*20 = 1100.
	if !summary.RealizedPnL.Equal(d("1100")) {
		t.Errorf("realized pnl = %s, want 1100", summary.RealizedPnL)
	}
	if !got.OpenLots[0].RemainingQty.Equal(d("30")) {
		t.Errorf("surviving lot remaining = %s, want 30", got.OpenLots[0].RemainingQty)
	}
	if !got.OpenLots[0].OriginalPrice.Equal(d("55")) {
		t.Errorf("surviving lot basis = %s, want 55 (FIFO consumed the older lot first)", got.OpenLots[0].OriginalPrice)
	}
}

func TestProcessCloseToZeroTerminates(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	if _, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 1)); err != nil {
		t.Fatalf("T-1: %v", err)
	}
	state, err := a.Process(ctx, mkTrade("T-2", types.Decrease, "-100", "60", 10))
	if err != nil {
		t.Fatalf("T-2: %v", err)
	}
	if !state.TotalQty().IsZero() || state.LotCount() != 0 {
		t.Fatalf("total=%s lots=%d, want 0/0", state.TotalQty(), state.LotCount())
	}

	rec, _ := store.GetSnapshot(ctx, state.PositionKey)
	if rec.Status != types.StatusTerminated {
		t.Errorf("status = %s, want TERMINATED", rec.Status)
	}
	if rec.UTI != "T-1" {
		t.Errorf("uti = %s, want T-1 (termination keeps the UTI)", rec.UTI)
	}

	history, _ := store.UPIHistoryFor(ctx, state.PositionKey)
	if len(history) != 2 || history[1].ChangeType != types.UPITerminated {
		t.Fatalf("upi history = %+v, want CREATED then TERMINATED", history)
	}
}

func TestProcessReopenAssignsNewUTI(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	if _, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 1)); err != nil {
		t.Fatalf("T-1: %v", err)
	}
	if _, err := a.Process(ctx, mkTrade("T-2", types.Decrease, "-100", "60", 2)); err != nil {
		t.Fatalf("T-2: %v", err)
	}
	state, err := a.Process(ctx, mkTrade("T-3", types.NewTrade, "40", "58", 10))
	if err != nil {
		t.Fatalf("T-3: %v", err)
	}

	rec, _ := store.GetSnapshot(ctx, state.PositionKey)
	if rec.Status != types.StatusActive {
		t.Errorf("status = %s, want ACTIVE", rec.Status)
	}
	if rec.UTI != "T-3" {
		t.Errorf("uti = %s, want T-3 (reopen assigns a fresh UTI)", rec.UTI)
	}
	if rec.LastVer != 3 {
		t.Errorf("last_ver = %d, want 3 (version sequence continues)", rec.LastVer)
	}

	history, _ := store.UPIHistoryFor(ctx, state.PositionKey)
	if len(history) != 3 || history[2].ChangeType != types.UPIReopened {
		t.Fatalf("upi history = %+v, want CREATED, TERMINATED, REOPENED", history)
	}
	if history[2].PreviousUPI != "T-1" {
		t.Errorf("previous_upi = %s, want T-1", history[2].PreviousUPI)
	}
}

func TestProcessSignChangeSplit(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	if _, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 1)); err != nil {
		t.Fatalf("T-1: %v", err)
	}
	mb.Drain("trade-applied-events")

	state, err := a.Process(ctx, mkTrade("T-2", types.Decrease, "-150", "60", 10))
	if err != nil {
		t.Fatalf("T-2: %v", err)
	}

	longKey := poskey.Derive("ACC-1", "AAPL", "USD", types.Long)
	shortKey := poskey.Derive("ACC-1", "AAPL", "USD", types.Short)

	if state.PositionKey != shortKey {
		t.Fatalf("returned key = %s, want the short key %s", state.PositionKey, shortKey)
	}
	if !state.TotalQty().Equal(d("-50")) {
		t.Errorf("new position total = %s, want -50", state.TotalQty())
	}
	if state.Direction != types.Short {
		t.Errorf("direction = %s, want SHORT", state.Direction)
	}

	oldRec, _ := store.GetSnapshot(ctx, longKey)
	if oldRec.Status != types.StatusTerminated {
		t.Errorf("old status = %s, want TERMINATED", oldRec.Status)
	}
	oldState, _, err := eventstore.InflateState(oldRec)
	if err != nil {
		t.Fatalf("inflate old: %v", err)
	}
	if !oldState.TotalQty().IsZero() {
		t.Errorf("old total = %s, want 0", oldState.TotalQty())
	}

	newRec, _ := store.GetSnapshot(ctx, shortKey)
	if newRec.UTI != "T-2" {
		t.Errorf("new uti = %s, want T-2", newRec.UTI)
	}
	if newRec.Status != types.StatusActive {
		t.Errorf("new status = %s, want ACTIVE", newRec.Status)
	}

	// The synthesized open carries a suffixed trade id on the new stream.
	newEvents, _ := store.LoadStream(ctx, shortKey)
	if len(newEvents) != 1 {
		t.Fatalf("new stream = %d events, want 1", len(newEvents))
	}
	if !strings.Contains(string(newEvents[0].Payload), "T-2-SPLIT") {
		t.Errorf("synthesized payload missing suffixed trade id: %s", newEvents[0].Payload)
	}

	for _, id := range []string{"T-2", "T-2-SPLIT"} {
		idem, _ := store.GetIdempotency(ctx, id)
		if idem == nil || idem.Status != types.Processed {
			t.Errorf("idempotency[%s] = %+v, want PROCESSED", id, idem)
		}
	}

	if msgs := mb.Drain("trade-applied-events"); len(msgs) != 2 {
		t.Errorf("applied events = %d, want 2 (close + open)", len(msgs))
	}

	history, _ := store.UPIHistoryFor(ctx, shortKey)
	if len(history) != 1 || history[0].ChangeType != types.UPICreated || history[0].PreviousUPI != "T-1" {
		t.Fatalf("new-key upi history = %+v, want CREATED linked to T-1", history)
	}
}

func TestProcessSplitSchedulesClampedQuantity(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	if _, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 1)); err != nil {
		t.Fatalf("T-1: %v", err)
	}
	if _, err := a.Process(ctx, mkTrade("T-2", types.Decrease, "-150", "60", 8)); err != nil {
		t.Fatalf("T-2: %v", err)
	}

	// The closed key's schedule records the closing magnitude, not the full
	// trade, so a rebuild from the event stream lands on the same schedule.
	longKey := poskey.Derive("ACC-1", "AAPL", "USD", types.Long)
	rec, _ := store.GetSnapshot(ctx, longKey)
	state, _, err := eventstore.InflateState(rec)
	if err != nil {
		t.Fatalf("InflateState: %v", err)
	}
	entry, ok := state.Schedule[date(8).String()]
	if !ok {
		t.Fatalf("no schedule entry for the closing date: %+v", state.Schedule)
	}
	if !entry.EffectiveQty.Equal(d("-100")) {
		t.Errorf("closing schedule qty = %s, want -100 (clamped)", entry.EffectiveQty)
	}

	shortKey := poskey.Derive("ACC-1", "AAPL", "USD", types.Short)
	newRec, _ := store.GetSnapshot(ctx, shortKey)
	newState, _, err := eventstore.InflateState(newRec)
	if err != nil {
		t.Fatalf("inflate new key: %v", err)
	}
	if entry := newState.Schedule[date(8).String()]; !entry.EffectiveQty.Equal(d("-50")) {
		t.Errorf("overflow schedule qty = %s, want -50", entry.EffectiveQty)
	}
}

func TestProcessBackdatedOnTerminatedKeyRoutesToColdpath(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	if _, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 1)); err != nil {
		t.Fatalf("T-1: %v", err)
	}
	if _, err := a.Process(ctx, mkTrade("T-2", types.Decrease, "-150", "60", 8)); err != nil {
		t.Fatalf("T-2: %v", err)
	}
	if msgs := mb.Drain("backdated-trades"); len(msgs) != 0 {
		t.Fatalf("backdated routing before the backdated trade = %d, want 0", len(msgs))
	}

	// The terminated key has no open lots, but its schedule still anchors
	// backdating: an inflow landing before the close must replay.
	back := mkTrade("T-3", types.Increase, "25", "52", 2)
	back.EffectiveDate = date(2)
	state, err := a.Process(ctx, back)
	if err != nil {
		t.Fatalf("backdated T-3: %v", err)
	}

	longKey := poskey.Derive("ACC-1", "AAPL", "USD", types.Long)
	if state.PositionKey != longKey {
		t.Fatalf("key = %s, want the terminated long key %s", state.PositionKey, longKey)
	}
	if !state.TotalQty().Equal(d("25")) {
		t.Errorf("provisional total = %s, want 25", state.TotalQty())
	}

	rec, _ := store.GetSnapshot(ctx, longKey)
	if rec.ReconStatus != types.Provisional || rec.ProvisionalTradeID != "T-3" {
		t.Errorf("recon=%s provisional_trade_id=%s, want PROVISIONAL/T-3",
			rec.ReconStatus, rec.ProvisionalTradeID)
	}
	if rec.Status != types.StatusActive {
		t.Errorf("status = %s, want ACTIVE (a terminated snapshot never carries quantity)", rec.Status)
	}
	if rec.UTI != "T-1" {
		t.Errorf("uti = %s, want T-1 (an INCREASE resumes the recorded identity)", rec.UTI)
	}

	if msgs := mb.Drain("backdated-trades"); len(msgs) != 1 {
		t.Errorf("backdated routing = %d messages, want 1", len(msgs))
	}

	history, _ := store.UPIHistoryFor(ctx, longKey)
	last := history[len(history)-1]
	if last.ChangeType != types.UPIReopened || last.PreviousUPI != "T-1" {
		t.Errorf("last upi change = %+v, want REOPENED from T-1", last)
	}
}

func TestProcessBackdatedAppliesProvisionally(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	if _, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 10)); err != nil {
		t.Fatalf("T-1: %v", err)
	}
	mb.Drain("trade-applied-events")

	back := mkTrade("T-2", types.Increase, "25", "48", 5)
	back.EffectiveDate = date(5)
	state, err := a.Process(ctx, back)
	if err != nil {
		t.Fatalf("backdated Process: %v", err)
	}
	if !state.TotalQty().Equal(d("125")) {
		t.Errorf("provisional total = %s, want 125", state.TotalQty())
	}

	rec, _ := store.GetSnapshot(ctx, state.PositionKey)
	if rec.ReconStatus != types.Provisional {
		t.Errorf("recon = %s, want PROVISIONAL", rec.ReconStatus)
	}
	if rec.ProvisionalTradeID != "T-2" {
		t.Errorf("provisional_trade_id = %s, want T-2", rec.ProvisionalTradeID)
	}

	// Backdated events are stamped at effective-date midnight so replay
	// sorts them before same-date wall-clock events.
	events, _ := store.LoadStream(ctx, state.PositionKey)
	last := events[len(events)-1]
	if !last.OccurredAt.Equal(date(5).Midnight()) {
		t.Errorf("occurred_at = %s, want %s", last.OccurredAt, date(5).Midnight())
	}

	if msgs := mb.Drain("backdated-trades"); len(msgs) != 1 {
		t.Errorf("backdated routing = %d messages, want 1", len(msgs))
	}
	if msgs := mb.Drain("provisional-trade-events"); len(msgs) != 1 {
		t.Errorf("provisional events = %d, want 1", len(msgs))
	}
	if msgs := mb.Drain("trade-applied-events"); len(msgs) != 0 {
		t.Errorf("applied events = %d, want 0 for a provisional apply", len(msgs))
	}
}

func TestProcessValidationFailureGoesToDLQ(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	ctx := context.Background()

	bad := mkTrade("T-BAD", types.NewTrade, "0", "-5", 10)
	_, err := a.Process(ctx, bad)
	var verr *validate.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}

	msgs := mb.Drain("trades-dlq")
	if len(msgs) != 1 {
		t.Fatalf("dlq = %d messages, want 1", len(msgs))
	}
	if !strings.Contains(string(msgs[0].Value), "quantity must be non-zero") {
		t.Errorf("dlq payload missing reason: %s", msgs[0].Value)
	}
}

func TestProcessOverdrawRejectedWhenSplitDisabled(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)
	a.hotCfg.AllowSignChange = false
	ctx := context.Background()

	if _, err := a.Process(ctx, mkTrade("T-1", types.NewTrade, "100", "50", 1)); err != nil {
		t.Fatalf("T-1: %v", err)
	}
	_, err := a.Process(ctx, mkTrade("T-2", types.Decrease, "-150", "60", 10))
	var verr *validate.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if msgs := mb.Drain("trades-dlq"); len(msgs) != 1 {
		t.Errorf("dlq = %d messages, want 1", len(msgs))
	}
}

// flakyStore fails WithinTx with a conflict a fixed number of times before
// delegating.
type flakyStore struct {
	eventstore.Store
	failures int
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx eventstore.Store) error) error {
	if f.failures > 0 {
		f.failures--
		return eventstore.ErrOptimisticConflict
	}
	return f.Store.WithinTx(ctx, fn)
}

func TestProcessRetriesOnConflict(t *testing.T) {
	t.Parallel()
	store := &flakyStore{Store: eventstore.NewMemoryStore(), failures: 3}
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)

	state, err := a.Process(context.Background(), mkTrade("T-1", types.NewTrade, "100", "50", 10))
	if err != nil {
		t.Fatalf("Process after conflicts: %v", err)
	}
	if !state.TotalQty().Equal(d("100")) {
		t.Errorf("total = %s, want 100", state.TotalQty())
	}
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	store := &flakyStore{Store: eventstore.NewMemoryStore(), failures: 100}
	mb := bus.NewMemoryBus(64)
	a := newApplier(t, store, mb)

	_, err := a.Process(context.Background(), mkTrade("T-1", types.NewTrade, "100", "50", 10))
	if !errors.Is(err, ErrSystemUnavailable) {
		t.Fatalf("err = %v, want ErrSystemUnavailable", err)
	}
}
