package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestDateJSONRoundTrip(t *testing.T) {
	t.Parallel()

	day := NewDate(2026, time.March, 5)
	data, err := json.Marshal(day)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"2026-03-05"` {
		t.Fatalf("marshal = %s, want \"2026-03-05\"", data)
	}

	var back Date
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(day.Time) {
		t.Errorf("round trip = %s, want %s", back, day)
	}

	var null Date
	if err := json.Unmarshal([]byte("null"), &null); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !null.IsZero() {
		t.Errorf("null date = %s, want zero", null)
	}

	// Timestamps truncate to the calendar date.
	var fromTS Date
	if err := json.Unmarshal([]byte(`"2026-03-05T14:30:00Z"`), &fromTS); err != nil {
		t.Fatalf("unmarshal timestamp: %v", err)
	}
	if !fromTS.Equal(day.Time) {
		t.Errorf("timestamp date = %s, want %s", fromTS, day)
	}
}

func TestDivBank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b, want string
	}{
		{"10", "4", "2.5"},
		{"1", "3", "0.33333333"},
		{"2", "3", "0.66666667"},
		// Banker's rounding on the exact half: toward the even digit.
		{"0.000000125", "1", "0.00000012"},
		{"0.000000135", "1", "0.00000014"},
	}
	for _, tt := range tests {
		if got := DivBank(d(tt.a), d(tt.b)); !got.Equal(d(tt.want)) {
			t.Errorf("DivBank(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestEffectiveFallsBackToTradeDate(t *testing.T) {
	t.Parallel()

	trade := TradeEvent{TradeDate: NewDate(2026, time.March, 10)}
	if !trade.Effective().Equal(trade.TradeDate.Time) {
		t.Errorf("effective = %s, want trade date", trade.Effective())
	}
	trade.EffectiveDate = NewDate(2026, time.March, 5)
	if !trade.Effective().Equal(trade.EffectiveDate.Time) {
		t.Errorf("effective = %s, want explicit effective date", trade.Effective())
	}
}

func TestAllocationResultOverflow(t *testing.T) {
	t.Parallel()

	var res AllocationResult
	if _, ok := res.Overflow(); ok {
		t.Error("zero remaining reported overflow")
	}
	res.RemainingQuantity = d("-20")
	mag, ok := res.Overflow()
	if !ok || !mag.Equal(d("20")) {
		t.Errorf("overflow = %s,%v, want 20,true", mag, ok)
	}
}

func TestLatestTradeDateIgnoresClosedLots(t *testing.T) {
	t.Parallel()

	state := PositionState{OpenLots: []TaxLot{
		{TradeDate: NewDate(2026, time.March, 12), OriginalQty: d("10"), RemainingQty: d("0")},
		{TradeDate: NewDate(2026, time.March, 8), OriginalQty: d("10"), RemainingQty: d("10")},
	}}
	latest := state.LatestTradeDate()
	if latest == nil || !latest.Equal(NewDate(2026, time.March, 8).Time) {
		t.Errorf("latest = %v, want 2026-03-08", latest)
	}

	empty := PositionState{}
	if empty.LatestTradeDate() != nil {
		t.Error("empty state returned a latest trade date")
	}
}

func TestSnapshotDateFallsBackToSchedule(t *testing.T) {
	t.Parallel()

	state := &PositionState{PositionKey: "k"}
	if got := state.SnapshotDate(); got != nil {
		t.Errorf("snapshot date of a fresh position = %v, want nil", got)
	}

	// A closed episode keeps its schedule, and the schedule keeps anchoring
	// the backdating decision.
	today := NewDate(2026, time.March, 10)
	state.UpsertSchedule(NewDate(2026, time.March, 1), nil, d("100"), d("50"), today)
	state.UpsertSchedule(NewDate(2026, time.March, 8), nil, d("-100"), d("60"), today)
	got := state.SnapshotDate()
	if got == nil || !got.Equal(NewDate(2026, time.March, 8).Time) {
		t.Errorf("snapshot date = %v, want 2026-03-08 from the schedule", got)
	}

	// An open lot takes precedence over the schedule.
	state.OpenLots = []TaxLot{{
		LotID:        "lot-1",
		TradeDate:    NewDate(2026, time.March, 5),
		OriginalQty:  d("10"),
		RemainingQty: d("10"),
	}}
	got = state.SnapshotDate()
	if got == nil || !got.Equal(NewDate(2026, time.March, 5).Time) {
		t.Errorf("snapshot date = %v, want the open-lot date 2026-03-05", got)
	}
}

func TestUpsertScheduleWeightedAverage(t *testing.T) {
	t.Parallel()

	today := NewDate(2026, time.March, 10)
	day := NewDate(2026, time.March, 8)
	var state PositionState

	state.UpsertSchedule(day, nil, d("100"), d("50"), today)
	state.UpsertSchedule(day, nil, d("50"), d("56"), today)

	entry := state.Schedule[day.String()]
	if !entry.EffectiveQty.Equal(d("150")) {
		t.Errorf("effective qty = %s, want 150", entry.EffectiveQty)
	}
	// (100*50 + 50*56) / 150 = 52.
	if !entry.WeightedAvgPrice.Equal(d("52")) {
		t.Errorf("weighted avg = %s, want 52", entry.WeightedAvgPrice)
	}

	// A settlement on or before today marks the entry settled.
	settle := NewDate(2026, time.March, 9)
	state.UpsertSchedule(day, &settle, d("10"), d("52"), today)
	entry = state.Schedule[day.String()]
	if !entry.SettledQty.Equal(entry.EffectiveQty) {
		t.Errorf("settled qty = %s, want %s", entry.SettledQty, entry.EffectiveQty)
	}
}

func TestParseMethodDefaultsToFIFO(t *testing.T) {
	t.Parallel()

	tests := map[string]Method{
		"FIFO": FIFO, "lifo": LIFO, " hifo ": HIFO, "": FIFO, "garbage": FIFO,
	}
	for in, want := range tests {
		if got := ParseMethod(in); got != want {
			t.Errorf("ParseMethod(%q) = %s, want %s", in, got, want)
		}
	}
}
