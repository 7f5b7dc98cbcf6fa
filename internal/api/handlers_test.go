package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradelot/internal/eventstore"
	"tradelot/pkg/types"
)

func newTestMux(t *testing.T, store eventstore.Store) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(store, NewHub(logger), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /api/positions/{key}", h.HandlePosition)
	mux.HandleFunc("GET /api/positions/{key}/events", h.HandleEvents)
	mux.HandleFunc("GET /api/positions/{key}/upi-history", h.HandleUPIHistory)
	return mux
}

func seedPosition(t *testing.T, store eventstore.Store, key string) {
	t.Helper()
	ctx := context.Background()

	state := &types.PositionState{
		PositionKey: key,
		Account:     "ACC-1",
		Instrument:  "AAPL",
		Currency:    "USD",
		Direction:   types.Long,
		Version:     2,
		OpenLots: []types.TaxLot{{
			LotID:           "lot-1",
			TradeDate:       types.NewDate(2026, time.March, 8),
			OriginalQty:     decimal.NewFromInt(100),
			RemainingQty:    decimal.NewFromInt(100),
			OriginalPrice:   decimal.NewFromInt(50),
			CurrentRefPrice: decimal.NewFromInt(50),
		}},
	}
	rec, err := eventstore.CompressState(state, state.Summarize(decimal.Zero), "T-1",
		types.StatusActive, types.Reconciled, "", 1, 10, time.Now())
	if err != nil {
		t.Fatalf("CompressState: %v", err)
	}
	if err := store.UpsertSnapshot(ctx, rec, 0); err != nil {
		t.Fatalf("UpsertSnapshot: %v", err)
	}

	for ver, day := range map[int64]int{1: 8, 2: 10} {
		if _, err := store.AppendEvent(ctx, types.EventRecord{
			PositionKey:   key,
			EventVer:      ver,
			EventType:     types.NewTrade,
			EffectiveDate: types.NewDate(2026, time.March, day),
			OccurredAt:    time.Now(),
			Payload:       []byte(`{"trade_id":"T-1"}`),
		}); err != nil {
			t.Fatalf("AppendEvent v%d: %v", ver, err)
		}
	}
	if err := store.RecordUPI(ctx, types.UPIRecord{
		PositionKey:       key,
		UPI:               "T-1",
		Status:            types.StatusActive,
		ChangeType:        types.UPICreated,
		TriggeringTradeID: "T-1",
	}); err != nil {
		t.Fatalf("RecordUPI: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	mux := newTestMux(t, eventstore.NewMemoryStore())

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestHandlePosition(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	seedPosition(t, store, "abc123")
	mux := newTestMux(t, store)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions/abc123", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp struct {
		Snapshot types.SnapshotRecord `json:"snapshot"`
		State    types.PositionState  `json:"state"`
		Summary  types.SummaryMetrics `json:"summary_metrics"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Snapshot.UTI != "T-1" {
		t.Errorf("uti = %s, want T-1", resp.Snapshot.UTI)
	}
	if !resp.Summary.TotalQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("total = %s, want 100", resp.Summary.TotalQty)
	}
	if len(resp.State.OpenLots) != 1 {
		t.Errorf("open lots = %d, want 1", len(resp.State.OpenLots))
	}
}

func TestHandlePositionNotFound(t *testing.T) {
	t.Parallel()
	mux := newTestMux(t, eventstore.NewMemoryStore())

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleEvents(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	seedPosition(t, store, "abc123")
	mux := newTestMux(t, store)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions/abc123/events", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Events []types.EventRecord `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(resp.Events))
	}

	// as_of filters by effective date.
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions/abc123/events?as_of=2026-03-08", nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode as_of: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Errorf("as_of events = %d, want 1", len(resp.Events))
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions/abc123/events?as_of=nope", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad as_of status = %d, want 400", rr.Code)
	}
}

func TestHandleUPIHistory(t *testing.T) {
	t.Parallel()
	store := eventstore.NewMemoryStore()
	seedPosition(t, store, "abc123")
	mux := newTestMux(t, store)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/positions/abc123/upi-history", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		History []types.UPIRecord `json:"history"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.History) != 1 || resp.History[0].ChangeType != types.UPICreated {
		t.Fatalf("history = %+v, want one CREATED", resp.History)
	}
}
