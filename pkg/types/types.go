// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — trades, tax lots,
// position state, and the persisted record shapes. It has no dependencies on
// internal packages, so it can be imported by any layer. All quantities,
// prices, and PnL figures are shopspring decimals; float64 never touches money.
package types

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the side of a position. A direction flip never mutates an
// existing position: it terminates the old position key and opens a new one.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// TradeType enumerates the supported trade message kinds.
type TradeType string

const (
	NewTrade TradeType = "NEW_TRADE"
	Increase TradeType = "INCREASE"
	Decrease TradeType = "DECREASE"
)

// SplitTradeIDSuffix marks the synthesized NEW_TRADE that opens the
// opposite-direction position after a sign-change split. The new position's
// UTI is the unsuffixed originating trade id.
const SplitTradeIDSuffix = "-SPLIT"

// Method selects the lot-consumption ordering when reducing a position.
type Method string

const (
	FIFO Method = "FIFO" // oldest trade date first
	LIFO Method = "LIFO" // newest trade date first
	HIFO Method = "HIFO" // highest reference price first
)

// ParseMethod maps a string to a Method, defaulting to FIFO on anything
// unrecognized. Contract rules feeds are not trusted to be well-formed.
func ParseMethod(s string) Method {
	switch Method(strings.ToUpper(strings.TrimSpace(s))) {
	case LIFO:
		return LIFO
	case HIFO:
		return HIFO
	default:
		return FIFO
	}
}

// Classification is the routing decision for an inbound trade.
type Classification string

const (
	CurrentDated Classification = "CURRENT_DATED" // apply synchronously
	ForwardDated Classification = "FORWARD_DATED" // apply synchronously, effective in the future
	Backdated    Classification = "BACKDATED"     // route to the recalculation stream
)

// PositionStatus is the lifecycle state of a position episode.
type PositionStatus string

const (
	StatusActive     PositionStatus = "ACTIVE"
	StatusTerminated PositionStatus = "TERMINATED"
)

// ReconStatus marks whether a snapshot is authoritative or awaiting a
// coldpath recalculation.
type ReconStatus string

const (
	Reconciled  ReconStatus = "RECONCILED"
	Provisional ReconStatus = "PROVISIONAL"
)

// IdempotencyStatus is the terminal state of a trade's processing attempt.
type IdempotencyStatus string

const (
	Processed IdempotencyStatus = "PROCESSED"
	Failed    IdempotencyStatus = "FAILED"
)

// UPIChangeType enumerates position-identity lifecycle transitions.
type UPIChangeType string

const (
	UPICreated     UPIChangeType = "CREATED"
	UPITerminated  UPIChangeType = "TERMINATED"
	UPIReopened    UPIChangeType = "REOPENED"
	UPIInvalidated UPIChangeType = "INVALIDATED"
	UPIRestored    UPIChangeType = "RESTORED"
	UPIMerged      UPIChangeType = "MERGED"
)

// ————————————————————————————————————————————————————————————————————————
// Dates and decimal helpers
// ————————————————————————————————————————————————————————————————————————

// DateLayout is the wire format for business dates.
const DateLayout = "2006-01-02"

// Date is a calendar date with day precision, serialized as "YYYY-MM-DD".
// The embedded time is always midnight UTC so comparisons are pure date
// comparisons.
type Date struct {
	time.Time
}

// NewDate builds a Date at midnight UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, m, d)
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{t}, nil
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d.Time.IsZero() }

// Midnight returns the date's instant at 00:00:00 UTC. Used as the
// occurred_at convention for backdated events so they sort before same-date
// events written at wall-clock time.
func (d Date) Midnight() time.Time { return d.Time }

// AddYears returns the date shifted by n calendar years.
func (d Date) AddYears(n int) Date { return Date{d.Time.AddDate(n, 0, 0)} }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time.Format(DateLayout)
}

// MarshalJSON writes the date as a "YYYY-MM-DD" string, or null when unset.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts "YYYY-MM-DD", a full RFC 3339 timestamp, or null.
func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*d = Date{}
		return nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		*d = DateOf(t)
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", s, err)
	}
	*d = DateOf(t)
	return nil
}

// Value implements driver.Valuer so a Date maps to a SQL DATE column.
func (d Date) Value() (driver.Value, error) {
	if d.IsZero() {
		return nil, nil
	}
	return d.Time, nil
}

// Scan implements sql.Scanner for DATE columns.
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Date{}
		return nil
	case time.Time:
		*d = DateOf(v)
		return nil
	case []byte:
		parsed, err := ParseDate(string(v))
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("scan date: unsupported type %T", src)
	}
}

// PnLScale is the decimal scale for division results. Multiplication and
// addition stay exact; only division rounds, and it rounds banker's style.
const PnLScale = 8

// DivBank divides a by b with banker's rounding at PnLScale. Callers must
// guard b != 0.
func DivBank(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, PnLScale+4).RoundBank(PnLScale)
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// TradeEvent is the immutable inbound trade message. TradeID doubles as the
// idempotency key; PositionKey is derived from the account/instrument/
// currency/direction quadruple when absent.
type TradeEvent struct {
	TradeID        string          `json:"trade_id"`
	PositionKey    string          `json:"position_key,omitempty"`
	Account        string          `json:"account"`
	Instrument     string          `json:"instrument"`
	Currency       string          `json:"currency"`
	TradeType      TradeType       `json:"trade_type"`
	Quantity       decimal.Decimal `json:"quantity"` // signed; non-zero
	Price          decimal.Decimal `json:"price"`    // positive
	TradeDate      Date            `json:"trade_date"`
	SettlementDate *Date           `json:"settlement_date,omitempty"`
	EffectiveDate  Date            `json:"effective_date,omitempty"` // defaults to TradeDate
	ContractID     string          `json:"contract_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
}

// Effective returns the effective date, falling back to the trade date.
func (t TradeEvent) Effective() Date {
	if t.EffectiveDate.IsZero() {
		return t.TradeDate
	}
	return t.EffectiveDate
}

// ————————————————————————————————————————————————————————————————————————
// Tax lots and position state
// ————————————————————————————————————————————————————————————————————————

// TaxLot is an acquisition cohort carrying its own cost basis. RemainingQty
// keeps the sign of OriginalQty (long lots positive, short lots negative)
// until the lot closes at zero.
type TaxLot struct {
	LotID           string           `json:"lot_id"`
	TradeDate       Date             `json:"trade_date"`
	OriginalQty     decimal.Decimal  `json:"original_qty"`
	RemainingQty    decimal.Decimal  `json:"remaining_qty"`
	OriginalPrice   decimal.Decimal  `json:"original_price"`
	CurrentRefPrice decimal.Decimal  `json:"current_ref_price"`
	SettlementDate  *Date            `json:"settlement_date,omitempty"`
	SettledQuantity *decimal.Decimal `json:"settled_quantity,omitempty"`
}

// Closed reports whether the lot is fully consumed.
func (l TaxLot) Closed() bool { return l.RemainingQty.IsZero() }

// ScheduleEntry aggregates trade activity for one trade date.
type ScheduleEntry struct {
	SettlementDate   *Date           `json:"settlement_date,omitempty"`
	EffectiveQty     decimal.Decimal `json:"effective_qty"`
	SettledQty       decimal.Decimal `json:"settled_qty"`
	WeightedAvgPrice decimal.Decimal `json:"weighted_avg_price"`
}

// PositionState is the in-memory working state of one position. It is
// inflated from a snapshot record, mutated by the lot engine, and compressed
// back on write.
type PositionState struct {
	PositionKey string                   `json:"position_key"`
	Account     string                   `json:"account"`
	Instrument  string                   `json:"instrument"`
	Currency    string                   `json:"currency"`
	Direction   Direction                `json:"direction"`
	Version     int64                    `json:"version"` // last applied event_ver
	OpenLots    []TaxLot                 `json:"open_lots"`
	Schedule    map[string]ScheduleEntry `json:"price_quantity_schedule,omitempty"`
}

// TotalQty sums remaining quantity across lots. Exact decimal arithmetic, so
// the total never drifts from the lot-level truth.
func (p *PositionState) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.OpenLots {
		total = total.Add(l.RemainingQty)
	}
	return total
}

// Exposure is Σ remaining_qty × current_ref_price.
func (p *PositionState) Exposure() decimal.Decimal {
	exp := decimal.Zero
	for _, l := range p.OpenLots {
		exp = exp.Add(l.RemainingQty.Mul(l.CurrentRefPrice))
	}
	return exp
}

// LotCount counts lots with non-zero remaining quantity.
func (p *PositionState) LotCount() int {
	n := 0
	for _, l := range p.OpenLots {
		if !l.Closed() {
			n++
		}
	}
	return n
}

// LatestTradeDate returns the max trade date across open lots, or nil when
// the position holds no open lots. This is the "snapshot date" the
// classifier compares effective dates against.
func (p *PositionState) LatestTradeDate() *Date {
	var latest *Date
	for i := range p.OpenLots {
		l := p.OpenLots[i]
		if l.Closed() {
			continue
		}
		if latest == nil || l.TradeDate.After(latest.Time) {
			d := l.TradeDate
			latest = &d
		}
	}
	return latest
}

// SnapshotDate is the date the classifier compares effective dates against:
// the max open-lot trade date, falling back to the latest schedule date when
// every lot is closed. A terminated episode keeps anchoring backdating — a
// trade landing before its close must replay, not apply in place. Nil only
// when the position has no recorded activity at all.
func (p *PositionState) SnapshotDate() *Date {
	if latest := p.LatestTradeDate(); latest != nil {
		return latest
	}
	var latest *Date
	for key := range p.Schedule {
		d, err := ParseDate(key)
		if err != nil {
			continue
		}
		if latest == nil || d.After(latest.Time) {
			day := d
			latest = &day
		}
	}
	return latest
}

// UpsertSchedule folds one trade into the per-trade-date schedule. The
// weighted average price is recomputed over the accumulated effective
// quantity; same-date settlement info overwrites.
func (p *PositionState) UpsertSchedule(tradeDate Date, settlement *Date, qty, price decimal.Decimal, today Date) {
	if p.Schedule == nil {
		p.Schedule = make(map[string]ScheduleEntry)
	}
	key := tradeDate.String()
	entry := p.Schedule[key]

	prevNotional := entry.WeightedAvgPrice.Mul(entry.EffectiveQty.Abs())
	entry.EffectiveQty = entry.EffectiveQty.Add(qty)
	newNotional := prevNotional.Add(price.Mul(qty.Abs()))
	if !entry.EffectiveQty.IsZero() {
		entry.WeightedAvgPrice = DivBank(newNotional, entry.EffectiveQty.Abs())
	}
	if settlement != nil {
		entry.SettlementDate = settlement
		if !settlement.After(today.Time) {
			entry.SettledQty = entry.EffectiveQty
		}
	}
	p.Schedule[key] = entry
}

// SummaryMetrics is the derived rollup stored on the snapshot record.
type SummaryMetrics struct {
	TotalQty    decimal.Decimal `json:"total_qty"`
	Exposure    decimal.Decimal `json:"exposure"`
	LotCount    int             `json:"lot_count"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Summarize computes the rollup from the current state plus cumulative
// realized PnL carried by the caller.
func (p *PositionState) Summarize(realizedPnL decimal.Decimal) SummaryMetrics {
	return SummaryMetrics{
		TotalQty:    p.TotalQty(),
		Exposure:    p.Exposure(),
		LotCount:    p.LotCount(),
		RealizedPnL: realizedPnL,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Lot-engine results
// ————————————————————————————————————————————————————————————————————————

// Allocation records one lot touched by an add or reduce.
type Allocation struct {
	LotID       string          `json:"lot_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// AllocationResult is the structured outcome of a lot-engine primitive.
// RemainingQuantity is the sign-change signal: zero on a fully satisfied
// reduce, negative when the reduce exhausted every same-direction lot and
// the leftover magnitude belongs to the opposite direction. The applier
// inspects it; the engine never raises an error for overflow.
type AllocationResult struct {
	Allocations       []Allocation    `json:"allocations"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
}

// Overflow reports whether the reduce spilled into the opposite direction,
// returning the overflow magnitude.
func (r AllocationResult) Overflow() (decimal.Decimal, bool) {
	if r.RemainingQuantity.IsNegative() {
		return r.RemainingQuantity.Neg(), true
	}
	return decimal.Zero, false
}

// ————————————————————————————————————————————————————————————————————————
// Persisted records
// ————————————————————————————————————————————————————————————————————————

// EventRecord is one row of the append-only event log. (PositionKey,
// EventVer) is the composite primary key; a collision on it is the
// concurrency-conflict signal for the hotpath retry loop.
type EventRecord struct {
	PositionKey   string    `json:"position_key" db:"position_key"`
	EventVer      int64     `json:"event_ver" db:"event_ver"`
	EventType     TradeType `json:"event_type" db:"event_type"`
	EffectiveDate Date      `json:"effective_date" db:"effective_date"`
	OccurredAt    time.Time `json:"occurred_at" db:"occurred_at"`
	Payload       []byte    `json:"payload" db:"payload"`     // serialized TradeEvent
	MetaLots      []byte    `json:"meta_lots" db:"meta_lots"` // serialized AllocationResult
	CorrelationID string    `json:"correlation_id,omitempty" db:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty" db:"causation_id"`
	ContractID    string    `json:"contract_id,omitempty" db:"contract_id"`
}

// SnapshotRecord is the materialized view of one position, one row per
// position key. LastVer counts applied events; Version is the independent
// optimistic-lock counter for compare-and-set writes.
type SnapshotRecord struct {
	PositionKey        string         `json:"position_key" db:"position_key"`
	Account            string         `json:"account" db:"account"`
	Instrument         string         `json:"instrument" db:"instrument"`
	Currency           string         `json:"currency" db:"currency"`
	Direction          Direction      `json:"direction" db:"direction"`
	LastVer            int64          `json:"last_ver" db:"last_ver"`
	UTI                string         `json:"uti" db:"uti"`
	Status             PositionStatus `json:"status" db:"status"`
	ReconStatus        ReconStatus    `json:"reconciliation_status" db:"reconciliation_status"`
	ProvisionalTradeID string         `json:"provisional_trade_id,omitempty" db:"provisional_trade_id"`
	TaxLotsCompressed  []byte         `json:"tax_lots_compressed" db:"tax_lots_compressed"`
	Summary            []byte         `json:"summary_metrics" db:"summary_metrics"`
	Schedule           []byte         `json:"price_quantity_schedule" db:"price_quantity_schedule"`
	Version            int64          `json:"version" db:"version"`
	LastUpdatedAt      time.Time      `json:"last_updated_at" db:"last_updated_at"`
}

// IdempotencyRecord is the at-most-once guard row. Only PROCESSED blocks a
// retry; FAILED is diagnostic.
type IdempotencyRecord struct {
	TradeID      string            `json:"trade_id" db:"trade_id"`
	PositionKey  string            `json:"position_key" db:"position_key"`
	EventVersion int64             `json:"event_version" db:"event_version"`
	Status       IdempotencyStatus `json:"status" db:"status"`
	Error        string            `json:"error,omitempty" db:"error"`
	ProcessedAt  time.Time         `json:"processed_at" db:"processed_at"`
}

// UPIRecord is one append-only audit row of position-identity lifecycle.
type UPIRecord struct {
	PositionKey           string         `json:"position_key" db:"position_key"`
	UPI                   string         `json:"upi" db:"upi"`
	PreviousUPI           string         `json:"previous_upi,omitempty" db:"previous_upi"`
	Status                PositionStatus `json:"status" db:"status"`
	PreviousStatus        PositionStatus `json:"previous_status,omitempty" db:"previous_status"`
	ChangeType            UPIChangeType  `json:"change_type" db:"change_type"`
	TriggeringTradeID     string         `json:"triggering_trade_id" db:"triggering_trade_id"`
	BackdatedTradeID      string         `json:"backdated_trade_id,omitempty" db:"backdated_trade_id"`
	EffectiveDate         Date           `json:"effective_date" db:"effective_date"`
	OccurredAt            time.Time      `json:"occurred_at" db:"occurred_at"`
	MergedFromPositionKey string         `json:"merged_from_position_key,omitempty" db:"merged_from_position_key"`
	Reason                string         `json:"reason,omitempty" db:"reason"`
}

// ————————————————————————————————————————————————————————————————————————
// Outbound payloads
// ————————————————————————————————————————————————————————————————————————

// AppliedEvent is the payload published after a successful hotpath apply.
type AppliedEvent struct {
	TradeID     string         `json:"trade_id"`
	PositionKey string         `json:"position_key"`
	EventVer    int64          `json:"event_ver"`
	Status      PositionStatus `json:"status"`
	ReconStatus ReconStatus    `json:"reconciliation_status"`
	State       PositionState  `json:"state"`
	Summary     SummaryMetrics `json:"summary_metrics"`
	AppliedAt   time.Time      `json:"applied_at"`
}

// PositionCorrection is the payload of HISTORICAL_POSITION_CORRECTED.
type PositionCorrection struct {
	PositionKey      string          `json:"position_key"`
	BackdatedTradeID string          `json:"backdated_trade_id"`
	PreviousVersion  int64           `json:"previous_version"`
	CorrectedVersion int64           `json:"corrected_version"`
	QtyDelta         decimal.Decimal `json:"qty_delta"`
	ExposureDelta    decimal.Decimal `json:"exposure_delta"`
	LotCountDelta    int             `json:"lot_count_delta"`
	CorrectedAt      time.Time       `json:"corrected_at"`
}

// DLQMessage wraps a rejected trade with the reasons it was rejected.
type DLQMessage struct {
	Trade      TradeEvent `json:"trade"`
	Reasons    []string   `json:"reasons"`
	RejectedAt time.Time  `json:"rejected_at"`
}
