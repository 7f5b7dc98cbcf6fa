package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradelot/pkg/types"
)

// MemoryStore is an in-process Store for tests and dry-run mode. WithinTx is
// copy-on-write: fn mutates a clone and the clone is swapped in only on
// success, matching the rollback semantics of the PostgreSQL store.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
	now  func() time.Time
}

type memData struct {
	events      map[string][]types.EventRecord    // position_key → ordered by event_ver
	snapshots   map[string]types.SnapshotRecord   // position_key → row
	idempotency map[string]types.IdempotencyRecord // trade_id → row
	upiHistory  []types.UPIRecord
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			events:      make(map[string][]types.EventRecord),
			snapshots:   make(map[string]types.SnapshotRecord),
			idempotency: make(map[string]types.IdempotencyRecord),
		},
		now: time.Now,
	}
}

// SetClock overrides wall-clock time for tests.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (d *memData) clone() *memData {
	c := &memData{
		events:      make(map[string][]types.EventRecord, len(d.events)),
		snapshots:   make(map[string]types.SnapshotRecord, len(d.snapshots)),
		idempotency: make(map[string]types.IdempotencyRecord, len(d.idempotency)),
		upiHistory:  append([]types.UPIRecord(nil), d.upiHistory...),
	}
	for k, v := range d.events {
		c.events[k] = append([]types.EventRecord(nil), v...)
	}
	for k, v := range d.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range d.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// memTx is a transaction-scoped view over a cloned memData. It is not safe
// for concurrent use, matching the single-tx-single-goroutine contract.
type memTx struct {
	data *memData
	now  func() time.Time
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := s.data.clone()
	if err := fn(ctx, &memTx{data: clone, now: s.now}); err != nil {
		return err
	}
	s.data = clone
	return nil
}

// Direct (non-transactional) calls run as single-operation transactions.

func (s *MemoryStore) AppendEvent(ctx context.Context, rec types.EventRecord) (int64, error) {
	var ver int64
	err := s.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		var err error
		ver, err = tx.AppendEvent(ctx, rec)
		return err
	})
	return ver, err
}

func (s *MemoryStore) LoadStream(ctx context.Context, positionKey string) ([]types.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data, now: s.now}).LoadStream(ctx, positionKey)
}

func (s *MemoryStore) LoadStreamAsOf(ctx context.Context, positionKey string, asOf types.Date) ([]types.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data, now: s.now}).LoadStreamAsOf(ctx, positionKey, asOf)
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, positionKey string) (*types.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data, now: s.now}).GetSnapshot(ctx, positionKey)
}

func (s *MemoryStore) UpsertSnapshot(ctx context.Context, rec types.SnapshotRecord, expectedVersion int64) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.UpsertSnapshot(ctx, rec, expectedVersion)
	})
}

func (s *MemoryStore) FindByUTI(ctx context.Context, uti, excludeKey string) (*types.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data, now: s.now}).FindByUTI(ctx, uti, excludeKey)
}

func (s *MemoryStore) GetIdempotency(ctx context.Context, tradeID string) (*types.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data, now: s.now}).GetIdempotency(ctx, tradeID)
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, tradeID, positionKey string, eventVer int64) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.MarkProcessed(ctx, tradeID, positionKey, eventVer)
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, tradeID, positionKey, errMsg string) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.MarkFailed(ctx, tradeID, positionKey, errMsg)
	})
}

func (s *MemoryStore) RecordUPI(ctx context.Context, rec types.UPIRecord) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		return tx.RecordUPI(ctx, rec)
	})
}

func (s *MemoryStore) UPIHistoryFor(ctx context.Context, positionKey string) ([]types.UPIRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{data: s.data, now: s.now}).UPIHistoryFor(ctx, positionKey)
}

// ————————————————————————————————————————————————————————————————————————
// memTx implementation
// ————————————————————————————————————————————————————————————————————————

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	// Nested transactions share the enclosing scope.
	return fn(ctx, t)
}

func (t *memTx) AppendEvent(_ context.Context, rec types.EventRecord) (int64, error) {
	stream := t.data.events[rec.PositionKey]
	next := int64(len(stream)) + 1
	if rec.EventVer == 0 {
		rec.EventVer = next
	}
	for _, e := range stream {
		if e.EventVer == rec.EventVer {
			return 0, ErrVersionConflict
		}
	}
	t.data.events[rec.PositionKey] = append(stream, rec)
	sort.Slice(t.data.events[rec.PositionKey], func(a, b int) bool {
		return t.data.events[rec.PositionKey][a].EventVer < t.data.events[rec.PositionKey][b].EventVer
	})
	return rec.EventVer, nil
}

func (t *memTx) LoadStream(_ context.Context, positionKey string) ([]types.EventRecord, error) {
	return append([]types.EventRecord(nil), t.data.events[positionKey]...), nil
}

func (t *memTx) LoadStreamAsOf(_ context.Context, positionKey string, asOf types.Date) ([]types.EventRecord, error) {
	var out []types.EventRecord
	for _, e := range t.data.events[positionKey] {
		if !e.EffectiveDate.After(asOf.Time) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) GetSnapshot(_ context.Context, positionKey string) (*types.SnapshotRecord, error) {
	rec, ok := t.data.snapshots[positionKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (t *memTx) UpsertSnapshot(_ context.Context, rec types.SnapshotRecord, expectedVersion int64) error {
	current, exists := t.data.snapshots[rec.PositionKey]
	if expectedVersion == 0 {
		if exists {
			return ErrOptimisticConflict
		}
	} else if !exists || current.Version != expectedVersion {
		return ErrOptimisticConflict
	}
	t.data.snapshots[rec.PositionKey] = rec
	return nil
}

func (t *memTx) FindByUTI(_ context.Context, uti, excludeKey string) (*types.SnapshotRecord, error) {
	keys := make([]string, 0, len(t.data.snapshots))
	for k := range t.data.snapshots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rec := t.data.snapshots[k]
		if rec.UTI == uti && rec.PositionKey != excludeKey {
			return &rec, nil
		}
	}
	return nil, nil
}

func (t *memTx) GetIdempotency(_ context.Context, tradeID string) (*types.IdempotencyRecord, error) {
	rec, ok := t.data.idempotency[tradeID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (t *memTx) MarkProcessed(_ context.Context, tradeID, positionKey string, eventVer int64) error {
	t.data.idempotency[tradeID] = types.IdempotencyRecord{
		TradeID:      tradeID,
		PositionKey:  positionKey,
		EventVersion: eventVer,
		Status:       types.Processed,
		ProcessedAt:  t.now(),
	}
	return nil
}

func (t *memTx) MarkFailed(_ context.Context, tradeID, positionKey, errMsg string) error {
	if existing, ok := t.data.idempotency[tradeID]; ok && existing.Status == types.Processed {
		return nil
	}
	t.data.idempotency[tradeID] = types.IdempotencyRecord{
		TradeID:     tradeID,
		PositionKey: positionKey,
		Status:      types.Failed,
		Error:       errMsg,
		ProcessedAt: t.now(),
	}
	return nil
}

func (t *memTx) RecordUPI(_ context.Context, rec types.UPIRecord) error {
	t.data.upiHistory = append(t.data.upiHistory, rec)
	return nil
}

func (t *memTx) UPIHistoryFor(_ context.Context, positionKey string) ([]types.UPIRecord, error) {
	var out []types.UPIRecord
	for _, rec := range t.data.upiHistory {
		if rec.PositionKey == positionKey {
			out = append(out, rec)
		}
	}
	return out, nil
}
