// Package eventstore persists the engine's four shared tables: the
// append-only event log, the per-position snapshot, the idempotency
// registry, and the UPI history audit.
//
// Two implementations share the Store contract: a PostgreSQL store (sqlx +
// lib/pq) for deployment and an in-memory store for tests and dry-run mode.
// Transactionality is expressed through WithinTx — the hotpath appends its
// event and upserts its snapshot inside one transaction, so a cancelled
// apply never leaves an event without its snapshot.
package eventstore

import (
	"context"
	"errors"

	"tradelot/pkg/types"
)

var (
	// ErrVersionConflict signals a primary-key collision on event append —
	// another writer took the version first. Retryable.
	ErrVersionConflict = errors.New("eventstore: event version conflict")

	// ErrOptimisticConflict signals a compare-and-set failure on the
	// snapshot's optimistic version counter. Retryable.
	ErrOptimisticConflict = errors.New("eventstore: snapshot optimistic conflict")

	// ErrNotFound is returned by lookups that require a row to exist.
	ErrNotFound = errors.New("eventstore: not found")
)

// Events is the append-only event log. (position_key, event_ver) is the
// composite primary key and versions per position are dense from 1.
type Events interface {
	// AppendEvent inserts one event. When rec.EventVer is zero the store
	// assigns max(event_ver)+1 for the position inside the same statement.
	// Returns the written version; ErrVersionConflict on a key collision.
	AppendEvent(ctx context.Context, rec types.EventRecord) (int64, error)

	// LoadStream returns all events for the position ordered by event_ver
	// ascending.
	LoadStream(ctx context.Context, positionKey string) ([]types.EventRecord, error)

	// LoadStreamAsOf is LoadStream filtered to effective_date <= asOf.
	LoadStreamAsOf(ctx context.Context, positionKey string, asOf types.Date) ([]types.EventRecord, error)
}

// Snapshots is the materialized per-position view with optimistic locking.
type Snapshots interface {
	// GetSnapshot returns the snapshot or (nil, nil) when none exists.
	GetSnapshot(ctx context.Context, positionKey string) (*types.SnapshotRecord, error)

	// UpsertSnapshot writes the snapshot via compare-and-set on the
	// optimistic counter: expectedVersion 0 inserts a fresh row, anything
	// else updates only if the stored version still matches. The record's
	// Version field must already hold the new counter value.
	UpsertSnapshot(ctx context.Context, rec types.SnapshotRecord, expectedVersion int64) error

	// FindByUTI returns the snapshot currently carrying the UTI on a key
	// other than excludeKey, or (nil, nil). Used for merge detection.
	FindByUTI(ctx context.Context, uti, excludeKey string) (*types.SnapshotRecord, error)
}

// Idempotency is the at-most-once guard keyed by trade id.
type Idempotency interface {
	// GetIdempotency returns the record or (nil, nil) when unseen.
	GetIdempotency(ctx context.Context, tradeID string) (*types.IdempotencyRecord, error)

	// MarkProcessed records terminal success. Overwrites a prior FAILED row.
	MarkProcessed(ctx context.Context, tradeID, positionKey string, eventVer int64) error

	// MarkFailed records a non-retryable failure with its message. It never
	// downgrades a PROCESSED row.
	MarkFailed(ctx context.Context, tradeID, positionKey, errMsg string) error
}

// UPIHistory is the append-only audit of position-identity transitions.
type UPIHistory interface {
	RecordUPI(ctx context.Context, rec types.UPIRecord) error
	UPIHistoryFor(ctx context.Context, positionKey string) ([]types.UPIRecord, error)
}

// Store aggregates the four tables plus transaction scoping.
type Store interface {
	Events
	Snapshots
	Idempotency
	UPIHistory

	// WithinTx runs fn against a transaction-scoped Store. fn returning an
	// error rolls everything back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
