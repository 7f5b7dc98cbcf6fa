package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tradelot/pkg/types"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL. Each call carries its own
// context timeout; transaction-scoped copies run against the enclosing tx
// instead of the pool.
type PostgresStore struct {
	db      *sqlx.DB
	ext     sqlx.ExtContext // db outside a tx, *sqlx.Tx inside
	timeout time.Duration
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ext: db, timeout: timeout}
}

// Open connects, pings, and applies the schema.
func Open(ctx context.Context, dsn string, timeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db, timeout), nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// WithinTx runs fn against a tx-scoped store. The hotpath relies on this for
// its append+snapshot atomicity.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer txx.Rollback()

	scoped := &PostgresStore{db: s.db, ext: txx, timeout: s.timeout}
	if err := fn(ctx, scoped); err != nil {
		return err
	}
	if err := txx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

func (s *PostgresStore) AppendEvent(ctx context.Context, rec types.EventRecord) (int64, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var query string
	args := []any{
		rec.PositionKey, rec.EventType, rec.EffectiveDate, rec.OccurredAt,
		rec.Payload, rec.MetaLots, rec.CorrelationID, rec.CausationID, rec.ContractID,
	}
	if rec.EventVer > 0 {
		query = `
			INSERT INTO position_events
				(position_key, event_type, effective_date, occurred_at, payload,
				 meta_lots, correlation_id, causation_id, contract_id, event_ver)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING event_ver`
		args = append(args, rec.EventVer)
	} else {
		// Version assignment and insert in one statement keeps max+1 inside
		// the transaction's snapshot.
		query = `
			INSERT INTO position_events
				(position_key, event_type, effective_date, occurred_at, payload,
				 meta_lots, correlation_id, causation_id, contract_id, event_ver)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
				(SELECT COALESCE(MAX(event_ver), 0) + 1 FROM position_events WHERE position_key = $1))
			RETURNING event_ver`
	}

	var ver int64
	if err := sqlx.GetContext(ctx, s.ext, &ver, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("append event: %w", err)
	}
	return ver, nil
}

func (s *PostgresStore) LoadStream(ctx context.Context, positionKey string) ([]types.EventRecord, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var events []types.EventRecord
	err := sqlx.SelectContext(ctx, s.ext, &events, `
		SELECT position_key, event_ver, event_type, effective_date, occurred_at,
		       payload, meta_lots, correlation_id, causation_id, contract_id
		FROM position_events
		WHERE position_key = $1
		ORDER BY event_ver ASC`, positionKey)
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) LoadStreamAsOf(ctx context.Context, positionKey string, asOf types.Date) ([]types.EventRecord, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var events []types.EventRecord
	err := sqlx.SelectContext(ctx, s.ext, &events, `
		SELECT position_key, event_ver, event_type, effective_date, occurred_at,
		       payload, meta_lots, correlation_id, causation_id, contract_id
		FROM position_events
		WHERE position_key = $1 AND effective_date <= $2
		ORDER BY event_ver ASC`, positionKey, asOf)
	if err != nil {
		return nil, fmt.Errorf("load stream as of: %w", err)
	}
	return events, nil
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

const snapshotColumns = `
	position_key, account, instrument, currency, direction, last_ver, uti,
	status, reconciliation_status, provisional_trade_id, tax_lots_compressed,
	summary_metrics, price_quantity_schedule, version, last_updated_at`

func (s *PostgresStore) GetSnapshot(ctx context.Context, positionKey string) (*types.SnapshotRecord, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var rec types.SnapshotRecord
	err := sqlx.GetContext(ctx, s.ext, &rec,
		`SELECT `+snapshotColumns+` FROM position_snapshots WHERE position_key = $1`, positionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) UpsertSnapshot(ctx context.Context, rec types.SnapshotRecord, expectedVersion int64) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	if expectedVersion == 0 {
		_, err := s.ext.ExecContext(ctx, `
			INSERT INTO position_snapshots (`+snapshotColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			rec.PositionKey, rec.Account, rec.Instrument, rec.Currency, rec.Direction,
			rec.LastVer, rec.UTI, rec.Status, rec.ReconStatus, rec.ProvisionalTradeID,
			rec.TaxLotsCompressed, rec.Summary, rec.Schedule, rec.Version, rec.LastUpdatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return ErrOptimisticConflict
			}
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	}

	res, err := s.ext.ExecContext(ctx, `
		UPDATE position_snapshots SET
			account = $2, instrument = $3, currency = $4, direction = $5,
			last_ver = $6, uti = $7, status = $8, reconciliation_status = $9,
			provisional_trade_id = $10, tax_lots_compressed = $11,
			summary_metrics = $12, price_quantity_schedule = $13,
			version = $14, last_updated_at = $15
		WHERE position_key = $1 AND version = $16`,
		rec.PositionKey, rec.Account, rec.Instrument, rec.Currency, rec.Direction,
		rec.LastVer, rec.UTI, rec.Status, rec.ReconStatus, rec.ProvisionalTradeID,
		rec.TaxLotsCompressed, rec.Summary, rec.Schedule, rec.Version, rec.LastUpdatedAt,
		expectedVersion)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if n == 0 {
		return ErrOptimisticConflict
	}
	return nil
}

func (s *PostgresStore) FindByUTI(ctx context.Context, uti, excludeKey string) (*types.SnapshotRecord, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var rec types.SnapshotRecord
	err := sqlx.GetContext(ctx, s.ext, &rec, `
		SELECT `+snapshotColumns+` FROM position_snapshots
		WHERE uti = $1 AND position_key <> $2
		LIMIT 1`, uti, excludeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by uti: %w", err)
	}
	return &rec, nil
}

// ————————————————————————————————————————————————————————————————————————
// Idempotency
// ————————————————————————————————————————————————————————————————————————

func (s *PostgresStore) GetIdempotency(ctx context.Context, tradeID string) (*types.IdempotencyRecord, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var rec types.IdempotencyRecord
	err := sqlx.GetContext(ctx, s.ext, &rec, `
		SELECT trade_id, position_key, event_version, status, error, processed_at
		FROM trade_idempotency WHERE trade_id = $1`, tradeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, tradeID, positionKey string, eventVer int64) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO trade_idempotency (trade_id, position_key, event_version, status, error, processed_at)
		VALUES ($1, $2, $3, $4, '', now())
		ON CONFLICT (trade_id) DO UPDATE SET
			position_key = EXCLUDED.position_key,
			event_version = EXCLUDED.event_version,
			status = EXCLUDED.status,
			error = '',
			processed_at = EXCLUDED.processed_at`,
		tradeID, positionKey, eventVer, types.Processed)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, tradeID, positionKey, errMsg string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO trade_idempotency (trade_id, position_key, event_version, status, error, processed_at)
		VALUES ($1, $2, 0, $3, $4, now())
		ON CONFLICT (trade_id) DO UPDATE SET
			error = EXCLUDED.error,
			processed_at = EXCLUDED.processed_at,
			status = EXCLUDED.status
		WHERE trade_idempotency.status <> 'PROCESSED'`,
		tradeID, positionKey, types.Failed, errMsg)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// UPI history
// ————————————————————————————————————————————————————————————————————————

func (s *PostgresStore) RecordUPI(ctx context.Context, rec types.UPIRecord) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO upi_history
			(position_key, upi, previous_upi, status, previous_status, change_type,
			 triggering_trade_id, backdated_trade_id, effective_date, occurred_at,
			 merged_from_position_key, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.PositionKey, rec.UPI, rec.PreviousUPI, rec.Status, rec.PreviousStatus,
		rec.ChangeType, rec.TriggeringTradeID, rec.BackdatedTradeID, rec.EffectiveDate,
		rec.OccurredAt, rec.MergedFromPositionKey, rec.Reason)
	if err != nil {
		return fmt.Errorf("record upi: %w", err)
	}
	return nil
}

func (s *PostgresStore) UPIHistoryFor(ctx context.Context, positionKey string) ([]types.UPIRecord, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var recs []types.UPIRecord
	err := sqlx.SelectContext(ctx, s.ext, &recs, `
		SELECT position_key, upi, previous_upi, status, previous_status, change_type,
		       triggering_trade_id, backdated_trade_id, effective_date, occurred_at,
		       merged_from_position_key, reason
		FROM upi_history
		WHERE position_key = $1
		ORDER BY occurred_at ASC, id ASC`, positionKey)
	if err != nil {
		return nil, fmt.Errorf("upi history: %w", err)
	}
	return recs, nil
}
