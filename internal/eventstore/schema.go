package eventstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema is the DDL for the four engine tables. The event log's composite
// primary key doubles as the concurrency-conflict detector; the snapshot
// table carries two independent counters (last_ver = applied event count,
// version = optimistic lock).
const Schema = `
CREATE TABLE IF NOT EXISTS position_events (
	position_key   TEXT        NOT NULL,
	event_ver      BIGINT      NOT NULL,
	event_type     TEXT        NOT NULL,
	effective_date DATE        NOT NULL,
	occurred_at    TIMESTAMPTZ NOT NULL,
	payload        JSONB       NOT NULL,
	meta_lots      JSONB,
	correlation_id TEXT        NOT NULL DEFAULT '',
	causation_id   TEXT        NOT NULL DEFAULT '',
	contract_id    TEXT        NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (position_key, event_ver)
);

CREATE INDEX IF NOT EXISTS idx_position_events_effective
	ON position_events (position_key, effective_date);

CREATE TABLE IF NOT EXISTS position_snapshots (
	position_key            TEXT        PRIMARY KEY,
	account                 TEXT        NOT NULL,
	instrument              TEXT        NOT NULL,
	currency                TEXT        NOT NULL,
	direction               TEXT        NOT NULL,
	last_ver                BIGINT      NOT NULL,
	uti                     TEXT        NOT NULL,
	status                  TEXT        NOT NULL,
	reconciliation_status   TEXT        NOT NULL,
	provisional_trade_id    TEXT        NOT NULL DEFAULT '',
	tax_lots_compressed     JSONB,
	summary_metrics         JSONB,
	price_quantity_schedule JSONB,
	version                 BIGINT      NOT NULL,
	last_updated_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_position_snapshots_uti
	ON position_snapshots (uti);

CREATE TABLE IF NOT EXISTS trade_idempotency (
	trade_id      TEXT        PRIMARY KEY,
	position_key  TEXT        NOT NULL,
	event_version BIGINT      NOT NULL DEFAULT 0,
	status        TEXT        NOT NULL,
	error         TEXT        NOT NULL DEFAULT '',
	processed_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS upi_history (
	id                       BIGSERIAL   PRIMARY KEY,
	position_key             TEXT        NOT NULL,
	upi                      TEXT        NOT NULL,
	previous_upi             TEXT        NOT NULL DEFAULT '',
	status                   TEXT        NOT NULL,
	previous_status          TEXT        NOT NULL DEFAULT '',
	change_type              TEXT        NOT NULL,
	triggering_trade_id      TEXT        NOT NULL,
	backdated_trade_id       TEXT        NOT NULL DEFAULT '',
	effective_date           DATE        NOT NULL,
	occurred_at              TIMESTAMPTZ NOT NULL,
	merged_from_position_key TEXT        NOT NULL DEFAULT '',
	reason                   TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_upi_history_position
	ON upi_history (position_key, occurred_at);
`

// EnsureSchema applies the DDL. Idempotent; run at startup.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
