package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"oms/internal/core"
)

// InsertEvent appends one outbox row in the caller's transaction and returns
// the event with its assigned id, so mutations and their events commit
// atomically.
func (s *Store) InsertEvent(ctx context.Context, q Querier, accountID int64, namespace, eventType, payloadJSON string) (*core.Event, error) {
	now := nowMs()
	res, err := q.ExecContext(ctx, `
		INSERT INTO event_outbox (account_id, namespace, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		accountID, namespace, eventType, payloadJSON, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read event id: %w", err)
	}
	return &core.Event{
		ID:        id,
		AccountID: accountID,
		Namespace: namespace,
		EventType: eventType,
		Payload:   payloadJSON,
		CreatedAt: now,
	}, nil
}

// ListEventsAfter returns outbox rows for an account with id > afterID,
// oldest first, bounded.
func (s *Store) ListEventsAfter(ctx context.Context, q Querier, accountID, afterID int64, limit int) ([]*core.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, namespace, event_type, payload_json, created_at
		FROM event_outbox WHERE account_id = ? AND id > ?
		ORDER BY id LIMIT ?`, accountID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*core.Event
	for rows.Next() {
		var ev core.Event
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Namespace, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// MaxEventID returns the latest outbox id, 0 when the outbox is empty.
func (s *Store) MaxEventID(ctx context.Context, q Querier) (int64, error) {
	var id sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(id) FROM event_outbox`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read max event id: %w", err)
	}
	return id.Int64, nil
}

// FetchReconciliationCursor reads the cursor value for (account, entity);
// empty string when absent.
func (s *Store) FetchReconciliationCursor(ctx context.Context, q Querier, accountID int64, entity string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `
		SELECT cursor_value FROM reconciliation_cursor
		WHERE account_id = ? AND entity = ?`, accountID, entity).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch cursor: %w", err)
	}
	return v, nil
}

// UpdateReconciliationCursor upserts the cursor, never moving it backwards.
// Values are decimal strings of milliseconds, compared numerically.
func (s *Store) UpdateReconciliationCursor(ctx context.Context, q Querier, accountID int64, entity, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO reconciliation_cursor (account_id, entity, cursor_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, entity) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			updated_at = excluded.updated_at
		WHERE CAST(excluded.cursor_value AS INTEGER) > CAST(reconciliation_cursor.cursor_value AS INTEGER)`,
		accountID, entity, value, nowMs())
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

// RawFingerprint derives the dedup hash for a raw ccxt payload.
func RawFingerprint(payloadJSON string) string {
	sum := sha256.Sum256([]byte(payloadJSON))
	return hex.EncodeToString(sum[:])
}

// InsertCcxtOrderRaw archives a raw order response; duplicates are ignored
// by fingerprint.
func (s *Store) InsertCcxtOrderRaw(ctx context.Context, q Querier, accountID int64, payloadJSON string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO ccxt_orders_raw (account_id, fingerprint_hash, payload_json, created_at)
		VALUES (?, ?, ?, ?)`,
		accountID, RawFingerprint(payloadJSON), payloadJSON, nowMs())
	if err != nil {
		return fmt.Errorf("failed to insert raw order: %w", err)
	}
	return nil
}

// InsertCcxtTradeRaw archives a raw trade; duplicates are ignored by
// fingerprint.
func (s *Store) InsertCcxtTradeRaw(ctx context.Context, q Querier, accountID int64, payloadJSON string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO ccxt_trades_raw (account_id, fingerprint_hash, payload_json, created_at)
		VALUES (?, ?, ?, ?)`,
		accountID, RawFingerprint(payloadJSON), payloadJSON, nowMs())
	if err != nil {
		return fmt.Errorf("failed to insert raw trade: %w", err)
	}
	return nil
}

// ListCcxtRaw returns archived raw payloads for an account, newest first.
// Table is either "ccxt_orders_raw" or "ccxt_trades_raw"; callers validate.
func (s *Store) ListCcxtRaw(ctx context.Context, q Querier, table string, accountID int64, limit int) ([]string, error) {
	if table != "ccxt_orders_raw" && table != "ccxt_trades_raw" {
		return nil, fmt.Errorf("unknown raw table: %s", table)
	}
	rows, err := q.QueryContext(ctx,
		`SELECT payload_json FROM `+table+` WHERE account_id = ? ORDER BY id DESC LIMIT ?`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw rows: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan raw row: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}
