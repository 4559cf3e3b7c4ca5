package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"oms/internal/core"
)

const positionColumns = `id, account_id, strategy_id, symbol, side, qty, avg_price,
	state, stop_loss, stop_gain, reason, comment, opened_at, closed_at`

func scanPosition(row interface{ Scan(...any) error }) (*core.Position, error) {
	var p core.Position
	var qty, avg string
	var stopLoss, stopGain sql.NullString
	var openedAt int64
	var closedAt sql.NullInt64

	err := row.Scan(&p.ID, &p.AccountID, &p.StrategyID, &p.Symbol, &p.Side, &qty, &avg,
		&p.State, &stopLoss, &stopGain, &p.Reason, &p.Comment, &openedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}

	if p.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("bad qty on position %d: %w", p.ID, err)
	}
	if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("bad avg_price on position %d: %w", p.ID, err)
	}
	if p.StopLoss, err = nullDecimal(stopLoss); err != nil {
		return nil, fmt.Errorf("bad stop_loss on position %d: %w", p.ID, err)
	}
	if p.StopGain, err = nullDecimal(stopGain); err != nil {
		return nil, fmt.Errorf("bad stop_gain on position %d: %w", p.ID, err)
	}
	p.OpenedAt = msToTime(openedAt)
	if closedAt.Valid {
		t := msToTime(closedAt.Int64)
		p.ClosedAt = &t
	}
	return &p, nil
}

// FetchOpenPosition loads one position by id, requiring it to be open.
func (s *Store) FetchOpenPosition(ctx context.Context, q Querier, positionID int64) (*core.Position, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ? AND state = 'open'`,
		positionID)
	return scanPosition(row)
}

// FetchPosition loads one position regardless of state.
func (s *Store) FetchPosition(ctx context.Context, q Querier, positionID int64) (*core.Position, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = ?`, positionID)
	return scanPosition(row)
}

// FetchOpenPositionForSymbol finds the open hedge-mode container for
// (account, symbol, side, strategy). Returns nil when none exists.
func (s *Store) FetchOpenPositionForSymbol(ctx context.Context, q Querier, accountID int64, symbol string, side core.Side, strategyID int64) (*core.Position, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND symbol = ? AND side = ? AND strategy_id = ? AND state = 'open'
		ORDER BY id LIMIT 1`, accountID, symbol, side, strategyID)
	p, err := scanPosition(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// FetchOpenNetPositionBySymbol finds the single open netting-mode container
// for (account, symbol). Returns nil when none exists.
func (s *Store) FetchOpenNetPositionBySymbol(ctx context.Context, q Querier, accountID int64, symbol string) (*core.Position, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND symbol = ? AND state = 'open'
		ORDER BY id LIMIT 1`, accountID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// CreatePositionOpen opens a new position container and returns its id.
func (s *Store) CreatePositionOpen(ctx context.Context, q Querier, p *core.Position) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO positions (account_id, strategy_id, symbol, side, qty, avg_price,
			state, stop_loss, stop_gain, reason, comment, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?, ?, ?, ?)`,
		p.AccountID, p.StrategyID, p.Symbol, p.Side, p.Qty.String(), p.AvgPrice.String(),
		decimalPtr(p.StopLoss), decimalPtr(p.StopGain), p.Reason, p.Comment, nowMs())
	if err != nil {
		return 0, fmt.Errorf("failed to insert position: %w", err)
	}
	return res.LastInsertId()
}

// UpdatePositionOpenQtyPrice applies the scalar update to an open position.
func (s *Store) UpdatePositionOpenQtyPrice(ctx context.Context, q Querier, positionID int64, qty, avgPrice decimal.Decimal) error {
	res, err := q.ExecContext(ctx, `
		UPDATE positions SET qty = ?, avg_price = ? WHERE id = ? AND state = 'open'`,
		qty.String(), avgPrice.String(), positionID)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	return requireRow(res)
}

// ClosePosition terminally closes a position; qty drops to zero.
func (s *Store) ClosePosition(ctx context.Context, q Querier, positionID int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE positions SET state = 'closed', qty = '0', closed_at = ?
		WHERE id = ? AND state = 'open'`, nowMs(), positionID)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return requireRow(res)
}

// ClosePositionMerged closes a position whose exposure was folded into
// another during a merge.
func (s *Store) ClosePositionMerged(ctx context.Context, q Querier, positionID, mergedIntoID int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE positions SET state = 'closed', qty = '0',
			comment = 'merged into position ' || ?, closed_at = ?
		WHERE id = ? AND state = 'open'`, mergedIntoID, nowMs(), positionID)
	if err != nil {
		return fmt.Errorf("failed to close merged position: %w", err)
	}
	return requireRow(res)
}

// ReopenPositionIfCloseRequested restores an open state after a failed
// close_position so the exposure remains visible.
func (s *Store) ReopenPositionIfCloseRequested(ctx context.Context, q Querier, positionID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE positions SET state = 'open', closed_at = NULL
		WHERE id = ? AND state = 'closed' AND qty != '0'`, positionID)
	if err != nil {
		return fmt.Errorf("failed to reopen position: %w", err)
	}
	return nil
}

// ReassignOpenOrdersPosition relinks all open orders of one position to
// another (merge step 4).
func (s *Store) ReassignOpenOrdersPosition(ctx context.Context, q Querier, fromPositionID, toPositionID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE position_orders SET position_id = ?, updated_at = ?
		WHERE position_id = ? AND status IN ('PENDING_SUBMIT', 'SUBMITTED', 'PARTIALLY_FILLED')`,
		toPositionID, nowMs(), fromPositionID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign open orders: %w", err)
	}
	return res.RowsAffected()
}

// ReassignDealsPosition relinks all deals of one position to another (merge
// step 5).
func (s *Store) ReassignDealsPosition(ctx context.Context, q Querier, fromPositionID, toPositionID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE position_deals SET position_id = ? WHERE position_id = ?`,
		toPositionID, fromPositionID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign deals: %w", err)
	}
	return res.RowsAffected()
}

// UpdatePositionTargetsComment sets stop targets and comment on a position.
func (s *Store) UpdatePositionTargetsComment(ctx context.Context, q Querier, positionID int64, stopLoss, stopGain *decimal.Decimal, comment string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE positions SET stop_loss = ?, stop_gain = ?, comment = ? WHERE id = ?`,
		decimalPtr(stopLoss), decimalPtr(stopGain), comment, positionID)
	if err != nil {
		return fmt.Errorf("failed to update position targets: %w", err)
	}
	return requireRow(res)
}

// ListOpenPositions returns the account's open positions.
func (s *Store) ListOpenPositions(ctx context.Context, q Querier, accountID int64) ([]*core.Position, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND state = 'open' ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// ListPositionsHistory returns the account's closed positions, newest first.
func (s *Store) ListPositionsHistory(ctx context.Context, q Querier, accountID int64, limit int) ([]*core.Position, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND state = 'closed'
		ORDER BY id DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list position history: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// RecentSymbols lists the account's most recently traded symbols, bounded,
// used for the reconciler's per-symbol fallback fetch.
func (s *Store) RecentSymbols(ctx context.Context, q Querier, accountID int64, limit int) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT symbol FROM position_orders WHERE account_id = ?
		GROUP BY symbol ORDER BY MAX(id) DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// FetchPositionAccountID resolves a position to its owning account.
func (s *Store) FetchPositionAccountID(ctx context.Context, q Querier, positionID int64) (int64, error) {
	var accountID int64
	err := q.QueryRowContext(ctx,
		`SELECT account_id FROM positions WHERE id = ?`, positionID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch position account: %w", err)
	}
	return accountID, nil
}

// FetchPositionStrategyID resolves a position to its strategy.
func (s *Store) FetchPositionStrategyID(ctx context.Context, q Querier, positionID int64) (int64, error) {
	var strategyID int64
	err := q.QueryRowContext(ctx,
		`SELECT strategy_id FROM positions WHERE id = ?`, positionID).Scan(&strategyID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch position strategy: %w", err)
	}
	return strategyID, nil
}

// ReassignPositionsStrategy moves the account's positions from one strategy
// to another.
func (s *Store) ReassignPositionsStrategy(ctx context.Context, q Querier, accountID, fromStrategyID, toStrategyID int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE positions SET strategy_id = ? WHERE account_id = ? AND strategy_id = ?`,
		toStrategyID, accountID, fromStrategyID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign positions: %w", err)
	}
	return res.RowsAffected()
}

func collectPositions(rows *sql.Rows) ([]*core.Position, error) {
	var out []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
